package pipeline

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func stateWithFindings(t *testing.T, n int) *State {
	t.Helper()
	s := NewState(Subject{ID: "s"}, lineSequence(t, "research", "narrative"))
	var fs []Finding
	for i := 0; i < n; i++ {
		fs = append(fs, Finding{Text: fmt.Sprintf("evidence %d", i+1)})
	}
	if err := s.Write("research", StageOutput{Findings: fs}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGate_MinEvidence(t *testing.T) {
	gate := Gate{ID: "gate", Predicates: []Predicate{MinEvidence(3, "research")}}

	tests := []struct {
		name   string
		items  int
		wantGo bool
	}{
		{"two items fail", 2, false},
		{"three items pass", 3, true},
		{"five items pass", 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := gate.Evaluate(stateWithFindings(t, tt.items))
			if v.Go != tt.wantGo {
				t.Fatalf("Go = %v, want %v (%+v)", v.Go, tt.wantGo, v.Deficiencies)
			}
			if tt.wantGo {
				return
			}
			want := []Deficiency{{
				Predicate: PredMinEvidence,
				Detail:    "found 2 evidence item(s), need 3",
				Stages:    []StageID{"research"},
			}}
			if diff := cmp.Diff(want, v.Deficiencies); diff != "" {
				t.Errorf("deficiencies mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCountEvidence_IgnoresDuplicatesAndBlanks(t *testing.T) {
	got := CountEvidence([]Finding{{Text: "A fact"}, {Text: "a  FACT"}, {Text: " "}, {Text: "another"}})
	if got != 2 {
		t.Errorf("CountEvidence = %d, want 2", got)
	}
}

func TestGate_ContradictionsAndSections(t *testing.T) {
	s := NewState(Subject{ID: "s"}, lineSequence(t, "check", "narrative"))
	_ = s.Write("check", StageOutput{RiskFlags: []RiskFlag{
		{Code: Contradiction, Detail: "injury report disagrees with lineup", Resolved: false},
		{Code: Contradiction, Detail: "venue mismatch", Resolved: true},
		{Code: "risk", Detail: "weather"},
	}})
	_ = s.Write("narrative", StageOutput{Sections: map[string]string{"summary": "text", "outlook": "  "}})

	gate := Gate{Predicates: []Predicate{
		NoUnresolvedContradictions(),
		RequiredSections([]string{"summary", "outlook", "risks"}, "narrative"),
	}}
	v := gate.Evaluate(s)
	want := []Deficiency{
		{
			Predicate: PredNoUnresolvedContradictions,
			Detail:    "1 unresolved contradiction(s): injury report disagrees with lineup",
			Stages:    []StageID{"check"},
		},
		{
			Predicate: PredRequiredSections,
			Detail:    "missing section(s): outlook, risks",
			Stages:    []StageID{"narrative"},
		},
	}
	if diff := cmp.Diff(want, v.Deficiencies); diff != "" {
		t.Errorf("deficiencies mismatch (-want +got):\n%s", diff)
	}
}

func TestGate_StagesCompletedImplicatesMissing(t *testing.T) {
	s := NewState(Subject{ID: "s"}, lineSequence(t, "a", "b", "c"))
	_ = s.Write("a", StageOutput{})
	s.recordFailure(StageFailure{Stage: "b", Reason: "research unavailable"})
	s.recordFailure(StageFailure{Stage: "c", Blocked: true, Reason: "upstream"})

	v := Gate{Predicates: []Predicate{StagesCompleted()}}.Evaluate(s)
	if v.Go {
		t.Fatal("expected NO-GO")
	}
	if diff := cmp.Diff([]StageID{"b", "c"}, v.Deficiencies[0].Stages); diff != "" {
		t.Errorf("implicated stages mismatch (-want +got):\n%s", diff)
	}
}

func TestReentryPolicy_Resolve(t *testing.T) {
	seq := lineSequence(t, "intake", "baseline", "questions", "research", "narrative")
	policy := ReentryPolicy{
		ByPredicate: map[string]StageID{PredMinEvidence: "questions"},
		Fallback:    "research",
	}

	tests := []struct {
		name string
		defs []Deficiency
		want StageID
	}{
		{"minimum implicated ordinal", []Deficiency{
			{Predicate: "x", Stages: []StageID{"narrative"}},
			{Predicate: "y", Stages: []StageID{"research", "narrative"}},
		}, "research"},
		{"predicate mapping pulls earlier", []Deficiency{
			{Predicate: PredMinEvidence, Stages: []StageID{"research"}},
		}, "questions"},
		{"nothing implicated uses fallback", []Deficiency{{Predicate: "custom"}}, "research"},
		{"unknown stages ignored", []Deficiency{{Predicate: "custom", Stages: []StageID{"ghost"}}}, "research"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Resolve(tt.defs, seq).ID; got != tt.want {
				t.Errorf("Resolve = %s, want %s", got, tt.want)
			}
		})
	}

	if got := (ReentryPolicy{}).Resolve(nil, seq).ID; got != "intake" {
		t.Errorf("empty policy Resolve = %s, want first stage", got)
	}
}

func TestRunStatus_Transitions(t *testing.T) {
	legal := [][2]RunStatus{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusGatePassed},
		{StatusRunning, StatusGateFailed},
		{StatusRunning, StatusFatal},
		{StatusGateFailed, StatusReExecuting},
		{StatusGateFailed, StatusExhausted},
		{StatusReExecuting, StatusRunning},
		{StatusGatePassed, StatusDelivered},
	}
	for _, tr := range legal {
		if !tr[0].CanTransition(tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]RunStatus{
		{StatusGatePassed, StatusReExecuting},
		{StatusDelivered, StatusRunning},
		{StatusPending, StatusDelivered},
		{StatusGateFailed, StatusDelivered},
	}
	for _, tr := range illegal {
		if tr[0].CanTransition(tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
	var terminal []RunStatus
	for _, s := range []RunStatus{StatusPending, StatusRunning, StatusGatePassed, StatusGateFailed, StatusReExecuting, StatusDelivered, StatusExhausted, StatusFatal} {
		if s.Terminal() {
			terminal = append(terminal, s)
		}
	}
	less := func(a, b RunStatus) bool { return a < b }
	if diff := cmp.Diff([]RunStatus{StatusDelivered, StatusExhausted, StatusFatal}, terminal, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("terminal statuses mismatch (-want +got):\n%s", diff)
	}
}
