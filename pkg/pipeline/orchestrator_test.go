package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// stageCounter counts executions per stage across a run.
type stageCounter struct {
	mu sync.Mutex
	n  map[StageID]int
}

func (c *stageCounter) hit(id StageID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[StageID]int)
	}
	c.n[id]++
	return c.n[id]
}

func (c *stageCounter) get(id StageID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

func findingStage(c *stageCounter, id StageID, perRun func(n int) int) Stage {
	return StageFunc(func(ctx context.Context, x *Exec) (StageOutput, error) {
		n := c.hit(id)
		count := perRun(n)
		out := StageOutput{Text: fmt.Sprintf("%s run %d", id, n)}
		for i := 0; i < count; i++ {
			out.Findings = append(out.Findings, Finding{Text: fmt.Sprintf("%s finding %d.%d", id, n, i)})
		}
		return out, nil
	})
}

func fixed(k int) func(int) int { return func(int) int { return k } }

func chain(stages ...StageDescriptor) *Sequence {
	for i := range stages {
		stages[i].Ordinal = i + 1
		if i > 0 && stages[i].DependsOn == nil {
			stages[i].DependsOn = []StageID{stages[i-1].ID}
		}
	}
	return MustSequence(stages...)
}

func testOrchestrator(obs Observer) *Orchestrator {
	return New(
		WithAdapter(NewAdapter(WithSleep(noSleep))),
		WithObserver(obs),
		WithRunIDs(func() string { return "run-test" }),
	)
}

func TestRun_DeliversOnFirstAttempt(t *testing.T) {
	c := &stageCounter{}
	plan := Plan{
		Name: "test",
		Sequence: chain(
			StageDescriptor{ID: "intake", Stage: findingStage(c, "intake", fixed(0))},
			StageDescriptor{ID: "research", Stage: findingStage(c, "research", fixed(3))},
			StageDescriptor{ID: "narrative", Stage: findingStage(c, "narrative", fixed(0))},
		),
		Gate:   Gate{ID: "gate", Predicates: []Predicate{MinEvidence(3, "research")}},
		Budget: Budget{MaxAttempts: 3},
	}

	out := testOrchestrator(nil).Run(context.Background(), Subject{ID: "Team A vs Team B"}, plan)
	if out.Status != StatusDelivered {
		t.Fatalf("Status = %s, failure = %+v", out.Status, out.Failure)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].Status != StatusGatePassed {
		t.Errorf("attempts = %+v", out.Attempts)
	}
	if out.Failure != nil {
		t.Errorf("Failure = %+v, want nil", out.Failure)
	}
	var stages []StageID
	for _, tm := range out.Timings {
		stages = append(stages, tm.Stage)
		if tm.Status != TimingCompleted {
			t.Errorf("timing %s status = %s", tm.Stage, tm.Status)
		}
	}
	if diff := cmp.Diff([]StageID{"intake", "research", "narrative"}, stages); diff != "" {
		t.Errorf("timings mismatch (-want +got):\n%s", diff)
	}
	if out.RunID != "run-test" {
		t.Errorf("RunID = %s", out.RunID)
	}
}

func TestRun_ReexecutionSkipsStagesBeforeReentry(t *testing.T) {
	c := &stageCounter{}
	trace := &TraceCollector{}
	plan := Plan{
		Sequence: chain(
			StageDescriptor{ID: "intake", Stage: findingStage(c, "intake", fixed(0))},
			StageDescriptor{ID: "baseline", Stage: findingStage(c, "baseline", fixed(1))},
			StageDescriptor{ID: "research", Stage: findingStage(c, "research", func(n int) int {
				if n == 1 {
					return 1
				}
				return 2
			})},
			StageDescriptor{ID: "narrative", Stage: findingStage(c, "narrative", fixed(0))},
		),
		Gate:   Gate{Predicates: []Predicate{MinEvidence(3, "research")}},
		Budget: Budget{MaxAttempts: 3},
	}

	out := testOrchestrator(trace).Run(context.Background(), Subject{ID: "s"}, plan)
	if out.Status != StatusDelivered {
		t.Fatalf("Status = %s, failure = %+v", out.Status, out.Failure)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(out.Attempts))
	}
	if out.Attempts[1].Reentry != "research" {
		t.Errorf("re-entry = %s, want research", out.Attempts[1].Reentry)
	}
	if diff := cmp.Diff([]StageID{"research", "narrative"}, trace.StagesRun(2)); diff != "" {
		t.Errorf("attempt 2 stages mismatch (-want +got):\n%s", diff)
	}
	for id, want := range map[StageID]int{"intake": 1, "baseline": 1, "research": 2, "narrative": 2} {
		if got := c.get(id); got != want {
			t.Errorf("%s executed %d time(s), want %d", id, got, want)
		}
	}
	baseline, _ := out.State.Output("baseline")
	want := StageOutput{Stage: "baseline", Text: "baseline run 1", Findings: []Finding{{Text: "baseline finding 1.0"}}}
	if diff := cmp.Diff(want, baseline); diff != "" {
		t.Errorf("baseline slot changed across attempts (-want +got):\n%s", diff)
	}
	if len(out.State.Verdicts()) != 2 {
		t.Errorf("verdict history = %d, want 2", len(out.State.Verdicts()))
	}
}

func TestRun_ExhaustedCarriesLastDeficiencies(t *testing.T) {
	c := &stageCounter{}
	plan := Plan{
		Sequence: chain(
			StageDescriptor{ID: "questions", Stage: findingStage(c, "questions", fixed(0))},
			StageDescriptor{ID: "research", Stage: findingStage(c, "research", fixed(2))},
		),
		Gate:    Gate{Predicates: []Predicate{MinEvidence(3, "research")}},
		Reentry: ReentryPolicy{ByPredicate: map[string]StageID{PredMinEvidence: "questions"}},
		Budget:  Budget{MaxAttempts: 3},
	}

	out := testOrchestrator(nil).Run(context.Background(), Subject{ID: "s"}, plan)
	if out.Status != StatusExhausted {
		t.Fatalf("Status = %s", out.Status)
	}
	if len(out.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(out.Attempts))
	}
	f := out.Failure
	if f == nil {
		t.Fatal("Failure = nil")
	}
	if f.Kind != KindBudgetExhausted || f.Attempt != 3 || f.Stage != "questions" {
		t.Errorf("failure = %+v", f)
	}
	want := []Deficiency{{Predicate: PredMinEvidence, Detail: "found 2 evidence item(s), need 3", Stages: []StageID{"research"}}}
	if diff := cmp.Diff(want, f.Deficiencies); diff != "" {
		t.Errorf("deficiencies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(out.Attempts[2].Verdict.Deficiencies, f.Deficiencies); diff != "" {
		t.Errorf("failure report must carry the last attempt's deficiencies:\n%s", diff)
	}
}

func TestRun_FatalBypassesGate(t *testing.T) {
	trace := &TraceCollector{}
	c := &stageCounter{}
	plan := Plan{
		Sequence: chain(
			StageDescriptor{ID: "intake", Stage: StageFunc(func(context.Context, *Exec) (StageOutput, error) {
				return StageOutput{}, Fatal(errors.New("subject identifier is empty"))
			})},
			StageDescriptor{ID: "research", Stage: findingStage(c, "research", fixed(5))},
		),
		Gate:   Gate{Predicates: []Predicate{MinEvidence(1)}},
		Budget: Budget{MaxAttempts: 3},
	}

	out := testOrchestrator(trace).Run(context.Background(), Subject{}, plan)
	if out.Status != StatusFatal {
		t.Fatalf("Status = %s", out.Status)
	}
	want := &FailureReport{Kind: KindFatal, Stage: "intake", Attempt: 1, Reason: "subject identifier is empty"}
	if diff := cmp.Diff(want, out.Failure); diff != "" {
		t.Errorf("failure mismatch (-want +got):\n%s", diff)
	}
	if n := len(trace.EventsOfType(EventGateVerdict)); n != 0 {
		t.Errorf("gate evaluated %d time(s) on a fatal run", n)
	}
	if c.get("research") != 0 {
		t.Error("stages after a fatal failure must not run")
	}
}

func TestRun_DeferredFailureReentersAtFailedStage(t *testing.T) {
	c := &stageCounter{}
	flaky := StageFunc(func(ctx context.Context, x *Exec) (StageOutput, error) {
		if c.hit("baseline") == 1 {
			return StageOutput{}, &CallError{Service: "research", Kind: KindTransientCall, Attempts: 3, Err: ErrUnavailable}
		}
		return StageOutput{Findings: []Finding{{Text: "b1"}, {Text: "b2"}, {Text: "b3"}}}, nil
	})
	trace := &TraceCollector{}
	plan := Plan{
		Sequence: chain(
			StageDescriptor{ID: "intake", Stage: findingStage(c, "intake", fixed(0))},
			StageDescriptor{ID: "baseline", Stage: flaky, OnFailure: FailDefer},
			StageDescriptor{ID: "narrative", Stage: findingStage(c, "narrative", fixed(0))},
		),
		Gate:   Gate{Predicates: []Predicate{StagesCompleted(), MinEvidence(3)}},
		Budget: Budget{MaxAttempts: 2},
	}

	out := testOrchestrator(trace).Run(context.Background(), Subject{ID: "s"}, plan)
	if out.Status != StatusDelivered {
		t.Fatalf("Status = %s, failure = %+v", out.Status, out.Failure)
	}
	first := out.Attempts[0].Verdict
	if first == nil || !first.Failed(PredStagesCompleted) {
		t.Fatalf("first verdict = %+v", first)
	}
	if len(trace.EventsOfType(EventStageBlocked)) != 1 {
		t.Errorf("narrative should be blocked once on attempt 1")
	}
	if out.Attempts[1].Reentry != "baseline" {
		t.Errorf("re-entry = %s, want baseline", out.Attempts[1].Reentry)
	}
	if c.get("intake") != 1 {
		t.Errorf("intake executed %d times", c.get("intake"))
	}
}

func TestRun_StageRetryWithinAttempt(t *testing.T) {
	c := &stageCounter{}
	flaky := StageFunc(func(ctx context.Context, x *Exec) (StageOutput, error) {
		if c.hit("research") == 1 {
			return StageOutput{}, errors.New("empty response")
		}
		return StageOutput{Findings: []Finding{{Text: "f"}}}, nil
	})
	plan := Plan{
		Sequence: chain(StageDescriptor{ID: "research", Stage: flaky, OnFailure: FailRetry, StageRetries: 1}),
		Gate:     Gate{Predicates: []Predicate{MinEvidence(1)}},
		Budget:   Budget{MaxAttempts: 1},
	}
	out := testOrchestrator(nil).Run(context.Background(), Subject{ID: "s"}, plan)
	if out.Status != StatusDelivered {
		t.Fatalf("Status = %s, failure = %+v", out.Status, out.Failure)
	}
	if len(out.Timings) != 1 || out.Timings[0].Tries != 2 {
		t.Errorf("timings = %+v", out.Timings)
	}
}

func blockingStage() Stage {
	return StageFunc(func(ctx context.Context, x *Exec) (StageOutput, error) {
		<-ctx.Done()
		return StageOutput{}, ctx.Err()
	})
}

func TestRun_WallClockBudgetExhausts(t *testing.T) {
	plan := Plan{
		Sequence: chain(
			StageDescriptor{ID: "intake", Stage: nopStage()},
			StageDescriptor{ID: "research", Stage: blockingStage()},
		),
		Gate:   Gate{Predicates: []Predicate{MinEvidence(1)}},
		Budget: Budget{MaxAttempts: 5, WallClock: 50 * time.Millisecond},
	}

	done := make(chan *Outcome, 1)
	go func() { done <- testOrchestrator(nil).Run(context.Background(), Subject{ID: "s"}, plan) }()

	select {
	case out := <-done:
		if out.Status != StatusExhausted {
			t.Fatalf("Status = %s", out.Status)
		}
		if out.Failure.Kind != KindBudgetExhausted || out.Failure.Stage != "research" {
			t.Errorf("failure = %+v", out.Failure)
		}
		if len(out.Failure.Deficiencies) == 0 {
			t.Error("exhausted report must not be empty")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate within its budget")
	}
}

func TestStart_CancelEndsFatal(t *testing.T) {
	plan := Plan{
		Sequence: chain(StageDescriptor{ID: "research", Stage: blockingStage()}),
		Gate:     Gate{},
		Budget:   Budget{MaxAttempts: 1},
	}
	h := testOrchestrator(nil).Start(context.Background(), Subject{ID: "s"}, plan)

	deadline := time.Now().Add(2 * time.Second)
	for h.Status() != StatusRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Status != StatusFatal || h.Status() != StatusFatal {
		t.Errorf("Status = %s / %s, want FATAL", out.Status, h.Status())
	}
	if _, ok := h.Outcome(); !ok {
		t.Error("Outcome not available after Done")
	}
}

func TestRun_CacheSharedAcrossStagesOfOneRun(t *testing.T) {
	var computes int
	var mu sync.Mutex
	lookup := StageFunc(func(ctx context.Context, x *Exec) (StageOutput, error) {
		v, err := Cached(ctx, x.Cache(), CacheKey("research", "baseline"), func(context.Context) (string, error) {
			mu.Lock()
			computes++
			mu.Unlock()
			return "facts", nil
		})
		if err != nil {
			return StageOutput{}, err
		}
		return StageOutput{Findings: []Finding{{Text: v + " via " + string(x.Stage)}}}, nil
	})
	plan := Plan{
		Sequence: chain(
			StageDescriptor{ID: "one", Stage: lookup},
			StageDescriptor{ID: "two", Stage: lookup},
		),
		Gate:   Gate{Predicates: []Predicate{MinEvidence(2)}},
		Budget: Budget{MaxAttempts: 1},
	}
	out := testOrchestrator(nil).Run(context.Background(), Subject{ID: "s"}, plan)
	if out.Status != StatusDelivered {
		t.Fatalf("Status = %s", out.Status)
	}
	if computes != 1 || out.Cache.Computes != 1 || out.Cache.Hits != 1 {
		t.Errorf("computes = %d, stats = %+v", computes, out.Cache)
	}
}

func TestRun_TransitionsAreLegal(t *testing.T) {
	trace := &TraceCollector{}
	c := &stageCounter{}
	plan := Plan{
		Sequence: chain(StageDescriptor{ID: "research", Stage: findingStage(c, "research", func(n int) int { return n })}),
		Gate:     Gate{Predicates: []Predicate{MinEvidence(2)}},
		Budget:   Budget{MaxAttempts: 3},
	}
	out := testOrchestrator(trace).Run(context.Background(), Subject{ID: "s"}, plan)
	if out.Status != StatusDelivered {
		t.Fatalf("Status = %s", out.Status)
	}
	var got []RunStatus
	for _, e := range trace.EventsOfType(EventTransition) {
		if e.Error != nil {
			t.Errorf("illegal transition: %v", e.Error)
		}
		got = append(got, e.Status)
	}
	want := []RunStatus{StatusRunning, StatusGateFailed, StatusReExecuting, StatusRunning, StatusGatePassed, StatusDelivered}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_PanicsOffTheRunGoroutineEndTheRun(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
	}{
		{
			name: "fan-out branch",
			stage: FanOut{
				Queries: func(View) ([]SubQuery, error) {
					return []SubQuery{{ID: "q1", Query: "one"}, {ID: "q2", Query: "two"}}, nil
				},
				MinSuccess: 2,
				Run: func(ctx context.Context, _ *Exec, q SubQuery) (Response, error) {
					if q.ID == "q2" {
						var m map[string]int
						m[q.ID]++
					}
					return Response{Text: q.Query}, nil
				},
			},
		},
		{
			name: "cached lookup",
			stage: StageFunc(func(ctx context.Context, x *Exec) (StageOutput, error) {
				v, err := Cached(ctx, x.Cache(), "k", func(context.Context) (string, error) {
					panic("research client bug")
				})
				return StageOutput{Text: v}, err
			}),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := Plan{
				Sequence: chain(StageDescriptor{ID: "research", Stage: tc.stage}),
				Gate:     Gate{Predicates: []Predicate{StagesCompleted()}},
				Budget:   Budget{MaxAttempts: 2},
			}
			out := testOrchestrator(nil).Run(context.Background(), Subject{ID: "s"}, plan)
			if out.Status != StatusExhausted {
				t.Fatalf("Status = %s, want EXHAUSTED", out.Status)
			}
			if len(out.Failure.Deficiencies) == 0 || out.Failure.Deficiencies[0].Predicate != PredStagesCompleted {
				t.Errorf("deficiencies = %+v", out.Failure.Deficiencies)
			}
		})
	}
}
