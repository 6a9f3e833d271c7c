package format_test

import (
	"strings"
	"testing"
	"time"

	"dossier/internal/format"
	"dossier/internal/store"
	"dossier/pkg/pipeline"
)

func TestASCII_BasicTable(t *testing.T) {
	tb := format.NewTable(format.ASCII)
	tb.Header("Stage", "Tries")
	tb.Row("baseline_facts", 1)
	tb.Row("deep_research", 3)
	out := tb.String()

	// ASCII headers are upper-cased by the light style.
	for _, want := range []string{"STAGE", "baseline_facts", "deep_research", "───"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if tb.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tb.Len())
	}
}

func TestMarkdown_WithFooter(t *testing.T) {
	tb := format.NewTable(format.Markdown)
	tb.Header("Stage", "Tries")
	tb.Row("baseline_facts", 1)
	tb.Footer("TOTAL", 1)
	out := tb.String()

	for _, want := range []string{"| Stage", "---", "TOTAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestSameData_DualFormat(t *testing.T) {
	build := func(m format.Mode) string {
		tb := format.NewTable(m)
		tb.Header("A", "B")
		tb.Row("x", "y")
		return tb.String()
	}
	if build(format.ASCII) == build(format.Markdown) {
		t.Error("ASCII and Markdown output should differ")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want format.Mode
	}{
		{"markdown", format.Markdown},
		{"md", format.Markdown},
		{"ascii", format.ASCII},
		{"", format.ASCII},
	}
	for _, tc := range tests {
		if got := format.ParseMode(tc.in); got != tc.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestStageTable(t *testing.T) {
	descs := []pipeline.StageDescriptor{
		{ID: "subject_intake", Ordinal: 0, Description: "normalize the subject", Timeout: time.Second},
		{ID: "question_generation", Ordinal: 3, DependsOn: []pipeline.StageID{"baseline_facts", "initial_analysis"},
			Timeout: 2 * time.Minute, CallTimeout: 90 * time.Second, OnFailure: pipeline.FailRetry, StageRetries: 1},
	}
	out := format.StageTable(format.Markdown, descs)
	for _, want := range []string{"question_generation", "baseline_facts, initial_analysis", "retry x1", "1m 30s", "2m 0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestTimingAndAttemptTables(t *testing.T) {
	timings := []pipeline.StageTiming{
		{Stage: "subject_intake", Attempt: 1, Status: pipeline.TimingCompleted, Tries: 1, Elapsed: 5 * time.Millisecond},
		{Stage: "question_generation", Attempt: 1, Status: pipeline.TimingFailed, Tries: 2, Elapsed: 2 * time.Second, Error: "malformed response"},
	}
	out := format.TimingTable(format.ASCII, timings)
	for _, want := range []string{"TOTAL", "malformed response", "2.0s", "5ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("timing table missing %q:\n%s", want, out)
		}
	}

	attempts := []pipeline.AttemptSummary{
		{Number: 1, Reentry: "subject_intake", Status: pipeline.StatusGateFailed, Elapsed: 3 * time.Second,
			Verdict: &pipeline.Verdict{Deficiencies: []pipeline.Deficiency{{Predicate: pipeline.PredStagesCompleted}}}},
		{Number: 2, Reentry: "question_generation", Status: pipeline.StatusGatePassed, Verdict: &pipeline.Verdict{Go: true}},
	}
	out = format.AttemptTable(format.ASCII, attempts)
	for _, want := range []string{pipeline.PredStagesCompleted, "✓", "✗", "GATE_PASSED"} {
		if !strings.Contains(out, want) {
			t.Errorf("attempt table missing %q:\n%s", want, out)
		}
	}
}

func TestRunAndCallTables(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	runs := []*store.RunRecord{{
		ID: "run-1", Subject: "Arsenal vs Chelsea", Domain: "sports", Status: pipeline.StatusDelivered,
		Attempts: 2, CacheHits: 1234, Started: now.Add(-3 * time.Minute), Finished: now.Add(-time.Minute),
	}}
	out := format.RunTable(format.ASCII, runs, now)
	for _, want := range []string{"run-1", "sports", "3 minutes ago", "2m 0s", "1,234"} {
		if !strings.Contains(out, want) {
			t.Errorf("run table missing %q:\n%s", want, out)
		}
	}

	calls := []pipeline.CallRecord{
		{Stage: "deep_research", Service: "stub-research", Attempt: 1, Outcome: pipeline.OutcomeRateLimited, Error: "slow down"},
		{Stage: "deep_research", Service: "stub-research", Attempt: 2, Outcome: pipeline.OutcomeSuccess},
	}
	out = strings.ToLower(format.CallTable(format.Markdown, calls))
	for _, want := range []string{"rate_limited", "slow down", "1 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("call table missing %q:\n%s", want, out)
		}
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{120 * time.Millisecond, "120ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{time.Hour + 2*time.Minute + 5*time.Second, "1h 2m"},
	}
	for _, tc := range tests {
		if got := format.Duration(tc.in); got != tc.want {
			t.Errorf("Duration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAgoAndCount(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	if got := format.Ago(time.Time{}, now); got != "-" {
		t.Errorf("Ago(zero) = %q", got)
	}
	if got := format.Ago(now.Add(-2*time.Hour), now); got != "2 hours ago" {
		t.Errorf("Ago = %q", got)
	}
	if got := format.Count(1234567); got != "1,234,567" {
		t.Errorf("Count = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 8, "hello..."},
		{"abcdef", 3, "abc"},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tc := range tests {
		if got := format.Truncate(tc.in, tc.maxLen); got != tc.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
	}
}
