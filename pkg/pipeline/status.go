package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the state of a run in the orchestrator's state machine.
type RunStatus string

const (
	StatusPending     RunStatus = "PENDING"
	StatusRunning     RunStatus = "RUNNING"
	StatusGatePassed  RunStatus = "GATE_PASSED"
	StatusGateFailed  RunStatus = "GATE_FAILED"
	StatusReExecuting RunStatus = "RE_EXECUTING"
	StatusDelivered   RunStatus = "DELIVERED"
	StatusExhausted   RunStatus = "EXHAUSTED"
	StatusFatal       RunStatus = "FATAL"
)

var transitions = map[RunStatus][]RunStatus{
	StatusPending:     {StatusRunning, StatusFatal},
	StatusRunning:     {StatusGatePassed, StatusGateFailed, StatusFatal, StatusExhausted},
	StatusGateFailed:  {StatusReExecuting, StatusExhausted, StatusFatal},
	StatusReExecuting: {StatusRunning},
	StatusGatePassed:  {StatusDelivered},
}

// CanTransition reports whether the state machine allows s → next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the run.
func (s RunStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusExhausted || s == StatusFatal
}

// StageTiming records one stage execution within an attempt.
type StageTiming struct {
	Stage   StageID       `json:"stage"`
	Attempt int           `json:"attempt"`
	Status  string        `json:"status"`
	Tries   int           `json:"tries"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Stage timing statuses.
const (
	TimingCompleted = "completed"
	TimingPartial   = "partial"
	TimingFailed    = "failed"
	TimingBlocked   = "blocked"
)

// AttemptSummary is what remains of a run attempt once it concludes.
type AttemptSummary struct {
	Number  int           `json:"number"`
	Reentry StageID       `json:"reentry"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
	Status  RunStatus     `json:"status"`
	Verdict *Verdict      `json:"verdict,omitempty"`
}

// FailureReport explains why a run did not deliver. It names the deepest
// cause and carries the last deficiency report when one exists.
type FailureReport struct {
	Kind         ErrorKind    `json:"kind"`
	Stage        StageID      `json:"stage,omitempty"`
	Attempt      int          `json:"attempt"`
	Reason       string       `json:"reason"`
	Deficiencies []Deficiency `json:"deficiencies,omitempty"`
}

func (f *FailureReport) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on attempt %d", f.Kind, f.Attempt)
	if f.Stage != "" {
		fmt.Fprintf(&b, " at %s", f.Stage)
	}
	fmt.Fprintf(&b, ": %s", f.Reason)
	if len(f.Deficiencies) > 0 {
		names := make([]string, len(f.Deficiencies))
		for i, d := range f.Deficiencies {
			names[i] = d.Predicate
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(names, ", "))
	}
	return b.String()
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID    string           `json:"run_id"`
	Plan     string           `json:"plan"`
	Subject  Subject          `json:"subject"`
	Status   RunStatus        `json:"status"`
	Attempts []AttemptSummary `json:"attempts"`
	Timings  []StageTiming    `json:"timings"`
	Failure  *FailureReport   `json:"failure,omitempty"`
	Cache    CacheStats       `json:"cache"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`

	// State is the final attempt's cognitive state.
	State *State `json:"-"`
}

// Delivered reports whether the run passed the gate.
func (o *Outcome) Delivered() bool { return o.Status == StatusDelivered }

// Elapsed is the run's wall-clock duration.
func (o *Outcome) Elapsed() time.Duration { return o.Finished.Sub(o.Started) }

// LastVerdict returns the gate verdict of the final attempt, if any.
func (o *Outcome) LastVerdict() *Verdict {
	for i := len(o.Attempts) - 1; i >= 0; i-- {
		if o.Attempts[i].Verdict != nil {
			return o.Attempts[i].Verdict
		}
	}
	return nil
}
