package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the pipeline can surface.
type ErrorKind string

const (
	KindTransientCall    ErrorKind = "transient_call"
	KindNonTransientCall ErrorKind = "non_transient_call"
	KindStageFailure     ErrorKind = "stage_failure"
	KindGateFailure      ErrorKind = "gate_failure"
	KindBudgetExhausted  ErrorKind = "budget_exhausted"
	KindFatal            ErrorKind = "fatal"
)

// Call failure causes. Service clients wrap one of these so the adapter can
// decide whether an attempt is worth repeating.
var (
	// ErrTimeout marks a single attempt that ran out of time.
	ErrTimeout = errors.New("pipeline: call timed out")

	// ErrRateLimited marks a provider throttling response (HTTP 429 and friends).
	ErrRateLimited = errors.New("pipeline: rate limited")

	// ErrUnavailable marks a server-side failure (5xx, connection reset).
	ErrUnavailable = errors.New("pipeline: service unavailable")

	ErrAuth              = errors.New("pipeline: authentication failed")
	ErrQuota             = errors.New("pipeline: quota exhausted")
	ErrMalformedRequest  = errors.New("pipeline: malformed request")
	ErrMalformedResponse = errors.New("pipeline: malformed response")
)

var (
	// ErrSlotWritten is returned when a stage slot is written twice within one attempt.
	ErrSlotWritten = errors.New("pipeline: stage slot already written")

	// ErrInvalidSequence is returned by NewSequence for a malformed stage list.
	ErrInvalidSequence = errors.New("pipeline: invalid stage sequence")

	// ErrCacheClosed is returned by a cache whose run has ended.
	ErrCacheClosed = errors.New("pipeline: cache closed")

	// ErrNoSubQueries is returned by a fan-out stage with nothing to dispatch.
	ErrNoSubQueries = errors.New("pipeline: fan-out produced no sub-queries")

	// ErrInsufficientResults is returned when fewer fan-out branches succeed than required.
	ErrInsufficientResults = errors.New("pipeline: fan-out below minimum successes")

	// ErrPanicked wraps a panic recovered from stage code running off the run goroutine.
	ErrPanicked = errors.New("pipeline: panic")
)

func panicked(p any) error { return fmt.Errorf("%w: %v", ErrPanicked, p) }

// CallError is the adapter's classified failure after it stopped retrying.
type CallError struct {
	Service  string
	Kind     ErrorKind
	Outcome  CallOutcome
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s failed after %d attempt(s) [%s]: %v", e.Service, e.Attempts, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Transient reports whether the final failure was of a retryable class.
func (e *CallError) Transient() bool { return e.Kind == KindTransientCall }

// StageError is a stage-level failure escalated to the orchestrator.
// Kind is KindStageFailure for failures that a later attempt may fix and
// KindFatal for failures that end the run.
type StageError struct {
	Stage   StageID
	Kind    ErrorKind
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("stage failed [%s]: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("stage %s failed on attempt %d [%s]: %v", e.Stage, e.Attempt, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may run the stage again.
func (e *StageError) Retryable() bool { return e.Kind != KindFatal }

// Fatal marks err as a non-retryable stage failure that aborts the run.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: KindFatal, Err: err}
}

// Fatalf is Fatal over a formatted error.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// Retryable marks err as a stage failure eligible for re-execution.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: KindStageFailure, Err: err}
}

// KindOf classifies any error produced inside a run.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ge *GateError
	if errors.As(err, &ge) {
		return KindGateFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindBudgetExhausted
	}
	if _, transient := classify(err); transient {
		return KindTransientCall
	}
	return KindStageFailure
}

// GateError wraps a NO-GO verdict so it can travel as an error.
type GateError struct {
	Verdict Verdict
}

func (e *GateError) Error() string {
	names := make([]string, 0, len(e.Verdict.Deficiencies))
	for _, d := range e.Verdict.Deficiencies {
		names = append(names, d.Predicate)
	}
	return fmt.Sprintf("validation gate NO-GO on attempt %d: %v", e.Verdict.Attempt, names)
}

// classify maps a raw service error to a call outcome and a transient flag.
func classify(err error) (CallOutcome, bool) {
	switch {
	case err == nil:
		return OutcomeSuccess, false
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout, true
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited, true
	case errors.Is(err, ErrUnavailable):
		return OutcomeError, true
	default:
		return OutcomeError, false
	}
}
