package pipeline

import (
	"context"
	"sync"
)

// Progress is a point-in-time view of a running run.
type Progress struct {
	Status  RunStatus `json:"status"`
	Attempt int       `json:"attempt"`
	Stage   StageID   `json:"stage,omitempty"`
}

// RunHandle tracks one asynchronous run.
type RunHandle struct {
	id      string
	subject Subject
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.RWMutex
	progress Progress
	outcome  *Outcome
}

func newHandle(id string, subject Subject, cancel context.CancelFunc) *RunHandle {
	return &RunHandle{
		id:       id,
		subject:  subject,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: Progress{Status: StatusPending},
	}
}

// ID returns the run id.
func (h *RunHandle) ID() string { return h.id }

// Subject returns the subject the run was started for.
func (h *RunHandle) Subject() Subject { return h.subject }

// Status returns the current run status.
func (h *RunHandle) Status() RunStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.progress.Status
}

// Progress returns status, attempt and current stage together.
func (h *RunHandle) Progress() Progress {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.progress
}

// Done is closed once the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Outcome returns the result once the run has finished.
func (h *RunHandle) Outcome() (*Outcome, bool) {
	select {
	case <-h.done:
	default:
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.outcome, true
}

// Wait blocks until the run finishes or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-h.done:
		out, _ := h.Outcome()
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the run. In-flight calls observe the cancellation and the
// run finishes FATAL. Safe to call more than once.
func (h *RunHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// setStatus moves the state machine and reports the previous status and
// whether the move was legal.
func (h *RunHandle) setStatus(next RunStatus) (RunStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.progress.Status
	h.progress.Status = next
	return prev, prev.CanTransition(next)
}

func (h *RunHandle) setStage(attempt int, stage StageID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress.Attempt = attempt
	h.progress.Stage = stage
}

func (h *RunHandle) finish(out *Outcome) {
	h.mu.Lock()
	h.outcome = out
	h.progress.Stage = ""
	h.mu.Unlock()
	close(h.done)
}
