package mcp

import (
	"sync"
	"time"

	"dossier/pkg/pipeline"
)

// DefaultEventLimit caps how many events the log keeps per run.
const DefaultEventLimit = 512

// Signal is one pipeline event as MCP clients see it.
type Signal struct {
	Index   int    `json:"index"`
	Time    string `json:"ts"`
	Event   string `json:"event"`
	Attempt int    `json:"attempt,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Status  string `json:"status,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// EventLog keeps an append-only, per-run log of pipeline events so clients
// can follow a run by polling. It is an orchestrator Observer.
type EventLog struct {
	limit int
	now   func() time.Time

	mu   sync.Mutex
	runs map[string]*runLog
}

type runLog struct {
	signals []Signal
	dropped int
}

// NewEventLog returns a log keeping at most limit events per run;
// limit <= 0 means DefaultEventLimit.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	return &EventLog{limit: limit, now: time.Now, runs: make(map[string]*runLog)}
}

func (l *EventLog) OnEvent(e pipeline.Event) {
	if e.RunID == "" {
		return
	}
	s := Signal{
		Time:    l.now().UTC().Format(time.RFC3339),
		Event:   string(e.Type),
		Attempt: e.Attempt,
		Stage:   string(e.Stage),
		Status:  string(e.Status),
	}
	switch {
	case e.Error != nil:
		s.Detail = e.Error.Error()
	case e.Verdict != nil && !e.Verdict.Go:
		for i, d := range e.Verdict.Deficiencies {
			if i > 0 {
				s.Detail += "; "
			}
			s.Detail += d.Predicate + ": " + d.Detail
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[e.RunID]
	if !ok {
		r = &runLog{}
		l.runs[e.RunID] = r
	}
	s.Index = r.dropped + len(r.signals)
	r.signals = append(r.signals, s)
	if over := len(r.signals) - l.limit; over > 0 {
		r.signals = append(r.signals[:0:0], r.signals[over:]...)
		r.dropped += over
	}
}

// Since returns the run's events with Index >= idx, and the total number of
// events ever logged for it. Events evicted by the limit are skipped.
func (l *EventLog) Since(runID string, idx int) ([]Signal, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[runID]
	if !ok {
		return nil, 0
	}
	total := r.dropped + len(r.signals)
	if idx < r.dropped {
		idx = r.dropped
	}
	if idx >= total {
		return nil, total
	}
	out := make([]Signal, total-idx)
	copy(out, r.signals[idx-r.dropped:])
	return out, total
}

// Forget drops a run's events.
func (l *EventLog) Forget(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, runID)
}
