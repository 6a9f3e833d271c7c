package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType classifies run events for filtering and routing.
type EventType string

const (
	EventRunStart     EventType = "run_start"
	EventAttemptStart EventType = "attempt_start"
	EventStageStart   EventType = "stage_start"
	EventStageDone    EventType = "stage_done"
	EventStageFailed  EventType = "stage_failed"
	EventStageBlocked EventType = "stage_blocked"
	EventGateVerdict  EventType = "gate_verdict"
	EventReentry      EventType = "reentry"
	EventTransition   EventType = "transition"
	EventRunDone      EventType = "run_done"
)

// Event is a single observation from a run. Metadata carries anything that
// does not deserve a field of its own.
type Event struct {
	Type     EventType
	RunID    string
	Subject  string
	Attempt  int
	Stage    StageID
	Status   RunStatus
	Elapsed  time.Duration
	Error    error
	Verdict  *Verdict
	Metadata map[string]any
}

// Observer receives events during a run. Called from the run goroutine;
// implementations must not block for long.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// MultiObserver fans out events to multiple observers.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(e Event) {
	for _, obs := range m {
		if obs != nil {
			obs.OnEvent(e)
		}
	}
}

// LogObserver writes run events as structured slog lines.
type LogObserver struct {
	Logger *slog.Logger
}

func (o *LogObserver) OnEvent(e Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("run", e.RunID),
	}
	if e.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", string(e.Stage)))
	}
	if e.Status != "" {
		attrs = append(attrs, slog.String("status", string(e.Status)))
	}
	if e.Elapsed > 0 {
		attrs = append(attrs, slog.Duration("elapsed", e.Elapsed))
	}
	if e.Verdict != nil {
		attrs = append(attrs, slog.Bool("go", e.Verdict.Go), slog.Int("deficiencies", len(e.Verdict.Deficiencies)))
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}

	level := slog.LevelInfo
	switch e.Type {
	case EventStageStart, EventStageDone, EventTransition:
		level = slog.LevelDebug
	case EventStageFailed, EventStageBlocked:
		level = slog.LevelWarn
	}
	logger.LogAttrs(context.Background(), level, "run", attrs...)
}

// TraceCollector accumulates events in memory for post-run analysis.
// Safe for concurrent use.
type TraceCollector struct {
	mu     sync.Mutex
	events []Event
}

func (t *TraceCollector) OnEvent(e Event) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Events returns a copy of all collected events.
func (t *TraceCollector) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// EventsOfType returns only events matching the given type.
func (t *TraceCollector) EventsOfType(typ EventType) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, e := range t.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// StagesRun returns the stages started during the given attempt, in order.
func (t *TraceCollector) StagesRun(attempt int) []StageID {
	var out []StageID
	for _, e := range t.EventsOfType(EventStageStart) {
		if e.Attempt == attempt {
			out = append(out, e.Stage)
		}
	}
	return out
}
