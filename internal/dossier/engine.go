package dossier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/pkg/pipeline"
)

// Engine starts dossier runs and keeps their handles addressable by run id.
type Engine struct {
	orch *pipeline.Orchestrator
	svc  Services
	now  func() time.Time
	log  *slog.Logger

	finish []func(*pipeline.Outcome)
	retain int

	mu   sync.Mutex
	runs map[string]*Run
	seq  uint64
}

// DefaultRetention is how many settled runs an engine keeps addressable.
const DefaultRetention = 256

// Run is a started run as the engine tracks it.
type Run struct {
	Handle  *pipeline.RunHandle
	Domain  string
	Started time.Time

	settled chan struct{}
	seq     uint64
}

// Settled is closed once the run has finished and every finish hook ran.
func (r *Run) Settled() <-chan struct{} { return r.settled }

// Wait blocks until the run settles or ctx is done.
func (r *Run) Wait(ctx context.Context) (*pipeline.Outcome, error) {
	select {
	case <-r.settled:
		out, _ := r.Handle.Outcome()
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the clock used for provenance timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithRetention caps how many settled runs stay addressable. Running runs
// are never dropped. n <= 0 keeps DefaultRetention.
func WithRetention(n int) EngineOption {
	return func(e *Engine) { e.retain = n }
}

// OnFinish registers fn to receive every outcome, in registration order,
// before the run counts as settled.
func OnFinish(fn func(*pipeline.Outcome)) EngineOption {
	return func(e *Engine) { e.finish = append(e.finish, fn) }
}

// NewEngine returns an engine that runs plans on orch against svc.
func NewEngine(orch *pipeline.Orchestrator, svc Services, opts ...EngineOption) *Engine {
	e := &Engine{
		orch: orch,
		svc:  svc,
		now:  time.Now,
		log:  logging.New("dossier"),
		runs: make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retain <= 0 {
		e.retain = DefaultRetention
	}
	if e.orch == nil {
		e.orch = pipeline.New()
	}
	return e
}

// Plan builds the stage sequence, gate, re-entry policy and budget for d.
func (e *Engine) Plan(d config.Domain) (pipeline.Plan, error) {
	if err := d.Validate(StageNames()...); err != nil {
		return pipeline.Plan{}, err
	}
	b, err := newBuilder(d, e.svc, e.now)
	if err != nil {
		return pipeline.Plan{}, err
	}
	seq, err := pipeline.NewSequence(b.stages()...)
	if err != nil {
		return pipeline.Plan{}, fmt.Errorf("dossier: %w", err)
	}
	gate, err := Gate(d)
	if err != nil {
		return pipeline.Plan{}, err
	}
	return pipeline.Plan{
		Name:     d.Name,
		Sequence: seq,
		Gate:     gate,
		Reentry:  Reentry(d),
		Budget: pipeline.Budget{
			MaxAttempts: d.Budget.MaxAttempts,
			WallClock:   d.Budget.WallClock.Std(),
		},
	}, nil
}

// StartRun validates d, starts a run for subjectID in the background and
// returns its handle. The run is cancelled with ctx.
func (e *Engine) StartRun(ctx context.Context, subjectID string, d config.Domain) (*pipeline.RunHandle, error) {
	run, err := e.start(ctx, subjectID, d)
	if err != nil {
		return nil, err
	}
	return run.Handle, nil
}

func (e *Engine) start(ctx context.Context, subjectID string, d config.Domain) (*Run, error) {
	d = d.WithDefaults()
	plan, err := e.Plan(d)
	if err != nil {
		return nil, err
	}
	h := e.orch.Start(ctx, pipeline.Subject{ID: subjectID}, plan)
	run := &Run{Handle: h, Domain: d.Name, Started: e.now(), settled: make(chan struct{})}

	e.mu.Lock()
	e.seq++
	run.seq = e.seq
	e.runs[h.ID()] = run
	e.pruneLocked()
	e.mu.Unlock()

	log := logging.ForRun(e.log, h.ID(), subjectID)
	log.Info("run started", "domain", d.Name, "stages", plan.Sequence.Len())
	go func() {
		defer close(run.settled)
		<-h.Done()
		out, _ := h.Outcome()
		log.Info("run finished", "status", out.Status, "attempts", len(out.Attempts), "elapsed", out.Elapsed())
		for _, fn := range e.finish {
			fn(out)
		}
	}()
	return run, nil
}

// pruneLocked drops the oldest settled runs beyond the retention cap.
func (e *Engine) pruneLocked() {
	var settled []*Run
	for _, r := range e.runs {
		select {
		case <-r.settled:
			settled = append(settled, r)
		default:
		}
	}
	if len(settled) <= e.retain {
		return
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].seq < settled[j].seq })
	for _, r := range settled[:len(settled)-e.retain] {
		delete(e.runs, r.Handle.ID())
	}
}

// Execute runs to completion and returns the outcome once the run has
// settled. Cancelling ctx aborts the run, which still settles.
func (e *Engine) Execute(ctx context.Context, subjectID string, d config.Domain) (*pipeline.Outcome, error) {
	run, err := e.start(ctx, subjectID, d)
	if err != nil {
		return nil, err
	}
	<-run.settled
	out, _ := run.Handle.Outcome()
	return out, nil
}

// Lookup returns a tracked run by id.
func (e *Engine) Lookup(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

// Runs lists tracked runs, most recent first.
func (e *Engine) Runs() []*Run {
	e.mu.Lock()
	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.After(out[j].Started)
		}
		return out[i].seq > out[j].seq
	})
	return out
}
