package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Budget bounds a whole run.
type Budget struct {
	MaxAttempts int
	WallClock   time.Duration
}

// Plan is everything the orchestrator needs for one run: the stages, the
// gate, the re-entry policy and the budget. Plans are immutable values;
// concurrent runs may use different plans.
type Plan struct {
	Name     string
	Sequence *Sequence
	Gate     Gate
	Reentry  ReentryPolicy
	Budget   Budget
}

// Orchestrator drives plans. One orchestrator serves any number of
// concurrent runs; it holds no per-run state.
type Orchestrator struct {
	adapter  *Adapter
	observer Observer
	now      func() time.Time
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAdapter sets the external call adapter handed to stages.
func WithAdapter(a *Adapter) Option {
	return func(o *Orchestrator) { o.adapter = a }
}

// WithObserver sets the event sink. Use MultiObserver for several.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New returns an orchestrator with a default adapter and no observer.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.adapter == nil {
		o.adapter = NewAdapter()
	}
	return o
}

// Start launches a run in its own goroutine and returns its handle.
func (o *Orchestrator) Start(ctx context.Context, subject Subject, plan Plan) *RunHandle {
	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle(o.newID(), subject, cancel)
	go func() {
		defer cancel()
		h.finish(o.run(runCtx, ctx, h, subject, plan))
	}()
	return h
}

// Run executes a run to completion on the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, subject Subject, plan Plan) *Outcome {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h := newHandle(o.newID(), subject, cancel)
	out := o.run(runCtx, ctx, h, subject, plan)
	h.finish(out)
	return out
}

// run owns the state machine. caller is the context the run was started
// with; its cancellation is an abort, while the wall-clock budget expiring
// is exhaustion.
func (o *Orchestrator) run(ctx, caller context.Context, h *RunHandle, subject Subject, plan Plan) *Outcome {
	r := &runner{o: o, h: h, plan: plan, caller: caller}
	r.out = &Outcome{
		RunID:   h.ID(),
		Plan:    plan.Name,
		Subject: subject,
		Started: o.now(),
	}
	o.emit(Event{Type: EventRunStart, RunID: h.ID(), Subject: subject.ID, Status: StatusPending,
		Metadata: map[string]any{"plan": plan.Name}})

	if plan.Sequence == nil {
		return r.fail(nil, StatusFatal, &FailureReport{Kind: KindFatal, Attempt: 0, Reason: "plan has no stage sequence"})
	}

	if plan.Budget.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Budget.WallClock)
		defer cancel()
	}
	r.ctx = ctx
	r.cache = NewCache(ctx, 0)
	defer r.cache.Close()

	maxAttempts := plan.Budget.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	state := NewState(subject, plan.Sequence)
	from := plan.Sequence.First()
	for {
		r.transition(state, StatusRunning)
		summary := AttemptSummary{Number: state.Attempt(), Reentry: from.ID, Started: o.now()}
		o.emit(Event{Type: EventAttemptStart, RunID: h.ID(), Attempt: state.Attempt(), Stage: from.ID, Status: StatusRunning})

		if status, report := r.runAttempt(state, from.Ordinal); report != nil {
			summary.Elapsed = o.now().Sub(summary.Started)
			summary.Status = status
			r.out.Attempts = append(r.out.Attempts, summary)
			return r.fail(state, status, report)
		}

		verdict := plan.Gate.Evaluate(state)
		state.recordVerdict(verdict)
		summary.Verdict = &verdict
		summary.Elapsed = o.now().Sub(summary.Started)
		o.emit(Event{Type: EventGateVerdict, RunID: h.ID(), Attempt: state.Attempt(), Stage: plan.Gate.ID, Verdict: &verdict})

		if verdict.Go {
			summary.Status = StatusGatePassed
			r.out.Attempts = append(r.out.Attempts, summary)
			r.transition(state, StatusGatePassed)
			return r.deliver(state)
		}

		summary.Status = StatusGateFailed
		r.out.Attempts = append(r.out.Attempts, summary)
		r.transition(state, StatusGateFailed)
		from = plan.Reentry.Resolve(verdict.Deficiencies, plan.Sequence)

		if state.Attempt() >= maxAttempts {
			return r.fail(state, StatusExhausted, &FailureReport{
				Kind:         KindBudgetExhausted,
				Stage:        from.ID,
				Attempt:      state.Attempt(),
				Reason:       fmt.Sprintf("validation gate failed on all %d attempt(s)", maxAttempts),
				Deficiencies: verdict.Deficiencies,
			})
		}
		if ctx.Err() != nil {
			status, report := r.interrupted(state, from.ID)
			return r.fail(state, status, report)
		}

		o.emit(Event{Type: EventReentry, RunID: h.ID(), Attempt: state.Attempt(), Stage: from.ID,
			Metadata: map[string]any{"ordinal": from.Ordinal}})
		r.transition(state, StatusReExecuting)
		state = state.Fork(from.Ordinal)
	}
}

type runner struct {
	o      *Orchestrator
	h      *RunHandle
	plan   Plan
	ctx    context.Context
	caller context.Context
	cache  *Cache
	out    *Outcome
}

// runAttempt executes stages from the given ordinal. A non-nil report ends
// the run with the returned status.
func (r *runner) runAttempt(state *State, from int) (RunStatus, *FailureReport) {
	for _, desc := range r.plan.Sequence.From(from) {
		if r.ctx.Err() != nil {
			return r.interrupted(state, desc.ID)
		}
		if state.Has(desc.ID) {
			continue
		}
		r.h.setStage(state.Attempt(), desc.ID)

		if missing := missingDeps(state, desc); len(missing) > 0 {
			reason := fmt.Sprintf("upstream stage(s) without output: %v", missing)
			state.recordFailure(StageFailure{Stage: desc.ID, Kind: KindStageFailure, Blocked: true, Reason: reason})
			r.out.Timings = append(r.out.Timings, StageTiming{Stage: desc.ID, Attempt: state.Attempt(), Status: TimingBlocked, Error: reason})
			r.o.emit(Event{Type: EventStageBlocked, RunID: r.h.ID(), Attempt: state.Attempt(), Stage: desc.ID, Error: errors.New(reason)})
			continue
		}

		if report := r.runStage(state, desc); report != nil {
			if report.Kind == KindFatal {
				return StatusFatal, report
			}
			return r.interrupted(state, desc.ID)
		}
	}
	return "", nil
}

// runStage executes desc with its retry policy. It returns a report only
// for fatal failures and run interruption; deferred failures are recorded
// on the state.
func (r *runner) runStage(state *State, desc StageDescriptor) *FailureReport {
	timing := StageTiming{Stage: desc.ID, Attempt: state.Attempt()}
	started := r.o.now()
	defer func() {
		timing.Elapsed = r.o.now().Sub(started)
		r.out.Timings = append(r.out.Timings, timing)
	}()

	for try := 1; ; try++ {
		timing.Tries = try
		r.o.emit(Event{Type: EventStageStart, RunID: r.h.ID(), Attempt: state.Attempt(), Stage: desc.ID,
			Metadata: map[string]any{"try": try}})
		tryStart := r.o.now()

		out, err := r.execute(state, desc)
		if err == nil {
			if werr := state.Write(desc.ID, out); werr != nil {
				err = werr
			} else {
				timing.Status = TimingCompleted
				if out.Partial {
					timing.Status = TimingPartial
				}
				r.o.emit(Event{Type: EventStageDone, RunID: r.h.ID(), Attempt: state.Attempt(), Stage: desc.ID,
					Elapsed: r.o.now().Sub(tryStart), Metadata: map[string]any{"partial": out.Partial}})
				return nil
			}
		}

		timing.Status = TimingFailed
		timing.Error = err.Error()
		r.o.emit(Event{Type: EventStageFailed, RunID: r.h.ID(), Attempt: state.Attempt(), Stage: desc.ID,
			Elapsed: r.o.now().Sub(tryStart), Error: err})

		if r.ctx.Err() != nil {
			return &FailureReport{Kind: KindBudgetExhausted, Stage: desc.ID, Attempt: state.Attempt(), Reason: err.Error()}
		}

		se := asStageError(err, desc.ID, state.Attempt())
		if !se.Retryable() {
			return &FailureReport{Kind: KindFatal, Stage: desc.ID, Attempt: state.Attempt(), Reason: se.Err.Error()}
		}
		if desc.OnFailure == FailRetry && try <= desc.StageRetries {
			continue
		}
		state.recordFailure(StageFailure{Stage: desc.ID, Kind: KindOf(se.Err), Reason: se.Err.Error(), Tries: try})
		return nil
	}
}

func (r *runner) execute(state *State, desc StageDescriptor) (out StageOutput, err error) {
	ctx := r.ctx
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = Retryable(fmt.Errorf("stage %s panicked: %v", desc.ID, p))
		}
	}()

	x := NewExec(state, desc, ExecEnv{RunID: r.h.ID(), Adapter: r.o.adapter, Cache: r.cache})
	out, err = desc.Stage.Execute(ctx, x)
	if err != nil && ctx.Err() != nil && r.ctx.Err() == nil {
		err = Retryable(fmt.Errorf("stage timed out after %s: %w", desc.Timeout, err))
	}
	return out, err
}

// interrupted builds the report for a run stopped mid-flight. A caller abort
// is fatal; the wall-clock budget running out is exhaustion and keeps the
// best deficiency report available.
func (r *runner) interrupted(state *State, at StageID) (RunStatus, *FailureReport) {
	if r.caller.Err() != nil || !errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return StatusFatal, &FailureReport{
			Kind:    KindFatal,
			Stage:   at,
			Attempt: state.Attempt(),
			Reason:  "run aborted by caller",
		}
	}

	report := &FailureReport{
		Kind:    KindBudgetExhausted,
		Stage:   at,
		Attempt: state.Attempt(),
		Reason:  fmt.Sprintf("wall-clock budget of %s exceeded", r.plan.Budget.WallClock),
	}
	if v := r.out.LastVerdict(); v != nil {
		report.Deficiencies = v.Deficiencies
		return StatusExhausted, report
	}
	for _, f := range state.Failures() {
		report.Deficiencies = append(report.Deficiencies, Deficiency{
			Predicate: PredStagesCompleted,
			Detail:    f.Reason,
			Stages:    []StageID{f.Stage},
		})
	}
	report.Deficiencies = append(report.Deficiencies, Deficiency{
		Predicate: PredStagesCompleted,
		Detail:    "interrupted before completion",
		Stages:    []StageID{at},
	})
	return StatusExhausted, report
}

func (r *runner) deliver(state *State) *Outcome {
	r.transition(state, StatusDelivered)
	return r.finish(state, StatusDelivered, nil)
}

func (r *runner) fail(state *State, status RunStatus, report *FailureReport) *Outcome {
	if state != nil {
		r.transition(state, status)
	} else {
		r.h.setStatus(status)
	}
	return r.finish(state, status, report)
}

func (r *runner) finish(state *State, status RunStatus, report *FailureReport) *Outcome {
	r.out.Status = status
	r.out.Failure = report
	r.out.State = state
	r.out.Finished = r.o.now()
	if r.cache != nil {
		r.out.Cache = r.cache.Stats()
	}
	var err error
	if report != nil {
		err = report
	}
	r.o.emit(Event{Type: EventRunDone, RunID: r.h.ID(), Subject: r.out.Subject.ID, Status: status,
		Elapsed: r.out.Elapsed(), Error: err, Metadata: map[string]any{"attempts": len(r.out.Attempts)}})
	return r.out
}

func (r *runner) transition(state *State, next RunStatus) {
	prev, ok := r.h.setStatus(next)
	e := Event{Type: EventTransition, RunID: r.h.ID(), Attempt: state.Attempt(), Status: next,
		Metadata: map[string]any{"from": string(prev)}}
	if !ok {
		e.Error = fmt.Errorf("illegal transition %s -> %s", prev, next)
	}
	r.o.emit(e)
}

func (o *Orchestrator) emit(e Event) {
	if o.observer != nil {
		o.observer.OnEvent(e)
	}
}

func missingDeps(state *State, desc StageDescriptor) []StageID {
	var missing []StageID
	for _, dep := range desc.DependsOn {
		if !state.Has(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func asStageError(err error, stage StageID, attempt int) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		cp := *se
		if cp.Stage == "" {
			cp.Stage = stage
		}
		if cp.Attempt == 0 {
			cp.Attempt = attempt
		}
		return &cp
	}
	return &StageError{Stage: stage, Kind: KindStageFailure, Attempt: attempt, Err: err}
}
