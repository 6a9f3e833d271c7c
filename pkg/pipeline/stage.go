package pipeline

import (
	"context"
	"time"
)

// StageID names a stage and its slot in the cognitive state.
type StageID string

// Stage is one unit of the reasoning sequence. Implementations must be safe
// to run again on a later attempt with the same upstream slots.
type Stage interface {
	Execute(ctx context.Context, x *Exec) (StageOutput, error)
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc func(ctx context.Context, x *Exec) (StageOutput, error)

func (f StageFunc) Execute(ctx context.Context, x *Exec) (StageOutput, error) { return f(ctx, x) }

// FailurePolicy chooses what the orchestrator does with a retryable stage failure.
type FailurePolicy string

const (
	// FailDefer records the failure, keeps going and lets the gate surface the gap.
	FailDefer FailurePolicy = "defer"
	// FailRetry runs the stage again immediately, up to StageRetries extra times,
	// then defers.
	FailRetry FailurePolicy = "retry"
)

// StageDescriptor declares a stage's position, dependencies and limits.
type StageDescriptor struct {
	ID          StageID
	Ordinal     int
	DependsOn   []StageID
	Description string
	Stage       Stage

	// Timeout bounds one execution of the stage, retries of its calls included.
	Timeout time.Duration
	// CallTimeout bounds each adapter invocation made through Exec.Invoke.
	CallTimeout time.Duration
	// Retry is the per-call policy handed to the adapter.
	Retry RetryPolicy

	OnFailure    FailurePolicy
	StageRetries int
}

// StageOutput is what a stage writes into its own slot. Slices and maps in
// an output are shared with later readers and must not be mutated.
type StageOutput struct {
	Stage     StageID           `json:"stage"`
	Text      string            `json:"text,omitempty"`
	Data      any               `json:"data,omitempty"`
	Findings  []Finding         `json:"findings,omitempty"`
	Sections  map[string]string `json:"sections,omitempty"`
	RiskFlags []RiskFlag        `json:"risk_flags,omitempty"`
	Partial   bool              `json:"partial,omitempty"`
}

// RiskFlag annotates a risk, ethics concern or contradiction.
type RiskFlag struct {
	Code     string  `json:"code"`
	Severity string  `json:"severity,omitempty"`
	Detail   string  `json:"detail"`
	Resolved bool    `json:"resolved,omitempty"`
	Stage    StageID `json:"stage,omitempty"`
}

// Contradiction is the RiskFlag code the gate treats as blocking while unresolved.
const Contradiction = "contradiction"

// Exec is what a running stage sees: a view restricted to its declared
// dependencies plus helpers bound to the run and the stage's call policy.
type Exec struct {
	View
	RunID string
	Stage StageID

	adapter     *Adapter
	cache       *Cache
	retry       RetryPolicy
	callTimeout time.Duration
}

// ExecEnv carries the run-scoped collaborators for NewExec.
type ExecEnv struct {
	RunID   string
	Adapter *Adapter
	Cache   *Cache
}

// NewExec builds the execution context for desc over s.
func NewExec(s *State, desc StageDescriptor, env ExecEnv) *Exec {
	adapter := env.Adapter
	if adapter == nil {
		adapter = NewAdapter()
	}
	return &Exec{
		View:        s.ViewFor(desc.DependsOn...),
		RunID:       env.RunID,
		Stage:       desc.ID,
		adapter:     adapter,
		cache:       env.Cache,
		retry:       desc.Retry,
		callTimeout: desc.CallTimeout,
	}
}

// Invoke calls svc through the adapter with the stage's retry policy and call timeout.
func (x *Exec) Invoke(ctx context.Context, svc Service, req Request) (Response, error) {
	req.RunID = x.RunID
	req.Stage = x.Stage
	if req.Subject == "" {
		req.Subject = x.Subject().ID
	}
	return x.adapter.Invoke(ctx, svc, req, x.callTimeout, x.retry)
}

// Cache returns the run's cache; nil when the stage runs outside a run.
func (x *Exec) Cache() *Cache { return x.cache }

// Retry returns the stage's per-call retry policy.
func (x *Exec) Retry() RetryPolicy { return x.retry }
