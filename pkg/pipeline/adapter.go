package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Service is an external reasoning or research endpoint.
// Implementations wrap their failures in one of the package sentinels
// (ErrRateLimited, ErrAuth, ...) so the adapter can classify them.
type Service interface {
	Name() string
	Call(ctx context.Context, req Request) (Response, error)
}

// Request is the uniform payload for both service families. Reasoning
// calls fill Instruction and Context; research calls fill Queries.
type Request struct {
	RunID       string   `json:"-"`
	Stage       StageID  `json:"-"`
	Subject     string   `json:"subject"`
	Model       string   `json:"model,omitempty"`
	Persona     string   `json:"persona,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	Context     string   `json:"context,omitempty"`
	Queries     []string `json:"queries,omitempty"`
	JSON        bool     `json:"json,omitempty"`
}

// Fingerprint identifies the request content independent of the run.
func (r Request) Fingerprint(service string) string {
	h := sha256.New()
	for _, part := range []string{service, r.Subject, r.Instruction, r.Context, strings.Join(r.Queries, "\x1f")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Response carries model text or research findings.
type Response struct {
	Text     string    `json:"text,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
}

// Finding is one attributed piece of evidence.
type Finding struct {
	QueryID string   `json:"query_id,omitempty"`
	Query   string   `json:"query,omitempty"`
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
}

// CallOutcome is the per-attempt result class recorded for observability.
type CallOutcome string

const (
	OutcomeSuccess     CallOutcome = "success"
	OutcomeTimeout     CallOutcome = "timeout"
	OutcomeRateLimited CallOutcome = "rate_limited"
	OutcomeError       CallOutcome = "error"
)

// CallRecord describes one attempt against an external service.
type CallRecord struct {
	RunID       string        `json:"run_id"`
	Stage       StageID       `json:"stage"`
	Fingerprint string        `json:"fingerprint"`
	Service     string        `json:"service"`
	Attempt     int           `json:"attempt"`
	Latency     time.Duration `json:"latency"`
	Outcome     CallOutcome   `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

// CallRecorder receives a record per attempt. Must be safe for concurrent use.
type CallRecorder interface {
	RecordCall(CallRecord)
}

// CallRecorderFunc adapts a function to CallRecorder.
type CallRecorderFunc func(CallRecord)

func (f CallRecorderFunc) RecordCall(r CallRecord) { f(r) }

// MultiRecorder fans records out to several recorders.
type MultiRecorder []CallRecorder

func (m MultiRecorder) RecordCall(r CallRecord) {
	for _, rec := range m {
		if rec != nil {
			rec.RecordCall(r)
		}
	}
}

// Adapter invokes services with timeout, retry and backoff.
// It is stateless apart from its jitter source and safe to share across runs.
type Adapter struct {
	recorder CallRecorder
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithRecorder sets the sink for call records.
func WithRecorder(r CallRecorder) AdapterOption {
	return func(a *Adapter) { a.recorder = r }
}

// WithSleep replaces the backoff sleeper. Tests use it to avoid real waits.
func WithSleep(fn func(context.Context, time.Duration) error) AdapterOption {
	return func(a *Adapter) { a.sleep = fn }
}

// WithRand seeds the jitter source.
func WithRand(rng *rand.Rand) AdapterOption {
	return func(a *Adapter) { a.rng = rng }
}

// NewAdapter returns an adapter with real sleeping and a time-seeded jitter source.
func NewAdapter(opts ...AdapterOption) *Adapter {
	a := &Adapter{
		sleep: sleepCtx,
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Invoke calls svc until it succeeds, fails non-transiently, runs out of
// attempts or runs out of time. timeout bounds all attempts together; zero
// leaves the bound to ctx.
func (a *Adapter) Invoke(ctx context.Context, svc Service, req Request, timeout time.Duration, policy RetryPolicy) (Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name := svc.Name()
	fingerprint := req.Fingerprint(name)
	maxAttempts := policy.attempts()

	var (
		lastErr     error
		lastOutcome CallOutcome
		made        int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		made = attempt
		start := a.now()
		resp, err := svc.Call(ctx, req)
		latency := a.now().Sub(start)

		outcome, transient := classify(err)
		a.record(CallRecord{
			RunID:       req.RunID,
			Stage:       req.Stage,
			Fingerprint: fingerprint,
			Service:     name,
			Attempt:     attempt,
			Latency:     latency,
			Outcome:     outcome,
			Error:       errString(err),
			At:          start,
		})
		if err == nil {
			return resp, nil
		}
		lastErr, lastOutcome = err, outcome

		if errors.Is(ctx.Err(), context.Canceled) {
			return Response{}, &CallError{Service: name, Kind: KindNonTransientCall, Outcome: outcome, Attempts: attempt, Err: ctx.Err()}
		}
		if !transient {
			return Response{}, &CallError{Service: name, Kind: KindNonTransientCall, Outcome: outcome, Attempts: attempt, Err: err}
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := a.delay(policy, attempt)
		if deadline, ok := ctx.Deadline(); ok && a.now().Add(delay).After(deadline) {
			break
		}
		if err := a.sleep(ctx, delay); err != nil {
			break
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		lastErr = fmt.Errorf("%w: %w", ErrTimeout, lastErr)
	}
	return Response{}, &CallError{
		Service:  name,
		Kind:     KindTransientCall,
		Outcome:  lastOutcome,
		Attempts: made,
		Err:      lastErr,
	}
}

func (a *Adapter) delay(p RetryPolicy, attempt int) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return p.Delay(attempt, a.rng)
}

func (a *Adapter) record(r CallRecord) {
	if a.recorder != nil {
		a.recorder.RecordCall(r)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
