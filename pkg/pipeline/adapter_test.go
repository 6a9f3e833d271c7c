package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// scriptedService fails with the scripted errors in order, then succeeds.
type scriptedService struct {
	name   string
	script []error

	mu    sync.Mutex
	calls int
}

func (s *scriptedService) Name() string { return s.name }

func (s *scriptedService) Call(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i < len(s.script) && s.script[i] != nil {
		return Response{}, s.script[i]
	}
	return Response{Text: "ok:" + req.Instruction}, nil
}

func (s *scriptedService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordSink struct {
	mu      sync.Mutex
	records []CallRecord
}

func (r *recordSink) RecordCall(c CallRecord) {
	r.mu.Lock()
	r.records = append(r.records, c)
	r.mu.Unlock()
}

func (r *recordSink) outcomes() []CallOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallOutcome, len(r.records))
	for i, c := range r.records {
		out[i] = c.Outcome
	}
	return out
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func threeTries() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func TestInvoke_TransientTwiceThenSuccess(t *testing.T) {
	svc := &scriptedService{name: "reasoning", script: []error{
		fmt.Errorf("upstream 503: %w", ErrUnavailable),
		fmt.Errorf("upstream 429: %w", ErrRateLimited),
	}}
	sink := &recordSink{}
	a := NewAdapter(WithRecorder(sink), WithSleep(noSleep))

	resp, err := a.Invoke(context.Background(), svc, Request{Instruction: "summarize"}, time.Second, threeTries())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "ok:summarize" {
		t.Errorf("Text = %q", resp.Text)
	}
	if svc.Calls() != 3 {
		t.Errorf("calls = %d, want 3", svc.Calls())
	}
	want := []CallOutcome{OutcomeError, OutcomeRateLimited, OutcomeSuccess}
	if diff := cmp.Diff(want, sink.outcomes()); diff != "" {
		t.Errorf("call outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_AlwaysTransientStopsAtMaxAttempts(t *testing.T) {
	svc := &scriptedService{name: "research"}
	for i := 0; i < 10; i++ {
		svc.script = append(svc.script, ErrRateLimited)
	}
	a := NewAdapter(WithSleep(noSleep))

	_, err := a.Invoke(context.Background(), svc, Request{}, time.Second, threeTries())
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if ce.Kind != KindTransientCall {
		t.Errorf("Kind = %s, want %s", ce.Kind, KindTransientCall)
	}
	if ce.Attempts != 3 || svc.Calls() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3 and 3", ce.Attempts, svc.Calls())
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited in chain: %v", err)
	}
}

func TestInvoke_NonTransientFailsImmediately(t *testing.T) {
	for _, cause := range []error{ErrAuth, ErrQuota, ErrMalformedRequest, errors.New("boom")} {
		t.Run(cause.Error(), func(t *testing.T) {
			svc := &scriptedService{name: "reasoning", script: []error{cause, cause, cause}}
			a := NewAdapter(WithSleep(noSleep))
			_, err := a.Invoke(context.Background(), svc, Request{}, time.Second, threeTries())
			var ce *CallError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *CallError", err)
			}
			if ce.Kind != KindNonTransientCall {
				t.Errorf("Kind = %s, want %s", ce.Kind, KindNonTransientCall)
			}
			if svc.Calls() != 1 {
				t.Errorf("calls = %d, want 1", svc.Calls())
			}
		})
	}
}

func TestInvoke_NeverSleepsPastTimeout(t *testing.T) {
	svc := &scriptedService{name: "research", script: []error{ErrUnavailable, ErrUnavailable, ErrUnavailable}}
	var slept []time.Duration
	a := NewAdapter(WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 1}

	start := time.Now()
	_, err := a.Invoke(context.Background(), svc, Request{}, 50*time.Millisecond, policy)
	if err == nil {
		t.Fatal("expected error")
	}
	if svc.Calls() != 1 {
		t.Errorf("calls = %d, want 1 (next delay exceeds the deadline)", svc.Calls())
	}
	if len(slept) != 0 {
		t.Errorf("slept %v, want no sleep", slept)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Invoke took %s", time.Since(start))
	}
	if KindOf(err) != KindTransientCall {
		t.Errorf("KindOf = %s", KindOf(err))
	}
}

func TestInvoke_RecordsCarryRunAndFingerprint(t *testing.T) {
	svc := &scriptedService{name: "reasoning"}
	sink := &recordSink{}
	a := NewAdapter(WithRecorder(sink), WithSleep(noSleep))
	req := Request{RunID: "run-1", Stage: "initial_analysis", Instruction: "x"}

	if _, err := a.Invoke(context.Background(), svc, req, 0, NoRetry()); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("records = %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.RunID != "run-1" || rec.Stage != "initial_analysis" || rec.Attempt != 1 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Fingerprint != req.Fingerprint("reasoning") {
		t.Errorf("fingerprint = %s", rec.Fingerprint)
	}
	other := Request{RunID: "run-2", Stage: "other", Instruction: "x"}
	if other.Fingerprint("reasoning") != rec.Fingerprint {
		t.Error("fingerprint must not depend on run or stage")
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: 2 * time.Second, Multiplier: 1.5, MaxDelay: 4 * time.Second}
	got := []time.Duration{p.Delay(1, nil), p.Delay(2, nil), p.Delay(3, nil)}
	want := []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}

	p.Jitter = true
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		d := p.Delay(1, rng)
		if d < time.Second || d >= 3*time.Second {
			t.Fatalf("jittered delay %s outside [1s, 3s)", d)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{Fatal(errors.New("bad subject")), KindFatal},
		{Retryable(errors.New("empty")), KindStageFailure},
		{&CallError{Kind: KindNonTransientCall, Err: ErrAuth}, KindNonTransientCall},
		{fmt.Errorf("wrapped: %w", ErrRateLimited), KindTransientCall},
		{&GateError{}, KindGateFailure},
		{errors.New("plain"), KindStageFailure},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
