package store

import (
	"fmt"
	"sort"
	"sync"

	"dossier/pkg/pipeline"
)

// MemStore implements Store in memory. For tests and runs without a journal file.
type MemStore struct {
	mu       sync.Mutex
	runs     map[string]*RunRecord
	attempts map[string]map[int]pipeline.AttemptSummary
	timings  map[string][]pipeline.StageTiming
	calls    map[string][]pipeline.CallRecord
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:     make(map[string]*RunRecord),
		attempts: make(map[string]map[int]pipeline.AttemptSummary),
		timings:  make(map[string][]pipeline.StageTiming),
		calls:    make(map[string][]pipeline.CallRecord),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) SaveRun(r *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if prev, ok := s.runs[r.ID]; ok {
		if cp.Domain == "" {
			cp.Domain = prev.Domain
		}
		cp.Started = prev.Started
	}
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemStore) GetRun(id string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ListRuns(limit int) ([]*RunRecord, error) {
	s.mu.Lock()
	out := make([]*RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		cp := *r
		out = append(out, &cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.After(out[j].Started)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) SaveAttempt(runID string, a pipeline.AttemptSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts[runID] == nil {
		s.attempts[runID] = make(map[int]pipeline.AttemptSummary)
	}
	s.attempts[runID][a.Number] = a
	return nil
}

func (s *MemStore) ListAttempts(runID string) ([]pipeline.AttemptSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.AttemptSummary, 0, len(s.attempts[runID]))
	for _, a := range s.attempts[runID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemStore) SaveTiming(runID string, t pipeline.StageTiming) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, prev := range s.timings[runID] {
		if prev.Attempt == t.Attempt && prev.Stage == t.Stage {
			s.timings[runID][i] = t
			return nil
		}
	}
	s.timings[runID] = append(s.timings[runID], t)
	return nil
}

func (s *MemStore) ListTimings(runID string) ([]pipeline.StageTiming, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.StageTiming(nil), s.timings[runID]...), nil
}

func (s *MemStore) SaveCall(c pipeline.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.RunID] = append(s.calls[c.RunID], c)
	return nil
}

func (s *MemStore) ListCalls(runID string) ([]pipeline.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.CallRecord(nil), s.calls[runID]...), nil
}
