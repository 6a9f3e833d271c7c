// Package store is the run journal: runs, their attempts, stage timings and
// every external call, kept in SQLite or in memory behind one interface.
package store

import (
	"errors"
	"time"

	"dossier/pkg/pipeline"
)

// DefaultDBPath is the default relative path for the journal database.
// Open creates the parent directory.
const DefaultDBPath = ".dossier/journal.db"

// ErrNotFound is returned when a run is not in the journal.
var ErrNotFound = errors.New("store: not found")

// RunRecord is one run as the journal knows it.
type RunRecord struct {
	ID        string
	Subject   string
	Domain    string
	Status    pipeline.RunStatus
	Attempts  int
	Failure   string
	CacheHits int64
	Started   time.Time
	Finished  time.Time
}

// Elapsed is the run's duration, or zero while it is still going.
func (r *RunRecord) Elapsed() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Store is the persistence facade. The CLI, the MCP server and the Journal
// use only this interface; the implementation is SQLite or in-memory.
type Store interface {
	// Runs
	SaveRun(r *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	ListRuns(limit int) ([]*RunRecord, error)
	// Attempts, keyed by run and attempt number
	SaveAttempt(runID string, a pipeline.AttemptSummary) error
	ListAttempts(runID string) ([]pipeline.AttemptSummary, error)
	// Stage timings, keyed by run, attempt and stage
	SaveTiming(runID string, t pipeline.StageTiming) error
	ListTimings(runID string) ([]pipeline.StageTiming, error)
	// External calls, append only
	SaveCall(c pipeline.CallRecord) error
	ListCalls(runID string) ([]pipeline.CallRecord, error)

	Close() error
}
