package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dossier/pkg/pipeline"

	_ "modernc.org/sqlite"
)

// formatTime renders t for storage; the zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory (e.g. .dossier) if it does not exist.
func Open(path string) (*SqlStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Fan-out branches record calls concurrently; one connection serializes
	// the writes instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableCount == 0 {
		return s.freshInstall()
	}

	var v int
	err = s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return s.freshInstall()
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != schemaVersion {
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

func (s *SqlStore) freshInstall() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema install: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SqlStore) Close() error { return s.db.Close() }

func (s *SqlStore) SaveRun(r *RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO runs(id, subject, domain, status, attempts, failure, cache_hits, started_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			domain = CASE WHEN excluded.domain = '' THEN runs.domain ELSE excluded.domain END,
			status = excluded.status,
			attempts = excluded.attempts,
			failure = excluded.failure,
			cache_hits = excluded.cache_hits,
			finished_at = excluded.finished_at`,
		r.ID, r.Subject, r.Domain, string(r.Status), r.Attempts, r.Failure, r.CacheHits,
		formatTime(r.Started), formatTime(r.Finished))
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

const runColumns = "id, subject, domain, status, attempts, failure, cache_hits, started_at, finished_at"

type scanner interface{ Scan(dest ...any) error }

func scanRun(row scanner) (*RunRecord, error) {
	var (
		r                 RunRecord
		status            string
		started, finished string
	)
	if err := row.Scan(&r.ID, &r.Subject, &r.Domain, &status, &r.Attempts, &r.Failure, &r.CacheHits, &started, &finished); err != nil {
		return nil, err
	}
	r.Status = pipeline.RunStatus(status)
	r.Started = parseTime(started)
	r.Finished = parseTime(finished)
	return &r, nil
}

func (s *SqlStore) GetRun(id string) (*RunRecord, error) {
	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first; limit <= 0 returns all.
func (s *SqlStore) ListRuns(limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SqlStore) SaveAttempt(runID string, a pipeline.AttemptSummary) error {
	var verdict string
	if a.Verdict != nil {
		b, err := json.Marshal(a.Verdict)
		if err != nil {
			return fmt.Errorf("marshal verdict: %w", err)
		}
		verdict = string(b)
	}
	_, err := s.db.Exec(`
		INSERT INTO attempts(run_id, number, reentry, status, started_at, elapsed_ns, verdict)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, number) DO UPDATE SET
			reentry = excluded.reentry,
			status = excluded.status,
			started_at = excluded.started_at,
			elapsed_ns = excluded.elapsed_ns,
			verdict = excluded.verdict`,
		runID, a.Number, string(a.Reentry), string(a.Status), formatTime(a.Started), int64(a.Elapsed), verdict)
	if err != nil {
		return fmt.Errorf("save attempt %s/%d: %w", runID, a.Number, err)
	}
	return nil
}

func (s *SqlStore) ListAttempts(runID string) ([]pipeline.AttemptSummary, error) {
	rows, err := s.db.Query(`
		SELECT number, reentry, status, started_at, elapsed_ns, verdict
		FROM attempts WHERE run_id = ? ORDER BY number`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []pipeline.AttemptSummary
	for rows.Next() {
		var (
			a                               pipeline.AttemptSummary
			reentry, status, started, vjson string
			elapsed                         int64
		)
		if err := rows.Scan(&a.Number, &reentry, &status, &started, &elapsed, &vjson); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Reentry = pipeline.StageID(reentry)
		a.Status = pipeline.RunStatus(status)
		a.Started = parseTime(started)
		a.Elapsed = time.Duration(elapsed)
		if vjson != "" {
			var v pipeline.Verdict
			if err := json.Unmarshal([]byte(vjson), &v); err != nil {
				return nil, fmt.Errorf("unmarshal verdict: %w", err)
			}
			a.Verdict = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SqlStore) SaveTiming(runID string, t pipeline.StageTiming) error {
	_, err := s.db.Exec(`
		INSERT INTO stage_timings(run_id, attempt, stage, seq, status, tries, elapsed_ns, error)
		VALUES(?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_timings WHERE run_id = ?), ?, ?, ?, ?)
		ON CONFLICT(run_id, attempt, stage) DO UPDATE SET
			status = excluded.status,
			tries = excluded.tries,
			elapsed_ns = excluded.elapsed_ns,
			error = excluded.error`,
		runID, t.Attempt, string(t.Stage), runID, t.Status, t.Tries, int64(t.Elapsed), t.Error)
	if err != nil {
		return fmt.Errorf("save timing %s/%d/%s: %w", runID, t.Attempt, t.Stage, err)
	}
	return nil
}

func (s *SqlStore) ListTimings(runID string) ([]pipeline.StageTiming, error) {
	rows, err := s.db.Query(`
		SELECT attempt, stage, status, tries, elapsed_ns, error
		FROM stage_timings WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list timings: %w", err)
	}
	defer rows.Close()
	var out []pipeline.StageTiming
	for rows.Next() {
		var (
			t       pipeline.StageTiming
			stage   string
			elapsed int64
		)
		if err := rows.Scan(&t.Attempt, &stage, &t.Status, &t.Tries, &elapsed, &t.Error); err != nil {
			return nil, fmt.Errorf("scan timing: %w", err)
		}
		t.Stage = pipeline.StageID(stage)
		t.Elapsed = time.Duration(elapsed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SqlStore) SaveCall(c pipeline.CallRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO call_records(run_id, stage, fingerprint, service, attempt, latency_ns, outcome, error, at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, string(c.Stage), c.Fingerprint, c.Service, c.Attempt, int64(c.Latency), string(c.Outcome), c.Error, formatTime(c.At))
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *SqlStore) ListCalls(runID string) ([]pipeline.CallRecord, error) {
	rows, err := s.db.Query(`
		SELECT stage, fingerprint, service, attempt, latency_ns, outcome, error, at
		FROM call_records WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()
	var out []pipeline.CallRecord
	for rows.Next() {
		var (
			c                 pipeline.CallRecord
			stage, outcome, at string
			latency           int64
		)
		if err := rows.Scan(&stage, &c.Fingerprint, &c.Service, &c.Attempt, &latency, &outcome, &c.Error, &at); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.RunID = runID
		c.Stage = pipeline.StageID(stage)
		c.Latency = time.Duration(latency)
		c.Outcome = pipeline.CallOutcome(outcome)
		c.At = parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}
