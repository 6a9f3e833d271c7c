package store

import (
	"log/slog"
	"time"

	"dossier/internal/logging"
	"dossier/pkg/pipeline"
)

// Journal writes a run's life into a Store. It is an orchestrator Observer
// for run lifecycle events, an adapter CallRecorder for every external call,
// and Record persists the attempts and stage timings of a finished run.
// Write failures are logged; the journal never fails a run.
type Journal struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewJournal returns a journal writing to s.
func NewJournal(s Store) *Journal {
	return &Journal{store: s, log: logging.New("journal"), now: time.Now}
}

// Store returns the underlying store.
func (j *Journal) Store() Store { return j.store }

func (j *Journal) OnEvent(e pipeline.Event) {
	switch e.Type {
	case pipeline.EventRunStart:
		plan, _ := e.Metadata["plan"].(string)
		j.check(j.store.SaveRun(&RunRecord{
			ID:      e.RunID,
			Subject: e.Subject,
			Domain:  plan,
			Status:  pipeline.StatusRunning,
			Started: j.now(),
		}))
	case pipeline.EventRunDone:
		r, err := j.store.GetRun(e.RunID)
		if err != nil {
			j.check(err)
			return
		}
		r.Status = e.Status
		if n, ok := e.Metadata["attempts"].(int); ok {
			r.Attempts = n
		}
		if e.Error != nil {
			r.Failure = e.Error.Error()
		}
		r.Finished = r.Started.Add(e.Elapsed)
		j.check(j.store.SaveRun(r))
	}
}

func (j *Journal) RecordCall(c pipeline.CallRecord) {
	j.check(j.store.SaveCall(c))
}

// Record persists a finished run: the run row, every attempt with its
// verdict and every stage timing.
func (j *Journal) Record(out *pipeline.Outcome) error {
	r := &RunRecord{
		ID:        out.RunID,
		Subject:   out.Subject.ID,
		Domain:    out.Plan,
		Status:    out.Status,
		Attempts:  len(out.Attempts),
		CacheHits: out.Cache.Hits,
		Started:   out.Started,
		Finished:  out.Finished,
	}
	if out.Failure != nil {
		r.Failure = out.Failure.Error()
	}
	if err := j.store.SaveRun(r); err != nil {
		return err
	}
	for _, a := range out.Attempts {
		if err := j.store.SaveAttempt(out.RunID, a); err != nil {
			return err
		}
	}
	for _, t := range out.Timings {
		if err := j.store.SaveTiming(out.RunID, t); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) check(err error) {
	if err != nil {
		j.log.Warn("journal write failed", "error", err)
	}
}
