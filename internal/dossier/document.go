package dossier

import (
	"errors"
	"fmt"
	"time"

	"dossier/pkg/pipeline"
)

// ErrNotDelivered is returned by Assemble for runs that did not pass the gate.
var ErrNotDelivered = errors.New("dossier: run was not delivered")

// Document is the finalized dossier handed to the consumer.
type Document struct {
	Title        string              `json:"title"`
	Subject      string              `json:"subject"`
	Domain       string              `json:"domain"`
	Sections     []Section           `json:"sections"`
	Citations    []Citation          `json:"citations"`
	Annotations  []pipeline.RiskFlag `json:"annotations,omitempty"`
	HiddenGems   []Insight           `json:"hidden_gems,omitempty"`
	Perspectives []Perspective       `json:"perspectives,omitempty"`
	Metadata     Metadata            `json:"metadata"`
}

// Metadata describes how the document was produced.
type Metadata struct {
	RunID       string                 `json:"run_id"`
	Engine      string                 `json:"engine"`
	Attempts    int                    `json:"attempts"`
	GeneratedAt time.Time              `json:"generated_at"`
	Elapsed     time.Duration          `json:"elapsed"`
	Timings     []pipeline.StageTiming `json:"stage_timings"`
	Notes       []string               `json:"notes,omitempty"`
}

// Assemble builds the document of a delivered run. Any other outcome
// yields an error wrapping ErrNotDelivered and the run's failure report.
func Assemble(out *pipeline.Outcome) (*Document, error) {
	if out == nil {
		return nil, fmt.Errorf("%w: no outcome", ErrNotDelivered)
	}
	if !out.Delivered() {
		if out.Failure != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotDelivered, out.Failure)
		}
		return nil, fmt.Errorf("%w: status %s", ErrNotDelivered, out.Status)
	}
	if out.State == nil {
		return nil, errors.New("dossier: delivered outcome carries no state")
	}

	structured, ok := slotData[Structured](out.State, DossierStructuring)
	if !ok {
		return nil, fmt.Errorf("dossier: %s output missing", DossierStructuring)
	}
	prov, _ := slotData[Provenance](out.State, ProvenanceStamp)

	doc := &Document{
		Title:        structured.Title,
		Subject:      structured.Subject,
		Domain:       structured.Domain,
		Sections:     structured.Sections,
		Citations:    structured.Citations,
		Annotations:  structured.Annotations,
		HiddenGems:   structured.HiddenGems,
		Perspectives: structured.Perspectives,
		Metadata: Metadata{
			RunID:       out.RunID,
			Engine:      prov.Engine,
			Attempts:    len(out.Attempts),
			GeneratedAt: prov.GeneratedAt,
			Elapsed:     out.Elapsed(),
			Timings:     out.Timings,
			Notes:       Notes(out),
		},
	}
	return doc, nil
}

// Notes lists what did not go to plan during a run: re-entries, partial
// fan-outs, failed and blocked stages.
func Notes(out *pipeline.Outcome) []string {
	var notes []string
	for _, a := range out.Attempts {
		if a.Number > 1 {
			notes = append(notes, fmt.Sprintf("attempt %d re-entered at %s", a.Number, a.Reentry))
		}
		if a.Verdict != nil && !a.Verdict.Go {
			for _, d := range a.Verdict.Deficiencies {
				notes = append(notes, fmt.Sprintf("attempt %d gate: %s: %s", a.Number, d.Predicate, d.Detail))
			}
		}
	}
	for _, t := range out.Timings {
		switch t.Status {
		case pipeline.TimingPartial:
			notes = append(notes, fmt.Sprintf("attempt %d %s: partial results", t.Attempt, t.Stage))
		case pipeline.TimingFailed, pipeline.TimingBlocked:
			notes = append(notes, fmt.Sprintf("attempt %d %s %s: %s", t.Attempt, t.Stage, t.Status, t.Error))
		}
	}
	return notes
}

func slotData[T any](s *pipeline.State, id pipeline.StageID) (T, bool) {
	var zero T
	out, ok := s.Output(id)
	if !ok {
		return zero, false
	}
	t, ok := out.Data.(T)
	return t, ok
}
