package dossier

import (
	"time"

	"dossier/pkg/pipeline"
)

// Services are the two external collaborators every stage reaches through
// the call adapter.
type Services struct {
	Reasoning pipeline.Service
	Research  pipeline.Service
}

// Intake is the subject_intake output.
type Intake struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Noun   string `json:"noun"`
	Domain string `json:"domain"`
}

// Question is one research question from question_generation.
type Question struct {
	Question      string `json:"question"`
	ResearchQuery string `json:"research_query"`
}

// Contradiction is one entry of the contradiction_check response.
type Contradiction struct {
	Detail     string `json:"detail"`
	Resolved   bool   `json:"resolved"`
	Resolution string `json:"resolution,omitempty"`
}

// Assessment is one risk or ethics concern.
type Assessment struct {
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Insight is an overlooked factor from hidden_gems.
type Insight struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Impact string `json:"impact,omitempty"`
}

// Perspective is an alternative reading from alternative_perspectives.
type Perspective struct {
	Focus     string   `json:"focus"`
	Summary   string   `json:"summary"`
	Arguments []string `json:"arguments,omitempty"`
}

// Citation is one consolidated evidence item.
type Citation struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Query   string   `json:"query,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

// Evidence is the evidence_consolidation output.
type Evidence struct {
	Citations []Citation `json:"citations"`
	Sources   []string   `json:"sources"`
}

// Section is one named narrative block, in reading order.
type Section struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// Structured is the dossier_structuring output; it is validated against
// the embedded JSON Schema before it is written.
type Structured struct {
	Title        string              `json:"title"`
	Subject      string              `json:"subject"`
	Domain       string              `json:"domain"`
	Sections     []Section           `json:"sections"`
	HiddenGems   []Insight           `json:"hidden_gems"`
	Perspectives []Perspective       `json:"perspectives"`
	Annotations  []pipeline.RiskFlag `json:"annotations"`
	Citations    []Citation          `json:"citations"`
}

// Provenance is the provenance_stamp output.
type Provenance struct {
	Engine      string    `json:"engine"`
	Domain      string    `json:"domain"`
	RunID       string    `json:"run_id"`
	Attempt     int       `json:"attempt"`
	GeneratedAt time.Time `json:"generated_at"`
}
