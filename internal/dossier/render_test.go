package dossier

import (
	"strings"
	"testing"
	"time"

	"dossier/pkg/pipeline"
)

func TestRenderMarkdown(t *testing.T) {
	doc := &Document{
		Title:  "Arsenal vs Chelsea",
		Domain: "sports",
		Sections: []Section{
			{Name: "executive_summary", Body: "Arsenal are favoured."},
			{Name: "overview", Body: "A London derby."},
		},
		HiddenGems:   []Insight{{Title: "Set pieces", Detail: "Chelsea concede from corners.", Impact: "high"}},
		Perspectives: []Perspective{{Focus: "Form is noise", Summary: "Small samples.", Arguments: []string{"five games"}}},
		Annotations: []pipeline.RiskFlag{
			{Code: pipeline.Contradiction, Detail: "kickoff time differs"},
			{Code: FlagRisk, Severity: "medium", Detail: "injury news pending"},
		},
		Citations: []Citation{{ID: "E1", Text: "Kickoff 17:30.", Sources: []string{"https://a.example", "https://b.example"}}},
		Metadata: Metadata{
			RunID:       "run-1",
			Engine:      "dossier/sports",
			Attempts:    2,
			GeneratedAt: time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC),
			Elapsed:     1500 * time.Millisecond,
			Notes:       []string{"attempt 2 re-entered at question_generation"},
		},
	}
	md := RenderMarkdown(doc)
	for _, want := range []string{
		"# Dossier: Arsenal vs Chelsea\n",
		"## Executive Summary\n\nArsenal are favoured.",
		"- **Set pieces:** Chelsea concede from corners. (impact: high)",
		"### Viewpoint 1: Form is noise",
		"- five games",
		"**contradiction**: kickoff time differs *unresolved*",
		"**risk** (medium): injury news pending",
		"E1. Kickoff 17:30. [https://a.example, https://b.example]",
		"*Engine: dossier/sports. Run run-1, 2 attempt(s), 1.5s.*",
		"*Generated March 14, 2026 18:30:00 UTC*",
		"### Execution notes\n\n- attempt 2 re-entered at question_generation",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Index(md, "## Executive Summary") > strings.Index(md, "## Overview") {
		t.Error("sections out of order")
	}
}

func TestRenderFailure(t *testing.T) {
	out := &pipeline.Outcome{
		RunID:   "run-9",
		Subject: pipeline.Subject{ID: "Arsenal"},
		Status:  pipeline.StatusFatal,
		Failure: &pipeline.FailureReport{
			Kind:    pipeline.KindFatal,
			Stage:   SubjectIntake,
			Attempt: 1,
			Reason:  `fixture "Arsenal" does not match the pattern`,
			Deficiencies: []pipeline.Deficiency{
				{Predicate: pipeline.PredMinEvidence, Detail: "found 1", Stages: []pipeline.StageID{DeepResearch, QuestionGeneration}},
			},
		},
		Attempts: []pipeline.AttemptSummary{{Number: 1}},
	}
	md := RenderFailure(out)
	for _, want := range []string{
		"## Generation status: FATAL",
		"**Stage:** subject_intake",
		`**Reason:** fixture "Arsenal" does not match the pattern`,
		"- **min_evidence:** found 1 (stages: deep_research, question_generation)",
		"*Run run-9, 1 attempt(s)",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("failure report missing %q:\n%s", want, md)
		}
	}
}

func TestHeading(t *testing.T) {
	for in, want := range map[string]string{
		"executive_summary": "Executive Summary",
		"outlook":           "Outlook",
		"key__risks_":       "Key Risks",
	} {
		if got := heading(in); got != want {
			t.Errorf("heading(%q) = %q, want %q", in, got, want)
		}
	}
}
