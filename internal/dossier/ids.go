package dossier

import "dossier/pkg/pipeline"

// Stage identifiers in execution order. ValidationGate is the terminal gate,
// not a descriptor; it is listed so configuration can name it.
const (
	SubjectIntake           pipeline.StageID = "subject_intake"
	BaselineFacts           pipeline.StageID = "baseline_facts"
	InitialAnalysis         pipeline.StageID = "initial_analysis"
	NewsSynthesis           pipeline.StageID = "news_synthesis"
	SentimentScan           pipeline.StageID = "sentiment_scan"
	OutlookSignals          pipeline.StageID = "outlook_signals"
	QuestionGeneration      pipeline.StageID = "question_generation"
	DeepResearch            pipeline.StageID = "deep_research"
	FindingIntegration      pipeline.StageID = "finding_integration"
	EvidenceConsolidation   pipeline.StageID = "evidence_consolidation"
	ContradictionCheck      pipeline.StageID = "contradiction_check"
	RiskAssessment          pipeline.StageID = "risk_assessment"
	EthicsReview            pipeline.StageID = "ethics_review"
	NarrativeSynthesis      pipeline.StageID = "narrative_synthesis"
	HiddenGems              pipeline.StageID = "hidden_gems"
	AlternativePerspectives pipeline.StageID = "alternative_perspectives"
	ExecutiveSummary        pipeline.StageID = "executive_summary"
	DossierStructuring      pipeline.StageID = "dossier_structuring"
	ProvenanceStamp         pipeline.StageID = "provenance_stamp"
	ValidationGate          pipeline.StageID = "validation_gate"
)

// Order lists every stage id, gate included, by ordinal.
var Order = []pipeline.StageID{
	SubjectIntake,
	BaselineFacts,
	InitialAnalysis,
	NewsSynthesis,
	SentimentScan,
	OutlookSignals,
	QuestionGeneration,
	DeepResearch,
	FindingIntegration,
	EvidenceConsolidation,
	ContradictionCheck,
	RiskAssessment,
	EthicsReview,
	NarrativeSynthesis,
	HiddenGems,
	AlternativePerspectives,
	ExecutiveSummary,
	DossierStructuring,
	ProvenanceStamp,
	ValidationGate,
}

// StageNames returns Order as strings, for config validation.
func StageNames() []string {
	out := make([]string, len(Order))
	for i, id := range Order {
		out[i] = string(id)
	}
	return out
}

// Section names the narrative stages write.
const (
	SectionExecutiveSummary = "executive_summary"
	SectionOverview         = "overview"
	SectionAnalysis         = "analysis"
	SectionOutlook          = "outlook"
)

// Risk flag codes raised by the review stages.
const (
	FlagRisk   = "risk"
	FlagEthics = "ethics"
)
