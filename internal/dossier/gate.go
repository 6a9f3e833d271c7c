package dossier

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"dossier/internal/config"
	"dossier/pkg/pipeline"
)

// RuleEnv is the environment acceptance rules are evaluated against.
// Field names are the identifiers available in a rule's expression.
type RuleEnv struct {
	Evidence     int               `expr:"evidence"`
	Sources      int               `expr:"sources"`
	Findings     int               `expr:"findings"`
	Sections     map[string]string `expr:"sections"`
	RiskFlags    int               `expr:"risk_flags"`
	Unresolved   int               `expr:"unresolved"`
	HighRisks    int               `expr:"high_risks"`
	Attempt      int               `expr:"attempt"`
	Subject      string            `expr:"subject"`
	Partial      []string          `expr:"partial"`
	FailedStages []string          `expr:"failed_stages"`
}

// NewRuleEnv summarizes s for rule evaluation.
func NewRuleEnv(s *pipeline.State) RuleEnv {
	findings := s.Findings()
	env := RuleEnv{
		Evidence:  pipeline.CountEvidence(findings),
		Sources:   len(Consolidate(findings).Sources),
		Findings:  len(findings),
		Sections:  s.Sections(),
		Attempt:   s.Attempt(),
		Subject:   s.Subject().ID,
		RiskFlags: len(s.RiskFlags()),
	}
	for _, f := range s.RiskFlags() {
		if f.Code == pipeline.Contradiction && !f.Resolved {
			env.Unresolved++
		}
		if strings.EqualFold(f.Severity, "high") {
			env.HighRisks++
		}
	}
	for _, out := range s.Outputs() {
		if out.Partial {
			env.Partial = append(env.Partial, string(out.Stage))
		}
	}
	for _, f := range s.Failures() {
		env.FailedStages = append(env.FailedStages, string(f.Stage))
	}
	return env
}

// CompileRule compiles a rule expression; it must evaluate to a bool.
func CompileRule(r config.Rule) (*vm.Program, error) {
	prog, err := expr.Compile(r.Expr, expr.Env(RuleEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return prog, nil
}

// RulePredicate turns a configured rule into a gate predicate. An
// expression that fails at run time counts as a failed check.
func RulePredicate(r config.Rule) (pipeline.Predicate, error) {
	prog, err := CompileRule(r)
	if err != nil {
		return pipeline.Predicate{}, err
	}
	implicates := make([]pipeline.StageID, len(r.Implicates))
	for i, id := range r.Implicates {
		implicates[i] = pipeline.StageID(id)
	}
	detail := r.Detail
	if detail == "" {
		detail = "rule failed: " + r.Expr
	}
	return pipeline.Predicate{
		Name:       r.Name,
		Implicates: implicates,
		Eval: func(s *pipeline.State) pipeline.Check {
			out, err := expr.Run(prog, NewRuleEnv(s))
			if err != nil {
				return pipeline.Failf("rule %s: %v", r.Name, err)
			}
			if ok, _ := out.(bool); ok {
				return pipeline.Pass()
			}
			return pipeline.Failf("%s", detail)
		},
	}, nil
}

// Gate builds the terminal validation gate from the domain's acceptance
// policy: built-in predicates first, then the configured rules in order.
func Gate(d config.Domain) (pipeline.Gate, error) {
	a := d.Acceptance
	g := pipeline.Gate{ID: ValidationGate}
	g.Predicates = append(g.Predicates, pipeline.MinEvidence(a.MinEvidence, DeepResearch))
	if !a.AllowContradictions {
		g.Predicates = append(g.Predicates, pipeline.NoUnresolvedContradictions(ContradictionCheck))
	}
	if len(a.RequiredSections) > 0 {
		implicates := []pipeline.StageID{NarrativeSynthesis}
		for _, name := range a.RequiredSections {
			if name == SectionExecutiveSummary {
				implicates = append(implicates, ExecutiveSummary)
			}
		}
		g.Predicates = append(g.Predicates, pipeline.RequiredSections(a.RequiredSections, implicates...))
	}
	if a.RequireAll() {
		g.Predicates = append(g.Predicates, pipeline.StagesCompleted())
	}
	for _, r := range a.Rules {
		p, err := RulePredicate(r)
		if err != nil {
			return pipeline.Gate{}, fmt.Errorf("dossier: acceptance: %w", err)
		}
		g.Predicates = append(g.Predicates, p)
	}
	return g, nil
}

// Reentry converts the domain's re-entry map.
func Reentry(d config.Domain) pipeline.ReentryPolicy {
	p := pipeline.ReentryPolicy{
		Fallback:    pipeline.StageID(d.Reentry.Fallback),
		ByPredicate: make(map[string]pipeline.StageID, len(d.Reentry.ByPredicate)),
	}
	if p.Fallback == "" {
		p.Fallback = QuestionGeneration
	}
	for pred, id := range d.Reentry.ByPredicate {
		p.ByPredicate[pred] = pipeline.StageID(id)
	}
	return p
}
