package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Built-in predicate names. Deficiency reports and re-entry maps refer to them.
const (
	PredMinEvidence                = "min_evidence"
	PredNoUnresolvedContradictions = "no_unresolved_contradictions"
	PredRequiredSections           = "required_sections"
	PredStagesCompleted            = "stages_completed"
)

// Check is the outcome of one predicate. Stages names upstream stages the
// predicate can pin the problem on.
type Check struct {
	OK     bool
	Detail string
	Stages []StageID
}

// Pass is a successful Check.
func Pass() Check { return Check{OK: true} }

// Failf is a failed Check with a formatted detail.
func Failf(format string, args ...any) Check {
	return Check{Detail: fmt.Sprintf(format, args...)}
}

// Predicate is one acceptance criterion of the gate.
type Predicate struct {
	Name string
	// Implicates lists stages always blamed when the predicate fails.
	Implicates []StageID
	Eval       func(s *State) Check
}

// Deficiency names a failed predicate and the stages implicated by it.
type Deficiency struct {
	Predicate string    `json:"predicate"`
	Detail    string    `json:"detail"`
	Stages    []StageID `json:"stages,omitempty"`
}

// Verdict is the gate's GO/NO-GO decision for one attempt.
type Verdict struct {
	Attempt      int          `json:"attempt"`
	Go           bool         `json:"go"`
	Deficiencies []Deficiency `json:"deficiencies,omitempty"`
	At           time.Time    `json:"at"`
}

// Failed reports whether the named predicate is among the deficiencies.
func (v Verdict) Failed(predicate string) bool {
	for _, d := range v.Deficiencies {
		if d.Predicate == predicate {
			return true
		}
	}
	return false
}

// Gate evaluates the accumulated state against its predicates.
type Gate struct {
	ID         StageID
	Predicates []Predicate
}

// Evaluate runs every predicate. All failures are reported, not just the first.
func (g Gate) Evaluate(s *State) Verdict {
	v := Verdict{Attempt: s.Attempt(), Go: true, At: time.Now()}
	for _, p := range g.Predicates {
		c := p.Eval(s)
		if c.OK {
			continue
		}
		v.Go = false
		v.Deficiencies = append(v.Deficiencies, Deficiency{
			Predicate: p.Name,
			Detail:    c.Detail,
			Stages:    uniqueStages(append(append([]StageID(nil), p.Implicates...), c.Stages...)),
		})
	}
	return v
}

// MinEvidence requires at least n distinct findings across the state.
func MinEvidence(n int, implicates ...StageID) Predicate {
	return Predicate{
		Name:       PredMinEvidence,
		Implicates: implicates,
		Eval: func(s *State) Check {
			got := CountEvidence(s.Findings())
			if got >= n {
				return Pass()
			}
			return Failf("found %d evidence item(s), need %d", got, n)
		},
	}
}

// CountEvidence counts findings with distinct normalized text.
func CountEvidence(findings []Finding) int {
	seen := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		key := strings.Join(strings.Fields(strings.ToLower(f.Text)), " ")
		if key == "" {
			continue
		}
		seen[key] = struct{}{}
	}
	return len(seen)
}

// NoUnresolvedContradictions fails while any contradiction flag is unresolved.
// The stages that raised the flags are implicated.
func NoUnresolvedContradictions(implicates ...StageID) Predicate {
	return Predicate{
		Name:       PredNoUnresolvedContradictions,
		Implicates: implicates,
		Eval: func(s *State) Check {
			var open []string
			var stages []StageID
			for _, f := range s.RiskFlags() {
				if f.Code != Contradiction || f.Resolved {
					continue
				}
				open = append(open, f.Detail)
				stages = append(stages, f.Stage)
			}
			if len(open) == 0 {
				return Pass()
			}
			c := Failf("%d unresolved contradiction(s): %s", len(open), strings.Join(open, "; "))
			c.Stages = stages
			return c
		},
	}
}

// RequiredSections fails when any named narrative section is missing or blank.
func RequiredSections(names []string, implicates ...StageID) Predicate {
	return Predicate{
		Name:       PredRequiredSections,
		Implicates: implicates,
		Eval: func(s *State) Check {
			sections := s.Sections()
			var missing []string
			for _, n := range names {
				if strings.TrimSpace(sections[n]) == "" {
					missing = append(missing, n)
				}
			}
			if len(missing) == 0 {
				return Pass()
			}
			return Failf("missing section(s): %s", strings.Join(missing, ", "))
		},
	}
}

// StagesCompleted fails when a stage of the sequence has no output, which is
// how deferred stage failures reach the gate. The missing stages are implicated.
func StagesCompleted() Predicate {
	return Predicate{
		Name: PredStagesCompleted,
		Eval: func(s *State) Check {
			if s.Sequence() == nil {
				return Pass()
			}
			var missing []StageID
			for _, d := range s.Sequence().Stages() {
				if !s.Has(d.ID) {
					missing = append(missing, d.ID)
				}
			}
			if len(missing) == 0 {
				return Pass()
			}
			reasons := make([]string, 0, len(missing))
			failures := make(map[StageID]StageFailure)
			for _, f := range s.Failures() {
				failures[f.Stage] = f
			}
			for _, id := range missing {
				if f, ok := failures[id]; ok {
					reasons = append(reasons, fmt.Sprintf("%s (%s)", id, f.Reason))
				} else {
					reasons = append(reasons, string(id))
				}
			}
			c := Failf("no output from: %s", strings.Join(reasons, ", "))
			c.Stages = missing
			return c
		},
	}
}

func uniqueStages(ids []StageID) []StageID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[StageID]struct{}, len(ids))
	out := make([]StageID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
