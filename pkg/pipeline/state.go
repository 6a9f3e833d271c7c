package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Subject identifies what a run is about.
type Subject struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// StageFailure records a stage that ended its attempt without an output.
type StageFailure struct {
	Stage   StageID   `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Blocked bool      `json:"blocked,omitempty"`
	Reason  string    `json:"reason"`
	Tries   int       `json:"tries"`
}

// State is the cognitive state of one run attempt: one slot per stage plus
// shared fields derived from those slots. The orchestrator owns it; stages
// only ever see a View.
type State struct {
	subject Subject
	seq     *Sequence
	attempt int

	mu       sync.RWMutex
	slots    map[StageID]StageOutput
	failures map[StageID]StageFailure
	verdicts []Verdict
}

// NewState returns the state for attempt 1 of a run over seq.
func NewState(subject Subject, seq *Sequence) *State {
	return &State{
		subject:  subject,
		seq:      seq,
		attempt:  1,
		slots:    make(map[StageID]StageOutput),
		failures: make(map[StageID]StageFailure),
	}
}

func (s *State) Subject() Subject { return s.subject }
func (s *State) Attempt() int     { return s.attempt }

// Write fills the slot for id. A slot can be written once per attempt.
func (s *State) Write(id StageID, out StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[id]; ok {
		return fmt.Errorf("%w: %s", ErrSlotWritten, id)
	}
	out.Stage = id
	s.slots[id] = out
	delete(s.failures, id)
	return nil
}

func (s *State) recordFailure(f StageFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[f.Stage] = f
}

func (s *State) recordVerdict(v Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, v)
}

// Output returns the slot for id.
func (s *State) Output(id StageID) (StageOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.slots[id]
	return out, ok
}

// Has reports whether id has produced an output in this attempt.
func (s *State) Has(id StageID) bool {
	_, ok := s.Output(id)
	return ok
}

// Outputs returns every written slot in ordinal order.
func (s *State) Outputs() []StageOutput {
	return s.collect(nil)
}

// Failures returns the stages that failed or were blocked, in ordinal order.
func (s *State) Failures() []StageFailure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StageFailure, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return s.ordinal(out[i].Stage) < s.ordinal(out[j].Stage) })
	return out
}

// Verdicts returns the gate verdicts of every attempt so far.
func (s *State) Verdicts() []Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Verdict, len(s.verdicts))
	copy(out, s.verdicts)
	return out
}

// Findings concatenates findings across all slots in ordinal order.
func (s *State) Findings() []Finding { return findingsOf(s.Outputs()) }

// Sections overlays narrative sections in ordinal order; later stages win.
func (s *State) Sections() map[string]string { return sectionsOf(s.Outputs()) }

// RiskFlags concatenates risk flags across all slots in ordinal order.
func (s *State) RiskFlags() []RiskFlag { return riskFlagsOf(s.Outputs()) }

// Sequence returns the stage sequence the state was built for.
func (s *State) Sequence() *Sequence { return s.seq }

// Fork starts the next attempt. Slots with an ordinal strictly below
// reentry are carried over unchanged; everything from reentry on is
// dropped and waits for its stage to run again.
func (s *State) Fork(reentry int) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := &State{
		subject:  s.subject,
		seq:      s.seq,
		attempt:  s.attempt + 1,
		slots:    make(map[StageID]StageOutput, len(s.slots)),
		failures: make(map[StageID]StageFailure),
		verdicts: append([]Verdict(nil), s.verdicts...),
	}
	for id, out := range s.slots {
		if s.ordinal(id) < reentry {
			next.slots[id] = out
		}
	}
	for id, f := range s.failures {
		if s.ordinal(id) < reentry {
			next.failures[id] = f
		}
	}
	return next
}

// ViewFor returns a read view restricted to the given stages.
func (s *State) ViewFor(deps ...StageID) View {
	allowed := make(map[StageID]struct{}, len(deps))
	for _, d := range deps {
		allowed[d] = struct{}{}
	}
	return View{state: s, allowed: allowed}
}

func (s *State) collect(allowed map[StageID]struct{}) []StageOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StageOutput, 0, len(s.slots))
	for id, o := range s.slots {
		if allowed != nil {
			if _, ok := allowed[id]; !ok {
				continue
			}
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return s.ordinal(out[i].Stage) < s.ordinal(out[j].Stage) })
	return out
}

func (s *State) ordinal(id StageID) int {
	if s.seq == nil {
		return 0
	}
	o, _ := s.seq.Ordinal(id)
	return o
}

// View is a read-only window over the slots a stage declared as dependencies.
type View struct {
	state   *State
	allowed map[StageID]struct{}
}

func (v View) Subject() Subject { return v.state.Subject() }
func (v View) Attempt() int     { return v.state.Attempt() }

// Output returns a dependency's slot. Undeclared stages are invisible.
func (v View) Output(id StageID) (StageOutput, bool) {
	if _, ok := v.allowed[id]; !ok {
		return StageOutput{}, false
	}
	return v.state.Output(id)
}

// Findings concatenates dependency findings in ordinal order.
func (v View) Findings() []Finding { return findingsOf(v.state.collect(v.allowed)) }

// Sections overlays dependency sections in ordinal order.
func (v View) Sections() map[string]string { return sectionsOf(v.state.collect(v.allowed)) }

// RiskFlags concatenates dependency risk flags in ordinal order.
func (v View) RiskFlags() []RiskFlag { return riskFlagsOf(v.state.collect(v.allowed)) }

func findingsOf(outs []StageOutput) []Finding {
	var all []Finding
	for _, o := range outs {
		all = append(all, o.Findings...)
	}
	return all
}

func sectionsOf(outs []StageOutput) map[string]string {
	merged := make(map[string]string)
	for _, o := range outs {
		for k, v := range o.Sections {
			merged[k] = v
		}
	}
	return merged
}

func riskFlagsOf(outs []StageOutput) []RiskFlag {
	var all []RiskFlag
	for _, o := range outs {
		for _, f := range o.RiskFlags {
			if f.Stage == "" {
				f.Stage = o.Stage
			}
			all = append(all, f)
		}
	}
	return all
}
