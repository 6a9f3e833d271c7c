package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// Sequence is a validated, ordinal-ordered list of stage descriptors.
// Every dependency points to a stage with a lower ordinal, so the
// sequence is a DAG that runs front to back.
type Sequence struct {
	stages []StageDescriptor
	index  map[StageID]int
}

// NewSequence sorts stages by ordinal and checks the dependency invariant.
func NewSequence(stages ...StageDescriptor) (*Sequence, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidSequence)
	}
	sorted := make([]StageDescriptor, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	var errs []error
	index := make(map[StageID]int, len(sorted))
	for i, d := range sorted {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Errorf("stage at ordinal %d has no id", d.Ordinal))
			continue
		case d.Stage == nil:
			errs = append(errs, fmt.Errorf("stage %s has no implementation", d.ID))
		}
		if _, dup := index[d.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate stage id %s", d.ID))
			continue
		}
		if i > 0 && sorted[i-1].Ordinal == d.Ordinal {
			errs = append(errs, fmt.Errorf("stages %s and %s share ordinal %d", sorted[i-1].ID, d.ID, d.Ordinal))
		}
		index[d.ID] = i
	}
	for _, d := range sorted {
		for _, dep := range d.DependsOn {
			j, ok := index[dep]
			if !ok {
				errs = append(errs, fmt.Errorf("stage %s depends on unknown stage %s", d.ID, dep))
				continue
			}
			if sorted[j].Ordinal >= d.Ordinal {
				errs = append(errs, fmt.Errorf("stage %s (ordinal %d) depends on later stage %s (ordinal %d)",
					d.ID, d.Ordinal, dep, sorted[j].Ordinal))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSequence, errors.Join(errs...))
	}
	return &Sequence{stages: sorted, index: index}, nil
}

// MustSequence is NewSequence for statically known stage lists.
func MustSequence(stages ...StageDescriptor) *Sequence {
	s, err := NewSequence(stages...)
	if err != nil {
		panic(err)
	}
	return s
}

// Stages returns the descriptors in ordinal order.
func (s *Sequence) Stages() []StageDescriptor {
	out := make([]StageDescriptor, len(s.stages))
	copy(out, s.stages)
	return out
}

func (s *Sequence) Len() int { return len(s.stages) }

// Lookup finds a descriptor by id.
func (s *Sequence) Lookup(id StageID) (StageDescriptor, bool) {
	i, ok := s.index[id]
	if !ok {
		return StageDescriptor{}, false
	}
	return s.stages[i], true
}

// Ordinal returns the ordinal of id.
func (s *Sequence) Ordinal(id StageID) (int, bool) {
	d, ok := s.Lookup(id)
	return d.Ordinal, ok
}

// First returns the lowest-ordinal stage.
func (s *Sequence) First() StageDescriptor { return s.stages[0] }

// From returns the stages with ordinal >= ordinal, in order.
func (s *Sequence) From(ordinal int) []StageDescriptor {
	i := sort.Search(len(s.stages), func(i int) bool { return s.stages[i].Ordinal >= ordinal })
	return s.stages[i:]
}
