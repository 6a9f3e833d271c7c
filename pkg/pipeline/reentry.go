package pipeline

// ReentryPolicy maps a deficiency report to the stage a new attempt starts from.
type ReentryPolicy struct {
	// ByPredicate blames a stage for a predicate regardless of what the
	// predicate itself implicated.
	ByPredicate map[string]StageID
	// Fallback is used when nothing in the report names a known stage.
	// Empty means the first stage of the sequence.
	Fallback StageID
}

// Resolve returns the re-entry stage: the lowest-ordinal stage among those
// implicated by the deficiencies or mapped from their predicates, else the
// fallback, else the first stage. Unknown stage ids are ignored.
func (p ReentryPolicy) Resolve(deficiencies []Deficiency, seq *Sequence) StageDescriptor {
	var (
		best  StageDescriptor
		found bool
	)
	consider := func(id StageID) {
		d, ok := seq.Lookup(id)
		if !ok {
			return
		}
		if !found || d.Ordinal < best.Ordinal {
			best, found = d, true
		}
	}

	for _, def := range deficiencies {
		for _, id := range def.Stages {
			consider(id)
		}
		if id, ok := p.ByPredicate[def.Predicate]; ok {
			consider(id)
		}
	}
	if found {
		return best
	}
	if d, ok := seq.Lookup(p.Fallback); ok {
		return d
	}
	return seq.First()
}
