package ir

// Plan is an immutable, wave-ordered execution plan. Operations within a
// wave have no interdependencies and may run concurrently; waves execute
// strictly in sequence.
type Plan struct {
	Metadata *PlanMetadata `json:"metadata"`
	Waves    [][]*Op       `json:"waves"`
	Summary  *Summary      `json:"summary"`
}

type PlanMetadata struct {
	Scope           string `json:"scope"`
	Timestamp       string `json:"timestamp"`
	SnapshotVersion int    `json:"snapshotVersion"`
	Lineage         string `json:"lineage,omitempty"`
}

// Empty reports whether the plan carries no executable operations.
func (p *Plan) Empty() bool {
	for _, wave := range p.Waves {
		if len(wave) > 0 {
			return false
		}
	}
	return true
}

// OpCount returns the total number of scheduled operations.
func (p *Plan) OpCount() int {
	n := 0
	for _, wave := range p.Waves {
		n += len(wave)
	}
	return n
}

// WaveOf returns the wave index holding the operation for an address and
// kind, or -1 if the plan does not schedule it.
func (p *Plan) WaveOf(address string, kind OpKind) int {
	for i, wave := range p.Waves {
		for _, op := range wave {
			if op.Address == address && op.Kind == kind {
				return i
			}
		}
	}
	return -1
}
