package ir

// OpKind is the tagged variant of a change operation.
type OpKind string

const (
	OpCreate  OpKind = "create"
	OpUpdate  OpKind = "update"
	OpDestroy OpKind = "destroy"
	OpNoOp    OpKind = "noop"
)

// Op is a single change operation over one resource address.
// A replace is represented as a destroy op followed by a create op for the
// same address, both flagged Replace; the scheduler joins them with a strict
// ordering edge.
type Op struct {
	Kind    OpKind               `json:"kind"`
	Address string               `json:"address"`
	Replace bool                 `json:"replace,omitempty"`
	Desired *Resource            `json:"desired,omitempty"`
	Prior   *Record              `json:"prior,omitempty"`
	Diff    map[string]*AttrDiff `json:"diff,omitempty"`
}

// AttrDiff is an attribute-level before/after pair.
type AttrDiff struct {
	Before            *Value `json:"before,omitempty"`
	After             *Value `json:"after,omitempty"`
	Action            string `json:"action"` // "create", "update", "delete"
	ForcesReplacement bool   `json:"forcesReplacement,omitempty"`
}

// ChangeSet is the unordered output of the diff engine.
type ChangeSet struct {
	Ops     []*Op    `json:"ops"`
	Summary *Summary `json:"summary"`
}

// Summary counts operations by kind.
type Summary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Destroy int `json:"destroy"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// Pending reports whether the change-set contains any work to execute.
func (c *ChangeSet) Pending() bool {
	s := c.Summary
	return s != nil && s.Create+s.Update+s.Destroy+s.Replace > 0
}
