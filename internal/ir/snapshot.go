package ir

// Snapshot is the versioned record of what was last applied to a scope.
// Snapshots are immutable once written; the executor clones and re-versions
// on every incremental commit.
type Snapshot struct {
	Scope   string             `json:"scope"`
	Version int                `json:"version"`
	Lineage string             `json:"lineage"`
	Records map[string]*Record `json:"records"`
}

// Record is the last-applied form of a single resource. Attrs are the
// declared attributes as applied (references left symbolic, for diffing);
// Outputs are the concrete attributes the handler returned, used to resolve
// references from dependent resources.
type Record struct {
	Type         string           `json:"type"`
	Name         string           `json:"name"`
	Handler      string           `json:"handler"`
	ExternalID   string           `json:"externalId"`
	Attrs        map[string]Value `json:"attrs"`
	Outputs      map[string]Value `json:"outputs,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty"`
}

// NewSnapshot returns an empty first-version snapshot for a scope.
func NewSnapshot(scope, lineage string) *Snapshot {
	return &Snapshot{
		Scope:   scope,
		Version: 0,
		Lineage: lineage,
		Records: make(map[string]*Record),
	}
}

// Clone deep-copies the snapshot so the executor can mutate a working copy
// without touching the committed one.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Scope:   s.Scope,
		Version: s.Version,
		Lineage: s.Lineage,
		Records: make(map[string]*Record, len(s.Records)),
	}
	for addr, rec := range s.Records {
		out.Records[addr] = rec.Clone()
	}
	return out
}

// Clone deep-copies a record.
func (r *Record) Clone() *Record {
	deps := make([]string, len(r.Dependencies))
	copy(deps, r.Dependencies)
	return &Record{
		Type:         r.Type,
		Name:         r.Name,
		Handler:      r.Handler,
		ExternalID:   r.ExternalID,
		Attrs:        CloneAttrs(r.Attrs),
		Outputs:      CloneAttrs(r.Outputs),
		Dependencies: deps,
	}
}

// Attr resolves an attribute of a record, preferring handler outputs over
// declared inputs. The provider-assigned external identifier is exposed as
// "id" when the handler did not return an explicit id attribute.
func (r *Record) Attr(name string) (Value, bool) {
	if v, ok := r.Outputs[name]; ok {
		return v, true
	}
	if v, ok := r.Attrs[name]; ok && v.Kind != KindReference {
		return v, true
	}
	if name == "id" && r.ExternalID != "" {
		return String(r.ExternalID), true
	}
	return Value{}, false
}
