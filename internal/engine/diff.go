package engine

import (
	"sort"

	"github.com/google/go-cmp/cmp"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

// Diff compares the desired graph against the last-applied snapshot and
// produces a change-set. Ordering is the scheduler's job; the change-set is
// deliberately unordered beyond being deterministic.
//
// A changed attribute the resource schema marks replace-triggering turns
// the update into a destroy+create pair flagged Replace. Resources present
// in the snapshot but absent from the graph become destroys.
func Diff(g *Graph, snap *ir.Snapshot, schemas SchemaLookup) (*ir.ChangeSet, error) {
	cs := &ir.ChangeSet{Summary: &ir.Summary{}}

	records := map[string]*ir.Record{}
	if snap != nil {
		records = snap.Records
	}

	for _, res := range g.Resources() {
		addr := res.Address()
		prior, exists := records[addr]

		if exists && prior.Type != res.Type {
			return nil, errors.Newf(errors.KindTypeMismatch,
				"declared type %s does not match recorded type %s; an explicit state migration is required",
				res.Type, prior.Type).WithAddress(addr)
		}

		if !exists {
			cs.Ops = append(cs.Ops, &ir.Op{
				Kind:    ir.OpCreate,
				Address: addr,
				Desired: res,
				Diff:    createDiff(res.Attrs),
			})
			cs.Summary.Create++
			continue
		}

		schema := schemas.SchemaFor(res.Type)
		changed := changedAttrs(prior.Attrs, res.Attrs)
		changed = filterIgnored(res, changed)

		if len(changed) == 0 {
			cs.Ops = append(cs.Ops, &ir.Op{Kind: ir.OpNoOp, Address: addr, Desired: res, Prior: prior})
			cs.Summary.NoOp++
			continue
		}

		replace := false
		diff := make(map[string]*ir.AttrDiff, len(changed))
		for _, name := range changed {
			d := attrDiff(prior.Attrs, res.Attrs, name)
			if schema.ForcesReplacement(name) {
				d.ForcesReplacement = true
				replace = true
			}
			diff[name] = d
		}

		if replace {
			if res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
				return nil, errors.New(errors.KindPreventDestroy,
					"replacement required but preventDestroy is set").WithAddress(addr)
			}
			cs.Ops = append(cs.Ops,
				&ir.Op{Kind: ir.OpDestroy, Address: addr, Replace: true, Prior: prior},
				&ir.Op{Kind: ir.OpCreate, Address: addr, Replace: true, Desired: res, Prior: prior, Diff: diff},
			)
			cs.Summary.Replace++
			continue
		}

		cs.Ops = append(cs.Ops, &ir.Op{
			Kind:    ir.OpUpdate,
			Address: addr,
			Desired: res,
			Prior:   prior,
			Diff:    diff,
		})
		cs.Summary.Update++
	}

	// Resources recorded in the snapshot but no longer desired.
	gone := make([]string, 0)
	for addr := range records {
		if _, still := g.Node(addr); !still {
			gone = append(gone, addr)
		}
	}
	sort.Strings(gone)
	for _, addr := range gone {
		prior := records[addr]
		cs.Ops = append(cs.Ops, &ir.Op{
			Kind:    ir.OpDestroy,
			Address: addr,
			Prior:   prior,
			Diff:    destroyDiff(prior.Attrs),
		})
		cs.Summary.Destroy++
	}

	logging.Debug("diff complete",
		"create", cs.Summary.Create, "update", cs.Summary.Update,
		"destroy", cs.Summary.Destroy, "replace", cs.Summary.Replace,
		"noop", cs.Summary.NoOp)

	return cs, nil
}

// changedAttrs returns the sorted names of attributes that differ between
// the prior and desired maps.
func changedAttrs(prior, desired map[string]ir.Value) []string {
	names := make(map[string]bool, len(prior)+len(desired))
	for k := range prior {
		names[k] = true
	}
	for k := range desired {
		names[k] = true
	}

	var changed []string
	for name := range names {
		pv, inPrior := prior[name]
		dv, inDesired := desired[name]
		switch {
		case !inPrior || !inDesired:
			changed = append(changed, name)
		case !cmp.Equal(pv, dv):
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// filterIgnored drops changed attributes listed in lifecycle.ignoreChanges.
func filterIgnored(res *ir.Resource, changed []string) []string {
	if res.Lifecycle == nil || len(res.Lifecycle.IgnoreChanges) == 0 {
		return changed
	}
	ignore := make(map[string]bool, len(res.Lifecycle.IgnoreChanges))
	for _, name := range res.Lifecycle.IgnoreChanges {
		ignore[name] = true
	}
	out := changed[:0]
	for _, name := range changed {
		if !ignore[name] {
			out = append(out, name)
		}
	}
	return out
}

func attrDiff(prior, desired map[string]ir.Value, name string) *ir.AttrDiff {
	d := &ir.AttrDiff{}
	if pv, ok := prior[name]; ok {
		v := pv
		d.Before = &v
	}
	if dv, ok := desired[name]; ok {
		v := dv
		d.After = &v
	}
	switch {
	case d.Before == nil:
		d.Action = "create"
	case d.After == nil:
		d.Action = "delete"
	default:
		d.Action = "update"
	}
	return d
}

func createDiff(attrs map[string]ir.Value) map[string]*ir.AttrDiff {
	diff := make(map[string]*ir.AttrDiff, len(attrs))
	for name, v := range attrs {
		val := v
		diff[name] = &ir.AttrDiff{After: &val, Action: "create"}
	}
	return diff
}

func destroyDiff(attrs map[string]ir.Value) map[string]*ir.AttrDiff {
	diff := make(map[string]*ir.AttrDiff, len(attrs))
	for name, v := range attrs {
		val := v
		diff[name] = &ir.AttrDiff{Before: &val, Action: "delete"}
	}
	return diff
}
