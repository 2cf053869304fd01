package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/ir"
)

// Schedule layers a change-set into an executable plan of waves.
//
// Create and update operations follow forward dependency order: a dependent
// lands in a strictly later wave than every dependency it changes with.
// Destroy operations follow reverse order: a resource is destroyed only
// after everything that depended on it is destroyed. The two halves of a
// replace are joined by a strict destroy-before-create edge, which can
// reintroduce cycles, so the layering re-checks for them.
func Schedule(scope string, cs *ir.ChangeSet, g *Graph, snap *ir.Snapshot) (*ir.Plan, error) {
	// The scope comes from the run, not the snapshot: a first run against a
	// fresh scope has no snapshot yet.
	meta := &ir.PlanMetadata{
		Scope:     scope,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if snap != nil {
		meta.SnapshotVersion = snap.Version
		meta.Lineage = snap.Lineage
	}

	plan := &ir.Plan{
		Metadata: meta,
		Summary:  cs.Summary,
	}

	forward := make(map[string]*ir.Op)  // create/update by address
	backward := make(map[string]*ir.Op) // destroy by address
	for _, op := range cs.Ops {
		switch op.Kind {
		case ir.OpCreate, ir.OpUpdate:
			forward[op.Address] = op
		case ir.OpDestroy:
			backward[op.Address] = op
		}
	}

	if len(forward) == 0 && len(backward) == 0 {
		return plan, nil
	}

	// after[x] lists the op keys that must run strictly after x.
	after := make(map[string][]string)
	inDegree := make(map[string]int)
	ops := make(map[string]*ir.Op)

	key := func(op *ir.Op) string {
		return fmt.Sprintf("%s!%s", op.Address, op.Kind)
	}
	addEdge := func(from, to *ir.Op) {
		after[key(from)] = append(after[key(from)], key(to))
		inDegree[key(to)]++
	}

	for _, op := range forward {
		ops[key(op)] = op
		inDegree[key(op)] += 0
	}
	for _, op := range backward {
		ops[key(op)] = op
		inDegree[key(op)] += 0
	}

	for addr, op := range forward {
		for _, dep := range g.Dependencies(addr) {
			if depOp, ok := forward[dep]; ok {
				addEdge(depOp, op)
			}
		}
	}

	for addr, op := range backward {
		// A destroyed node's dependencies come from its snapshot record,
		// since the node may no longer exist in the desired graph.
		if op.Prior != nil {
			for _, dep := range op.Prior.Dependencies {
				if depOp, ok := backward[dep]; ok && dep != addr {
					addEdge(op, depOp)
				}
			}
		}
		// Replace split: destroy phase strictly precedes the create phase.
		if op.Replace {
			if createOp, ok := forward[addr]; ok {
				addEdge(op, createOp)
			}
		}
	}

	// Kahn layering: each round's zero-indegree set is one wave, so no two
	// ops connected by an edge can share a wave.
	remaining := len(ops)
	for remaining > 0 {
		var wave []*ir.Op
		var waveKeys []string
		for k, deg := range inDegree {
			if deg == 0 {
				waveKeys = append(waveKeys, k)
			}
		}
		if len(waveKeys) == 0 {
			var stuck []string
			for k := range inDegree {
				stuck = append(stuck, k)
			}
			sort.Strings(stuck)
			return nil, errors.Newf(errors.KindCycleDetected,
				"cannot layer plan, cyclic ordering among: %s", strings.Join(stuck, ", "))
		}
		sort.Strings(waveKeys)

		for _, k := range waveKeys {
			wave = append(wave, ops[k])
			delete(inDegree, k)
			for _, next := range after[k] {
				if _, pending := inDegree[next]; pending {
					inDegree[next]--
				}
			}
		}

		plan.Waves = append(plan.Waves, wave)
		remaining -= len(wave)
	}

	return plan, nil
}
