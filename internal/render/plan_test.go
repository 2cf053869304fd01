package render

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/ir"
)

func init() {
	color.NoColor = true
}

func samplePlan() *ir.Plan {
	before := ir.String("10.0.0.0/16")
	after := ir.String("10.9.0.0/16")
	return &ir.Plan{
		Metadata: &ir.PlanMetadata{Scope: "prod", SnapshotVersion: 4, Lineage: "lineage-1"},
		Waves: [][]*ir.Op{
			{
				{Kind: ir.OpDestroy, Address: "mem.network.core", Replace: true},
			},
			{
				{
					Kind:    ir.OpCreate,
					Address: "mem.network.core",
					Replace: true,
					Diff: map[string]*ir.AttrDiff{
						"cidr": {Before: &before, After: &after, Action: "update", ForcesReplacement: true},
					},
				},
			},
		},
		Summary: &ir.Summary{Replace: 1},
	}
}

func TestPlan_RendersWavesAndDiffs(t *testing.T) {
	var buf bytes.Buffer
	Plan(&buf, samplePlan())
	out := buf.String()

	assert.Contains(t, out, `Plan for scope "prod" against snapshot version 4`)
	assert.Contains(t, out, "Wave 0:")
	assert.Contains(t, out, "Wave 1:")
	assert.Contains(t, out, "mem.network.core")
	assert.Contains(t, out, `"10.0.0.0/16" -> "10.9.0.0/16"`)
	assert.Contains(t, out, "forces replacement")
	assert.Contains(t, out, "1 to replace")
}

func TestPlan_EmptyPlan(t *testing.T) {
	var buf bytes.Buffer
	Plan(&buf, &ir.Plan{Metadata: &ir.PlanMetadata{}, Summary: &ir.Summary{NoOp: 2}})
	assert.Contains(t, buf.String(), "No changes.")
}

func TestPlanFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	original := samplePlan()

	require.NoError(t, WritePlanFile(path, original))
	got, err := ReadPlanFile(path)
	require.NoError(t, err)

	assert.Equal(t, original.Metadata.Scope, got.Metadata.Scope)
	assert.Equal(t, original.Metadata.SnapshotVersion, got.Metadata.SnapshotVersion)
	require.Equal(t, original.OpCount(), got.OpCount())
	assert.Equal(t, 1, got.WaveOf("mem.network.core", ir.OpCreate))

	_, err = ReadPlanFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestResult_ReportsPartialFailure(t *testing.T) {
	var buf bytes.Buffer
	Result(&buf, &engine.Result{
		Status: engine.RunPartiallyApplied,
		Ops: []*engine.OpResult{
			{Op: &ir.Op{Kind: ir.OpCreate, Address: "mem.network.a"}, Status: engine.OpSucceeded},
			{Op: &ir.Op{Kind: ir.OpCreate, Address: "mem.network.b"}, Status: engine.OpFailed, Attempts: 4,
				Err: assert.AnError},
		},
	})
	out := buf.String()

	assert.Contains(t, out, "partially applied")
	assert.Contains(t, out, "1 succeeded, 1 failed")
	assert.Contains(t, out, "mem.network.b")
	assert.Contains(t, out, "after 4 attempt(s)")
	assert.Contains(t, out, "exactly the operations that succeeded")
}

func TestSnapshot_RendersRecords(t *testing.T) {
	snap := ir.NewSnapshot("prod", "lineage-1")
	snap.Version = 7
	snap.Records["mem.network.core"] = &ir.Record{
		Type:       "mem.network",
		Name:       "core",
		Handler:    "mem",
		ExternalID: "net-abc",
		Attrs:      map[string]ir.Value{"cidr": ir.String("10.0.0.0/16")},
	}

	var buf bytes.Buffer
	Snapshot(&buf, snap)
	out := buf.String()

	assert.Contains(t, out, "Snapshot version 7")
	assert.Contains(t, out, "mem.network.core")
	assert.Contains(t, out, "id      = net-abc")
	assert.Contains(t, out, "handler = mem")

	buf.Reset()
	Snapshot(&buf, nil)
	assert.Contains(t, buf.String(), "No snapshot recorded")
}
