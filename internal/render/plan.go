// Package render produces the human-reviewable and machine-readable forms
// of plans, apply results, and snapshots.
package render

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/ir"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	createColor  = color.New(color.FgGreen)
	destroyColor = color.New(color.FgRed)
	updateColor  = color.New(color.FgYellow)
	faintColor   = color.New(color.Faint)
)

func symbol(op *ir.Op) (string, *color.Color) {
	switch {
	case op.Replace && op.Kind == ir.OpCreate:
		return "+/", createColor
	case op.Replace && op.Kind == ir.OpDestroy:
		return "-/", destroyColor
	case op.Kind == ir.OpCreate:
		return "+", createColor
	case op.Kind == ir.OpDestroy:
		return "-", destroyColor
	case op.Kind == ir.OpUpdate:
		return "~", updateColor
	}
	return " ", faintColor
}

// Plan writes a wave-by-wave rendering of the execution plan, the artifact
// an approval gate reviews before apply.
func Plan(w io.Writer, plan *ir.Plan) {
	if plan.Empty() {
		fmt.Fprintln(w, "No changes. Desired state matches the snapshot.")
		return
	}

	fmt.Fprintf(w, "Plan for scope %q against snapshot version %d:\n",
		plan.Metadata.Scope, plan.Metadata.SnapshotVersion)

	for i, wave := range plan.Waves {
		fmt.Fprintf(w, "\nWave %d:\n", i)
		for _, op := range wave {
			sym, c := symbol(op)
			fmt.Fprintf(w, "  %s %s\n", c.Sprint(sym), op.Address)
			renderDiff(w, op)
		}
	}

	s := plan.Summary
	fmt.Fprintf(w, "\nSummary: %s, %s, %s, %s, %d unchanged\n",
		createColor.Sprintf("%d to create", s.Create),
		updateColor.Sprintf("%d to update", s.Update),
		destroyColor.Sprintf("%d to destroy", s.Destroy),
		updateColor.Sprintf("%d to replace", s.Replace),
		s.NoOp)
}

func renderDiff(w io.Writer, op *ir.Op) {
	if len(op.Diff) == 0 {
		return
	}
	names := make([]string, 0, len(op.Diff))
	for name := range op.Diff {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := op.Diff[name]
		suffix := ""
		if d.ForcesReplacement {
			suffix = destroyColor.Sprint(" # forces replacement")
		}
		switch {
		case d.Before == nil:
			fmt.Fprintf(w, "      %s = %s%s\n", name, d.After.GoString(), suffix)
		case d.After == nil:
			fmt.Fprintf(w, "      %s = %s -> (removed)%s\n", name, d.Before.GoString(), suffix)
		default:
			fmt.Fprintf(w, "      %s = %s -> %s%s\n", name, d.Before.GoString(), d.After.GoString(), suffix)
		}
	}
}

// WritePlanFile writes the machine-readable plan artifact consumed by
// external approval gates.
func WritePlanFile(path string, plan *ir.Plan) error {
	payload, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("writing plan file: %w", err)
	}
	return nil
}

// ReadPlanFile loads a plan artifact written by WritePlanFile.
func ReadPlanFile(path string) (*ir.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var plan ir.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decoding plan file: %w", err)
	}
	return &plan, nil
}

// Result writes the outcome of an apply run, naming every failed operation
// with its resource identity and underlying error.
func Result(w io.Writer, res *engine.Result) {
	succeeded, failed := 0, 0
	for _, op := range res.Ops {
		switch op.Status {
		case engine.OpSucceeded:
			succeeded++
		case engine.OpFailed:
			failed++
		}
	}

	switch res.Status {
	case engine.RunApplied:
		fmt.Fprintf(w, "\nApply complete. %d operation(s) succeeded.\n", succeeded)
	case engine.RunPartiallyApplied:
		fmt.Fprintf(w, "\nApply halted: partially applied. %d succeeded, %d failed.\n", succeeded, failed)
	case engine.RunCancelled:
		fmt.Fprintf(w, "\nApply cancelled. %d succeeded before cancellation.\n", succeeded)
	}

	for _, op := range res.Failed() {
		fmt.Fprintf(w, "%s %s %s failed after %d attempt(s): %v\n",
			destroyColor.Sprint("error:"), op.Op.Kind, op.Op.Address, op.Attempts, op.Err)
	}
	if res.Status == engine.RunPartiallyApplied {
		fmt.Fprintln(w, "\nThe snapshot reflects exactly the operations that succeeded.")
		fmt.Fprintln(w, "Re-running plan will act only on the remaining delta.")
	}
}

// Snapshot writes a listing of the records in a snapshot.
func Snapshot(w io.Writer, snap *ir.Snapshot) {
	if snap == nil || len(snap.Records) == 0 {
		fmt.Fprintln(w, "No snapshot recorded for this scope.")
		return
	}

	fmt.Fprintf(w, "Snapshot version %d (lineage %s)\n\n", snap.Version, snap.Lineage)

	addrs := make([]string, 0, len(snap.Records))
	for addr := range snap.Records {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		rec := snap.Records[addr]
		fmt.Fprintf(w, "%s\n", addr)
		fmt.Fprintf(w, "  id      = %s\n", rec.ExternalID)
		fmt.Fprintf(w, "  handler = %s\n", rec.Handler)
		names := make([]string, 0, len(rec.Attrs))
		for name := range rec.Attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s = %s\n", name, rec.Attrs[name].GoString())
		}
		fmt.Fprintln(w)
	}
}
