package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/internal/render"
	"github.com/stackform-io/stackform/internal/state"
)

var (
	applyAutoApprove bool
	applyParallelism int
	applyPlanFile    string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the desired state",
	Long: `Creates, updates, and destroys resources so the scope's snapshot
converges on the desired-state document.

The scope's lock is held for the whole run and renewed on a heartbeat.
Every successful operation is committed to the snapshot immediately, so
an interrupted or partially failed run leaves recoverable state.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan before applying")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Bound on concurrent operations within a wave")
	applyCmd.Flags().StringVar(&applyPlanFile, "plan", "", "Apply a previously saved plan file instead of re-planning")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	registry, err := buildRegistry()
	if err != nil {
		return err
	}
	g, err := buildDesiredGraph(cfg, registry)
	if err != nil {
		return err
	}

	token, err := store.AcquireLock(ctx, cfg.Scope, lockOptions(cfg))
	if err != nil {
		return err
	}
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go state.KeepLockAlive(heartbeatCtx, store, cfg.Scope, token, heartbeatInterval(cfg))
	defer func() {
		stopHeartbeat()
		if err := store.ReleaseLock(context.WithoutCancel(ctx), cfg.Scope, token); err != nil {
			logging.Warn("releasing lock", "scope", cfg.Scope, "error", err)
		}
	}()

	// Plan under the lock so the snapshot cannot move between plan and apply.
	plan, snap, err := computePlan(ctx, cfg, store, registry, g)
	if err != nil {
		return err
	}

	if applyPlanFile != "" {
		saved, err := render.ReadPlanFile(applyPlanFile)
		if err != nil {
			return err
		}
		if err := checkPlanFresh(saved, snap); err != nil {
			return err
		}
		plan = saved
	}

	render.Plan(os.Stdout, plan)
	if plan.Empty() {
		return nil
	}

	if !applyAutoApprove {
		ok, err := confirmApply("Do you want to perform these actions?")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("\nApply cancelled.")
			return nil
		}
	}

	exec := engine.NewExecutor(registry, store, executorOptions(cfg, applyParallelism, printEvent))
	result, err := exec.Apply(ctx, plan, snap, token)
	render.Result(os.Stdout, result)
	if err != nil {
		return err
	}
	if result.Status != engine.RunApplied {
		return fmt.Errorf("apply did not complete: run finished %s", result.Status)
	}
	return nil
}

// checkPlanFresh rejects a saved plan whose base snapshot is no longer the
// scope's latest committed version.
func checkPlanFresh(plan *ir.Plan, snap *ir.Snapshot) error {
	current := 0
	lineage := ""
	if snap != nil {
		current = snap.Version
		lineage = snap.Lineage
	}
	if plan.Metadata.Scope != cfg.Scope {
		return fmt.Errorf("saved plan targets scope %q, not %q", plan.Metadata.Scope, cfg.Scope)
	}
	if plan.Metadata.SnapshotVersion != current || (snap != nil && plan.Metadata.Lineage != lineage) {
		return fmt.Errorf("saved plan is stale: it was computed against snapshot version %d but the scope is at version %d; re-run plan",
			plan.Metadata.SnapshotVersion, current)
	}
	return nil
}

func printEvent(ev engine.Event) {
	switch ev.Status {
	case "started":
		fmt.Printf("%s: %s...\n", ev.Address, progressVerb(ev.Kind))
	case "retrying":
		fmt.Printf("%s: retrying after transient failure (attempt %d): %v\n", ev.Address, ev.Attempt, ev.Err)
	case "succeeded":
		fmt.Printf("%s: %s complete after %s\n", ev.Address, string(ev.Kind), ev.Duration.Round(time.Millisecond))
	case "failed":
		fmt.Printf("%s: %s failed: %v\n", ev.Address, string(ev.Kind), ev.Err)
	}
}

func progressVerb(kind ir.OpKind) string {
	switch kind {
	case ir.OpCreate:
		return "creating"
	case ir.OpUpdate:
		return "updating"
	case ir.OpDestroy:
		return "destroying"
	}
	return "reconciling"
}
