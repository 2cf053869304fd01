package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/internal/render"
	"github.com/stackform-io/stackform/internal/state"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy every resource in the scope's snapshot",
	Long: `Plans against an empty desired state, so every recorded resource is
destroyed in reverse dependency order. Resources marked preventDestroy
make the plan fail before anything runs.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	registry, err := buildRegistry()
	if err != nil {
		return err
	}

	// An empty desired graph turns every snapshot record into a destroy.
	g, err := engine.BuildGraph(nil, registry)
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

	plan, snap, err := computePlan(ctx, cfg, store, registry, g)
	if err != nil {
		return err
	}

	render.Plan(os.Stdout, plan)
	if plan.Empty() {
		return nil
	}

	if !destroyAutoApprove {
		ok, err := confirmApply("Do you really want to destroy all resources?")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("\nDestroy cancelled.")
			return nil
		}
	}

	exec := engine.NewExecutor(registry, store, executorOptions(cfg, 0, printEvent))
	result, err := exec.Apply(ctx, plan, snap, token)
	render.Result(os.Stdout, result)
	if err != nil {
		return err
	}
	if result.Status != engine.RunApplied {
		return fmt.Errorf("destroy did not complete: run finished %s", result.Status)
	}
	return nil
}
