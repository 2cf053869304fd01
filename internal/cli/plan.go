package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/render"
)

var planOutFile string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate an execution plan",
	Long: `Generates an execution plan showing what actions Stackform will take
to reach the state declared in the desired-state document.

The plan groups operations into waves: every operation in a wave depends
only on operations in earlier waves, so each wave can run in parallel.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the machine-readable plan to a file")
}

func runPlan(cmd *cobra.Command, args []string) error {
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

	plan, _, err := computePlan(ctx, cfg, store, registry, g)
	if err != nil {
		return err
	}

	render.Plan(os.Stdout, plan)

	if planOutFile != "" {
		if err := render.WritePlanFile(planOutFile, plan); err != nil {
			return err
		}
		fmt.Printf("\nPlan written to %s. Apply it with: stackform apply --plan %s\n", planOutFile, planOutFile)
	}
	return nil
}
