package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/render"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the scope's latest committed snapshot",
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	snap, err := store.ReadSnapshot(ctx, cfg.Scope)
	if err != nil {
		return err
	}
	render.Snapshot(os.Stdout, snap)
	return nil
}
