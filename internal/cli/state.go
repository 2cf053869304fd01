package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the scope's snapshot",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resource addresses recorded in the snapshot",
	RunE:  runStateList,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	snap, err := store.ReadSnapshot(ctx, cfg.Scope)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	addrs := make([]string, 0, len(snap.Records))
	for addr := range snap.Records {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		fmt.Println(addr)
	}
	return nil
}
