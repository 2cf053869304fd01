package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the resource dependency graph in DOT format",
	Long: `Prints the desired-state dependency graph in Graphviz DOT format.

Pipe the output to dot to render it:
  stackform graph | dot -Tsvg > graph.svg`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	registry, err := buildRegistry()
	if err != nil {
		return err
	}
	g, err := buildDesiredGraph(cfg, registry)
	if err != nil {
		return err
	}
	fmt.Print(g.DOT())
	return nil
}
