package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/config"
	"github.com/stackform-io/stackform/internal/logging"
)

var (
	rootConfigFile string
	rootScope      string
	rootDocument   string
	rootLogLevel   string
	rootLogFormat  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "stackform",
	Short: "Declarative infrastructure reconciliation",
	Long: `Stackform reconciles a declared set of resources against a versioned
snapshot of what was previously applied.

It provides:
  • Dependency-ordered execution in parallel waves
  • Locked, append-only snapshot history (local or S3)
  • Reviewable plans with attribute-level diffs
  • Partial-failure recovery: re-running acts only on the remaining delta`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a context, which carries
// cancellation from signals down into running operations.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootConfigFile, "config", "c", "", "Path to config file (default ./stackform.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootScope, "scope", "s", "", "Scope whose snapshot this run operates on")
	rootCmd.PersistentFlags().StringVarP(&rootDocument, "document", "d", "", "Path to the desired-state document")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", "", "Log format (text, json)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Init(cfg.Log.Level, cfg.Log.Format)
		return nil
	}

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}
