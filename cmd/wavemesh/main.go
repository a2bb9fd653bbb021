// Command wavemesh validates and executes plan files and hosts agents
// behind the HTTP adapter.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/wavemesh/config"
	"github.com/hupe1980/wavemesh/logging"
)

var (
	configPath    string
	workflowsPath string

	cfg    config.Config
	logger logging.Logger = logging.NoOpLogger{}
)

var rootCmd = &cobra.Command{
	Use:   "wavemesh",
	Short: "Run execution plans as waves of concurrent actions",
	Long: `wavemesh executes agent plans: each plan is a dependency graph of tool,
agent, relic, model and workflow actions, run in concurrent waves with
per-action timeouts and a streamed event log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = cfg.Logging.NewLogger(cmd.ErrOrStderr())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&workflowsPath, "workflows", "", "path to a YAML file of named workflows")
	rootCmd.AddCommand(newValidateCmd(), newRunCmd(), newServeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
