package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/cmd/chainpulse/commands"
	"github.com/teranos/chainpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "chainpulse",
	Short: "chainpulse - blockchain workflow execution core",
	Long: `chainpulse - admission, execution and scheduling for on-chain workflows.

Available commands:
  server   - Serve the execution HTTP API
  dispatch - Run the schedule dispatcher and trigger queue consumer
  worker   - Run one execution (launched by dispatch)
  keys     - Manage API keys
  workflow - Manage stored workflows
  schedule - Manage workflow schedules
  db       - Manage the datastore
  version  - Show version information

Examples:
  chainpulse server                          # Serve on the configured port
  chainpulse keys create --org acme --name ci
  chainpulse schedule add <workflow> "*/5 * * * *"
  chainpulse dispatch --workers 4`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// the worker initializes its own logger from the process environment
		if cmd.Name() == "worker" {
			return nil
		}
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.DispatchCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.KeysCmd)
	rootCmd.AddCommand(commands.WorkflowCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
