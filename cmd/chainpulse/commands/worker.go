package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/logger"
	"github.com/teranos/chainpulse/supervisor"
)

// WorkerCmd runs exactly one execution and exits with its outcome
var WorkerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one execution (launched by dispatch)",
	Hidden: true,
	Long: `Run the execution named by the process environment and exit.

Required environment:
  WORKFLOW_ID   workflow the execution belongs to
  EXECUTION_ID  pending execution to run
  DATABASE_URL  datastore holding the execution

Exit codes:
  0  the execution completed, or failed with its outcome recorded
  1  configuration error, system failure or shutdown signal`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runWorker())
	},
}

func runWorker() int {
	env, err := supervisor.ConfigFromEnv(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return supervisor.ExitSystem
	}

	if err := logger.InitializeForWorker(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return supervisor.ExitSystem
	}
	defer logger.Cleanup()
	log := logger.Logger.With(
		logger.FieldWorkflowID, env.WorkflowID,
		logger.FieldExecutionID, env.ExecutionID,
	)

	cfg, err := am.Load()
	if err != nil {
		log.Errorw("Failed to load configuration", logger.FieldError, err)
		return supervisor.ExitSystem
	}
	cfg.Database.URL = env.DatabaseURL
	if cfg.Worker.ShutdownTimeoutSeconds > 0 {
		env.ShutdownTimeout = time.Duration(cfg.Worker.ShutdownTimeoutSeconds) * time.Second
	}

	sup := supervisor.New(supervisor.Options{
		ShutdownTimeout: env.ShutdownTimeout,
		Logger:          log,
	})
	return sup.Run(context.Background(), supervisor.NewWorkerJob(env, cfg, log))
}
