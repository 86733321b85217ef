package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
	"github.com/teranos/chainpulse/pulse/queue"
	"github.com/teranos/chainpulse/pulse/schedule"
	"github.com/teranos/chainpulse/sym"
	"github.com/teranos/chainpulse/workflow"
)

// DispatchCmd runs the schedule dispatcher and the trigger queue consumer
var DispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: sym.Pulse + " Run the schedule dispatcher and worker launcher",
	Long: sym.Pulse + ` Dispatch daemon.

The daemon:
- Evaluates active schedules every ticker interval and publishes one trigger
  per due occurrence to the trigger queue
- Claims triggers, creates a pending execution for the workflow and launches
  "chainpulse worker" with WORKFLOW_ID, EXECUTION_ID and DATABASE_URL
- Fails the execution if a worker exits non-zero without recording an outcome

Example:
  chainpulse dispatch              # One worker process at a time
  chainpulse dispatch --workers 4  # Up to 4 concurrent worker processes`,
	RunE: runDispatch,
}

func init() {
	DispatchCmd.Flags().Int("workers", 1, "Maximum concurrent worker processes")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = am.DefaultDatabaseURL
	}
	conn, err := openDatabase(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := logger.Logger
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launcher, err := queue.NewProcessLauncher(cfg.Pulse.WorkerBinary)
	if err != nil {
		return err
	}

	consumerCfg := queue.DefaultConsumerConfig()
	consumerCfg.Workers = workers
	consumerCfg.PollInterval = time.Duration(cfg.Pulse.QueuePollIntervalMs) * time.Millisecond
	consumerCfg.DatabaseURL = cfg.Database.URL

	q := queue.NewQueue(conn)
	consumer := queue.NewConsumerWithContext(ctx, q, workflow.NewStore(conn), ledger.NewStore(conn, log), launcher, consumerCfg, log)
	consumer.Start()

	tickerCfg := schedule.DefaultTickerConfig()
	if cfg.Pulse.TickerIntervalSeconds > 0 {
		tickerCfg.Interval = time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second
	}
	ticker := schedule.NewTickerWithContext(ctx, schedule.NewStore(conn), q, tickerCfg, log)
	ticker.Start()

	fmt.Printf("%s Dispatch daemon started\n", sym.Pulse)
	fmt.Printf("  Workers: %d\n", consumerCfg.Workers)
	fmt.Printf("  Worker binary: %s\n", launcher.Path)
	fmt.Printf("  Queue poll interval: %v\n", consumerCfg.PollInterval)
	fmt.Printf("  Scheduler interval: %v\n", tickerCfg.Interval)
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Stopping dispatch daemon...\n", sym.Pulse)

	// stop publishing before draining workers
	ticker.Stop()
	consumer.Stop()

	fmt.Printf("%s Dispatch daemon stopped\n", sym.Pulse)
	return nil
}
