package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/admission"
	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/chain/multicall"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/execute"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
	"github.com/teranos/chainpulse/pulse/queue"
	"github.com/teranos/chainpulse/server"
)

// ServerCmd serves the execution HTTP API
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Serve the execution HTTP API",
	Long: `Serve the execution API: transfers, contract calls, check-and-execute,
batch reads, execution status, health, failover state, metrics and the
websocket event stream.

Admission limits reload without restart when the project chainpulse.toml changes.`,
	RunE: runServer,
}

var (
	serverPort  int
	serverDBURL string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides config)")
	ServerCmd.Flags().StringVar(&serverDBURL, "db", "", "Datastore URL (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverDBURL != "" {
		cfg.Database.URL = serverDBURL
	}
	port := cfg.Server.Port
	if serverPort != 0 {
		port = serverPort
	}

	conn, err := openDatabase(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := logger.Logger
	keyring, err := execute.NewKeyring(cfg.Wallets)
	if err != nil {
		return err
	}

	registry := failover.NewRegistry(failover.RegistryOptions{
		Metrics: failover.NewMetricsCollector(cfg.Metrics.Collector, log),
		Logger:  log,
	})
	defer registry.Clear()
	networks := failover.NewNetworks(registry, cfg.Chains)

	limiter := admission.NewRateLimiter(cfg.Admission.RequestsPerMinute)
	spend := admission.NewSpendTracker(conn, cfg.Admission)
	store := ledger.NewStore(conn, log)

	srv := server.New(server.Options{
		Gate:    admission.NewGate(admission.NewKeyStore(conn), limiter, spend, log),
		Limiter: limiter,
		Spend:   spend,
		Executor: execute.NewExecutor(execute.Options{
			Networks: networks,
			Ledger:   store,
			Spend:    spend,
			Caps:     spend,
			Keyring:  keyring,
			Logger:   log,
		}),
		Reader:         multicall.NewReader(networks, cfg.Multicall.BatchSize, log),
		Ledger:         store,
		Registry:       registry,
		Queue:          queue.NewQueue(conn),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
	})

	if path := am.ProjectConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", logger.FieldError, err)
		} else {
			watcher.OnReload(srv.ApplyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	printServerBanner(cfg, port)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(fmt.Sprintf(":%d", port))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
