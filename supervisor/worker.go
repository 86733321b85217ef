package supervisor

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/chainpulse/admission"
	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/execute"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
)

// ExecutionSource loads stored executions
type ExecutionSource interface {
	Get(ctx context.Context, id string) (*ledger.Execution, error)
}

// Runner resumes a pending execution
type Runner interface {
	Resume(ctx context.Context, executionID string) (*execute.Result, error)
}

// RunExecution runs the execution named by env. A failure the executor
// recorded in the ledger is returned marked as a business failure.
func RunExecution(ctx context.Context, executions ExecutionSource, runner Runner, env Config) error {
	exec, err := executions.Get(ctx, env.ExecutionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load execution %s", env.ExecutionID)
	}
	if exec.WorkflowID != env.WorkflowID {
		return errors.Newf("execution %s belongs to workflow %q, not %q", exec.ID, exec.WorkflowID, env.WorkflowID)
	}

	res, err := runner.Resume(logger.WithExecutionID(ctx, exec.ID), exec.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to run execution %s", exec.ID)
	}
	if res.Status == ledger.StatusFailed {
		return errors.MarkBusinessFailure(errors.Newf("execution %s failed: %s", res.ExecutionID, res.Error))
	}
	return nil
}

// NewWorkerJob builds the job a worker process runs: open the datastore,
// wire the executor from cfg and run the execution env names.
func NewWorkerJob(env Config, cfg *am.Config, log *zap.SugaredLogger) Job {
	return func(ctx context.Context) error {
		conn, err := db.Open(env.DatabaseURL, log)
		if err != nil {
			return errors.NewSystemError(errors.Wrap(err, "datastore unreachable"))
		}
		defer conn.Close()

		keyring, err := execute.NewKeyring(cfg.Wallets)
		if err != nil {
			return err
		}

		registry := failover.NewRegistry(failover.RegistryOptions{
			Metrics: failover.NewMetricsCollector(cfg.Metrics.Collector, log),
			Logger:  log,
		})
		store := ledger.NewStore(conn, log)
		spend := admission.NewSpendTracker(conn, cfg.Admission)
		executor := execute.NewExecutor(execute.Options{
			Networks: failover.NewNetworks(registry, cfg.Chains),
			Ledger:   store,
			Spend:    spend,
			Caps:     spend,
			Keyring:  keyring,
			Logger:   log,
		})
		return RunExecution(ctx, store, executor, env)
	}
}
