package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
	"github.com/teranos/chainpulse/workflow"
)

// MaxOrphansToRecover limits how many orphaned messages are settled on start
const MaxOrphansToRecover = 1000

// WorkflowSource loads the workflow a trigger names
type WorkflowSource interface {
	Get(ctx context.Context, id string) (*workflow.Workflow, error)
}

// ExecutionLedger is the part of the ledger the consumer writes to
type ExecutionLedger interface {
	Create(ctx context.Context, p ledger.CreateParams) (*ledger.Execution, error)
	Get(ctx context.Context, id string) (*ledger.Execution, error)
	Fail(ctx context.Context, id, errText string) error
}

// ConsumerConfig configures the trigger queue consumer
type ConsumerConfig struct {
	Workers      int           // concurrent worker processes
	PollInterval time.Duration // how often an idle consumer checks the queue
	DatabaseURL  string        // handed to every worker
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:      1,
		PollInterval: time.Second,
	}
}

// Consumer turns queued triggers into pending executions and runs a worker
// process for each.
type Consumer struct {
	queue     *Queue
	workflows WorkflowSource
	ledger    ExecutionLedger
	launcher  Launcher
	config    ConsumerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	mu            sync.Mutex
	activeWorkers int
	processed     int64
}

// NewConsumer creates a consumer
func NewConsumer(q *Queue, workflows WorkflowSource, store ExecutionLedger, launcher Launcher, cfg ConsumerConfig, log *zap.SugaredLogger) *Consumer {
	return NewConsumerWithContext(context.Background(), q, workflows, store, launcher, cfg, log)
}

// NewConsumerWithContext creates a consumer with a parent context
func NewConsumerWithContext(ctx context.Context, q *Queue, workflows WorkflowSource, store ExecutionLedger, launcher Launcher, cfg ConsumerConfig, log *zap.SugaredLogger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConsumerConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConsumerConfig().PollInterval
	}
	consumerCtx, cancel := context.WithCancel(ctx)
	return &Consumer{
		queue:     q,
		workflows: workflows,
		ledger:    store,
		launcher:  launcher,
		config:    cfg,
		ctx:       consumerCtx,
		cancel:    cancel,
		log:       logger.AddPulseSymbol(log).Named("queue"),
	}
}

// Start settles orphans from a previous run and starts polling
func (c *Consumer) Start() {
	if n, err := c.RecoverOrphans(c.ctx); err != nil {
		c.log.Warnw("Failed to recover orphaned triggers", logger.FieldError, err)
	} else if n > 0 {
		c.log.Infow("Settled orphaned triggers from previous run", logger.FieldCount, n)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		c.log.Infow("Trigger consumer started",
			"workers", c.config.Workers,
			"poll_interval", c.config.PollInterval,
			"memory_available_mb", vm.Available/1024/1024,
			"memory_used_percent", vm.UsedPercent)
	}

	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.loop(i)
	}
}

// Stop cancels running workers and waits for them to be recorded
func (c *Consumer) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timeout := 60 * time.Second
	select {
	case <-done:
		c.log.Infow("Trigger consumer stopped")
	case <-time.After(timeout):
		c.log.Warnw("Trigger consumer stop timed out, workers may still be exiting", "timeout", timeout)
	}
}

func (c *Consumer) loop(id int) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		// drain the queue before waiting for the next tick
		for {
			handled, err := c.ProcessNext(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				if db.IsDatabaseClosed(err) {
					c.log.Infow("Consumer stopping, database closed", "consumer_id", id)
					return
				}
				errorCount++
				c.log.Errorw("Consumer error processing trigger",
					"consumer_id", id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					c.log.Warnw("Consumer backing off due to consecutive errors",
						"consumer_id", id, "backoff", backoff)
					select {
					case <-c.ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				c.log.Infow("Consumer recovered from errors", "consumer_id", id, "previous_error_count", errorCount)
				errorCount = 0
				backoff = time.Second
			}
			if !handled {
				break
			}
		}
	}
}

// ProcessNext claims one trigger and runs it. It reports false when the
// queue was empty. Failures of a single trigger are recorded on the
// message, not returned.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	msg, err := c.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	c.mu.Lock()
	c.activeWorkers++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.activeWorkers--
		c.processed++
		c.mu.Unlock()
	}()

	// outcomes are recorded even when the consumer is stopping
	record := context.WithoutCancel(ctx)
	log := c.log.With(logger.FieldMessageID, msg.ID, logger.FieldWorkflowID, msg.WorkflowID)

	exec, err := c.createExecution(ctx, msg)
	if err != nil {
		log.Warnw("Trigger could not start an execution", logger.FieldError, err)
		return true, c.queue.Fail(record, msg.ID, err.Error())
	}
	log = log.With(logger.FieldExecutionID, exec.ID)

	if err := c.queue.SetExecution(ctx, msg.ID, exec.ID); err != nil {
		log.Warnw("Failed to link trigger to execution", logger.FieldError, err)
	}

	start := time.Now()
	code, err := c.launcher.Launch(ctx, WorkerEnv{
		WorkflowID:  msg.WorkflowID,
		ExecutionID: exec.ID,
		DatabaseURL: c.config.DatabaseURL,
	})
	if err != nil {
		errText := fmt.Sprintf("worker failed to start: %v", err)
		c.failExecution(record, exec.ID, errText, log)
		return true, c.queue.Fail(record, msg.ID, errText)
	}
	log.Infow("Worker exited",
		logger.FieldExitCode, code,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	if code != 0 {
		errText := fmt.Sprintf("worker exited with code %d", code)
		c.failExecution(record, exec.ID, errText, log)
		return true, c.queue.Fail(record, msg.ID, errText)
	}
	return true, c.queue.Complete(record, msg.ID)
}

func (c *Consumer) createExecution(ctx context.Context, msg *Message) (*ledger.Execution, error) {
	wf, err := c.workflows.Get(ctx, msg.WorkflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load workflow %s", msg.WorkflowID)
	}
	return c.ledger.Create(ctx, ledger.CreateParams{
		OrganizationID: wf.OrganizationID,
		WorkflowID:     wf.ID,
		Type:           wf.OperationType,
		Network:        networkOf(wf.Input),
		Input:          wf.Input,
	})
}

// failExecution fails the execution unless the worker already settled it
func (c *Consumer) failExecution(ctx context.Context, id, errText string, log *zap.SugaredLogger) {
	exec, err := c.ledger.Get(ctx, id)
	if err != nil {
		log.Errorw("Failed to load execution after worker exit", logger.FieldError, err)
		return
	}
	if exec.Status.Terminal() {
		return
	}
	if err := c.ledger.Fail(ctx, id, errText); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
		log.Errorw("Failed to record worker failure", logger.FieldError, err)
	}
}

// RecoverOrphans settles messages left running by a previous consumer.
// Orphaned executions are failed rather than retried: an on-chain write may
// already have been broadcast.
func (c *Consumer) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := c.queue.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	if len(orphans) > MaxOrphansToRecover {
		orphans = orphans[:MaxOrphansToRecover]
	}

	const reason = "worker lost: dispatcher restarted"
	for _, msg := range orphans {
		log := c.log.With(logger.FieldMessageID, msg.ID)
		if msg.ExecutionID != "" {
			c.failExecution(ctx, msg.ExecutionID, reason, log)
		}
		if err := c.queue.Fail(ctx, msg.ID, reason); err != nil {
			log.Warnw("Failed to settle orphaned trigger", logger.FieldError, err)
		}
	}
	return len(orphans), nil
}

// Stats reports consumer activity and queue depth
type Stats struct {
	WorkersActive int     `json:"workersActive"`
	WorkersTotal  int     `json:"workersTotal"`
	Processed     int64   `json:"processed"`
	Queued        int     `json:"queued"`
	Running       int     `json:"running"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// Stats returns current activity. Queue or memory lookups that fail report zero.
func (c *Consumer) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	s := Stats{WorkersActive: c.activeWorkers, WorkersTotal: c.config.Workers, Processed: c.processed}
	c.mu.Unlock()

	if queued, running, err := c.queue.Counts(ctx); err == nil {
		s.Queued, s.Running = queued, running
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	return s
}

func networkOf(input json.RawMessage) string {
	var probe struct {
		Network string `json:"network"`
	}
	if len(input) == 0 {
		return ""
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return ""
	}
	return probe.Network
}
