package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/logger"
)

// Publisher hands a trigger message to the execution queue.
type Publisher interface {
	Publish(ctx context.Context, messageID string, msg TriggerMessage, attrs Attributes) error
}

// Ticker periodically publishes trigger messages for due schedules. It never
// executes anything itself.
type Ticker struct {
	store     *Store
	publisher Publisher
	interval  time.Duration
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pulseLog  *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// TickerConfig contains configuration for the dispatch ticker
type TickerConfig struct {
	Interval time.Duration // How often to evaluate schedules (default: 60 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: Window,
	}
}

// NewTicker creates a dispatch ticker
func NewTicker(store *Store, publisher Publisher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, publisher, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, store *Store, publisher Publisher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:     store,
		publisher: publisher,
		interval:  cfg.Interval,
		now:       time.Now,
		ctx:       tickerCtx,
		cancel:    cancel,
		pulseLog:  logger.AddPulseSymbol(log),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse dispatcher started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse dispatcher stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Evaluate immediately so a restart inside a window does not miss it
	t.tick(t.now())
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick(t.now())
		}
	}
}

func (t *Ticker) tick(now time.Time) {
	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	ticks := t.ticksSinceStart
	t.mu.Unlock()

	n, err := t.Dispatch(t.ctx, now)
	if err != nil {
		// Don't spam logs - log errors at warn level
		t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", ticks)
		return
	}
	if n > 0 {
		t.pulseLog.Infow("Pulse dispatched triggers", logger.FieldCount, n, "tick", ticks)
	}
}

// Dispatch publishes a trigger for every active schedule due at now and
// returns how many were published. Each occurrence is claimed in the
// dispatch log first, so overlapping ticks and dispatchers publish it once.
func (t *Ticker) Dispatch(ctx context.Context, now time.Time) (int, error) {
	schedules, err := t.store.ListActive(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list schedules")
	}

	published := 0
	for _, sc := range schedules {
		select {
		case <-ctx.Done():
			return published, ctx.Err()
		default:
		}

		occurrence, due := LastOccurrence(sc.CronExpression, sc.Timezone, now)
		if !due {
			continue
		}
		ok, err := t.dispatch(ctx, sc, occurrence, now)
		if err != nil {
			t.pulseLog.Errorw("Failed to dispatch schedule",
				logger.FieldScheduleID, sc.ID,
				logger.FieldWorkflowID, sc.WorkflowID,
				logger.FieldError, err)
			// Continue with other schedules even if one fails
			continue
		}
		if ok {
			published++
		}
	}
	return published, nil
}

func (t *Ticker) dispatch(ctx context.Context, sc *Schedule, occurrence, now time.Time) (bool, error) {
	messageID := uuid.NewString()
	claimed, err := t.store.ClaimDispatch(ctx, sc.ID, occurrence, messageID)
	if err != nil || !claimed {
		return false, err
	}

	msg := NewTriggerMessage(sc, now)
	if err := t.publisher.Publish(ctx, messageID, msg, msg.Attributes()); err != nil {
		if rerr := t.store.ReleaseDispatch(context.WithoutCancel(ctx), sc.ID, occurrence); rerr != nil {
			t.pulseLog.Warnw("Failed to release dispatch claim", logger.FieldScheduleID, sc.ID, logger.FieldError, rerr)
		}
		return false, errors.Wrap(err, "failed to publish trigger")
	}
	if err := t.store.MarkTriggered(ctx, sc.ID, now); err != nil {
		t.pulseLog.Warnw("Failed to mark schedule triggered", logger.FieldScheduleID, sc.ID, logger.FieldError, err)
	}

	t.pulseLog.Infow("Pulse trigger published",
		logger.FieldScheduleID, sc.ID,
		logger.FieldWorkflowID, sc.WorkflowID,
		logger.FieldMessageID, messageID,
		"occurrence", occurrence.Format(time.RFC3339))
	return true, nil
}

// LastTick returns when the ticker last evaluated schedules and how many ticks ran.
func (t *Ticker) LastTick() (time.Time, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt, t.ticksSinceStart
}
