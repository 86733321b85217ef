package failover

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/logger"
)

// Operation is one RPC interaction run against whichever endpoint is selected
type Operation func(ctx context.Context, c Client) error

// Counters are per-endpoint attempt and failure counts
type Counters struct {
	PrimaryAttempts  int64 `json:"primaryAttempts"`
	PrimaryFailures  int64 `json:"primaryFailures"`
	FallbackAttempts int64 `json:"fallbackAttempts"`
	FallbackFailures int64 `json:"fallbackFailures"`
	Failovers        int64 `json:"failovers"`
	Recoveries       int64 `json:"recoveries"`
}

// State is a snapshot of one manager
type State struct {
	Chain            string     `json:"chain"`
	UsingFallback    bool       `json:"usingFallback"`
	HasFallback      bool       `json:"hasFallback"`
	LastFailoverTime *time.Time `json:"lastFailoverTime,omitempty"`
	Counters         Counters   `json:"counters"`
}

// Manager owns the failover state for one endpoint set.
// State transitions are serialized by mu; RPC calls run outside the lock.
type Manager struct {
	cfg     Config
	dial    Dialer
	metrics MetricsCollector
	bus     *EventBus
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
	now     func() time.Time

	mu            sync.Mutex
	usingFallback bool
	lastFailover  time.Time
	counters      Counters

	clientMu sync.Mutex
	clients  map[Role]Client
}

func newManager(cfg Config, opts RegistryOptions) *Manager {
	m := &Manager{
		cfg:     cfg.normalized(),
		dial:    opts.Dialer,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		logger:  logger.AddChainSymbol(opts.Logger).With(logger.FieldChain, cfg.Chain),
		now:     opts.Now,
		clients: make(map[Role]Client),
	}
	if m.dial == nil {
		m.dial = EthereumDialer(m.cfg.Timeout)
	}
	if m.metrics == nil {
		m.metrics = NoopMetrics{}
	}
	if m.bus == nil {
		m.bus = NewEventBus()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return m
}

// Config returns the endpoint set this manager routes over
func (m *Manager) Config() Config {
	return m.cfg
}

// IsUsingFallback reports whether calls currently go to the fallback first
func (m *Manager) IsUsingFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usingFallback
}

// State returns a snapshot of the failover state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Chain:         m.cfg.Chain,
		UsingFallback: m.usingFallback,
		HasFallback:   m.cfg.HasFallback(),
		Counters:      m.counters,
	}
	if !m.lastFailover.IsZero() {
		t := m.lastFailover
		s.LastFailoverTime = &t
	}
	return s
}

// Execute runs op with failover.
//
// Healthy: up to MaxRetries primary attempts, then one fallback attempt that
// switches the manager into fallback state on success.
// Degraded: fallback first, then a primary probe that recovers on success.
func (m *Manager) Execute(ctx context.Context, op Operation) error {
	if m.IsUsingFallback() {
		return m.executeDegraded(ctx, op)
	}
	return m.executeHealthy(ctx, op)
}

func (m *Manager) executeHealthy(ctx context.Context, op Operation) error {
	var primaryErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		err := m.attempt(ctx, RolePrimary, op)
		if err == nil {
			return nil
		}
		primaryErr = err
		m.logger.Debugw("Primary attempt failed",
			logger.FieldAttempt, attempt,
			logger.FieldError, err)
		if ctx.Err() != nil {
			break
		}
	}

	if !m.cfg.HasFallback() {
		return m.upstreamError(errors.Newf("RPC call failed on primary endpoint after %d attempts: %v",
			m.cfg.MaxRetries, primaryErr))
	}

	fallbackErr := m.attempt(ctx, RoleFallback, op)
	if fallbackErr != nil {
		return m.upstreamError(errors.Newf("RPC call failed on both endpoints: primary: %v; fallback: %v",
			primaryErr, fallbackErr))
	}

	m.switchTo(true, ReasonFailover)
	return nil
}

func (m *Manager) executeDegraded(ctx context.Context, op Operation) error {
	fallbackErr := m.attempt(ctx, RoleFallback, op)
	if fallbackErr == nil {
		return nil
	}

	primaryErr := m.attempt(ctx, RolePrimary, op)
	if primaryErr == nil {
		m.switchTo(false, ReasonRecovery)
		return nil
	}

	return m.upstreamError(errors.Newf("RPC call failed on both endpoints: fallback: %v; primary: %v",
		fallbackErr, primaryErr))
}

// attempt runs op once against role, bounded by the configured timeout.
func (m *Manager) attempt(ctx context.Context, role Role, op Operation) error {
	m.recordAttempt(role)

	err := m.run(ctx, role, op)
	if err != nil {
		m.recordFailure(role, err)
	}
	return err
}

func (m *Manager) run(ctx context.Context, role Role, op Operation) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter")
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	client, err := m.client(attemptCtx, role)
	if err != nil {
		return err
	}
	return op(attemptCtx, client)
}

func (m *Manager) recordAttempt(role Role) {
	m.mu.Lock()
	if role == RolePrimary {
		m.counters.PrimaryAttempts++
	} else {
		m.counters.FallbackAttempts++
	}
	m.mu.Unlock()

	if role == RolePrimary {
		m.metrics.RecordPrimaryAttempt(m.cfg.Chain)
	} else {
		m.metrics.RecordFallbackAttempt(m.cfg.Chain)
	}
}

func (m *Manager) recordFailure(role Role, err error) {
	m.mu.Lock()
	if role == RolePrimary {
		m.counters.PrimaryFailures++
	} else {
		m.counters.FallbackFailures++
	}
	m.mu.Unlock()

	if role == RolePrimary {
		m.metrics.RecordPrimaryFailure(m.cfg.Chain, err)
	} else {
		m.metrics.RecordFallbackFailure(m.cfg.Chain, err)
	}
}

// switchTo moves the manager into or out of fallback state. Concurrent
// callers racing on the same transition emit a single event.
func (m *Manager) switchTo(fallback bool, reason Reason) {
	m.mu.Lock()
	if m.usingFallback == fallback {
		m.mu.Unlock()
		return
	}
	m.usingFallback = fallback
	at := m.now()
	if fallback {
		m.lastFailover = at
		m.counters.Failovers++
	} else {
		m.counters.Recoveries++
	}
	m.mu.Unlock()

	role := RolePrimary
	if fallback {
		role = RoleFallback
	}
	endpoint := m.cfg.URL(role)
	// Endpoint URLs often embed provider keys; only the role is logged
	m.logger.Infow("RPC endpoint switched",
		"reason", string(reason),
		logger.FieldState, string(role))

	m.metrics.RecordFailoverEvent(m.cfg.Chain, reason)
	m.bus.Publish(StateChange{
		Chain:         m.cfg.Chain,
		Reason:        reason,
		UsingFallback: fallback,
		Endpoint:      endpoint,
		At:            at,
	})
}

func (m *Manager) upstreamError(cause error) error {
	return &errors.UpstreamRPCError{Chain: m.cfg.Chain, Cause: cause}
}

// client returns the lazily dialed client for role.
func (m *Manager) client(ctx context.Context, role Role) (Client, error) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	if c, ok := m.clients[role]; ok {
		return c, nil
	}
	c, err := m.dial(ctx, m.cfg.URL(role))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s endpoint", role)
	}
	m.clients[role] = c
	return c, nil
}

// Close releases dialed clients
func (m *Manager) Close() {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	for role, c := range m.clients {
		c.Close()
		delete(m.clients, role)
	}
}
