package failover

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/chainpulse/errors"
)

const (
	primaryURL  = "https://primary.example"
	fallbackURL = "https://fallback.example"
)

// fakeClient only identifies the endpoint it was dialed for; operations
// under test decide success by looking at it.
type fakeClient struct {
	Client
	url    string
	closed atomic.Bool
}

func (c *fakeClient) Close() { c.closed.Store(true) }

// endpoints controls which URLs are healthy
type endpoints struct {
	mu      sync.Mutex
	healthy map[string]bool
	calls   map[string]int
	dials   map[string]int
}

func newEndpoints() *endpoints {
	return &endpoints{
		healthy: map[string]bool{primaryURL: true, fallbackURL: true},
		calls:   map[string]int{},
		dials:   map[string]int{},
	}
}

func (e *endpoints) set(url string, healthy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy[url] = healthy
}

func (e *endpoints) callCount(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[url]
}

func (e *endpoints) dialer() Dialer {
	return func(ctx context.Context, endpoint string) (Client, error) {
		e.mu.Lock()
		e.dials[endpoint]++
		e.mu.Unlock()
		return &fakeClient{url: endpoint}, nil
	}
}

func (e *endpoints) op(ctx context.Context, c Client) error {
	url := c.(*fakeClient).url
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[url]++
	if !e.healthy[url] {
		return errors.Newf("dial tcp %s: connection refused", url)
	}
	return nil
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: map[string]int{}}
}

func (r *recordingMetrics) inc(k string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[k]++
}

func (r *recordingMetrics) get(k string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[k]
}

func (r *recordingMetrics) RecordPrimaryAttempt(string)         { r.inc("primary_attempt") }
func (r *recordingMetrics) RecordPrimaryFailure(string, error)  { r.inc("primary_failure") }
func (r *recordingMetrics) RecordFallbackAttempt(string)        { r.inc("fallback_attempt") }
func (r *recordingMetrics) RecordFallbackFailure(string, error) { r.inc("fallback_failure") }
func (r *recordingMetrics) RecordFailoverEvent(_ string, reason Reason) {
	r.inc("event_" + string(reason))
}

type reasonRecorder struct {
	mu      sync.Mutex
	reasons []Reason
}

func (r *reasonRecorder) observe(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, ev.Reason)
}

func (r *reasonRecorder) list() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reason(nil), r.reasons...)
}

func testConfig(fallback string) Config {
	return Config{
		Chain:       "ethereum",
		PrimaryURL:  primaryURL,
		FallbackURL: fallback,
		MaxRetries:  3,
		Timeout:     time.Second,
	}
}

func newTestRegistry(t *testing.T, eps *endpoints, metrics MetricsCollector) *Registry {
	return NewRegistry(RegistryOptions{
		Dialer:  eps.dialer(),
		Metrics: metrics,
		Logger:  zaptest.NewLogger(t).Sugar(),
	})
}

func TestExecute_PrimaryHealthy(t *testing.T) {
	eps := newEndpoints()
	metrics := newRecordingMetrics()
	m := newTestRegistry(t, eps, metrics).Get(testConfig(fallbackURL))

	require.NoError(t, m.Execute(context.Background(), eps.op))

	assert.False(t, m.IsUsingFallback())
	assert.Equal(t, 1, eps.callCount(primaryURL))
	assert.Equal(t, 0, eps.callCount(fallbackURL))
	assert.Equal(t, 1, metrics.get("primary_attempt"))
	assert.Equal(t, 0, metrics.get("primary_failure"))
}

func TestExecute_FailoverAfterMaxRetries(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	metrics := newRecordingMetrics()
	reg := newTestRegistry(t, eps, metrics)

	rec := &reasonRecorder{}
	reg.Bus().Subscribe(rec.observe)

	m := reg.Get(testConfig(fallbackURL))
	require.NoError(t, m.Execute(context.Background(), eps.op))

	assert.True(t, m.IsUsingFallback())
	assert.Equal(t, []Reason{ReasonFailover}, rec.list())
	assert.Equal(t, 3, eps.callCount(primaryURL))
	assert.Equal(t, 1, eps.callCount(fallbackURL))
	assert.Equal(t, 3, metrics.get("primary_attempt"))
	assert.Equal(t, 3, metrics.get("primary_failure"))
	assert.Equal(t, 1, metrics.get("fallback_attempt"))
	assert.Equal(t, 1, metrics.get("event_failover"))

	state := m.State()
	require.NotNil(t, state.LastFailoverTime)
	assert.Equal(t, int64(1), state.Counters.Failovers)

	// Degraded calls go straight to fallback without a new event
	require.NoError(t, m.Execute(context.Background(), eps.op))
	assert.Equal(t, 3, eps.callCount(primaryURL))
	assert.Equal(t, 2, eps.callCount(fallbackURL))
	assert.Equal(t, []Reason{ReasonFailover}, rec.list())
}

func TestExecute_RecoveryProbe(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	reg := newTestRegistry(t, eps, nil)

	rec := &reasonRecorder{}
	reg.Bus().Subscribe(rec.observe)

	m := reg.Get(testConfig(fallbackURL))
	require.NoError(t, m.Execute(context.Background(), eps.op))
	require.True(t, m.IsUsingFallback())

	eps.set(fallbackURL, false)
	eps.set(primaryURL, true)

	require.NoError(t, m.Execute(context.Background(), eps.op))
	assert.False(t, m.IsUsingFallback())
	assert.Equal(t, []Reason{ReasonFailover, ReasonRecovery}, rec.list())
	assert.Equal(t, int64(1), m.State().Counters.Recoveries)
}

func TestExecute_DegradedBothFailKeepsState(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	reg := newTestRegistry(t, eps, nil)
	rec := &reasonRecorder{}
	reg.Bus().Subscribe(rec.observe)

	m := reg.Get(testConfig(fallbackURL))
	require.NoError(t, m.Execute(context.Background(), eps.op))

	eps.set(fallbackURL, false)
	err := m.Execute(context.Background(), eps.op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed on both endpoints")
	assert.True(t, m.IsUsingFallback())
	assert.Equal(t, []Reason{ReasonFailover}, rec.list())
}

func TestExecute_BothEndpointsFail(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	eps.set(fallbackURL, false)
	metrics := newRecordingMetrics()
	m := newTestRegistry(t, eps, metrics).Get(testConfig(fallbackURL))

	err := m.Execute(context.Background(), eps.op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed on both endpoints")

	var upstream *errors.UpstreamRPCError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "ethereum", upstream.Chain)

	assert.False(t, m.IsUsingFallback())
	assert.Equal(t, 1, metrics.get("fallback_failure"))
	assert.Equal(t, 0, metrics.get("event_failover"))
}

func TestExecute_NoFallbackConfigured(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	m := newTestRegistry(t, eps, nil).Get(testConfig(""))

	err := m.Execute(context.Background(), eps.op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed on primary endpoint")
	assert.Equal(t, 3, eps.callCount(primaryURL))
	assert.False(t, m.IsUsingFallback())
}

func TestExecute_ConcurrentFailoverEmitsOnce(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	reg := newTestRegistry(t, eps, nil)
	rec := &reasonRecorder{}
	reg.Bus().Subscribe(rec.observe)

	m := reg.Get(testConfig(fallbackURL))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Execute(context.Background(), eps.op)
		}()
	}
	wg.Wait()

	assert.True(t, m.IsUsingFallback())
	assert.Equal(t, []Reason{ReasonFailover}, rec.list())
}

func TestExecute_AttemptTimeout(t *testing.T) {
	eps := newEndpoints()
	cfg := testConfig("")
	cfg.MaxRetries = 1
	cfg.Timeout = 20 * time.Millisecond
	m := newTestRegistry(t, eps, nil).Get(cfg)

	err := m.Execute(context.Background(), func(ctx context.Context, c Client) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline exceeded")
}

func TestExecute_DialsLazilyOnce(t *testing.T) {
	eps := newEndpoints()
	m := newTestRegistry(t, eps, nil).Get(testConfig(fallbackURL))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Execute(context.Background(), eps.op))
	}
	eps.mu.Lock()
	defer eps.mu.Unlock()
	assert.Equal(t, 1, eps.dials[primaryURL])
	assert.Equal(t, 0, eps.dials[fallbackURL])
}

func TestLogMetrics(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := NewLogMetrics(zap.New(core).Sugar())

	m.RecordPrimaryAttempt("base")
	m.RecordPrimaryFailure("base", errors.New("timeout"))
	m.RecordFailoverEvent("base", ReasonFailover)

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, "RPC primary failure", logs.All()[1].Message)
	assert.Equal(t, "failover", logs.All()[2].ContextMap()["reason"])
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics()
	before := testutil.ToFloat64(rpcStateChanges.WithLabelValues("prom-test", "failover"))

	m.RecordPrimaryAttempt("prom-test")
	m.RecordFailoverEvent("prom-test", ReasonFailover)

	assert.Equal(t, before+1, testutil.ToFloat64(rpcStateChanges.WithLabelValues("prom-test", "failover")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(rpcAttempts.WithLabelValues("prom-test", "primary")), 1.0)
}

func TestNewMetricsCollector(t *testing.T) {
	assert.IsType(t, NoopMetrics{}, NewMetricsCollector("noop", nil))
	assert.IsType(t, &LogMetrics{}, NewMetricsCollector("log", nil))
	assert.IsType(t, &PrometheusMetrics{}, NewMetricsCollector("prometheus", nil))
}
