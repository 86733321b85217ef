package failover

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/logger"
)

// MetricsCollector receives per-attempt and state-change counts from managers.
type MetricsCollector interface {
	RecordPrimaryAttempt(chain string)
	RecordPrimaryFailure(chain string, err error)
	RecordFallbackAttempt(chain string)
	RecordFallbackFailure(chain string, err error)
	RecordFailoverEvent(chain string, reason Reason)
}

// NewMetricsCollector builds the collector named in config.
func NewMetricsCollector(name string, log *zap.SugaredLogger) MetricsCollector {
	switch name {
	case am.CollectorNoop:
		return NoopMetrics{}
	case am.CollectorPrometheus:
		return NewPrometheusMetrics()
	default:
		return NewLogMetrics(log)
	}
}

// NoopMetrics discards everything
type NoopMetrics struct{}

func (NoopMetrics) RecordPrimaryAttempt(string)         {}
func (NoopMetrics) RecordPrimaryFailure(string, error)  {}
func (NoopMetrics) RecordFallbackAttempt(string)        {}
func (NoopMetrics) RecordFallbackFailure(string, error) {}
func (NoopMetrics) RecordFailoverEvent(string, Reason)  {}

// LogMetrics writes failures and state changes to the log; attempts go to debug.
type LogMetrics struct {
	logger *zap.SugaredLogger
}

func NewLogMetrics(log *zap.SugaredLogger) *LogMetrics {
	return &LogMetrics{logger: logger.AddChainSymbol(log)}
}

func (m *LogMetrics) RecordPrimaryAttempt(chain string) {
	m.logger.Debugw("RPC primary attempt", logger.FieldChain, chain)
}

func (m *LogMetrics) RecordPrimaryFailure(chain string, err error) {
	m.logger.Warnw("RPC primary failure", logger.FieldChain, chain, logger.FieldError, err)
}

func (m *LogMetrics) RecordFallbackAttempt(chain string) {
	m.logger.Debugw("RPC fallback attempt", logger.FieldChain, chain)
}

func (m *LogMetrics) RecordFallbackFailure(chain string, err error) {
	m.logger.Warnw("RPC fallback failure", logger.FieldChain, chain, logger.FieldError, err)
}

func (m *LogMetrics) RecordFailoverEvent(chain string, reason Reason) {
	m.logger.Infow("RPC endpoint switch", logger.FieldChain, chain, "reason", string(reason))
}

var (
	registerOnce sync.Once

	rpcAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainpulse",
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "RPC attempts per chain and endpoint role.",
		},
		[]string{"chain", "role"},
	)
	rpcFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainpulse",
			Subsystem: "rpc",
			Name:      "failures_total",
			Help:      "Failed RPC attempts per chain and endpoint role.",
		},
		[]string{"chain", "role"},
	)
	rpcStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainpulse",
			Subsystem: "rpc",
			Name:      "state_changes_total",
			Help:      "Failover and recovery events per chain.",
		},
		[]string{"chain", "reason"},
	)
)

// RegisterMetrics registers the RPC collectors with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcAttempts, rpcFailures, rpcStateChanges)
	})
}

// PrometheusMetrics exports counters on the default registry
type PrometheusMetrics struct{}

func NewPrometheusMetrics() *PrometheusMetrics {
	RegisterMetrics()
	return &PrometheusMetrics{}
}

func (*PrometheusMetrics) RecordPrimaryAttempt(chain string) {
	rpcAttempts.WithLabelValues(chain, string(RolePrimary)).Inc()
}

func (*PrometheusMetrics) RecordPrimaryFailure(chain string, _ error) {
	rpcFailures.WithLabelValues(chain, string(RolePrimary)).Inc()
}

func (*PrometheusMetrics) RecordFallbackAttempt(chain string) {
	rpcAttempts.WithLabelValues(chain, string(RoleFallback)).Inc()
}

func (*PrometheusMetrics) RecordFallbackFailure(chain string, _ error) {
	rpcFailures.WithLabelValues(chain, string(RoleFallback)).Inc()
}

func (*PrometheusMetrics) RecordFailoverEvent(chain string, reason Reason) {
	rpcStateChanges.WithLabelValues(chain, string(reason)).Inc()
}
