// Package am loads chainpulse configuration ("I am"): datastore, HTTP server,
// chain endpoints, admission policy, scheduling and worker settings.
package am

import "strings"

// Config represents the core chainpulse configuration
type Config struct {
	Database  DatabaseConfig         `mapstructure:"database"`
	Server    ServerConfig           `mapstructure:"server"`
	Chains    map[string]ChainConfig `mapstructure:"chains"`
	Admission AdmissionConfig        `mapstructure:"admission"`
	Multicall MulticallConfig        `mapstructure:"multicall"`
	Pulse     PulseConfig            `mapstructure:"pulse"`
	Worker    WorkerConfig           `mapstructure:"worker"`
	Metrics   MetricsConfig          `mapstructure:"metrics"`
	Wallets   map[string]string      `mapstructure:"wallets"` // organization id -> hex private key
}

// DatabaseConfig configures the datastore.
// sqlite paths (or sqlite:// / file: URLs) and postgres:// URLs are both accepted.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// ServerConfig configures the execution HTTP API
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ChainConfig is one network's RPC endpoint set.
type ChainConfig struct {
	ChainID           int64   `mapstructure:"chain_id"`
	PrimaryURL        string  `mapstructure:"primary_url"`
	FallbackURL       string  `mapstructure:"fallback_url"`
	MaxRetries        int     `mapstructure:"max_retries"`
	TimeoutMs         int     `mapstructure:"timeout_ms"`
	Finality          string  `mapstructure:"finality"`            // latest, safe, finalized
	MulticallAddress  string  `mapstructure:"multicall_address"`   // empty = canonical Multicall3
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 = unpaced
}

// AdmissionConfig configures the admission gate.
// Spend caps are in native units of the value moved; 0 disables a cap.
type AdmissionConfig struct {
	RequestsPerMinute int                  `mapstructure:"requests_per_minute"`
	DailySpendCap     float64              `mapstructure:"daily_spend_cap"`
	WeeklySpendCap    float64              `mapstructure:"weekly_spend_cap"`
	MonthlySpendCap   float64              `mapstructure:"monthly_spend_cap"`
	OrgCaps           map[string]SpendCaps `mapstructure:"org_caps"` // keyed by lowercase organization id
}

// SpendCaps overrides the default caps for one organization
type SpendCaps struct {
	Daily   float64 `mapstructure:"daily"`
	Weekly  float64 `mapstructure:"weekly"`
	Monthly float64 `mapstructure:"monthly"`
}

// MulticallConfig configures the batch reader
type MulticallConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// PulseConfig configures the schedule dispatcher and trigger queue consumer
type PulseConfig struct {
	TickerIntervalSeconds int    `mapstructure:"ticker_interval_seconds"`
	QueuePollIntervalMs   int    `mapstructure:"queue_poll_interval_ms"`
	WorkerBinary          string `mapstructure:"worker_binary"` // empty = current executable
}

// WorkerConfig configures worker processes
type WorkerConfig struct {
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// MetricsConfig selects the failover metrics collector
type MetricsConfig struct {
	Collector string `mapstructure:"collector"` // noop, log, prometheus
}

// Defaults
const (
	DefaultServerPort             = 8787
	DefaultDatabaseURL            = "chainpulse.db"
	DefaultRequestsPerMinute      = 60
	DefaultBatchSize              = 100
	DefaultMaxRetries             = 3
	DefaultTimeoutMs              = 10000
	DefaultTickerIntervalSeconds  = 60
	DefaultQueuePollIntervalMs    = 1000
	DefaultShutdownTimeoutSeconds = 25
	DefaultDirPermissions         = 0755
)

// Metrics collector names
const (
	CollectorNoop       = "noop"
	CollectorLog        = "log"
	CollectorPrometheus = "prometheus"
)

// CapsFor returns the effective spending caps for an organization.
func (a AdmissionConfig) CapsFor(organizationID string) SpendCaps {
	for org, caps := range a.OrgCaps {
		if strings.EqualFold(org, organizationID) {
			return caps
		}
	}
	return SpendCaps{Daily: a.DailySpendCap, Weekly: a.WeeklySpendCap, Monthly: a.MonthlySpendCap}
}
