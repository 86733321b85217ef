package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.url", DefaultDatabaseURL)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("admission.requests_per_minute", DefaultRequestsPerMinute)
	v.SetDefault("admission.daily_spend_cap", 0.0) // 0 = uncapped
	v.SetDefault("admission.weekly_spend_cap", 0.0)
	v.SetDefault("admission.monthly_spend_cap", 0.0)

	v.SetDefault("multicall.batch_size", DefaultBatchSize)

	v.SetDefault("pulse.ticker_interval_seconds", DefaultTickerIntervalSeconds)
	v.SetDefault("pulse.queue_poll_interval_ms", DefaultQueuePollIntervalMs)

	v.SetDefault("worker.shutdown_timeout_seconds", DefaultShutdownTimeoutSeconds)

	v.SetDefault("metrics.collector", CollectorLog)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Workers receive the datastore through the process environment contract
	_ = v.BindEnv("database.url", "CHAINPULSE_DATABASE_URL", "DATABASE_URL")
}

// ApplyChainDefaults fills unset per-chain values.
func (c *Config) ApplyChainDefaults() {
	for name, chain := range c.Chains {
		if chain.MaxRetries == 0 {
			chain.MaxRetries = DefaultMaxRetries
		}
		if chain.TimeoutMs == 0 {
			chain.TimeoutMs = DefaultTimeoutMs
		}
		if chain.Finality == "" {
			chain.Finality = "latest"
		}
		c.Chains[name] = chain
	}
}
