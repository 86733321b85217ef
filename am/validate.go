package am

import (
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/internal/httpclient"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	for name, chain := range c.Chains {
		if chain.PrimaryURL == "" {
			return errors.Newf("chains.%s.primary_url is required", name)
		}
		if err := httpclient.ValidateEndpoint(chain.PrimaryURL); err != nil {
			return errors.Wrapf(err, "chains.%s.primary_url", name)
		}
		if chain.FallbackURL != "" {
			if err := httpclient.ValidateEndpoint(chain.FallbackURL); err != nil {
				return errors.Wrapf(err, "chains.%s.fallback_url", name)
			}
		}
		// max_retries and timeout_ms: 0 = default (filled by ApplyChainDefaults), negative = invalid
		if chain.MaxRetries < 0 {
			return errors.Newf("chains.%s.max_retries must be >= 1, got %d", name, chain.MaxRetries)
		}
		if chain.TimeoutMs < 0 {
			return errors.Newf("chains.%s.timeout_ms must be > 0, got %d", name, chain.TimeoutMs)
		}
		switch chain.Finality {
		case "", "latest", "safe", "finalized":
		default:
			return errors.Newf("chains.%s.finality must be latest, safe or finalized, got %q", name, chain.Finality)
		}
		if chain.RequestsPerSecond < 0 {
			return errors.Newf("chains.%s.requests_per_second must be >= 0, got %f", name, chain.RequestsPerSecond)
		}
	}

	if c.Admission.RequestsPerMinute < 0 {
		return errors.Newf("admission.requests_per_minute must be >= 0, got %d", c.Admission.RequestsPerMinute)
	}
	if c.Admission.DailySpendCap < 0 || c.Admission.WeeklySpendCap < 0 || c.Admission.MonthlySpendCap < 0 {
		return errors.New("admission spend caps must be >= 0")
	}

	if c.Multicall.BatchSize < 0 {
		return errors.Newf("multicall.batch_size must be >= 1, got %d", c.Multicall.BatchSize)
	}

	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Worker.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("worker.shutdown_timeout_seconds must be >= 0, got %d", c.Worker.ShutdownTimeoutSeconds)
	}

	switch c.Metrics.Collector {
	case "", CollectorNoop, CollectorLog, CollectorPrometheus:
	default:
		return errors.Newf("metrics.collector must be noop, log or prometheus, got %q", c.Metrics.Collector)
	}

	return nil
}
