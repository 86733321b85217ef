// Package sym defines the symbols chainpulse attaches to structured log lines.
// They are stable across logs, CLI output and the event stream, so log queries
// can filter by subsystem without parsing messages.
package sym

// Subsystem symbols.
const (
	Pulse      = "꩜" // scheduling, trigger queue, dispatch
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	Chain      = "⛓" // RPC endpoints, failover, multicall
	Ledger     = "≡" // execution lifecycle records
	Gate       = "⊘" // admission: auth, rate limit, spend caps
	DB         = "⊔" // database and migrations
)

// Names maps each symbol to the subsystem name used in CLI output.
var Names = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "startup",
	PulseClose: "shutdown",
	Chain:      "chain",
	Ledger:     "ledger",
	Gate:       "gate",
	DB:         "db",
}
