// Package failover routes RPC calls for one chain across a primary and an
// optional fallback endpoint, degrading after sustained primary failure and
// probing the primary for recovery while degraded.
package failover

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/teranos/chainpulse/am"
)

// Role names an endpoint within a Config
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
)

// Config is one chain's endpoint set. Immutable after construction.
type Config struct {
	Chain             string
	ChainID           int64
	PrimaryURL        string
	FallbackURL       string
	MaxRetries        int
	Timeout           time.Duration
	Finality          string
	MulticallAddress  string
	RequestsPerSecond float64
}

// ConfigFromChain converts a configured chain into an endpoint set.
func ConfigFromChain(name string, c am.ChainConfig) Config {
	return Config{
		Chain:             name,
		ChainID:           c.ChainID,
		PrimaryURL:        c.PrimaryURL,
		FallbackURL:       c.FallbackURL,
		MaxRetries:        c.MaxRetries,
		Timeout:           time.Duration(c.TimeoutMs) * time.Millisecond,
		Finality:          c.Finality,
		MulticallAddress:  c.MulticallAddress,
		RequestsPerSecond: c.RequestsPerSecond,
	}.normalized()
}

func (c Config) normalized() Config {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Duration(am.DefaultTimeoutMs) * time.Millisecond
	}
	return c
}

// HasFallback reports whether a fallback endpoint is configured
func (c Config) HasFallback() bool {
	return c.FallbackURL != ""
}

// URL returns the endpoint for a role
func (c Config) URL(role Role) string {
	if role == RoleFallback {
		return c.FallbackURL
	}
	return c.PrimaryURL
}

// BlockTag is the block reads are evaluated at; nil means latest.
func (c Config) BlockTag() *big.Int {
	switch c.Finality {
	case "safe":
		return big.NewInt(int64(rpc.SafeBlockNumber))
	case "finalized":
		return big.NewInt(int64(rpc.FinalizedBlockNumber))
	default:
		return nil
	}
}

type registryKey struct {
	chain, primary, fallback string
}

func (c Config) key() registryKey {
	return registryKey{chain: c.Chain, primary: c.PrimaryURL, fallback: c.FallbackURL}
}
