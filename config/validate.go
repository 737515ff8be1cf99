package config

import (
	"fmt"
	"math/big"
	"strings"
)

var validBackends = map[string]bool{"memory": true, "leveldb": true, "bolt": true}

var validEventLogDrivers = map[string]bool{"": true, "sqlite": true, "postgres": true}

// MinimumBidAmount parses the configured bid floor.
func (c *Config) MinimumBidAmount() (*big.Int, error) {
	raw := strings.TrimSpace(c.MinimumBid)
	if raw == "" {
		return nil, fmt.Errorf("MinimumBid must be set")
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("MinimumBid: invalid amount %q", c.MinimumBid)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("MinimumBid must be positive")
	}
	return amount, nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must be set")
	}
	backend := strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if !validBackends[backend] {
		return fmt.Errorf("StorageBackend: unsupported backend %q", c.StorageBackend)
	}
	if backend != "memory" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set for %s storage", backend)
	}
	if _, err := c.MinimumBidAmount(); err != nil {
		return err
	}
	if c.RPC.RateLimitPerSecond < 0 || c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limits must be non-negative")
	}
	if c.RPC.RateLimitPerSecond > 0 && c.RPC.RateLimitBurst == 0 {
		return fmt.Errorf("rpc: RateLimitBurst must be positive when rate limiting")
	}
	if c.RPC.SignatureSkewSeconds <= 0 || c.RPC.SignatureTTLSeconds <= 0 {
		return fmt.Errorf("rpc: signature skew and ttl must be positive")
	}
	if c.RPC.EventBufferSize < 0 {
		return fmt.Errorf("rpc: EventBufferSize must be non-negative")
	}
	driver := strings.ToLower(strings.TrimSpace(c.EventLog.Driver))
	if !validEventLogDrivers[driver] {
		return fmt.Errorf("eventlog: unsupported driver %q", c.EventLog.Driver)
	}
	if driver != "" && strings.TrimSpace(c.EventLog.DSN) == "" {
		return fmt.Errorf("eventlog: DSN required for %s", driver)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	return nil
}
