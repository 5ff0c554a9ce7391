package config

import (
	"path/filepath"
)

// Mode selects runtime behavior; ModeTest arms the test signing strategy.
const (
	ModeProduction = "production"
	ModeTest       = "test"
)

// Config is the immutable knob set the proxy starts with. It is built once
// in the CLI (defaults -> config file -> dotenv -> env -> flags) and handed
// to components read-only.
type Config struct {
	ListenAddr    string `toml:"listen_addr"`
	StateDir      string `toml:"state_dir"`
	DatabasePath  string `toml:"database_path"`
	PublicBaseURL string `toml:"public_base_url"`
	Mode          string `toml:"mode"`

	RateLimit   RateLimit   `toml:"rate_limit"`
	Cache       Cache       `toml:"cache"`
	Signer      Signer      `toml:"signer"`
	Facilitator Facilitator `toml:"facilitator"`
	Settlement  Settlement  `toml:"settlement"`
}

// RateLimit tunes the per-upstream-host token bucket.
type RateLimit struct {
	Capacity        int     `toml:"capacity"`
	RefillPerSecond float64 `toml:"refill_per_second"`
	MinDelayMs      int     `toml:"min_delay_ms"`
}

// Cache tunes the in-memory response cache. TTLs are in seconds.
type Cache struct {
	Enabled       bool `toml:"enabled"`
	DefaultTTLSec int  `toml:"default_ttl_sec"`
}

// Signer tunes the auto-sign strategy registry. Keys are hex-encoded
// secp256k1 private keys; TestPrivateKey is only honored in test mode.
type Signer struct {
	Enabled            bool   `toml:"enabled"`
	FallbackBehavior   string `toml:"fallback_behavior"`
	MaxRetries         int    `toml:"max_retries"`
	TimeoutMs          int    `toml:"timeout_ms"`
	TestPrivateKey     string `toml:"test_private_key"`
	OperatorPrivateKey string `toml:"operator_private_key"`
}

// Facilitator selects x402 facilitator endpoints. NetworkURLs maps a
// network name to a facilitator base URL; DefaultURL serves the rest.
type Facilitator struct {
	DefaultURL  string            `toml:"default_url"`
	NetworkURLs map[string]string `toml:"network_urls"`
	BearerToken string            `toml:"bearer_token"`
}

// Settlement tunes the background settler that advances pending payments.
type Settlement struct {
	Enabled     bool `toml:"enabled"`
	IntervalSec int  `toml:"interval_sec"`
	BatchSize   int  `toml:"batch_size"`
}

func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8402",
		StateDir:     filepath.Join(".", ".mcpay"),
		DatabasePath: "",
		Mode:         ModeProduction,
		RateLimit: RateLimit{
			Capacity:        30,
			RefillPerSecond: 0.5,
			MinDelayMs:      1000,
		},
		Cache: Cache{
			Enabled:       true,
			DefaultTTLSec: 45,
		},
		Signer: Signer{
			Enabled:          true,
			FallbackBehavior: "continue",
			MaxRetries:       3,
			TimeoutMs:        30000,
		},
		Facilitator: Facilitator{
			NetworkURLs: map[string]string{},
		},
		Settlement: Settlement{
			Enabled:     true,
			IntervalSec: 30,
			BatchSize:   50,
		},
	}
}

// ResolveDatabasePath returns the SQLite path, defaulting to
// <state-dir>/mcpay.sqlite when no explicit path is configured.
func (c Config) ResolveDatabasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.StateDir, "mcpay.sqlite")
}
