package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Options for loading config. ConfigPath may be empty; a missing file is
// not an error.
type Options struct {
	ConfigPath   string
	SkipValidate bool
	// Overrides apply last (flags > env > dotenv > file > defaults).
	Overrides *Overrides
}

// Overrides holds CLI flag values. Only non-nil fields are applied.
type Overrides struct {
	ListenAddr    *string
	StateDir      *string
	DatabasePath  *string
	Mode          *string
	PublicBaseURL *string
}

// Load builds the config with precedence: defaults -> TOML file -> dotenv
// -> environment -> CLI overrides.
func Load(opts Options) (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := loadDotEnvPrecedence(); err != nil {
		return Config{}, fmt.Errorf("load dotenv files: %w", err)
	}
	mergeEnv(&cfg)

	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}

	if !opts.SkipValidate {
		if err := Validate(cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// loadDotEnvPrecedence reads .env then .env.local into the process
// environment without overriding variables that are already set, so
// explicit env always wins over dotenv files.
func loadDotEnvPrecedence() error {
	for _, name := range []string{".env", ".env.local"} {
		values, err := godotenv.Read(name)
		if err != nil {
			continue
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); !exists {
				if setErr := os.Setenv(k, v); setErr != nil {
					return setErr
				}
			}
		}
	}
	return nil
}

func mergeEnv(cfg *Config) {
	if v := envStr("MCPAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := envStr("MCPAY_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := envStr("MCPAY_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := envStr("MCPAY_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}

	// MCPAY_ENV wins; NODE_ENV is honored for parity with deployments
	// that only set the Node-style selector.
	if v := envStr("MCPAY_ENV"); v != "" {
		cfg.Mode = strings.ToLower(v)
	} else if v := envStr("NODE_ENV"); v != "" {
		cfg.Mode = strings.ToLower(v)
	}

	if v, ok := envInt("RATE_LIMIT_CAPACITY"); ok && v > 0 {
		cfg.RateLimit.Capacity = v
	}
	if v := envStr("RATE_LIMIT_REFILL_PER_SECOND"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.RateLimit.RefillPerSecond = parsed
		}
	}
	if v, ok := envInt("RATE_LIMIT_MIN_DELAY_MS"); ok && v >= 0 {
		cfg.RateLimit.MinDelayMs = v
	}

	if v, ok := envBool("PAYMENT_STRATEGY_ENABLED"); ok {
		cfg.Signer.Enabled = v
	}
	if v := envStr("PAYMENT_STRATEGY_FALLBACK"); v != "" {
		cfg.Signer.FallbackBehavior = strings.ToLower(v)
	}
	if v, ok := envInt("PAYMENT_STRATEGY_MAX_RETRIES"); ok && v > 0 {
		cfg.Signer.MaxRetries = v
	}
	if v, ok := envInt("PAYMENT_STRATEGY_TIMEOUT_MS"); ok && v > 0 {
		cfg.Signer.TimeoutMs = v
	}
	if v := envStr("MCPAY_TEST_PRIVATE_KEY"); v != "" {
		cfg.Signer.TestPrivateKey = v
	}
	if v := envStr("MCPAY_OPERATOR_PRIVATE_KEY"); v != "" {
		cfg.Signer.OperatorPrivateKey = v
	}

	if v := envStr("FACILITATOR_URL"); v != "" {
		cfg.Facilitator.DefaultURL = v
	}
	if v := envStr("FACILITATOR_BEARER_TOKEN"); v != "" {
		cfg.Facilitator.BearerToken = v
	}
	if cfg.Facilitator.NetworkURLs == nil {
		cfg.Facilitator.NetworkURLs = map[string]string{}
	}
	if v := envStr("BASE_SEPOLIA_FACILITATOR_URL"); v != "" {
		cfg.Facilitator.NetworkURLs["base-sepolia"] = v
	}
	if v := envStr("SEI_TESTNET_FACILITATOR_URL"); v != "" {
		cfg.Facilitator.NetworkURLs["sei-testnet"] = v
	}

	if v, ok := envBool("SETTLEMENT_ENABLED"); ok {
		cfg.Settlement.Enabled = v
	}
	if v, ok := envInt("SETTLEMENT_INTERVAL_SECONDS"); ok && v > 0 {
		cfg.Settlement.IntervalSec = v
	}
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.ListenAddr != nil && *o.ListenAddr != "" {
		cfg.ListenAddr = *o.ListenAddr
	}
	if o.StateDir != nil && *o.StateDir != "" {
		cfg.StateDir = *o.StateDir
	}
	if o.DatabasePath != nil && *o.DatabasePath != "" {
		cfg.DatabasePath = *o.DatabasePath
	}
	if o.Mode != nil && *o.Mode != "" {
		cfg.Mode = strings.ToLower(*o.Mode)
	}
	if o.PublicBaseURL != nil && *o.PublicBaseURL != "" {
		cfg.PublicBaseURL = *o.PublicBaseURL
	}
}

func envStr(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string) (int, bool) {
	v := envStr(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envBool(key string) (bool, bool) {
	v := envStr(key)
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}
