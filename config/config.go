package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/chaincfg"
)

// EnvDatabaseDSN overrides the configured database DSN when set, so deploys
// can keep credentials out of the config file.
const EnvDatabaseDSN = "ANCHORD_DB_DSN"

// Config carries every recognized anchord option. Zero values are replaced by
// defaults in Load.
type Config struct {
	ListenAddress string `toml:"listen_address"`
	Environment   string `toml:"environment"`
	LogLevel      string `toml:"log_level"`

	DatabaseDSN string `toml:"database_dsn"`

	LedgerURL               string `toml:"ledger_url"`
	LedgerAuthToken         string `toml:"ledger_auth_token"`
	BroadcastTimeoutSeconds int    `toml:"broadcast_timeout_seconds"`

	Network       string `toml:"network"`
	KeyFile       string `toml:"key_file"`
	PoolAddress   string `toml:"pool_address"`
	ChangeAddress string `toml:"change_address"`
	FeeRatePerKB  int64  `toml:"fee_rate_per_kb"`

	TimestampSkewSeconds int `toml:"timestamp_skew_seconds"`

	UTXOLeaseSeconds  int `toml:"utxo_lease_duration_seconds"`
	SendingTTLSeconds int `toml:"sending_ttl_seconds"`

	WorkerMode        string `toml:"worker_mode"`
	WorkerPollMS      int    `toml:"worker_poll_ms"`
	BatchWindowMS     int    `toml:"batch_window_ms"`
	MaxBatchSize      int    `toml:"max_batch_size"`
	RateLimitCapacity int    `toml:"rate_limit_capacity"`
	RateLimitWindowMS int    `toml:"rate_limit_window_ms"`

	PoolMinSize          int64 `toml:"pool_min_size"`
	PoolSplitSize        int   `toml:"pool_split_size"`
	PoolCheckSeconds     int   `toml:"pool_check_seconds"`
	SplitCooldownSeconds int   `toml:"split_cooldown_seconds"`
	UnitValue            int64 `toml:"unit_value"`
}

// Worker modes. Batch runs the collector/broadcaster pair; single runs the
// one-job-at-a-time loop for low-volume deployments.
const (
	WorkerModeBatch  = "batch"
	WorkerModeSingle = "single"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddress:           ":8545",
		Environment:             "dev",
		LogLevel:                "info",
		BroadcastTimeoutSeconds: 30,
		Network:                 "regtest",
		FeeRatePerKB:            100,
		TimestampSkewSeconds:    600,
		UTXOLeaseSeconds:        300,
		SendingTTLSeconds:       120,
		WorkerMode:              WorkerModeBatch,
		WorkerPollMS:            1000,
		BatchWindowMS:           5000,
		MaxBatchSize:            500,
		RateLimitCapacity:       500,
		RateLimitWindowMS:       3000,
		PoolMinSize:             50000,
		PoolSplitSize:           100000,
		PoolCheckSeconds:        30,
		SplitCooldownSeconds:    600,
		UnitValue:               100,
	}
}

// Load reads the TOML file at path, fills defaults, applies environment
// overrides, and validates. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unrecognized option %q in %s", undecoded[0].String(), path)
		}
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings. The sending TTL must not exceed the
// UTXO lease, otherwise the unstick sweep could hand a job to a second worker
// while the first still holds a live lease.
func (c *Config) Validate() error {
	if c.SendingTTLSeconds > c.UTXOLeaseSeconds {
		return fmt.Errorf("config: sending_ttl_seconds (%d) must not exceed utxo_lease_duration_seconds (%d)",
			c.SendingTTLSeconds, c.UTXOLeaseSeconds)
	}
	if c.TimestampSkewSeconds <= 0 {
		return fmt.Errorf("config: timestamp_skew_seconds must be positive")
	}
	if c.MaxBatchSize <= 0 || c.RateLimitCapacity <= 0 || c.RateLimitWindowMS <= 0 {
		return fmt.Errorf("config: batch and rate limit settings must be positive")
	}
	if c.UnitValue <= 0 || c.PoolSplitSize <= 0 {
		return fmt.Errorf("config: pool settings must be positive")
	}
	switch c.WorkerMode {
	case WorkerModeBatch, WorkerModeSingle:
	default:
		return fmt.Errorf("config: worker_mode must be %q or %q", WorkerModeBatch, WorkerModeSingle)
	}
	if _, err := c.Params(); err != nil {
		return err
	}
	return nil
}

// Params maps the configured network name onto chain parameters.
func (c *Config) Params() (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(c.Network)) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest", "":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", c.Network)
	}
}

// Duration accessors keep the integer knobs in one shape at call sites.

func (c *Config) BroadcastTimeout() time.Duration {
	return time.Duration(c.BroadcastTimeoutSeconds) * time.Second
}

func (c *Config) TimestampSkew() time.Duration {
	return time.Duration(c.TimestampSkewSeconds) * time.Second
}

func (c *Config) UTXOLease() time.Duration {
	return time.Duration(c.UTXOLeaseSeconds) * time.Second
}

func (c *Config) SendingTTL() time.Duration {
	return time.Duration(c.SendingTTLSeconds) * time.Second
}

func (c *Config) WorkerPoll() time.Duration {
	return time.Duration(c.WorkerPollMS) * time.Millisecond
}

func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMS) * time.Millisecond
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

func (c *Config) PoolCheckInterval() time.Duration {
	return time.Duration(c.PoolCheckSeconds) * time.Second
}

func (c *Config) SplitCooldown() time.Duration {
	return time.Duration(c.SplitCooldownSeconds) * time.Second
}
