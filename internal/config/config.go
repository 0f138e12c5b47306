// Package config loads the recognized options of spec.md §6
// ("Configuration (recognized options)"): TOML file defaults overridden
// by environment variables for secrets and endpoint URLs, matching the
// precedence the teacher's cmd/geth config loader uses (file defaults,
// flag/env override) — ambient-stack parity per spec.md §1 even though
// this core never runs geth's own node.Config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
)

// Config is the full set of recognized options, passed by value into
// each component at construction (spec.md §9 design note "no global
// singletons for configuration thresholds").
type Config struct {
	MainNodeURL string `toml:"main_node_url"`
	EthClientURL string `toml:"eth_client_url"`

	MiniblockSealQueueCapacity int `toml:"miniblock_seal_queue_capacity"`
	VMConcurrencyLimit         int `toml:"vm_concurrency_limit"`

	ReorgDetectorInterval Duration `toml:"reorg_detector_interval"`

	RateLimitBurst   int      `toml:"rate_limit_burst"`
	RateLimitRefresh Duration `toml:"rate_limit_refresh"`

	EnableConsensus        bool `toml:"enable_consensus"`
	EnableSnapshotsRecovery bool `toml:"enable_snapshots_recovery"`

	RevertPendingL1Batch bool `toml:"revert_pending_l1_batch"`

	PostgresDSN string `toml:"postgres_dsn"`
	TreeDBPath  string `toml:"tree_db_path"`

	ConsistencyCheckerConcurrency int      `toml:"consistency_checker_concurrency"`
	ConsistencyCheckerPollEvery   Duration `toml:"consistency_checker_poll_every"`

	GracePeriod Duration `toml:"grace_period"`

	LogLevel   string `toml:"log_level"`
	LogVmodule string `toml:"log_vmodule"`
	LogJSON    bool   `toml:"log_json"`
}

// Duration wraps time.Duration so it can be decoded from a TOML string
// like "5s" rather than a raw integer of nanoseconds, mirroring the
// teacher's own TOML duration handling in its node/config types.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config seeded with the fallbacks spec.md §6
// documents as having sensible defaults (queue capacities, intervals);
// the rest (URLs, DSNs) must come from the file or environment.
func Defaults() Config {
	return Config{
		MiniblockSealQueueCapacity:    16,
		VMConcurrencyLimit:            1,
		ReorgDetectorInterval:         Duration{30 * time.Second},
		RateLimitBurst:                50,
		RateLimitRefresh:              Duration{time.Second},
		ConsistencyCheckerConcurrency: 10,
		ConsistencyCheckerPollEvery:   Duration{15 * time.Second},
		GracePeriod:                   Duration{10 * time.Second},
		LogLevel:                      "info",
	}
}

// Load reads path (if non-empty) as a TOML file on top of Defaults(),
// then applies environment overrides for the options spec.md's Non-goals
// keep out of the file layer: endpoint URLs and the DSN, which operators
// conventionally inject via environment rather than checked-in files.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LogSlogLevel parses c.LogLevel (one of the teacher's own glog verbosity
// names: crit, error, warn, info, debug, trace) into a log/slog level,
// defaulting to info on an empty or unrecognized value.
func (c Config) LogSlogLevel() slog.Level {
	switch c.LogLevel {
	case "crit":
		return log.LevelCrit
	case "error":
		return log.LevelError
	case "warn":
		return log.LevelWarn
	case "debug":
		return log.LevelDebug
	case "trace":
		return log.LevelTrace
	default:
		return log.LevelInfo
	}
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("EN_MAIN_NODE_URL"); ok {
		cfg.MainNodeURL = v
	}
	if v, ok := os.LookupEnv("EN_ETH_CLIENT_URL"); ok {
		cfg.EthClientURL = v
	}
	if v, ok := os.LookupEnv("EN_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := os.LookupEnv("EN_TREE_DB_PATH"); ok {
		cfg.TreeDBPath = v
	}
}

// Validate aborts startup on invalid or missing configuration (spec.md
// §7 "Configuration / startup": abort before starting any task).
func (c Config) Validate() error {
	if c.MainNodeURL == "" {
		return fmt.Errorf("config: main_node_url is required")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("config: postgres_dsn is required")
	}
	if c.TreeDBPath == "" {
		return fmt.Errorf("config: tree_db_path is required")
	}
	if c.MiniblockSealQueueCapacity <= 0 {
		return fmt.Errorf("config: miniblock_seal_queue_capacity must be positive")
	}
	if c.EthClientURL == "" {
		return fmt.Errorf("config: eth_client_url is required")
	}
	return nil
}
