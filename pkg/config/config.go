// Package config loads the operator-facing knobs: environment
// variables layered over an optional YAML file into a typed Config
// with defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the gateway and background workers read at
// startup.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	ShardCount   int    `yaml:"shard_count"`
	MaxShardSize string `yaml:"max_shard_size"` // e.g. "10GB", parsed via datasize

	DefaultCacheTTL string `yaml:"default_cache_ttl"` // duration string, e.g. "60s"
	DefaultCacheSWR string `yaml:"default_cache_swr"`
	CacheHashFast   bool   `yaml:"cache_hash_fast"`

	JWTSecret string `yaml:"jwt_secret"`

	MaxConnectionsPerShard int    `yaml:"max_connections_per_shard"`
	SessionIdleTTL         string `yaml:"session_idle_ttl"`
	TxInactivityTimeout    string `yaml:"tx_inactivity_timeout"`

	FailureThreshold int    `yaml:"failure_threshold"`
	CooldownMs       int    `yaml:"cooldown_ms"`

	EventBatchSize int    `yaml:"event_batch_size"`
	EventMaxWait   string `yaml:"event_max_wait"`
	EventDedupTTL  string `yaml:"event_dedup_ttl"`

	PostCutoverGraceMs int `yaml:"post_cutover_grace_ms"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the baseline configuration before YAML/env overrides.
func Default() *Config {
	return &Config{
		ListenAddr:             ":8080",
		DataDir:                "./data",
		ShardCount:             4,
		MaxShardSize:           "10GB",
		DefaultCacheTTL:        "60s",
		DefaultCacheSWR:        "300s",
		CacheHashFast:          false,
		MaxConnectionsPerShard: 16,
		SessionIdleTTL:         "5m",
		TxInactivityTimeout:    "60s",
		FailureThreshold:       3,
		CooldownMs:             200,
		EventBatchSize:         50,
		EventMaxWait:           "2s",
		EventDedupTTL:          "10m",
		PostCutoverGraceMs:     0,
		LogLevel:               "info",
		LogJSON:                false,
	}
}

// Load builds a Config starting from defaults, merging an optional YAML
// file, then applying environment variable overrides, then validating.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	i := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	b := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v == "1" || v == "true"
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("DATA_DIR", &cfg.DataDir)
	i("SHARD_COUNT", &cfg.ShardCount)
	str("MAX_SHARD_SIZE_GB", &cfg.MaxShardSize)
	str("DEFAULT_CACHE_TTL", &cfg.DefaultCacheTTL)
	str("DEFAULT_CACHE_SWR", &cfg.DefaultCacheSWR)
	str("JWT_SECRET", &cfg.JWTSecret)
	i("MAX_CONNECTIONS_PER_SHARD", &cfg.MaxConnectionsPerShard)
	str("TX_INACTIVITY_TIMEOUT", &cfg.TxInactivityTimeout)
	i("FAILURE_THRESHOLD", &cfg.FailureThreshold)
	i("COOLDOWN_MS", &cfg.CooldownMs)
	i("EVENT_BATCH_SIZE", &cfg.EventBatchSize)
	i("POST_CUTOVER_GRACE_MS", &cfg.PostCutoverGraceMs)
	str("LOG_LEVEL", &cfg.LogLevel)
	b("LOG_JSON", &cfg.LogJSON)
}

// Validate checks structural invariants and that the size and duration
// strings parse; it does not modify the Config.
func (c *Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1")
	}
	if _, err := c.MaxShardSizeBytes(); err != nil {
		return fmt.Errorf("max_shard_size: %w", err)
	}
	if _, err := time.ParseDuration(c.DefaultCacheTTL); err != nil {
		return fmt.Errorf("default_cache_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.DefaultCacheSWR); err != nil {
		return fmt.Errorf("default_cache_swr: %w", err)
	}
	if c.MaxConnectionsPerShard < 1 {
		return fmt.Errorf("max_connections_per_shard must be >= 1")
	}
	if _, err := time.ParseDuration(c.TxInactivityTimeout); err != nil {
		return fmt.Errorf("tx_inactivity_timeout: %w", err)
	}
	return nil
}

// MaxShardSizeBytes parses the human-readable size knob.
func (c *Config) MaxShardSizeBytes() (uint64, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.MaxShardSize)); err != nil {
		return 0, err
	}
	return v.Bytes(), nil
}
