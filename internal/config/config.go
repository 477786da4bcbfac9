// Package config loads daemon configuration: defaults, then an optional
// YAML file named by RING_CONFIG, then RING_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	umath "github.com/yuanfeiz/protocol/internal/math"
)

// Config holds all application configuration.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Tokens      []TokenConfig     `yaml:"tokens"`
	Accounts    []AccountConfig   `yaml:"accounts"`
	Store       StoreConfig       `yaml:"store"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	NATS        NATSConfig        `yaml:"nats"`
	Server      ServerConfig      `yaml:"server"`
	Persist     PersistConfig     `yaml:"persist"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	LogLevel    string            `yaml:"log_level"`
}

type EngineConfig struct {
	Address     string `yaml:"address"`
	LrcToken    string `yaml:"lrc_token"`
	MaxRingSize int    `yaml:"max_ring_size"`
	// CV² bound on the per-order discount ratios, decimal or 0x-hex.
	RateRatioCVSThreshold string        `yaml:"rate_ratio_cvs_threshold"`
	RinghashTTL           time.Duration `yaml:"ringhash_ttl"`
	RinghashPruneInterval time.Duration `yaml:"ringhash_prune_interval"`
}

type TokenConfig struct {
	Address string `yaml:"address"`
	Symbol  string `yaml:"symbol"`
}

// AccountConfig funds an owner at startup. Balances and allowances are
// keyed by token symbol.
type AccountConfig struct {
	Owner      string            `yaml:"owner"`
	Balances   map[string]string `yaml:"balances"`
	Allowances map[string]string `yaml:"allowances"`
}

type StoreConfig struct {
	// memory or leveldb
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// PostgresConfig enables the notification log when DSN is set.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// NATSConfig enables JetStream ingestion and publishing when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

type PersistConfig struct {
	ChanSize     int           `yaml:"chan_size"`
	PublishSize  int           `yaml:"publish_chan_size"`
	BatchSize    int           `yaml:"batch_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

type IdempotencyConfig struct {
	Capacity int `yaml:"capacity"`
	WarmKeys int `yaml:"warm_keys"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxRingSize:           5,
			RateRatioCVSThreshold: "62500",
			RinghashTTL:           100 * time.Second,
			RinghashPruneInterval: 30 * time.Second,
		},
		Store:       StoreConfig{Backend: "memory", Path: "data/ringsettle"},
		Postgres:    PostgresConfig{MaxOpenConns: 20, MaxIdleConns: 10},
		Server:      ServerConfig{GRPCAddr: ":9090", HTTPAddr: ":8080"},
		Persist:     PersistConfig{ChanSize: 1024, PublishSize: 4096, BatchSize: 50, FlushTimeout: 10 * time.Millisecond},
		Idempotency: IdempotencyConfig{Capacity: 1_000_000, WarmKeys: 100_000},
		LogLevel:    "info",
	}
}

// Load reads path (RING_CONFIG when empty, skipped when both are empty)
// over the defaults, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("RING_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Engine.Address = envOrDefault("RING_ENGINE_ADDRESS", c.Engine.Address)
	c.Engine.LrcToken = envOrDefault("RING_LRC_TOKEN", c.Engine.LrcToken)
	c.Engine.MaxRingSize = envIntOrDefault("RING_MAX_RING_SIZE", c.Engine.MaxRingSize)
	c.Engine.RateRatioCVSThreshold = envOrDefault("RING_RATE_RATIO_CVS_THRESHOLD", c.Engine.RateRatioCVSThreshold)
	c.Engine.RinghashTTL = envDurationOrDefault("RING_RINGHASH_TTL", c.Engine.RinghashTTL)

	c.Store.Backend = envOrDefault("RING_STORE_BACKEND", c.Store.Backend)
	c.Store.Path = envOrDefault("RING_STORE_PATH", c.Store.Path)

	c.Postgres.DSN = envOrDefault("RING_POSTGRES_DSN", c.Postgres.DSN)
	c.NATS.URL = envOrDefault("RING_NATS_URL", c.NATS.URL)

	c.Server.GRPCAddr = envOrDefault("RING_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.HTTPAddr = envOrDefault("RING_HTTP_ADDR", c.Server.HTTPAddr)

	c.Persist.ChanSize = envIntOrDefault("RING_PERSIST_CHAN_SIZE", c.Persist.ChanSize)
	c.Persist.BatchSize = envIntOrDefault("RING_PERSIST_BATCH_SIZE", c.Persist.BatchSize)
	c.Idempotency.Capacity = envIntOrDefault("RING_IDEMPOTENCY_LRU_CAPACITY", c.Idempotency.Capacity)

	c.LogLevel = envOrDefault("RING_LOG_LEVEL", c.LogLevel)
}

// Validate checks addresses and amounts parse and the token list is
// consistent with the engine settings.
func (c *Config) Validate() error {
	var errs []error
	if !common.IsHexAddress(c.Engine.Address) {
		errs = append(errs, fmt.Errorf("engine.address %q is not a hex address", c.Engine.Address))
	}
	if !common.IsHexAddress(c.Engine.LrcToken) {
		errs = append(errs, fmt.Errorf("engine.lrc_token %q is not a hex address", c.Engine.LrcToken))
	}
	if c.Engine.MaxRingSize < 2 {
		errs = append(errs, fmt.Errorf("engine.max_ring_size %d < 2", c.Engine.MaxRingSize))
	}
	if _, err := umath.Parse(c.Engine.RateRatioCVSThreshold); err != nil {
		errs = append(errs, fmt.Errorf("engine.rate_ratio_cvs_threshold: %w", err))
	}

	symbols := make(map[string]bool, len(c.Tokens))
	lrcListed := false
	for i, t := range c.Tokens {
		if !common.IsHexAddress(t.Address) {
			errs = append(errs, fmt.Errorf("tokens[%d].address %q is not a hex address", i, t.Address))
			continue
		}
		if t.Symbol == "" {
			errs = append(errs, fmt.Errorf("tokens[%d].symbol is empty", i))
		}
		symbols[t.Symbol] = true
		if common.HexToAddress(t.Address) == common.HexToAddress(c.Engine.LrcToken) {
			lrcListed = true
		}
	}
	if len(c.Tokens) > 0 && !lrcListed {
		errs = append(errs, errors.New("tokens must include engine.lrc_token"))
	}

	for i, a := range c.Accounts {
		if !common.IsHexAddress(a.Owner) {
			errs = append(errs, fmt.Errorf("accounts[%d].owner %q is not a hex address", i, a.Owner))
		}
		for _, m := range []map[string]string{a.Balances, a.Allowances} {
			for sym, amt := range m {
				if !symbols[sym] {
					errs = append(errs, fmt.Errorf("accounts[%d]: unknown token symbol %q", i, sym))
				}
				if _, err := umath.Parse(amt); err != nil {
					errs = append(errs, fmt.Errorf("accounts[%d] %s: %w", i, sym, err))
				}
			}
		}
	}

	switch c.Store.Backend {
	case "memory":
	case "leveldb":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for leveldb"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want memory or leveldb", c.Store.Backend))
	}
	if c.Persist.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("persist.batch_size %d <= 0", c.Persist.BatchSize))
	}
	return errors.Join(errs...)
}

// EngineAddress returns the parsed engine address. Call after Validate.
func (c *Config) EngineAddress() common.Address { return common.HexToAddress(c.Engine.Address) }

// LrcTokenAddress returns the parsed fee token address.
func (c *Config) LrcTokenAddress() common.Address { return common.HexToAddress(c.Engine.LrcToken) }

// CVSThreshold returns the parsed rate-ratio threshold.
func (c *Config) CVSThreshold() uint256.Int {
	v, _ := umath.Parse(c.Engine.RateRatioCVSThreshold)
	return v
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
