// Package config loads process configuration for the engine shard,
// aggregator, and simulator CLIs from a YAML file given by path, with
// CORE_*-prefixed env var overrides; Default supplies the built-in
// defaults when no file is given.
//
// Grounded on 0xtitan6-polymarket-mm/internal/config/config.go's
// viper-based Load/Validate shape, generalized from a single
// market-maker's wallet/strategy/risk sections to this repo's
// bus/engine/marketdata/gateway sections.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration shared by cmd/engine,
// cmd/marketdata, and cmd/simclient; each binary reads only the
// sections it needs.
type Config struct {
	Bus        BusConfig        `mapstructure:"bus"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Marketdata MarketdataConfig `mapstructure:"marketdata"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BusConfig points at the Redis Streams instance backing the request
// and event buses. Addr empty means use the in-memory bus, useful for
// local exercise of the RPC contract without a live Redis.
type BusConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EngineConfig configures one matching-engine shard process.
type EngineConfig struct {
	ShardID       int           `mapstructure:"shard_id"`
	Markets       []string      `mapstructure:"markets"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
}

// MarketdataConfig configures the aggregator process.
type MarketdataConfig struct {
	DepthLevels int `mapstructure:"depth_levels"`
}

// GatewayConfig configures the WebSocket gateway's HTTP listener.
type GatewayConfig struct {
	Address  string `mapstructure:"address"`
	MaxConns int    `mapstructure:"max_conns"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads config from a YAML file with CORE_-prefixed env var
// overrides (e.g. CORE_BUS_ADDR overrides bus.addr).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config populated with the same defaults Load
// applies, for CLIs that can run from flags alone without a config
// file on disk.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.dedup_capacity", 100_000)
	v.SetDefault("engine.dedup_window", 10*time.Minute)
	v.SetDefault("marketdata.depth_levels", 50)
	v.SetDefault("gateway.address", ":8080")
	v.SetDefault("gateway.max_conns", 1024)
	v.SetDefault("logging.level", "info")
}

// Validate checks the fields required to run an engine shard process.
func (c *Config) Validate() error {
	if c.Engine.ShardID < 0 {
		return fmt.Errorf("engine.shard_id must be >= 0")
	}
	if len(c.Engine.Markets) == 0 {
		return fmt.Errorf("engine.markets must list at least one market id")
	}
	if c.Engine.DedupCapacity <= 0 {
		return fmt.Errorf("engine.dedup_capacity must be > 0")
	}
	if c.Engine.DedupWindow <= 0 {
		return fmt.Errorf("engine.dedup_window must be > 0")
	}
	return nil
}
