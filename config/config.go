// Package config centralises runtime configuration for the event bus.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTopicCount is the number of topic ids available when unset.
	DefaultTopicCount = 64
	// DefaultInboxDepth bounds the dispatcher command inbox when unset.
	DefaultInboxDepth = 16
	// MinPoolBlockSize is the smallest legal pool block: the free-list link
	// occupies the first word of every free block.
	MinPoolBlockSize = 8
)

// PoolConfig sizes one fixed-block pool.
type PoolConfig struct {
	BlockSize  int `yaml:"blockSize"`
	BlockCount int `yaml:"blockCount"`
}

// PoolsConfig sizes the three envelope pools.
type PoolsConfig struct {
	Small  PoolConfig `yaml:"small"`
	Medium PoolConfig `yaml:"medium"`
	Large  PoolConfig `yaml:"large"`
}

// TelemetryConfig configures OpenTelemetry metric export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"serviceName"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Config is the bus configuration tree loaded from defaults and overrides.
type Config struct {
	TopicCount int             `yaml:"topicCount"`
	InboxDepth int             `yaml:"inboxDepth"`
	Pools      PoolsConfig     `yaml:"pools"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default bus configuration.
func Default() Config {
	return Config{
		TopicCount: DefaultTopicCount,
		InboxDepth: DefaultInboxDepth,
		Pools: PoolsConfig{
			Small:  PoolConfig{BlockSize: 64, BlockCount: 32},
			Medium: PoolConfig{BlockSize: 256, BlockCount: 16},
			Large:  PoolConfig{BlockSize: 1024, BlockCount: 8},
		},
		Telemetry: TelemetryConfig{ServiceName: "evbus", OTLPEndpoint: ""},
	}
}

// Normalize fills unset fields with defaults and returns the updated config.
func (c Config) Normalize() Config {
	def := Default()
	if c.TopicCount <= 0 {
		c.TopicCount = def.TopicCount
	}
	if c.InboxDepth <= 0 {
		c.InboxDepth = def.InboxDepth
	}
	if c.Pools.Small.BlockSize <= 0 && c.Pools.Small.BlockCount <= 0 {
		c.Pools.Small = def.Pools.Small
	}
	if c.Pools.Medium.BlockSize <= 0 && c.Pools.Medium.BlockCount <= 0 {
		c.Pools.Medium = def.Pools.Medium
	}
	if c.Pools.Large.BlockSize <= 0 && c.Pools.Large.BlockCount <= 0 {
		c.Pools.Large = def.Pools.Large
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	return c
}

// Validate checks structural invariants the bus depends on.
func (c Config) Validate() error {
	if c.TopicCount <= 0 || c.TopicCount%32 != 0 {
		return fmt.Errorf("topicCount must be a positive multiple of 32, got %d", c.TopicCount)
	}
	if c.InboxDepth <= 0 {
		return fmt.Errorf("inboxDepth must be > 0, got %d", c.InboxDepth)
	}
	tiers := []struct {
		name string
		cfg  PoolConfig
	}{
		{"small", c.Pools.Small},
		{"medium", c.Pools.Medium},
		{"large", c.Pools.Large},
	}
	for _, tier := range tiers {
		if tier.cfg.BlockSize < MinPoolBlockSize {
			return fmt.Errorf("pools.%s.blockSize must be >= %d, got %d", tier.name, MinPoolBlockSize, tier.cfg.BlockSize)
		}
		if tier.cfg.BlockCount <= 0 {
			return fmt.Errorf("pools.%s.blockCount must be > 0, got %d", tier.name, tier.cfg.BlockCount)
		}
	}
	if c.Pools.Small.BlockSize > c.Pools.Medium.BlockSize || c.Pools.Medium.BlockSize > c.Pools.Large.BlockSize {
		return fmt.Errorf("pool block sizes must be ascending: small=%d medium=%d large=%d",
			c.Pools.Small.BlockSize, c.Pools.Medium.BlockSize, c.Pools.Large.BlockSize)
	}
	return nil
}

// Load reads a yaml configuration file, applies defaults, and validates it.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}
