// Package config loads and merges engine configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/larrydiffey/sftpipe/pkg/chunk"
	"github.com/larrydiffey/sftpipe/pkg/pool"
	"github.com/larrydiffey/sftpipe/pkg/retry"
)

// Config represents the complete engine configuration
type Config struct {
	Queue   QueueConfig `yaml:"queue"`
	Pool    PoolConfig  `yaml:"pool"`
	Chunk   ChunkConfig `yaml:"chunk"`
	Retry   RetryConfig `yaml:"retry"`
	Hosts   string      `yaml:"hosts_file,omitempty"`   // host registry path
	History string      `yaml:"history_dir,omitempty"`  // history directory
	Verbose bool        `yaml:"verbose,omitempty"`      // debug logging
}

// QueueConfig contains scheduler settings
type QueueConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// PoolConfig contains session pool settings
type PoolConfig struct {
	MaxConnections   int `yaml:"max_connections"`
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
	IdleTimeoutMS    int `yaml:"idle_timeout_ms"`
}

// ChunkConfig contains parallel transfer settings
type ChunkConfig struct {
	Enabled        bool `yaml:"enabled"`
	ThresholdMB    int  `yaml:"threshold_mb"`
	ChunkSizeMB    int  `yaml:"chunk_size_mb"`
	MaxConcurrent  int  `yaml:"max_concurrent"`
	VerifyChecksum bool `yaml:"verify_checksum"`
	PreserveAttrs  bool `yaml:"preserve_attrs"`
}

// RetryConfig contains retry policy settings
type RetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	MaxRetries int     `yaml:"max_retries"`
	DelayMS    int     `yaml:"delay_ms"`
	Multiplier float64 `yaml:"multiplier"`
	MaxDelayMS int     `yaml:"max_delay_ms"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Queue: QueueConfig{MaxConcurrent: 3},
		Pool: PoolConfig{
			MaxConnections:   pool.DefaultMaxConnections,
			AcquireTimeoutMS: int(pool.DefaultAcquireTimeout / time.Millisecond),
			IdleTimeoutMS:    int(pool.DefaultIdleTimeout / time.Millisecond),
		},
		Chunk: ChunkConfig{
			Enabled:       true,
			ThresholdMB:   chunk.DefaultThreshold / (1024 * 1024),
			ChunkSizeMB:   chunk.DefaultChunkSize / (1024 * 1024),
			MaxConcurrent: chunk.DefaultMaxConcurrent,
			PreserveAttrs: true,
		},
		Retry: RetryConfig{
			Enabled:    true,
			MaxRetries: 3,
			DelayMS:    2000,
			Multiplier: 2.0,
			MaxDelayMS: 60000,
		},
	}
}

// DefaultPath returns the default config file location
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".sftpipe", "config.yaml"), nil
}

// Load reads a config file and merges it over the defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withEnv(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withEnv(), nil
}

// withEnv applies SFTPIPE_* environment overrides
func (c *Config) withEnv() *Config {
	c.Queue.MaxConcurrent = getEnvInt("SFTPIPE_MAX_CONCURRENT", c.Queue.MaxConcurrent)
	c.Pool.MaxConnections = getEnvInt("SFTPIPE_MAX_CONNECTIONS", c.Pool.MaxConnections)
	c.Chunk.Enabled = getEnvBool("SFTPIPE_PARALLEL", c.Chunk.Enabled)
	c.Chunk.ThresholdMB = getEnvInt("SFTPIPE_CHUNK_THRESHOLD_MB", c.Chunk.ThresholdMB)
	c.Retry.Enabled = getEnvBool("SFTPIPE_RETRY", c.Retry.Enabled)
	c.Retry.MaxRetries = getEnvInt("SFTPIPE_MAX_RETRIES", c.Retry.MaxRetries)
	c.Verbose = getEnvBool("SFTPIPE_VERBOSE", c.Verbose)
	if v := os.Getenv("SFTPIPE_HOSTS_FILE"); v != "" {
		c.Hosts = v
	}
	if v := os.Getenv("SFTPIPE_HISTORY_DIR"); v != "" {
		c.History = v
	}
	return c
}

// PoolOptions converts the pool section into pool.Options
func (c *Config) PoolOptions() pool.Options {
	return pool.Options{
		MaxConnections: c.Pool.MaxConnections,
		AcquireTimeout: time.Duration(c.Pool.AcquireTimeoutMS) * time.Millisecond,
		IdleTimeout:    time.Duration(c.Pool.IdleTimeoutMS) * time.Millisecond,
	}
}

// ChunkOptions converts the chunk section into chunk.Options
func (c *Config) ChunkOptions() chunk.Options {
	return chunk.Options{
		Enabled:        c.Chunk.Enabled,
		Threshold:      int64(c.Chunk.ThresholdMB) * 1024 * 1024,
		ChunkSize:      int64(c.Chunk.ChunkSizeMB) * 1024 * 1024,
		MaxConcurrent:  c.Chunk.MaxConcurrent,
		VerifyChecksum: c.Chunk.VerifyChecksum,
		PreserveAttrs:  c.Chunk.PreserveAttrs,
	}
}

// RetryPolicy converts the retry section into a retry.Policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Enabled:    c.Retry.Enabled,
		MaxRetries: c.Retry.MaxRetries,
		Delay:      time.Duration(c.Retry.DelayMS) * time.Millisecond,
		Multiplier: c.Retry.Multiplier,
		MaxDelay:   time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
