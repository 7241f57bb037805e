package cache

import (
	"fmt"
	"time"
)

// RedisConfig holds Redis connection settings. Zero fields take defaults.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	PoolTimeout  time.Duration
	DialTimeout  time.Duration
	// Prefix namespaces every key so several deployments can share one Redis.
	Prefix string
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = 2
	}
	if c.PoolTimeout <= 0 {
		c.PoolTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "coordscope"
	}
	return c
}

func (c RedisConfig) validate() error {
	if c.DB < 0 {
		return fmt.Errorf("redis db %d is negative", c.DB)
	}
	if c.MinIdleConns > c.PoolSize {
		return fmt.Errorf("redis min idle %d exceeds pool size %d", c.MinIdleConns, c.PoolSize)
	}
	return nil
}

// MemoryOption configures Memory cache.
type MemoryOption func(*MemoryConfig)

// MemoryConfig holds memory cache configuration.
type MemoryConfig struct {
	MaxSize         int
	CleanupInterval time.Duration
}

// WithMemoryMaxSize bounds the entry count; the least recently used entry is evicted first.
func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) {
		if size > 0 {
			c.MaxSize = size
		}
	}
}

// WithMemoryCleanup sets how often expired entries are swept.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) {
		if interval > 0 {
			c.CleanupInterval = interval
		}
	}
}

// LayeredOption configures Layered cache.
type LayeredOption func(*LayeredConfig)

// LayeredConfig holds layered cache configuration.
type LayeredConfig struct {
	L1Size int
	// L1TTL bounds how long a replica may serve a value without consulting L2.
	L1TTL time.Duration
}

func WithL1Size(size int) LayeredOption {
	return func(c *LayeredConfig) {
		if size > 0 {
			c.L1Size = size
		}
	}
}

func WithL1TTL(ttl time.Duration) LayeredOption {
	return func(c *LayeredConfig) {
		if ttl > 0 {
			c.L1TTL = ttl
		}
	}
}
