// Package config provides configuration management for synthkeeper services.
package config

import (
	"log/slog"
	"time"

	"github.com/solatis/synthkeeper/internal/breaker"
	"github.com/solatis/synthkeeper/internal/engine"
)

// Config holds the engine and server settings.
type Config struct {
	Engine  EngineConfig
	Breaker breaker.Config
	Retry   RetryConfig
	Server  ServerConfig
}

// EngineConfig bounds the engine caches and the resolution step budget.
type EngineConfig struct {
	MaxCompiledFormulas int // 0 = unbounded
	MaxCachedResults    int // 0 = unbounded
	MaxResolutionSteps  int
}

// RetryConfig controls opt-in retry of transitory failures.
type RetryConfig struct {
	Enabled       bool
	MaxAttempts   int
	OnUnavailable bool
	OnUnknown     bool
	MinInterval   time.Duration
	MaxInterval   time.Duration
}

// ServerConfig holds configuration for the gRPC formula service.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	DataDir        string
	DatabaseURL    string // environment only; empty selects sqlite under DataDir
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxCompiledFormulas: 1000,
			MaxCachedResults:    5000,
			MaxResolutionSteps:  256,
		},
		Breaker: breaker.DefaultConfig(),
		Retry: RetryConfig{
			MaxAttempts:   3,
			OnUnavailable: true,
			OnUnknown:     true,
			MaxInterval:   time.Second,
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50061,
			RequestTimeout: 30 * time.Second,
			DataDir:        "./data",
		},
	}
}

// EngineOptions translates the settings into engine options. The retry
// policy is only installed when enabled.
func (c *Config) EngineOptions(logger *slog.Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithCacheSizes(c.Engine.MaxCompiledFormulas, c.Engine.MaxCachedResults),
		engine.WithMaxResolutionSteps(c.Engine.MaxResolutionSteps),
		engine.WithBreaker(c.Breaker),
	}
	if c.Retry.Enabled {
		opts = append(opts, engine.WithRetry(&breaker.Retry{
			MaxAttempts:        uint64(c.Retry.MaxAttempts),
			RetryOnUnavailable: c.Retry.OnUnavailable,
			RetryOnUnknown:     c.Retry.OnUnknown,
			MinInterval:        c.Retry.MinInterval,
			MaxInterval:        c.Retry.MaxInterval,
			Logger:             logger,
		}))
	}
	return opts
}
