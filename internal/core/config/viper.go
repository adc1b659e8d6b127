package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults matching DefaultConfig
	v.SetDefault("engine.max_compiled_formulas", 1000)
	v.SetDefault("engine.max_cached_results", 5000)
	v.SetDefault("engine.max_resolution_steps", 256)
	v.SetDefault("breaker.max_fatal_errors", 5)
	v.SetDefault("breaker.max_transitory_errors", 20)
	v.SetDefault("breaker.reset_on_success", true)
	v.SetDefault("retry.enabled", false)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.on_unavailable", true)
	v.SetDefault("retry.on_unknown", true)
	v.SetDefault("retry.min_interval", "0s")
	v.SetDefault("retry.max_interval", "1s")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 50061)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.database_url", "")

	// Bind environment variables with SK_ prefix
	v.SetEnvPrefix("SK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Database URLs carry credentials and must come from the environment
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.Engine.MaxCompiledFormulas = v.GetInt("engine.max_compiled_formulas")
	cfg.Engine.MaxCachedResults = v.GetInt("engine.max_cached_results")
	cfg.Engine.MaxResolutionSteps = v.GetInt("engine.max_resolution_steps")
	cfg.Breaker.MaxFatalErrors = v.GetInt("breaker.max_fatal_errors")
	cfg.Breaker.MaxTransitoryErrors = v.GetInt("breaker.max_transitory_errors")
	cfg.Breaker.ResetOnSuccess = v.GetBool("breaker.reset_on_success")
	cfg.Retry.Enabled = v.GetBool("retry.enabled")
	cfg.Retry.MaxAttempts = v.GetInt("retry.max_attempts")
	cfg.Retry.OnUnavailable = v.GetBool("retry.on_unavailable")
	cfg.Retry.OnUnknown = v.GetBool("retry.on_unknown")
	cfg.Retry.MinInterval = v.GetDuration("retry.min_interval")
	cfg.Retry.MaxInterval = v.GetDuration("retry.max_interval")
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.RequestTimeout = v.GetDuration("server.request_timeout")
	cfg.Server.DataDir = v.GetString("server.data_dir")
	cfg.Server.DatabaseURL = v.GetString("server.database_url")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks port range and the positive engine, breaker and
// retry bounds.
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Engine.MaxCompiledFormulas < 0 {
		return fmt.Errorf("max_compiled_formulas must not be negative, got %d", cfg.Engine.MaxCompiledFormulas)
	}
	if cfg.Engine.MaxCachedResults < 0 {
		return fmt.Errorf("max_cached_results must not be negative, got %d", cfg.Engine.MaxCachedResults)
	}
	if cfg.Engine.MaxResolutionSteps <= 0 {
		return fmt.Errorf("max_resolution_steps must be positive, got %d", cfg.Engine.MaxResolutionSteps)
	}
	if cfg.Breaker.MaxFatalErrors <= 0 {
		return fmt.Errorf("max_fatal_errors must be positive, got %d", cfg.Breaker.MaxFatalErrors)
	}
	if cfg.Breaker.MaxTransitoryErrors <= 0 {
		return fmt.Errorf("max_transitory_errors must be positive, got %d", cfg.Breaker.MaxTransitoryErrors)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.MinInterval < 0 || cfg.Retry.MaxInterval < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}
	if cfg.Retry.MaxInterval < cfg.Retry.MinInterval {
		return fmt.Errorf("retry max_interval %v is below min_interval %v", cfg.Retry.MaxInterval, cfg.Retry.MinInterval)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only credentials (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("database_url") || v.InConfig("server.database_url") {
		return fmt.Errorf("database URLs not allowed in config files (use SK_SERVER_DATABASE_URL environment variable)")
	}
	return nil
}
