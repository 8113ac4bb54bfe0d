// Package config provides configuration loading for dialectd.
//
// Configuration is loaded from a YAML file, then overridden by
// environment variables, with hardcoded defaults underneath.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/dialect"
	"github.com/fyrsmithlabs/dialectd/internal/discovery"
	"github.com/fyrsmithlabs/dialectd/internal/effectiveness"
	"github.com/fyrsmithlabs/dialectd/internal/logging"
	"github.com/fyrsmithlabs/dialectd/internal/persistence"
)

// Config holds the complete dialectd configuration.
type Config struct {
	Server        ServerConfig         `koanf:"server"`
	Logging       logging.Config       `koanf:"logging"`
	NATS          NATSConfig           `koanf:"nats"`
	Events        EventsConfig         `koanf:"events"`
	Discovery     discovery.Config     `koanf:"discovery"`
	Effectiveness effectiveness.Config `koanf:"effectiveness"`
	Cache         cache.Config         `koanf:"cache"`
	Dialect       dialect.Config       `koanf:"dialect"`
	Persistence   persistence.Config   `koanf:"persistence"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds the optional NATS event mirror configuration.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// EventsConfig holds notification bus configuration.
type EventsConfig struct {
	Buffer int `koanf:"buffer"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8585,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: *logging.NewDefaultConfig(),
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
		},
		Events: EventsConfig{
			Buffer: 128,
		},
		Discovery:     discovery.DefaultConfig(),
		Effectiveness: effectiveness.DefaultConfig(),
		Cache:         cache.DefaultConfig(),
		Dialect:       dialect.DefaultConfig(),
		Persistence:   defaultPersistence(),
	}
}

func defaultPersistence() persistence.Config {
	cfg := persistence.DefaultConfig()
	cfg.Dir = defaultJournalDir()
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}
	if c.Events.Buffer < 1 {
		return fmt.Errorf("events buffer must be positive, got %d", c.Events.Buffer)
	}

	if c.Discovery.WindowSize < 2 {
		return fmt.Errorf("discovery window size must be at least 2, got %d", c.Discovery.WindowSize)
	}
	if c.Discovery.MinOccurrences < 1 {
		return fmt.Errorf("discovery min occurrences must be positive, got %d", c.Discovery.MinOccurrences)
	}
	if c.Discovery.ConfidenceThreshold < 0 || c.Discovery.ConfidenceThreshold > 1 {
		return fmt.Errorf("discovery confidence threshold must be in [0,1], got %g", c.Discovery.ConfidenceThreshold)
	}

	if c.Effectiveness.WindowSize < 2 {
		return fmt.Errorf("effectiveness window size must be at least 2, got %d", c.Effectiveness.WindowSize)
	}
	if c.Effectiveness.DecayFactor <= 0 || c.Effectiveness.DecayFactor > 1 {
		return fmt.Errorf("effectiveness decay factor must be in (0,1], got %g", c.Effectiveness.DecayFactor)
	}

	if c.Cache.MaxHotPatterns < 1 {
		return fmt.Errorf("cache max hot patterns must be positive, got %d", c.Cache.MaxHotPatterns)
	}
	if c.Cache.MaxPhonemes < 1 {
		return fmt.Errorf("cache max phonemes must be positive, got %d", c.Cache.MaxPhonemes)
	}

	if c.Dialect.TTL <= 0 {
		return errors.New("dialect ttl must be positive")
	}
	if c.Dialect.AmplitudeTolerance < 0 {
		return fmt.Errorf("dialect amplitude tolerance cannot be negative, got %g", c.Dialect.AmplitudeTolerance)
	}

	if c.Persistence.Enabled {
		if c.Persistence.Dir == "" {
			return errors.New("persistence dir required when persistence is enabled")
		}
		if c.Persistence.BatchSize < 1 {
			return fmt.Errorf("persistence batch size must be positive, got %d", c.Persistence.BatchSize)
		}
	}

	return nil
}
