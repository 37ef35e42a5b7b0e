package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmadden91/tablesync/go/internal/engine"
	"github.com/jmadden91/tablesync/go/internal/transport"
)

// duration accepts both duration strings ("30s") and raw nanosecond integers
// in yaml, since yaml.v3 only decodes the latter into time.Duration.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

type Config struct {
	Session struct {
		ID string `yaml:"id"`
	} `yaml:"session"`
	Transport struct {
		Kind string `yaml:"kind"` // "websocket" or "nats"
		URL  string `yaml:"url"`
	} `yaml:"transport"`
	Queue struct {
		GameActionTTL duration `yaml:"game_action_ttl"`
		ChatTTL       duration `yaml:"chat_ttl"`
		MaxAttempts   int      `yaml:"max_attempts"`
	} `yaml:"queue"`
	Reconnect struct {
		InitialDelay duration `yaml:"initial_delay"`
		MaxDelay     duration `yaml:"max_delay"`
		MaxAttempts  int      `yaml:"max_attempts"`
	} `yaml:"reconnect"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	LogLevel string `yaml:"log_level"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Env vars override file values.
	config.Session.ID = getEnv("TABLESYNC_SESSION_ID", config.Session.ID)
	config.Transport.Kind = getEnv("TABLESYNC_TRANSPORT", defaultString(config.Transport.Kind, "websocket"))
	config.Transport.URL = getEnv("TABLESYNC_URL", config.Transport.URL)
	config.HTTP.Addr = getEnv("TABLESYNC_HTTP_ADDR", defaultString(config.HTTP.Addr, ":8090"))
	config.LogLevel = getEnv("TABLESYNC_LOG_LEVEL", defaultString(config.LogLevel, "info"))
	if config.Reconnect.MaxAttempts == 0 {
		config.Reconnect.MaxAttempts = getEnvAsInt("TABLESYNC_RECONNECT_MAX_ATTEMPTS", 0)
	}

	if config.Session.ID == "" {
		return nil, fmt.Errorf("session id is required (TABLESYNC_SESSION_ID)")
	}
	if config.Transport.URL == "" {
		return nil, fmt.Errorf("transport url is required (TABLESYNC_URL)")
	}
	return &config, nil
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Config) engineConfig() engine.Config {
	cfg := engine.DefaultConfig(c.Session.ID)
	if c.Queue.GameActionTTL > 0 {
		cfg.Queue.GameActionTTL = time.Duration(c.Queue.GameActionTTL)
	}
	if c.Queue.ChatTTL > 0 {
		cfg.Queue.ChatTTL = time.Duration(c.Queue.ChatTTL)
	}
	if c.Queue.MaxAttempts > 0 {
		cfg.Queue.MaxAttempts = c.Queue.MaxAttempts
	}
	if c.Reconnect.InitialDelay > 0 {
		cfg.Reconnect.InitialDelay = time.Duration(c.Reconnect.InitialDelay)
	}
	if c.Reconnect.MaxDelay > 0 {
		cfg.Reconnect.MaxDelay = time.Duration(c.Reconnect.MaxDelay)
	}
	if c.Reconnect.MaxAttempts > 0 {
		cfg.Reconnect.MaxAttempts = c.Reconnect.MaxAttempts
	}
	return cfg
}

func (c *Config) buildTransport() (transport.Transport, error) {
	switch c.Transport.Kind {
	case "websocket":
		return transport.NewWebSocketTransport(transport.DefaultWebSocketConfig(c.Transport.URL)), nil
	case "nats":
		natsCfg := transport.DefaultNATSConfig()
		natsCfg.URL = c.Transport.URL
		return transport.NewNATSTransport(natsCfg), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %s", c.Transport.Kind)
	}
}
