// Package config loads the server configuration from a JSON file (or the
// VX_CONFIG environment variable) and applies VX_* environment overrides on
// top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/vxchat/vxnode/pkg/protocol"
)

const ConfigFileName = "config.json"

// StorageConfig selects and parameterizes the message store backend.
type StorageConfig struct {
	Driver       string `json:"driver" env:"VX_STORAGE_DRIVER"` // "sqlite" or "postgres"
	Path         string `json:"path" env:"VX_STORAGE_PATH"`     // sqlite database file
	DatabaseURL  string `json:"database_url" env:"VX_DATABASE_URL"`
	MaxIdleConns int    `json:"max_idle_conns,omitempty" env:"VX_STORAGE_MAX_IDLE_CONNS"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" env:"VX_STORAGE_MAX_OPEN_CONNS"`
}

// Config is the full server configuration.
type Config struct {
	ServerName string             `json:"server_name" env:"VX_SERVER_NAME"`
	ServerID   string             `json:"server_id" env:"VX_SERVER_ID"`
	ServerKey  string             `json:"server_key" env:"VX_SERVER_KEY"`
	Port       int                `json:"port" env:"VX_PORT"`
	PluginPort int                `json:"plugin_port" env:"VX_PLUGIN_PORT"`
	AuthURL    string             `json:"auth_url" env:"VX_AUTH_URL"`
	Channels   []protocol.Channel `json:"channels"`
	Storage    StorageConfig      `json:"storage"`
}

// DefaultConfig returns the configuration written on first start.
func DefaultConfig() *Config {
	return &Config{
		ServerName: "Server Name",
		ServerID:   "important",
		ServerKey:  "important",
		Port:       7080,
		PluginPort: 7243,
		AuthURL:    "https://vxchat.netlify.app/api/auth",
		Channels:   []protocol.Channel{},
		Storage: StorageConfig{
			Driver:       "sqlite",
			Path:         "main.db",
			MaxIdleConns: 5,
			MaxOpenConns: 25,
		},
	}
}

// Load resolves the configuration for a server rooted at root. Order:
// VX_CONFIG (inline JSON), then root/config.json, then defaults persisted to
// that file. VX_* overrides are applied last in every case.
func Load(root string) (*Config, error) {
	cfg := DefaultConfig()

	if inline := os.Getenv("VX_CONFIG"); inline != "" {
		if err := json.Unmarshal([]byte(inline), cfg); err != nil {
			return nil, fmt.Errorf("parse VX_CONFIG: %w", err)
		}
		return applyEnv(cfg)
	}

	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return applyEnv(cfg)
}

// Save writes the configuration as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PluginPort <= 0 || c.PluginPort > 65535 {
		return fmt.Errorf("invalid plugin port %d", c.PluginPort)
	}
	if c.Port == c.PluginPort {
		return fmt.Errorf("port and plugin_port must differ (both %d)", c.Port)
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func applyEnv(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	return cfg, nil
}
