// Package config provides configuration management for the key-value store.
// It loads settings from an optional YAML file and a `.env` file, with
// thread-safe singleton access, the way the teacher project's own config
// package does.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds all application configuration values.
type Config struct {
	DataDir             string `yaml:"data_dir"`             // Directory where current.log/compact.log/.lock live
	CompactionThreshold uint32 `yaml:"compaction_threshold"` // Obsolete-entry count that triggers compaction
	SyncOnWrite         bool   `yaml:"sync_on_write"`        // fsync after every append; off by default per spec
	LogLevel            string `yaml:"log_level"`            // slog level name: debug, info, warn, error
}

// DefaultConfig returns the configuration used when no config file is
// present. THRESHOLD = 1000 is policy, per spec, not contract.
func DefaultConfig() *Config {
	return &Config{
		DataDir:             "data",
		CompactionThreshold: 1000,
		SyncOnWrite:         false,
		LogLevel:            "info",
	}
}

// ConfigPathEnv names the environment variable that overrides the default
// config file location. Unset or pointing at a missing file is not an
// error — DefaultConfig is used instead.
const ConfigPathEnv = "CASKDB_CONFIG"

var (
	appConfig *Config
	once      sync.Once
	initErr   error
)

// LoadConfig loads .env (if present) then an optional YAML config file,
// falling back to DefaultConfig for anything not overridden. It uses a
// sync.Once so repeated calls within a process are cheap and consistent.
func LoadConfig() (*Config, error) {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found or error loading it", "error", err)
		} else {
			slog.Debug("config: .env file loaded successfully")
		}

		cfg := DefaultConfig()

		path := os.Getenv(ConfigPathEnv)
		if path == "" {
			path = "config.yml"
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Debug("config: no config file found, using defaults", "path", path)
				appConfig = cfg
				return
			}
			initErr = fmt.Errorf("config: reading %s: %w", path, err)
			return
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
			initErr = fmt.Errorf("config: parsing %s: %w", path, err)
			return
		}
		appConfig = cfg
	})
	if initErr != nil {
		return nil, initErr
	}
	return appConfig, nil
}

// GetConfig returns the singleton configuration instance. Panics if
// LoadConfig has not yet succeeded — mirrors the teacher's own contract
// that GetConfig is only valid after a successful LoadConfig.
func GetConfig() *Config {
	if appConfig == nil {
		panic("config: not loaded - call LoadConfig() first")
	}
	return appConfig
}
