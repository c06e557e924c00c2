// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for driftfs
// commands.
//
// Configuration is loaded from a single YAML file specified by:
//   - DRIFTFS_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for driftfs.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Overlay configures the working-copy overlay store.
	Overlay OverlayConfig `yaml:"overlay"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for driftfs data.
	Root string `yaml:"root"`

	// Overlay is where overlay state lives: the record tree for the
	// fs backend, or the database file's directory for sqlite.
	Overlay string `yaml:"overlay"`
}

// OverlayConfig configures the overlay store.
type OverlayConfig struct {
	// Backend selects the persistence layer: "fs" (one record file
	// per inode) or "sqlite" (single database). Default: fs.
	Backend string `yaml:"backend"`

	// Compression selects at-rest compression for the fs backend:
	// "none", "lz4", or "zstd". Ignored by the sqlite backend.
	// Default: lz4.
	Compression string `yaml:"compression"`

	// SQLitePoolSize is the connection pool size for the sqlite
	// backend. Zero selects the pool's default.
	SQLitePoolSize int `yaml:"sqlite_pool_size"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum level emitted: "debug", "info", "warn",
	// or "error". Default: info.
	Level string `yaml:"level"`
}

// Default returns the default configuration. These defaults are the
// base before loading the config file; the file is still required
// for [Load].
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "driftfs")

	return &Config{
		Paths: PathsConfig{
			Root:    defaultRoot,
			Overlay: filepath.Join(defaultRoot, "overlay"),
		},
		Overlay: OverlayConfig{
			Backend:     "fs",
			Compression: "lz4",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the DRIFTFS_CONFIG environment
// variable. There are no fallbacks: if DRIFTFS_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("DRIFTFS_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DRIFTFS_CONFIG environment variable not set; " +
			"set it to the path of your driftfs.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override its values. The only expansion performed is ${HOME} in
// paths, for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no command could act
// on.
func (c *Config) Validate() error {
	switch c.Overlay.Backend {
	case "fs", "sqlite":
	default:
		return fmt.Errorf("overlay.backend %q is not one of fs, sqlite", c.Overlay.Backend)
	}
	switch c.Overlay.Compression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("overlay.compression %q is not one of none, lz4, zstd", c.Overlay.Compression)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Overlay.SQLitePoolSize < 0 {
		return fmt.Errorf("overlay.sqlite_pool_size %d is negative", c.Overlay.SQLitePoolSize)
	}
	if c.Paths.Overlay == "" {
		return fmt.Errorf("paths.overlay is empty")
	}
	return nil
}

// expandVariables substitutes ${HOME} in path fields.
func (c *Config) expandVariables() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(path *string) {
		*path = strings.ReplaceAll(*path, "${HOME}", homeDir)
	}
	expand(&c.Paths.Root)
	expand(&c.Paths.Overlay)
}
