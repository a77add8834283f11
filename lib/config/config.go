// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Weft components.
//
// Configuration is loaded from a single file specified by:
//   - WEFT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Weft.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Identity names the local Matrix device the machine runs as.
	Identity IdentityConfig `yaml:"identity"`

	// Crypto configures the encryption machine.
	Crypto CryptoConfig `yaml:"crypto"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths  *PathsConfig  `yaml:"paths,omitempty"`
	Crypto *CryptoConfig `yaml:"crypto,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Weft data.
	Root string `yaml:"root"`

	// State is where runtime state is stored, including the crypto
	// store database.
	State string `yaml:"state"`
}

// IdentityConfig names the local device.
type IdentityConfig struct {
	// UserID is the full Matrix user ID (e.g. "@bot:example.org").
	UserID string `yaml:"user_id"`

	// DeviceID is the stable device identifier registered with the
	// homeserver.
	DeviceID string `yaml:"device_id"`
}

// CryptoConfig configures the encryption machine.
type CryptoConfig struct {
	// StorePath is the SQLite crypto store file.
	// Default: ${WEFT_ROOT}/state/crypto.db
	StorePath string `yaml:"store_path"`

	// PolicyFile is an optional YAML policy file with rotation and
	// key-management thresholds. Empty means built-in defaults.
	PolicyFile string `yaml:"policy_file"`

	// PickleKeyFile is the file holding the key that encrypts ratchet
	// state at rest. Required outside development.
	PickleKeyFile string `yaml:"pickle_key_file"`

	// PoolSize is the SQLite connection pool size.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "weft")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: filepath.Join(defaultRoot, "state"),
		},
		Crypto: CryptoConfig{
			StorePath: filepath.Join(defaultRoot, "state", "crypto.db"),
			PoolSize:  4,
		},
	}
}

// Load loads configuration from the WEFT_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if WEFT_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no
// hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("WEFT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WEFT_CONFIG environment variable not set; " +
			"set it to the path of your weft.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values - this ensures deterministic, auditable
// configuration. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Crypto != nil {
		if overrides.Crypto.StorePath != "" {
			c.Crypto.StorePath = overrides.Crypto.StorePath
		}
		if overrides.Crypto.PolicyFile != "" {
			c.Crypto.PolicyFile = overrides.Crypto.PolicyFile
		}
		if overrides.Crypto.PickleKeyFile != "" {
			c.Crypto.PickleKeyFile = overrides.Crypto.PickleKeyFile
		}
		if overrides.Crypto.PoolSize != 0 {
			c.Crypto.PoolSize = overrides.Crypto.PoolSize
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"WEFT_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["WEFT_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Crypto.StorePath = expandVars(c.Crypto.StorePath, vars)
	c.Crypto.PolicyFile = expandVars(c.Crypto.PolicyFile, vars)
	c.Crypto.PickleKeyFile = expandVars(c.Crypto.PickleKeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if c.Crypto.StorePath == "" {
		errs = append(errs, fmt.Errorf("crypto.store_path is required"))
	}

	if c.Crypto.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("crypto.pool_size must not be negative"))
	}

	if c.Environment == Production && c.Crypto.PickleKeyFile == "" {
		errs = append(errs, fmt.Errorf("crypto.pickle_key_file is required in production"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		filepath.Dir(c.Crypto.StorePath),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
