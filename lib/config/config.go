// Copyright 2026 The Graffiti Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Graffiti clients.
//
// Configuration is loaded from a single YAML file specified by the
// GRAFFITI_CONFIG environment variable or an explicit path. There is
// no automatic file discovery: an unset variable yields Default(), and
// a named file that is missing is an error, so the effective
// configuration is always auditable.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted by LoadFromEnv.
const EnvVar = "GRAFFITI_CONFIG"

// Config is the process-wide client configuration.
type Config struct {
	// DefaultInboxEndpoints lists public inboxes queried for
	// anonymous reads (get/discover without a session).
	DefaultInboxEndpoints []string `yaml:"default_inbox_endpoints"`

	// IdentityCreatorEndpoint is shown by login surfaces for actors
	// that do not have an identity yet. The protocol layer does not
	// otherwise consult it.
	IdentityCreatorEndpoint string `yaml:"identity_creator_endpoint"`

	// CachePath is the inbox cache database file. Empty means the
	// cache is kept in memory only.
	CachePath string `yaml:"cache_path"`

	// SessionStorePath is the sealed session store file. Empty means
	// sessions are not persisted.
	SessionStorePath string `yaml:"session_store_path"`
}

// Default returns the configuration used when no file is given: no
// public inboxes, in-memory cache, no persistence.
func Default() Config {
	return Config{}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by GRAFFITI_CONFIG, or returns
// Default() when the variable is unset.
func LoadFromEnv() (Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c Config) validate() error {
	for _, endpoint := range c.DefaultInboxEndpoints {
		if endpoint == "" {
			return fmt.Errorf("default_inbox_endpoints contains an empty entry")
		}
	}
	if c.CachePath != "" && !filepath.IsAbs(c.CachePath) {
		return fmt.Errorf("cache_path must be absolute, got %q", c.CachePath)
	}
	if c.SessionStorePath != "" && !filepath.IsAbs(c.SessionStorePath) {
		return fmt.Errorf("session_store_path must be absolute, got %q", c.SessionStorePath)
	}
	return nil
}
