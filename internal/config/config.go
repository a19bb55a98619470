// Package config loads the tool's connection settings from a YAML file and
// fills in the defaults a fresh install expects.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultNode    = "pve"
	DefaultPool    = "local"
	DefaultSnippet = "local"
	DefaultBridge  = "vmbr0"
)

// Config carries everything needed to reach a hypervisor node and place
// artifacts. TokenSecret is a credential and must never be logged.
type Config struct {
	// Endpoint is the API base URL, e.g. "https://pve.example:8006".
	Endpoint    string `yaml:"endpoint"`
	TokenID     string `yaml:"token_id"`
	TokenSecret string `yaml:"token_secret"`

	// Node is the cluster node templates are created on.
	Node string `yaml:"node,omitempty"`

	// DefaultPool receives imported disks when no pool advertising image
	// content is found.
	DefaultPool string `yaml:"default_pool,omitempty"`
	// SnippetStorage receives compiled first-boot payloads.
	SnippetStorage string `yaml:"snippet_storage,omitempty"`

	Bridge   string `yaml:"bridge,omitempty"`
	CacheDir string `yaml:"cache_dir,omitempty"`

	// MinPasswordLength overrides the guided-password policy. Zero keeps the
	// built-in default, a negative value disables the check.
	MinPasswordLength int `yaml:"min_password_length,omitempty"`

	// InsecureTLS skips certificate verification, for lab nodes with
	// self-signed certificates.
	InsecureTLS bool `yaml:"insecure_tls,omitempty"`
}

// DefaultPath returns the per-user config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stencil.yaml"
	}
	return filepath.Join(home, ".config", "stencil", "config.yaml")
}

// Load reads the config file at path, rejects unknown keys, and applies
// defaults for unset optional fields.
func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node == "" {
		c.Node = DefaultNode
	}
	if c.DefaultPool == "" {
		c.DefaultPool = DefaultPool
	}
	if c.SnippetStorage == "" {
		c.SnippetStorage = DefaultSnippet
	}
	if c.Bridge == "" {
		c.Bridge = DefaultBridge
	}
	if c.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.CacheDir = filepath.Join(dir, "stencil", "images")
		} else {
			c.CacheDir = "images"
		}
	}
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint is required")
	}
	if c.TokenID == "" || c.TokenSecret == "" {
		return fmt.Errorf("config: token_id and token_secret are required")
	}
	return nil
}
