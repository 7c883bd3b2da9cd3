// Package config loads node settings from YAML.
//
// Unset fields keep the values from Default, so a config file only needs to
// name what it changes:
//
//	listen_addr: 0.0.0.0:4001
//	identity_path: /var/lib/p2pnode/identity.key
//	muxers: [/mplex/6.7.0, /yamux/1.0.0]
//	upgrade_timeout: 10s
//	log_level: debug
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/p2pconn/muxer"
)

var (
	// ErrUnknownMuxer indicates a muxer ID with no adapter.
	ErrUnknownMuxer = errors.New("unknown stream muxer")
	// ErrNoMuxers indicates an empty muxer list.
	ErrNoMuxers = errors.New("at least one stream muxer is required")
	// ErrInvalidTimeout indicates a non-positive upgrade timeout.
	ErrInvalidTimeout = errors.New("upgrade timeout must be positive")
)

// Config holds the settings of one node.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	IdentityPath   string        `yaml:"identity_path"`
	Muxers         []string      `yaml:"muxers"`
	UpgradeTimeout time.Duration `yaml:"upgrade_timeout"`
	Prologue       string        `yaml:"prologue"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:     "127.0.0.1:4001",
		IdentityPath:   "identity.key",
		Muxers:         []string{muxer.YamuxID, muxer.MplexID},
		UpgradeTimeout: 15 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if len(c.Muxers) == 0 {
		return ErrNoMuxers
	}
	seen := make(map[string]bool, len(c.Muxers))
	for _, id := range c.Muxers {
		switch id {
		case muxer.YamuxID, muxer.MplexID:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownMuxer, id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate stream muxer %q", id)
		}
		seen[id] = true
	}
	if c.UpgradeTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
