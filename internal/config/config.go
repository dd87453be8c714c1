package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"pylon/internal/logger"
	"pylon/internal/models"
)

const (
	DefaultLocalPort       = 6989
	DefaultPollInterval    = 10
	DefaultPollTimeout     = 5
	DefaultPollConcurrency = 1
	DefaultMetricsInterval = 1
)

var (
	ErrMissingToken    = errors.New("configuration must define a token")
	ErrPeerMissingHost = errors.New("remote pylon is missing ip")
	ErrPeerMissingPort = errors.New("remote pylon is missing port")
)

// Config represents configuration data for a pylon instance.
type Config struct {
	LocalPort       uint16                  `yaml:"local_port"`
	AdvertiseHost   string                  `yaml:"advertise_host"`
	Token           string                  `yaml:"token"`
	Name            string                  `yaml:"name"`
	Description     string                  `yaml:"description"`
	Location        string                  `yaml:"location"`
	RemotePylons    []models.PeerDescriptor `yaml:"remote_pylons"`
	PollIntervalSec int                     `yaml:"poll_interval_seconds"`
	PollTimeoutSec  int                     `yaml:"poll_timeout_seconds"`
	PollConcurrency int                     `yaml:"poll_concurrency"`
	// MaxDiscoveredPeers caps gossip-learned peers. Zero leaves it unbounded.
	MaxDiscoveredPeers int           `yaml:"max_discovered_peers"`
	MetricsIntervalSec int           `yaml:"metrics_interval_seconds"`
	Logging            logger.Config `yaml:"logging"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		LocalPort:          DefaultLocalPort,
		Token:              "default_token",
		Name:               "Local Pylon",
		PollIntervalSec:    DefaultPollInterval,
		PollTimeoutSec:     DefaultPollTimeout,
		PollConcurrency:    DefaultPollConcurrency,
		MetricsIntervalSec: DefaultMetricsInterval,
		Logging:            logger.Config{Level: "info"},
	}
}

// PollInterval is the pause between two peer polling cycles.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// PollTimeout bounds a single peer request.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSec) * time.Second
}

// MetricsInterval is the local host metrics refresh period.
func (c Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSec) * time.Second
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	return Parse(content)
}

// Parse decodes, normalises and validates yaml content.
func Parse(content []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	defaults := DefaultConfig()
	if c.LocalPort == 0 {
		c.LocalPort = defaults.LocalPort
	}
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = DefaultPollInterval
	}
	if c.PollTimeoutSec <= 0 {
		c.PollTimeoutSec = DefaultPollTimeout
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = DefaultPollConcurrency
	}
	if c.MaxDiscoveredPeers < 0 {
		c.MaxDiscoveredPeers = 0
	}
	if c.MetricsIntervalSec <= 0 {
		c.MetricsIntervalSec = DefaultMetricsInterval
	}
}

// Validate reports the first structural problem in the configuration.
func (c Config) Validate() error {
	if c.Token == "" {
		return ErrMissingToken
	}
	for i, peer := range c.RemotePylons {
		if peer.Host == "" {
			return fmt.Errorf("remote pylon %d: %w", i, ErrPeerMissingHost)
		}
		if peer.Port == 0 {
			return fmt.Errorf("remote pylon %s: %w", peer.Host, ErrPeerMissingPort)
		}
	}
	return nil
}

// Save writes cfg to path, replacing the previous file atomically.
func Save(path string, cfg Config) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure config directory: %w", err)
		}
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}

// EnsureExists writes the default configuration when path is absent.
// It reports whether a file was created.
func EnsureExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := Save(path, DefaultConfig()); err != nil {
		return false, err
	}
	return true, nil
}
