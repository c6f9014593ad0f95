package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the clop client.
// It is immutable after creation via LoadConfig().
type Config struct {
	// SocketDir is the directory holding the local channel sockets
	SocketDir string `yaml:"socket_dir"`

	// ProgressDir is where the background app publishes per-file progress
	ProgressDir string `yaml:"progress_dir"`

	// App controls how the background app is launched
	App AppConfig `yaml:"app"`

	// Timeouts contains channel timeouts
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// PollInterval is how often batch completion is checked
	PollInterval string `yaml:"poll_interval"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// AppConfig describes the background app.
type AppConfig struct {
	// Command launches the app when it is not running (argv, no shell)
	Command []string `yaml:"command"`

	// SettleDelay is how long to wait after launching before probing again
	SettleDelay string `yaml:"settle_delay"`
}

// TimeoutsConfig bounds blocking channel operations.
type TimeoutsConfig struct {
	// Reply is the maximum time a blocking send waits for its reply
	Reply string `yaml:"reply"`
}

// ReplyTimeoutDuration parses the reply timeout as a Duration.
func (c *Config) ReplyTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(c.Timeouts.Reply)
}

// SettleDelayDuration parses the app settle delay as a Duration.
func (c *Config) SettleDelayDuration() (time.Duration, error) {
	return time.ParseDuration(c.App.SettleDelay)
}

// PollIntervalDuration parses the completion poll interval as a Duration.
func (c *Config) PollIntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.PollInterval)
}

// DefaultPath returns ~/.clop/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".clop", "config.yaml"), nil
}

// LoadConfig loads configuration from path.
// It applies defaults, then file values, then environment overrides,
// then expands paths and validates.
//
// A missing file is not an error; the defaults are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	var err error
	if cfg.SocketDir, err = expandHome(cfg.SocketDir); err != nil {
		return nil, err
	}
	if cfg.ProgressDir, err = expandHome(cfg.ProgressDir); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// expandHome resolves a leading "~/" against the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
