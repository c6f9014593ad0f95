package config

import (
	"os"
	"strings"
)

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "CLOP_SOCKET_DIR",
		apply: func(c *Config, v string) {
			c.SocketDir = v
		},
	},
	{
		envVar: "CLOP_PROGRESS_DIR",
		apply: func(c *Config, v string) {
			c.ProgressDir = v
		},
	},
	{
		// Whitespace separated argv, e.g. "open -g -a Clop".
		envVar: "CLOP_APP_COMMAND",
		apply: func(c *Config, v string) {
			c.App.Command = strings.Fields(v)
		},
	},
	{
		envVar: "CLOP_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
