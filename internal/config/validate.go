package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.SocketDir == "" {
		errs = append(errs, &ValidationError{
			Field:   "socket_dir",
			Value:   cfg.SocketDir,
			Message: "must not be empty",
		})
	}

	if cfg.ProgressDir == "" {
		errs = append(errs, &ValidationError{
			Field:   "progress_dir",
			Value:   cfg.ProgressDir,
			Message: "must not be empty",
		})
	}

	if len(cfg.App.Command) == 0 || cfg.App.Command[0] == "" {
		errs = append(errs, &ValidationError{
			Field:   "app.command",
			Value:   cfg.App.Command,
			Message: "must name an executable",
		})
	}

	// Durations must parse; the settle delay may be zero, the others must be positive
	durations := []struct {
		field    string
		value    string
		positive bool
	}{
		{"app.settle_delay", cfg.App.SettleDelay, false},
		{"timeouts.reply", cfg.Timeouts.Reply, true},
		{"poll_interval", cfg.PollInterval, true},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, &ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
			continue
		}
		if parsed < 0 || (d.positive && parsed == 0) {
			errs = append(errs, &ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: "must be positive",
			})
		}
	}

	// LogLevel must be one of: debug, info, warn, error (case-sensitive)
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{
			Field:   "log_level",
			Value:   cfg.LogLevel,
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
