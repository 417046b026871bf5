package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// TIMER_TICK_INTERVAL must be a valid positive duration
	if cfg.TimerTickIntervalStr != "" {
		d, err := time.ParseDuration(cfg.TimerTickIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "TIMER_TICK_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "TIMER_TICK_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	// POLL_INTERVAL must be a valid positive duration
	if cfg.PollIntervalStr != "" {
		d, err := time.ParseDuration(cfg.PollIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "POLL_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "POLL_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	// ANALYTICS_WINDOW must be a supported bucket size
	switch cfg.AnalyticsWindow {
	case "", "minute", "5min", "hour":
	default:
		errs = append(errs, ValidationError{
			Field:   "ANALYTICS_WINDOW",
			Message: fmt.Sprintf("must be 'minute', '5min' or 'hour', got %q", cfg.AnalyticsWindow),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
