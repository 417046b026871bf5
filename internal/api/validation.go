package api

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/cron"
)

func validateCreateArea(req CreateAreaRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if _, err := uuid.Parse(req.UserID); err != nil {
		return fmt.Errorf("invalid user_id: %w", err)
	}

	if err := validateComponent("action", req.Action); err != nil {
		return err
	}
	if err := validateComponent("reaction", req.Reaction); err != nil {
		return err
	}

	// Timer actions must carry a parseable schedule; a bad expression
	// would otherwise only surface at tick time.
	if req.Action.Service == "timer" {
		expr, _ := req.Action.Config["cron"].(string)
		if expr == "" {
			return fmt.Errorf("timer action requires config.cron")
		}
		if err := validateCron(expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if tz, ok := req.Action.Config["timezone"].(string); ok && tz != "" {
			if err := validateTimezone(tz); err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}
		}
	}

	// Webhook reactions must carry a well-formed destination URL.
	if req.Reaction.Service == "webhook" {
		rawURL, _ := req.Reaction.Config["url"].(string)
		if rawURL == "" {
			return fmt.Errorf("webhook reaction requires config.url")
		}
		if err := validateWebhookURL(rawURL); err != nil {
			return fmt.Errorf("invalid webhook url: %w", err)
		}
	}

	return nil
}

func validateComponent(field string, c ComponentRequest) error {
	if c.Service == "" {
		return fmt.Errorf("%s.service is required", field)
	}
	if c.Name == "" {
		return fmt.Errorf("%s.name is required", field)
	}
	return nil
}

// validateCron uses the same parser the timer runs with, so anything
// accepted here fires at tick time.
func validateCron(expr string) error {
	_, err := cron.NewParser().Parse(expr, "")
	return err
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
