package config

import (
	"fmt"

	"genbot/internal/model"
)

// Validate checks everything that can be checked without touching the
// outside world. Watch() runs it before publishing an update so a bad edit
// never reaches running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := map[string]Duration{
		"telegram.poll_timeout":     cfg.Telegram.PollTimeout,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"dispatch.provider_timeout": cfg.Dispatch.ProviderTimeout,
		"dispatch.retry_base":       cfg.Dispatch.RetryBase,
		"dispatch.retry_max_delay":  cfg.Dispatch.RetryMaxDelay,
		"provider.poll_interval":    cfg.Provider.PollInterval,
		"maintenance.stale_after":   cfg.Maintenance.StaleAfter,
	}
	for field, d := range durations {
		if _, err := d.Value(field); err != nil {
			return err
		}
	}

	if j := cfg.Dispatch.RetryJitter; j < 0 || j > 1 {
		return fmt.Errorf("dispatch.retry_jitter: must be in [0,1], got %v", j)
	}
	if cfg.Queue.PerUserLimit < 0 {
		return fmt.Errorf("queue.per_user_limit: must be >= 0")
	}
	if cfg.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue.max_depth: must be >= 0")
	}

	for code, price := range cfg.Pricing {
		if _, ok := model.ParseJobType(code); !ok {
			return fmt.Errorf("pricing.%s: unknown job type", code)
		}
		if price <= 0 {
			return fmt.Errorf("pricing.%s: price must be > 0, got %d", code, price)
		}
	}
	return nil
}
