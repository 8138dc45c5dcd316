package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a Go duration string as it appears in the config file
// ("500ms", "2m"). The empty string means unset; components fall back to
// their built-in defaults.
type Duration string

// Value parses the duration. field names the config key in error messages.
// Unset parses to 0.
func (d Duration) Value(field string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return v, nil
}

// Or is Value with a fallback for unset or zero durations.
func (d Duration) Or(field string, def time.Duration) (time.Duration, error) {
	v, err := d.Value(field)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return def, nil
	}
	return v, nil
}

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Provider  ProviderConfig  `json:"provider"`

	// Pricing overrides the built-in per-type defaults at startup.
	// Prices changed at runtime via the admin surface win over this block.
	Pricing map[string]int64 `json:"pricing,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token        string   `json:"token"`
	AdminUserIDs []int64  `json:"admin_user_ids"`
	PollTimeout  Duration `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
}

// QueueConfig controls job admission.
//
// Defaults (when fields are omitted/zero):
//   - per_user_limit: 3
//   - max_depth: 256
type QueueConfig struct {
	PerUserLimit int `json:"per_user_limit,omitempty"`
	MaxDepth     int `json:"max_depth,omitempty"`
}

// DispatchConfig controls the worker pool that executes jobs.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - provider_timeout: "2m"
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - retry_jitter: 0.2
type DispatchConfig struct {
	Workers         int      `json:"workers,omitempty"`
	ProviderTimeout Duration `json:"provider_timeout,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       Duration `json:"retry_base,omitempty"`
	RetryMaxDelay   Duration `json:"retry_max_delay,omitempty"`
	RetryJitter     float64  `json:"retry_jitter,omitempty"`
}

// BroadcastConfig controls the announcement fan-out lane.
type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
}

// ProviderConfig points at the generation API backend. When base_url is
// empty only the built-in local text provider is registered.
type ProviderConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	// PollInterval is how often to poll a submitted job.
	PollInterval Duration `json:"poll_interval,omitempty"`
}

// MaintenanceConfig controls background housekeeping.
type MaintenanceConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// StaleAfter flags running jobs older than this during sweeps.
	// Unset or "0s" disables the sweep.
	StaleAfter Duration `json:"stale_after,omitempty"`
}
