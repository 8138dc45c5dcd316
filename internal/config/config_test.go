package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  admin_user_ids: [10, 20]
  poll_timeout: "15s"
logging:
  level: "DEBUG"
  console: true
storage:
  driver: "sqlite"
  path: "./genbot.db"
  busy_timeout: "5s"
queue:
  per_user_limit: 5
  max_depth: 100
dispatch:
  workers: 8
  provider_timeout: "3m"
  retry_max: 2
  retry_base: "250ms"
  retry_max_delay: "10s"
  retry_jitter: 0.3
broadcast:
  workers: 2
  rate_per_sec: 25
provider:
  base_url: "https://gen.example.com"
  token: "secret"
  poll_interval: "2s"
pricing:
  text: 5
  image: 30
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[1] != 20 {
		t.Fatalf("admins = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Queue.PerUserLimit != 5 || cfg.Queue.MaxDepth != 100 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.RetryJitter != 0.3 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Pricing["image"] != 30 {
		t.Fatalf("pricing = %v", cfg.Pricing)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram":{"token":"t","admin_user_ids":[],"poll_timeout":"10s"},"logging":{"level":"INFO","console":true,"file":{"enabled":false,"path":""}},"storage":{"driver":"memory","path":""},"queue":{},"dispatch":{},"broadcast":{},"provider":{}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", "telegram:\n  token: t\n  typo_field: 1\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram":{"token":"t","admin_user_ids":[],"poll_timeout":""}} {}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad duration", mutate: func(c *Config) { c.Dispatch.ProviderTimeout = "soon" }},
		{name: "negative duration", mutate: func(c *Config) { c.Telegram.PollTimeout = "-5s" }},
		{name: "jitter out of range", mutate: func(c *Config) { c.Dispatch.RetryJitter = 1.5 }},
		{name: "unknown pricing type", mutate: func(c *Config) { c.Pricing = map[string]int64{"hologram": 10} }},
		{name: "non-positive price", mutate: func(c *Config) { c.Pricing = map[string]int64{"text": 0} }},
		{name: "negative depth", mutate: func(c *Config) { c.Queue.MaxDepth = -1 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()
	if d, err := Duration(" 90s ").Value("x"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := Duration("").Value("x"); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := Duration("tomorrow").Value("x"); err == nil || !strings.Contains(err.Error(), "x") {
		t.Fatalf("want error naming the field, got %v", err)
	}
	if _, err := Duration("-5s").Value("x"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := Duration("").Or("x", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
	if d, err := Duration("1s").Or("x", 3*time.Second); err != nil || d != time.Second {
		t.Fatalf("set value overridden: got %v, %v", d, err)
	}
}
