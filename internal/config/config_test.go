package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const sampleYAML = `
telegram:
  token: "123:abc"
  admin_user_id: 42
  poll_timeout: "10s"
logging:
  level: info
  console: true
scheduler:
  timezone: "Asia/Seoul"
  session_timeout: "5m"
storage:
  path: "./data/pollbot.db"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeTemp(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.AdminUserID != 42 {
		t.Errorf("admin_user_id = %d, want 42", cfg.Telegram.AdminUserID)
	}
	if cfg.Scheduler.Timezone != "Asia/Seoul" {
		t.Errorf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get must return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeTemp(t, "config.yaml", sampleYAML+"\nwebhok: true\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown top-level key must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "123:abc", AdminUserID: 42},
			Storage:  StorageConfig{Path: "./db"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"missing admin", func(c *Config) { c.Telegram.AdminUserID = 0 }, "admin_user_id"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Nowhere/Here" }, "scheduler.timezone"},
		{"bad session timeout", func(c *Config) { c.Scheduler.SessionTimeout = "never" }, "session_timeout"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"single poll option", func(c *Config) { c.Poll.Options = []string{"ha"} }, "poll.options"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestEffectivePollDefaults(t *testing.T) {
	t.Parallel()
	var c Config
	p := c.EffectivePoll()
	if p.Question == "" || len(p.Options) != 2 {
		t.Fatalf("defaults not applied: %+v", p)
	}

	c.Poll = PollConfig{Question: "custom?", Options: []string{"a", "b", "c"}}
	p = c.EffectivePoll()
	if p.Question != "custom?" || len(p.Options) != 3 {
		t.Fatalf("overrides lost: %+v", p)
	}
}

func TestSessionTimeoutDefault(t *testing.T) {
	t.Parallel()
	var c Config
	if got := c.SessionTimeout(); got != 10*time.Minute {
		t.Fatalf("default session timeout = %v", got)
	}
	c.Scheduler.SessionTimeout = "30s"
	if got := c.SessionTimeout(); got != 30*time.Second {
		t.Fatalf("session timeout = %v, want 30s", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "t", AdminUserID: 1}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "t", AdminUserID: 2},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"scheduler", "telegram"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
}
