package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeTelegram {
		t.Fatalf("Mode = %q, want %q", cfg.Mode, ModeTelegram)
	}
	if cfg.Backend.KeepAlive >= 0 {
		t.Fatalf("KeepAlive = %s, want negative (keep loaded)", cfg.Backend.KeepAlive)
	}
	if cfg.Store.MaxHistory != 50 || cfg.Backend.ContextLength != 4096 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Location == nil {
		t.Fatalf("Location should default to local time")
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "TELEGRAM_BOT_TOKEN") {
		t.Fatalf("Validate() error = %v, want missing token", err)
	}
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
mode: both
telegram:
  token: yaml-token
  allowed_users: [11, 22]
backend:
  mode: openai
  model: gpt-test
  keep_alive: 10m
scheduler:
  poll_interval: 5s
  timezone: Europe/Rome
store:
  database_url: postgres://localhost/ironclaw
  max_history: 20
`)
	t.Setenv("BACKEND_MODEL", "env-model")
	t.Setenv("MAX_HISTORY", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeBoth || cfg.Telegram.Token != "yaml-token" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if len(cfg.Telegram.AllowedUsers) != 2 || cfg.Telegram.AllowedUsers[1] != 22 {
		t.Fatalf("AllowedUsers = %v", cfg.Telegram.AllowedUsers)
	}
	if cfg.Backend.Model != "env-model" || cfg.Store.MaxHistory != 30 {
		t.Fatalf("env did not override yaml: model=%q max_history=%d", cfg.Backend.Model, cfg.Store.MaxHistory)
	}
	if cfg.Backend.KeepAlive != 10*time.Minute || cfg.Scheduler.PollInterval != 5*time.Second {
		t.Fatalf("durations = %s / %s", cfg.Backend.KeepAlive, cfg.Scheduler.PollInterval)
	}
	if cfg.Location.String() != "Europe/Rome" {
		t.Fatalf("Location = %s", cfg.Location)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("Load() expected error for missing explicit config")
	}
}

func TestLoadEnvParsing(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BACKEND_KEEP_ALIVE", "-1")
	t.Setenv("TELEGRAM_ALLOWED_USERS", "123, 456,")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("BACKEND_TEMPERATURE", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.KeepAlive != -1 {
		t.Fatalf("KeepAlive = %s, want -1", cfg.Backend.KeepAlive)
	}
	if len(cfg.Telegram.AllowedUsers) != 2 || cfg.Telegram.AllowedUsers[0] != 123 {
		t.Fatalf("AllowedUsers = %v", cfg.Telegram.AllowedUsers)
	}
	if cfg.Scheduler.Enabled {
		t.Fatalf("Scheduler.Enabled = true, want false")
	}
	if cfg.Backend.Temperature != 0.2 {
		t.Fatalf("Temperature = %v", cfg.Backend.Temperature)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	for key, value := range map[string]string{
		"SCHEDULER_POLL_INTERVAL": "soon",
		"MAX_HISTORY":             "lots",
		"TELEGRAM_ALLOWED_USERS":  "alice",
		"APP_ALLOW_ANY_ORIGIN":    "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(""); err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("Load() error = %v, want %s parse error", err, key)
			}
		})
	}
}

func TestLoadReadsSoulFileWhenPromptEmpty(t *testing.T) {
	setCoreEnvEmpty(t)
	soul := filepath.Join(t.TempDir(), "soul.md")
	writeFile(t, soul, "  You are a patient tutor.\n")
	t.Setenv("SOUL_FILE", soul)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SystemPrompt != "You are a patient tutor." {
		t.Fatalf("SystemPrompt = %q", cfg.SystemPrompt)
	}

	t.Setenv("SYSTEM_PROMPT", "explicit")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SystemPrompt != "explicit" {
		t.Fatalf("SystemPrompt = %q, want explicit prompt to win", cfg.SystemPrompt)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeHeadless
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	bad := cfg
	bad.Scheduler.PollInterval = 500 * time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Fatalf("Validate() expected poll interval error")
	}

	bad = cfg
	bad.Mode = "desktop"
	if err := bad.Validate(); err == nil {
		t.Fatalf("Validate() expected mode error")
	}

	bad = cfg
	bad.Store.MaxHistory = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("Validate() expected max history error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"IRONCLAW_MODE",
		"SYSTEM_PROMPT",
		"SOUL_FILE",
		"APP_METRICS_NAMESPACE",
		"TELEGRAM_BOT_TOKEN",
		"TELEGRAM_ALLOWED_USERS",
		"BACKEND_MODE",
		"BACKEND_HOST",
		"OLLAMA_HOST",
		"BACKEND_MODEL",
		"BACKEND_API_KEY",
		"OPENAI_API_KEY",
		"BACKEND_KEEP_ALIVE",
		"BACKEND_CONTEXT_LENGTH",
		"BACKEND_TEMPERATURE",
		"BACKEND_TIMEOUT",
		"BACKEND_WARM_UP",
		"WORKSPACE_PATH",
		"SCHEDULER_ENABLED",
		"SCHEDULER_POLL_INTERVAL",
		"SCHEDULER_FIRE_TIMEOUT",
		"SCHEDULER_TIMEZONE",
		"REDIS_URL",
		"DATABASE_URL",
		"MAX_HISTORY",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FILE",
		"TUI_USER_ID",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
