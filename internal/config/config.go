package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. It may be absent.
const DefaultPath = "config.yaml"

const (
	ModeTelegram = "telegram"
	ModeTUI      = "tui"
	ModeBoth     = "both"
	ModeHeadless = "headless"
)

type Telegram struct {
	Token        string  `yaml:"token"`
	AllowedUsers []int64 `yaml:"allowed_users"`
}

type Backend struct {
	Mode          string        `yaml:"mode"`
	Host          string        `yaml:"host"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
	ContextLength int           `yaml:"context_length"`
	Temperature   float64       `yaml:"temperature"`
	Timeout       time.Duration `yaml:"timeout"`
	WarmUp        bool          `yaml:"warm_up"`
}

type Workspace struct {
	Path string `yaml:"path"`
}

type Scheduler struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FireTimeout  time.Duration `yaml:"fire_timeout"`
	RedisURL     string        `yaml:"redis_url"`
	Timezone     string        `yaml:"timezone"`
}

type Store struct {
	DatabaseURL string `yaml:"database_url"`
	MaxHistory  int    `yaml:"max_history"`
}

type HTTP struct {
	BindAddr        string        `yaml:"bind_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowAnyOrigin  bool          `yaml:"allow_any_origin"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type TUI struct {
	UserID string `yaml:"user_id"`
}

// Config contains all runtime settings. Precedence is defaults, then the
// YAML file, then environment variables.
type Config struct {
	Mode             string    `yaml:"mode"`
	SystemPrompt     string    `yaml:"system_prompt"`
	SoulFile         string    `yaml:"soul_file"`
	MetricsNamespace string    `yaml:"metrics_namespace"`
	Telegram         Telegram  `yaml:"telegram"`
	Backend          Backend   `yaml:"backend"`
	Workspace        Workspace `yaml:"workspace"`
	Scheduler        Scheduler `yaml:"scheduler"`
	Store            Store     `yaml:"store"`
	HTTP             HTTP      `yaml:"http"`
	Log              Log       `yaml:"log"`
	TUI              TUI       `yaml:"tui"`

	Location *time.Location `yaml:"-"`
}

func Defaults() Config {
	return Config{
		Mode:             ModeTelegram,
		SoulFile:         "soul.md",
		MetricsNamespace: "ironclaw",
		Backend: Backend{
			Mode:          "ollama",
			Host:          "http://localhost:11434",
			Model:         "llama3.1:8b",
			KeepAlive:     -1,
			ContextLength: 4096,
			Temperature:   0.7,
			Timeout:       5 * time.Minute,
			WarmUp:        true,
		},
		Workspace: Workspace{Path: "workspace"},
		Scheduler: Scheduler{
			Enabled:      true,
			PollInterval: 30 * time.Second,
			FireTimeout:  10 * time.Minute,
		},
		Store: Store{
			DatabaseURL: "ironclaw.db",
			MaxHistory:  50,
		},
		HTTP: HTTP{
			BindAddr:        ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: Log{Level: "info"},
		TUI: TUI{UserID: "local"},
	}
}

// Load reads .env, the YAML file at path and the environment, in that order
// of increasing precedence. An empty path means DefaultPath, which is
// allowed to be missing; an explicit path must exist.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	if err := loadYAML(path, &cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Mode = envOrDefault("IRONCLAW_MODE", cfg.Mode)
	cfg.SystemPrompt = envOrDefault("SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.SoulFile = envOrDefault("SOUL_FILE", cfg.SoulFile)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)

	cfg.Telegram.Token = envOrDefault("TELEGRAM_BOT_TOKEN", cfg.Telegram.Token)

	cfg.Backend.Mode = envOrDefault("BACKEND_MODE", cfg.Backend.Mode)
	cfg.Backend.Host = envOrDefault("BACKEND_HOST", envOrDefault("OLLAMA_HOST", cfg.Backend.Host))
	cfg.Backend.Model = envOrDefault("BACKEND_MODEL", cfg.Backend.Model)
	cfg.Backend.APIKey = envOrDefault("BACKEND_API_KEY", envOrDefault("OPENAI_API_KEY", cfg.Backend.APIKey))

	cfg.Workspace.Path = envOrDefault("WORKSPACE_PATH", cfg.Workspace.Path)
	cfg.Scheduler.RedisURL = envOrDefault("REDIS_URL", cfg.Scheduler.RedisURL)
	cfg.Scheduler.Timezone = envOrDefault("SCHEDULER_TIMEZONE", cfg.Scheduler.Timezone)
	cfg.Store.DatabaseURL = envOrDefault("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.HTTP.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.HTTP.BindAddr)
	cfg.Log.Level = envOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = envOrDefault("LOG_FILE", cfg.Log.File)
	cfg.TUI.UserID = envOrDefault("TUI_USER_ID", cfg.TUI.UserID)

	var err error
	if cfg.Telegram.AllowedUsers, err = int64ListFromEnv("TELEGRAM_ALLOWED_USERS", cfg.Telegram.AllowedUsers); err != nil {
		return err
	}
	if cfg.Backend.KeepAlive, err = keepAliveFromEnv("BACKEND_KEEP_ALIVE", cfg.Backend.KeepAlive); err != nil {
		return err
	}
	if cfg.Backend.ContextLength, err = intFromEnv("BACKEND_CONTEXT_LENGTH", cfg.Backend.ContextLength); err != nil {
		return err
	}
	if cfg.Backend.Temperature, err = floatFromEnv("BACKEND_TEMPERATURE", cfg.Backend.Temperature); err != nil {
		return err
	}
	if cfg.Backend.Timeout, err = durationFromEnv("BACKEND_TIMEOUT", cfg.Backend.Timeout); err != nil {
		return err
	}
	if cfg.Backend.WarmUp, err = boolFromEnv("BACKEND_WARM_UP", cfg.Backend.WarmUp); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled, err = boolFromEnv("SCHEDULER_ENABLED", cfg.Scheduler.Enabled); err != nil {
		return err
	}
	if cfg.Scheduler.PollInterval, err = durationFromEnv("SCHEDULER_POLL_INTERVAL", cfg.Scheduler.PollInterval); err != nil {
		return err
	}
	if cfg.Scheduler.FireTimeout, err = durationFromEnv("SCHEDULER_FIRE_TIMEOUT", cfg.Scheduler.FireTimeout); err != nil {
		return err
	}
	if cfg.Store.MaxHistory, err = intFromEnv("MAX_HISTORY", cfg.Store.MaxHistory); err != nil {
		return err
	}
	if cfg.HTTP.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.HTTP.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.HTTP.AllowAnyOrigin); err != nil {
		return err
	}
	return nil
}

// resolve fills derived fields: the scheduler location and the system prompt
// from the soul file.
func (c *Config) resolve() error {
	c.Location = time.Local
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		c.Location = loc
	}

	if strings.TrimSpace(c.SystemPrompt) == "" && strings.TrimSpace(c.SoulFile) != "" {
		b, err := os.ReadFile(c.SoulFile)
		switch {
		case err == nil:
			c.SystemPrompt = strings.TrimSpace(string(b))
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("read soul file %s: %w", c.SoulFile, err)
		}
	}
	return nil
}

// Validate checks the settings needed by mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeTelegram, ModeTUI, ModeBoth, ModeHeadless:
	default:
		return fmt.Errorf("mode must be one of telegram, tui, both, headless; got %q", c.Mode)
	}
	if (c.Mode == ModeTelegram || c.Mode == ModeBoth) && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required in %s mode", c.Mode)
	}
	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be at least 1s")
	}
	if c.Store.MaxHistory <= 0 {
		return fmt.Errorf("MAX_HISTORY must be positive")
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		return fmt.Errorf("BACKEND_TEMPERATURE must be within [0, 2]")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if (c.Mode == ModeTUI || c.Mode == ModeBoth) && strings.TrimSpace(c.TUI.UserID) == "" {
		return fmt.Errorf("TUI_USER_ID must not be empty")
	}
	return nil
}

// UsesTerminal reports whether the terminal UI owns stdout.
func (c Config) UsesTerminal() bool {
	return c.Mode == ModeTUI || c.Mode == ModeBoth
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// keepAliveFromEnv accepts a duration or -1 for "keep the model loaded".
func keepAliveFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := stringsTrimSpace(key); v == "-1" {
		return -1, nil
	}
	return durationFromEnv(key, fallback)
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func int64ListFromEnv(key string, fallback []int64) ([]int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var out []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s parse error: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
