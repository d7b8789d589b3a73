// Package config handles Orion configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/orion/config.yaml, /etc/orion/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "orion", "config.yaml"))
	}

	paths = append(paths, "/etc/orion/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Orion configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Backend  BackendConfig  `yaml:"backend"`
	Rate     RateConfig     `yaml:"rate"`
	Retry    RetryConfig    `yaml:"retry"`
	Loop     LoopConfig     `yaml:"loop"`
	Memory   MemoryConfig   `yaml:"memory"`
	Notify   NotifyConfig   `yaml:"notify"`
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	Calendar CalendarConfig `yaml:"calendar"`
	Forge    ForgeConfig    `yaml:"forge"`
	Schedule ScheduleConfig `yaml:"schedule"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// BackendConfig defines the decision backend connection. The backend is
// any OpenAI-compatible chat completions endpoint; the worker and the
// evaluator may use different models on the same endpoint.
type BackendConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	WorkerModel       string `yaml:"worker_model"`
	EvaluatorModel    string `yaml:"evaluator_model"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"` // default 120
}

// RateConfig governs the shared call budget against the decision backend.
type RateConfig struct {
	RequestsPerMinute int     `yaml:"requests_per_minute"` // default 30
	CooldownSeconds   float64 `yaml:"cooldown_seconds"`    // default 2.0
}

// RetryConfig controls the durable retry queue and its sweeper.
type RetryConfig struct {
	DelayMinutes     int `yaml:"delay_minutes"`      // default 5
	MaxAttempts      int `yaml:"max_attempts"`       // default 2
	SweepIntervalSec int `yaml:"sweep_interval_sec"` // default 60
	RetentionDays    int `yaml:"retention_days"`     // default 7
}

// LoopConfig bounds a single orchestration run.
type LoopConfig struct {
	MaxRounds            int `yaml:"max_rounds"`             // worker/evaluator round-trips, default 10
	CapabilityTimeoutSec int `yaml:"capability_timeout_sec"` // default 60
}

// MemoryConfig controls the conversation memory store.
type MemoryConfig struct {
	HistoryLimit  int `yaml:"history_limit"`  // messages of context, default 20
	RetentionDays int `yaml:"retention_days"` // prune window, default 30
}

// NotifyConfig configures the notification fan-out channels.
type NotifyConfig struct {
	Telegram TelegramNotifyConfig `yaml:"telegram"`
	SMTP     SMTPConfig           `yaml:"smtp"`
	MQTT     MQTTConfig           `yaml:"mqtt"`
}

// TelegramNotifyConfig holds the bot token used for outbound notifications.
type TelegramNotifyConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SMTPConfig defines outbound mail delivery.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // 465 implicit TLS, 587 STARTTLS
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"`
}

// MQTTConfig defines the broker used for outcome notifications.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://host:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "orion"
}

// TelegramConfig defines the inbound chat channel adapter.
type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BotToken       string  `yaml:"bot_token"`
	PollTimeoutSec int     `yaml:"poll_timeout_sec"` // long-poll window, default 30
	RateLimit      int     `yaml:"rate_limit"`       // msgs/sender/minute; 0 = unlimited
	AllowedIDs     []int64 `yaml:"allowed_ids"`      // Telegram user IDs; empty allows everyone
}

// EmailConfig defines the inbound email channel adapter (IMAP poller).
type EmailConfig struct {
	Enabled         bool     `yaml:"enabled"`
	IMAPHost        string   `yaml:"imap_host"`
	IMAPPort        int      `yaml:"imap_port"` // default 993
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	PollIntervalSec int      `yaml:"poll_interval_sec"` // default 120
	TrustedSenders  []string `yaml:"trusted_senders"`
}

// CalendarConfig points the calendar capability at a CalDAV collection.
type CalendarConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ForgeConfig configures the GitHub capability.
type ForgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Owner   string `yaml:"owner"` // default owner for unqualified repo names
}

// ScheduleConfig defines recurring jobs created at startup and run on
// the "schedule" channel.
type ScheduleConfig struct {
	Tasks []ScheduleTaskConfig `yaml:"tasks"`
}

// ScheduleTaskConfig is one recurring job definition.
type ScheduleTaskConfig struct {
	Name      string `yaml:"name"`
	Command   string `yaml:"command"`
	Frequency string `yaml:"frequency"` // daily, weekly, interval
	Hour      int    `yaml:"hour"`      // daily and weekly
	Minute    int    `yaml:"minute"`
	Weekday   string `yaml:"weekday"`       // weekly: Monday..Sunday
	EveryMin  int    `yaml:"every_minutes"` // interval
}

// Load reads configuration from a YAML file. Environment variables in the
// file body are expanded before parsing, so secrets can live in the
// environment rather than on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all tunables at their defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Backend: BackendConfig{
			BaseURL:           "https://api.groq.com/openai/v1",
			WorkerModel:       "llama-3.3-70b-versatile",
			EvaluatorModel:    "llama-3.1-8b-instant",
			RequestTimeoutSec: 120,
		},
		Rate: RateConfig{
			RequestsPerMinute: 30,
			CooldownSeconds:   2.0,
		},
		Retry: RetryConfig{
			DelayMinutes:     5,
			MaxAttempts:      2,
			SweepIntervalSec: 60,
			RetentionDays:    7,
		},
		Loop: LoopConfig{
			MaxRounds:            10,
			CapabilityTimeoutSec: 60,
		},
		Memory: MemoryConfig{
			HistoryLimit:  20,
			RetentionDays: 30,
		},
		Telegram: TelegramConfig{PollTimeoutSec: 30, RateLimit: 20},
		Email:    EmailConfig{IMAPPort: 993, PollIntervalSec: 120},
		DataDir:  "data",
	}
}

// BackendTimeout returns the per-request decision backend timeout.
func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.RequestTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Backend.RequestTimeoutSec) * time.Second
}

// RetryDelay returns the fixed delay before a failed task is retried.
func (c *Config) RetryDelay() time.Duration {
	if c.Retry.DelayMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Retry.DelayMinutes) * time.Minute
}

// SweepInterval returns the retry sweeper tick interval.
func (c *Config) SweepInterval() time.Duration {
	if c.Retry.SweepIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Retry.SweepIntervalSec) * time.Second
}

// Cooldown returns the minimum spacing between decision backend calls.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Rate.CooldownSeconds * float64(time.Second))
}

// CapabilityTimeout bounds a single capability invocation.
func (c *Config) CapabilityTimeout() time.Duration {
	if c.Loop.CapabilityTimeoutSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Loop.CapabilityTimeoutSec) * time.Second
}
