package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the top-level triaged configuration.
type Config struct {
	Queue     QueueConfig    `json:"queue"`
	Notifiers NotifierConfig `json:"notifiers"`
	Ingest    IngestConfig   `json:"ingest"`
	API       APIConfig      `json:"api"`
}

// QueueConfig holds queue-level settings.
type QueueConfig struct {
	DataDir         string `json:"data_dir"`
	StaleAfterHours int    `json:"stale_after_hours,omitempty"` // default 24
	DigestSchedule  string `json:"digest_schedule,omitempty"`   // default @every 1h
	DigestTopN      int    `json:"digest_top_n,omitempty"`      // default 3
}

// NotifierConfig holds settings for digest delivery sinks.
type NotifierConfig struct {
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// SlackConfig holds Slack delivery settings.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	BotToken   string `json:"bot_token,omitempty"`
	Channel    string `json:"channel,omitempty"`
}

// TelegramConfig holds Telegram delivery settings.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// IngestConfig holds ingest webhook auth settings.
type IngestConfig struct {
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with TRIAGE_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Queue: QueueConfig{
			DataDir:         getenv("TRIAGE_DATA_DIR", "/data"),
			StaleAfterHours: getenvInt("TRIAGE_STALE_AFTER_HOURS", 0),
			DigestSchedule:  os.Getenv("TRIAGE_DIGEST_SCHEDULE"),
			DigestTopN:      getenvInt("TRIAGE_DIGEST_TOP_N", 0),
		},
		Ingest: IngestConfig{
			Secret:      os.Getenv("TRIAGE_INGEST_SECRET"),
			BearerToken: os.Getenv("TRIAGE_INGEST_BEARER_TOKEN"),
		},
		API: APIConfig{
			Host: getenv("TRIAGE_API_HOST", "0.0.0.0"),
			Port: getenvInt("TRIAGE_API_PORT", 8080),
			Key:  os.Getenv("TRIAGE_API_KEY"),
		},
	}

	if url := os.Getenv("TRIAGE_SLACK_WEBHOOK_URL"); url != "" {
		cfg.Notifiers.Slack = &SlackConfig{WebhookURL: url}
	} else if token := os.Getenv("TRIAGE_SLACK_BOT_TOKEN"); token != "" {
		cfg.Notifiers.Slack = &SlackConfig{
			BotToken: token,
			Channel:  os.Getenv("TRIAGE_SLACK_CHANNEL"),
		}
	}

	if token := os.Getenv("TRIAGE_TELEGRAM_TOKEN"); token != "" {
		chatID, err := strconv.ParseInt(os.Getenv("TRIAGE_TELEGRAM_CHAT_ID"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: TRIAGE_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notifiers.Telegram = &TelegramConfig{Token: token, ChatID: chatID}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.StaleAfterHours == 0 {
		c.Queue.StaleAfterHours = 24
	}
	if c.Queue.DigestSchedule == "" {
		c.Queue.DigestSchedule = "@every 1h"
	}
	if c.Queue.DigestTopN == 0 {
		c.Queue.DigestTopN = 3
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Validate checks for required fields, collecting every failure.
func (c *Config) Validate() error {
	var errs []string

	if c.Queue.DataDir == "" {
		errs = append(errs, "queue.data_dir is required")
	}
	if c.Queue.StaleAfterHours < 0 {
		errs = append(errs, "queue.stale_after_hours must be positive")
	}
	if c.Queue.DigestTopN < 0 {
		errs = append(errs, "queue.digest_top_n must be positive")
	}

	if s := c.Notifiers.Slack; s != nil {
		if s.WebhookURL == "" && (s.BotToken == "" || s.Channel == "") {
			errs = append(errs, "notifiers.slack needs webhook_url or bot_token+channel")
		}
	}
	if t := c.Notifiers.Telegram; t != nil {
		if t.Token == "" {
			errs = append(errs, "notifiers.telegram.token is required")
		}
		if t.ChatID == 0 {
			errs = append(errs, "notifiers.telegram.chat_id is required")
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
