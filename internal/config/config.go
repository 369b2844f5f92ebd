// Package config loads the bot configuration from a YAML (or JSON) file.
// YAML input is coerced to JSON so both formats share one strict decoder
// that rejects unknown fields. Duration fields are Go duration strings
// ("50ms", "1m") resolved into typed fields at load time.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Poller    PollerConfig    `json:"poller,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token"`
	Timeout string `json:"timeout,omitempty"`

	TimeoutDur time.Duration `json:"-"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	BusyTimeoutDur time.Duration `json:"-"`
}

// PollerConfig controls the scheduled-newsletter poll loop.
// Enabled defaults to true when the section is omitted.
type PollerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`

	IntervalDur time.Duration `json:"-"`
}

type DeliveryConfig struct {
	// Pacing is the fixed delay between consecutive sends of a fan-out pass.
	Pacing string `json:"pacing,omitempty"`

	PacingDur time.Duration `json:"-"`
}

type NotifyConfig struct {
	Enabled    *bool `json:"enabled,omitempty"`
	RatePerSec int   `json:"rate_per_sec,omitempty"`
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	MaxAge   string `json:"max_age,omitempty"`

	MaxAgeDur time.Duration `json:"-"`
}

// Load reads, decodes, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse decodes config bytes; path is used only to pick the format.
func Parse(path string, data []byte) (*Config, error) {
	jsonBytes, format, err := toStrictJSON(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Telegram.TimeoutDur, err = ParseDurationField("telegram.timeout", c.Telegram.Timeout); err != nil {
		return err
	}
	if c.Storage.BusyTimeoutDur, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Poller.IntervalDur, err = ParseDurationField("poller.interval", c.Poller.Interval); err != nil {
		return err
	}
	if c.Delivery.PacingDur, err = ParseDurationField("delivery.pacing", c.Delivery.Pacing); err != nil {
		return err
	}
	if c.Retention.MaxAgeDur, err = ParseDurationField("retention.max_age", c.Retention.MaxAge); err != nil {
		return err
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Notify.RatePerSec < 0 {
		return fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	return nil
}

// PollerEnabled defaults to true when the section omits the flag.
func (c *Config) PollerEnabled() bool {
	return c.Poller.Enabled == nil || *c.Poller.Enabled
}

// NotifyEnabled defaults to true when the section omits the flag.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.Enabled == nil || *c.Notify.Enabled
}

// ConsoleLogging defaults to true when the flag is omitted.
func (c *Config) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}
