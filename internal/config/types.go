package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Timezone applies to scheduled firing times and caption timestamps.
	// Defaults to the process-local zone when omitted.
	Timezone string `json:"timezone,omitempty"`

	Settings    SettingsConfig    `json:"settings"`
	Calendar    CalendarConfig    `json:"calendar"`
	Caption     CaptionConfig     `json:"caption"`
	Holiday     HolidayConfig     `json:"holiday,omitempty"`
	History     *HistoryConfig    `json:"history,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendRatePerSec throttles outgoing photo messages. Zero keeps the
	// default of 1 per second.
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
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

// SettingsConfig locates the per-chat schedule file.
type SettingsConfig struct {
	Path string `json:"path"`
}

// CalendarConfig controls where daily calendar images come from and where
// they are cached.
type CalendarConfig struct {
	// Endpoints are tried in order until one yields a usable image.
	Endpoints []string `json:"endpoints"`
	CacheDir  string   `json:"cache_dir"`
	// RequestTimeout is a Go duration string applied per endpoint request.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// MinBytes rejects payloads smaller than this as truncated or bogus.
	MinBytes int `json:"min_bytes,omitempty"`
}

type CaptionConfig struct {
	Enabled   bool `json:"enabled"`
	Templates []struct {
		Name   string `json:"name"`
		Format string `json:"format"`
	} `json:"templates,omitempty"`
	// HolidayCountdown appends the next-holiday line to captions.
	HolidayCountdown bool `json:"holiday_countdown,omitempty"`
}

type HolidayConfig struct {
	URLTemplate string `json:"url_template,omitempty"`
	CacheDir    string `json:"cache_dir,omitempty"`
	CacheTTL    string `json:"cache_ttl,omitempty"`
}

// HistoryConfig controls the delivery log. Nil means disabled.
type HistoryConfig struct {
	Path      string `json:"path"`
	Retention string `json:"retention,omitempty"` // Go duration string; default 720h
}

type MaintenanceConfig struct {
	// Cron is a 5-field cron expression for the nightly maintenance pass
	// (cache sweep, history prune, holiday refresh). Default "30 3 * * *".
	Cron string `json:"cron,omitempty"`
}

// Validate checks the fields main cannot start without and normalizes the
// duration strings so later consumers can assume they parse.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Settings.Path) == "" {
		return errors.New("settings.path is required")
	}
	if strings.TrimSpace(c.Calendar.CacheDir) == "" {
		return errors.New("calendar.cache_dir is required")
	}
	if len(c.Calendar.Endpoints) == 0 {
		return errors.New("calendar.endpoints must list at least one source")
	}
	for i, ep := range c.Calendar.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return fmt.Errorf("calendar.endpoints[%d] is empty", i)
		}
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"calendar.request_timeout", c.Calendar.RequestTimeout},
		{"holiday.cache_ttl", c.Holiday.CacheTTL},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.History != nil {
		if strings.TrimSpace(c.History.Path) == "" {
			return errors.New("history.path is required when history is set")
		}
		if _, err := ParseDurationField("history.retention", c.History.Retention); err != nil {
			return err
		}
	}
	if c.Telegram.SendRatePerSec < 0 {
		return errors.New("telegram.send_rate_per_sec must be >= 0")
	}
	return nil
}

// Location resolves the configured timezone, falling back to local.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
