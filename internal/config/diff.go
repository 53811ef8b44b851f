package config

import (
	"reflect"
	"sort"
	"strings"

	logx "moyubot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. The Telegram token is never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.SendRatePerSec != newCfg.Telegram.SendRatePerSec ||
		strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Any("telegram.send_rate_per_sec", newCfg.Telegram.SendRatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Calendar, newCfg.Calendar) {
		changed = append(changed, "calendar")
		attrs = append(attrs,
			logx.Int("calendar.endpoints", len(newCfg.Calendar.Endpoints)),
			logx.String("calendar.cache_dir", strings.TrimSpace(newCfg.Calendar.CacheDir)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Caption, newCfg.Caption) {
		changed = append(changed, "caption")
		attrs = append(attrs,
			logx.Bool("caption.enabled", newCfg.Caption.Enabled),
			logx.Int("caption.templates", len(newCfg.Caption.Templates)),
			logx.Bool("caption.holiday_countdown", newCfg.Caption.HolidayCountdown),
		)
	}

	if !reflect.DeepEqual(oldCfg.Holiday, newCfg.Holiday) {
		changed = append(changed, "holiday")
	}

	oldH, newH := oldCfg.History, newCfg.History
	if (oldH == nil) != (newH == nil) || (oldH != nil && newH != nil && *oldH != *newH) {
		changed = append(changed, "history")
		attrs = append(attrs, logx.Bool("history.enabled", newH != nil))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.cron", strings.TrimSpace(newCfg.Maintenance.Cron)))
	}

	if strings.TrimSpace(oldCfg.Settings.Path) != strings.TrimSpace(newCfg.Settings.Path) {
		changed = append(changed, "settings")
		attrs = append(attrs, logx.String("settings.path", strings.TrimSpace(newCfg.Settings.Path)))
	}

	sort.Strings(changed)
	return changed, attrs
}
