package config

import (
	"strings"

	logx "reportsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.TickInterval) != strings.TrimSpace(newCfg.Scheduler.TickInterval) ||
		oldCfg.Scheduler.Workers != newCfg.Scheduler.Workers ||
		oldCfg.Scheduler.QueueSize != newCfg.Scheduler.QueueSize ||
		strings.TrimSpace(oldCfg.Scheduler.SweepMinInterval) != strings.TrimSpace(newCfg.Scheduler.SweepMinInterval) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tz", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}

	// Storage (changing driver/path requires a restart; still surface the diff)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	// Content service
	if strings.TrimSpace(oldCfg.ContentService.BaseURL) != strings.TrimSpace(newCfg.ContentService.BaseURL) ||
		strings.TrimSpace(oldCfg.ContentService.DefaultTimeout) != strings.TrimSpace(newCfg.ContentService.DefaultTimeout) {
		changed = append(changed, "content_service")
		attrs = append(attrs,
			logx.String("content_service.base_url", strings.TrimSpace(newCfg.ContentService.BaseURL)),
		)
	}

	return changed, attrs
}
