package config

import (
	"reflect"
	"sort"
	"strings"

	logx "livesched/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) ||
		(strings.TrimSpace(oldCfg.Storage.Path) != "") != (strings.TrimSpace(newCfg.Storage.Path) != "") {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.materialize_interval", strings.TrimSpace(newCfg.Scheduler.MaterializeInterval)),
		)
	}

	// Streams (sweep cadence and retention)
	if !reflect.DeepEqual(oldCfg.Streams, newCfg.Streams) {
		changed = append(changed, "streams")
		attrs = append(attrs,
			logx.String("streams.auto_start_grace", strings.TrimSpace(newCfg.Streams.AutoStartGrace)),
			logx.String("streams.retention", strings.TrimSpace(newCfg.Streams.Retention)),
		)
	}

	// Notifier (never log token). Nil means disabled.
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = &NotifierConfig{}
	}
	if newN == nil {
		newN = &NotifierConfig{}
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
