package config

import (
	"reflect"
	"strings"

	logx "lobbybot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Platform != newCfg.Platform {
		changed = append(changed, "platform")
		attrs = append(attrs, logx.Bool("platform.dry_run", newCfg.Platform.DryRun))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.Int("sessions.shards", newCfg.Sessions.Shards),
			logx.Int("sessions.lobbies", len(newCfg.Sessions.Lobbies)),
		)
	}

	if oldCfg.Sticky != newCfg.Sticky {
		changed = append(changed, "sticky")
		attrs = append(attrs,
			logx.String("sticky.default_debounce", strings.TrimSpace(newCfg.Sticky.DefaultDebounce)))
	}

	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.String("reminder.tick", strings.TrimSpace(newCfg.Reminder.Tick)),
			logx.Int("reminder.rules", len(newCfg.Reminder.Rules)),
		)
	}

	return changed, attrs
}
