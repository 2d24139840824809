package config

import (
	"reflect"
	"strings"

	logx "groupwatch/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// Attrs are safe structured log fields; secrets are never included.
	Attrs []logx.Field
	// RestartRequired lists changed sections that only apply on restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		ch.Sections = append(ch.Sections, "monitor")
		ch.Attrs = append(ch.Attrs,
			logx.Int("monitor.groups", len(newCfg.Monitor.MonitorGroups)),
			logx.Int("monitor.check_interval", newCfg.Monitor.CheckInterval),
			logx.String("monitor.schedule", strings.TrimSpace(newCfg.Monitor.Schedule)),
			logx.Bool("monitor.card", newCfg.Monitor.Card.Enable),
			logx.Bool("monitor.debug", newCfg.Monitor.Debug),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)) {
		ch.Sections = append(ch.Sections, "notifier")
		n := derefNotifier(newCfg.Notifier)
		ch.Attrs = append(ch.Attrs,
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
		)
	}

	if oldCfg.Protocol != newCfg.Protocol {
		ch.Sections = append(ch.Sections, "protocol")
		ch.RestartRequired = append(ch.RestartRequired, "protocol")
		ch.Attrs = append(ch.Attrs,
			logx.String("protocol.host", newCfg.Protocol.Host),
			logx.Int("protocol.port", newCfg.Protocol.Port),
			logx.String("protocol.version", newCfg.Protocol.Version),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.RestartRequired = append(ch.RestartRequired, "storage")
		ch.Attrs = append(ch.Attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	// Never log the token; only whether it changed.
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		!reflect.DeepEqual(oldCfg.Telegram.Groups, newCfg.Telegram.Groups) ||
		strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.RestartRequired = append(ch.RestartRequired, "telegram")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_changed", strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token)),
		)
	}

	if oldCfg.SystemdNotify() != newCfg.SystemdNotify() {
		ch.Sections = append(ch.Sections, "systemd")
		ch.RestartRequired = append(ch.RestartRequired, "systemd")
	}
	return ch
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
