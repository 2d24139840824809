package app

import (
	"fmt"
	"strings"
	"time"

	"groupwatch/internal/config"
	"groupwatch/internal/monitor"
	"groupwatch/internal/notifier"
	"groupwatch/internal/storage"
	"groupwatch/internal/transport/telegram"
	"groupwatch/internal/transport/wechat"
	logx "groupwatch/pkg/logx"
)

const (
	defaultBusyTimeout = 1 * time.Second
	// defaultRetryMax applies only when the notifier section is omitted.
	defaultRetryMax = 3
)

// validateConfig is the gate every loaded or reloaded config passes before
// it is committed.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorSettings(cfg); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
	if cfg.Monitor.Debug {
		lc.Level = "debug"
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: sc.StoragePath(), BusyTimeout: busy}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMonitorSettings(cfg *config.Config) (monitor.Settings, error) {
	sched, err := monitor.ParseSchedule(cfg.Monitor.Interval(), cfg.Monitor.Schedule)
	if err != nil {
		return monitor.Settings{}, err
	}
	delay, err := cfg.Monitor.GroupDelayDuration()
	if err != nil {
		return monitor.Settings{}, err
	}
	return monitor.Settings{
		Groups:     cfg.Monitor.Groups(),
		Schedule:   sched,
		GroupDelay: delay,
	}, nil
}

func mapProtocolConfig(cfg *config.Config) (wechat.Config, error) {
	timeout, err := cfg.Protocol.TimeoutDuration()
	if err != nil {
		return wechat.Config{}, err
	}
	return wechat.Config{
		Host:    cfg.Protocol.Host,
		Port:    cfg.Protocol.Port,
		Wxid:    cfg.Protocol.Wxid,
		Version: cfg.Protocol.Version,
		Timeout: timeout,
	}, nil
}

// mapNotifierConfig returns the pacing settings. Zero values are filled in
// by the dispatcher.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{RetryMax: defaultRetryMax}, nil
	}
	out := notifier.Config{RatePerSec: n.RatePerSec, RetryMax: n.RetryMax}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapTemplates(cfg *config.Config) notifier.Templates {
	m := cfg.Monitor
	return notifier.Templates{
		Message: m.MessageTemplate,
		Card: notifier.CardConfig{
			Enable:              m.Card.Enable,
			TitleTemplate:       m.Card.TitleTemplate,
			DescriptionTemplate: m.Card.DescriptionTemplate,
			URL:                 m.Card.URL,
		},
	}
}

// mapTelegramConfig reports false when mirroring is disabled.
func mapTelegramConfig(cfg *config.Config, timeout time.Duration) (telegram.Config, bool) {
	tc := cfg.Telegram
	if !tc.Enabled {
		return telegram.Config{}, false
	}
	groups := make(map[string]int64, len(tc.Groups))
	for k, v := range tc.Groups {
		groups[strings.TrimSpace(k)] = v
	}
	return telegram.Config{Token: tc.Token, ChatID: tc.ChatID, Groups: groups, Timeout: timeout}, true
}
