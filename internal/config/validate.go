package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	DefaultCheckInterval   = 300
	DefaultGroupDelay      = time.Second
	DefaultProtocolTimeout = 10 * time.Second
	DefaultStoragePath     = "./group_members.db"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks everything that can be checked without building
// components. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Monitor.CheckInterval < 0 {
		add("monitor.check_interval must be >= 1, got %d", cfg.Monitor.CheckInterval)
	}
	if _, err := cfg.Monitor.GroupDelayDuration(); err != nil {
		errs = append(errs, err)
	}
	for i, g := range cfg.Monitor.MonitorGroups {
		if strings.TrimSpace(g) == "" {
			add("monitor.monitor_groups[%d] is empty", i)
		}
	}

	if strings.TrimSpace(cfg.Protocol.Host) == "" {
		add("protocol.host is required")
	}
	if cfg.Protocol.Port <= 0 || cfg.Protocol.Port > 65535 {
		add("protocol.port must be 1..65535, got %d", cfg.Protocol.Port)
	}
	if strings.TrimSpace(cfg.Protocol.Wxid) == "" {
		add("protocol.wxid is required")
	}
	switch strings.TrimSpace(cfg.Protocol.Version) {
	case "", "849", "855", "ipad":
	default:
		add("protocol.version must be one of 849, 855, ipad; got %q", cfg.Protocol.Version)
	}
	if _, err := cfg.Protocol.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		add("storage.driver must be sqlite or memory; got %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if n := cfg.Notifier; n != nil {
		if n.RatePerSec < 0 {
			add("notifier.rate_per_sec must be >= 0")
		}
		if n.RetryMax < 0 {
			add("notifier.retry_max must be >= 0")
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required when telegram.enabled")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Interval returns check_interval as a duration, defaulting to 300s.
func (c MonitorConfig) Interval() time.Duration {
	if c.CheckInterval <= 0 {
		return DefaultCheckInterval * time.Second
	}
	return time.Duration(c.CheckInterval) * time.Second
}

func (c MonitorConfig) GroupDelayDuration() (time.Duration, error) {
	return ParseDurationOrDefault("monitor.group_delay", c.GroupDelay, DefaultGroupDelay)
}

// Groups returns the configured group ids, trimmed, in order.
func (c MonitorConfig) Groups() []string {
	out := make([]string, 0, len(c.MonitorGroups))
	for _, g := range c.MonitorGroups {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

func (c ProtocolConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("protocol.timeout", c.Timeout, DefaultProtocolTimeout)
}

// StoragePath returns the database path, defaulting next to the working dir.
func (c StorageConfig) StoragePath() string {
	if p := strings.TrimSpace(c.Path); p != "" {
		return p
	}
	return DefaultStoragePath
}

// SystemdNotify reports whether sd_notify messages should be sent.
func (c *Config) SystemdNotify() bool {
	if c.Systemd != nil {
		return c.Systemd.Notify
	}
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// ParseDurationField parses an optional non-negative Go duration. Empty
// means zero. path names the key in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
