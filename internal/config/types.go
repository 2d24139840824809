package config

// Config is the on-disk configuration. JSON, YAML and TOML files share the
// same keys; unknown keys are rejected.
type Config struct {
	Monitor  MonitorConfig   `json:"monitor"`
	Protocol ProtocolConfig  `json:"protocol"`
	Storage  StorageConfig   `json:"storage"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Systemd  *SystemdConfig  `json:"systemd,omitempty"`
}

// MonitorConfig drives the polling loop and notice format.
//
// Example:
//
//	"monitor": {
//	  "check_interval": 300,
//	  "monitor_groups": ["123456@chatroom"],
//	  "message_template": "{member_name} has left the group",
//	  "card": { "enable": true, "url": "https://example.com" }
//	}
type MonitorConfig struct {
	// CheckInterval is the idle wait between passes, in seconds.
	CheckInterval int `json:"check_interval"`
	// Schedule is an optional cron expression ("*/5 * * * *", "@every 10m").
	// When set it replaces check_interval.
	Schedule string `json:"schedule,omitempty"`
	// GroupDelay is a Go duration string paced between groups (default "1s").
	GroupDelay string `json:"group_delay,omitempty"`

	MonitorGroups   []string   `json:"monitor_groups"`
	MessageTemplate string     `json:"message_template"`
	Debug           bool       `json:"debug"`
	Card            CardConfig `json:"card"`
}

type CardConfig struct {
	Enable              bool   `json:"enable"`
	TitleTemplate       string `json:"title_template"`
	DescriptionTemplate string `json:"description_template"`
	URL                 string `json:"url"`
}

// ProtocolConfig locates the host bot's protocol API. Version "849" uses
// the /VXAPI route prefix; "855" and "ipad" use /api.
type ProtocolConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Wxid    string `json:"wxid"`
	Version string `json:"version"`
	// Timeout is a Go duration string (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig selects the snapshot store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./group_members.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig paces notice delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// TelegramConfig mirrors notices into Telegram. Groups overrides ChatID per
// source group; an override of 0 disables mirroring for that group.
type TelegramConfig struct {
	Enabled bool             `json:"enabled"`
	Token   string           `json:"token"`
	ChatID  int64            `json:"chat_id"`
	Groups  map[string]int64 `json:"groups,omitempty"`
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

// SystemdConfig controls sd_notify integration. When the section is omitted
// notifications are sent whenever NOTIFY_SOCKET is set.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}
