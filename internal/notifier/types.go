package notifier

import (
	"time"

	"groupwatch/internal/transport"
)

const (
	DefaultMessageTemplate     = "{member_name} has left the group"
	DefaultTitleTemplate       = "{member_name} left the group"
	DefaultDescriptionTemplate = "ID: {member_id}\nTime: {time}"

	// TimeLayout formats {time}.
	TimeLayout = "2006-01-02 15:04:05"
)

// Config controls delivery pacing.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// CardConfig configures link-card mode.
type CardConfig struct {
	Enable              bool
	TitleTemplate       string
	DescriptionTemplate string
	URL                 string
}

// Templates is the hot-swappable notice format.
type Templates struct {
	Message string
	Card    CardConfig
}

// Notice is a rendered departure. Link is set in card mode.
type Notice struct {
	Text string
	Link *transport.Link
}

type HistoryItem struct {
	At      time.Time
	GroupID string
	Member  string
	Text    string
	Err     string
}
