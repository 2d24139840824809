package monitor

import (
	"context"
	"time"
)

// Member is one entry of a freshly fetched member list. ID may be empty
// when the upstream payload is malformed; the DiffEngine skips such entries.
type Member struct {
	ID     string
	Name   string
	Avatar string
}

// Departure records a member present in the previous snapshot and absent
// from the current one. Name and avatar come from the stored snapshot.
type Departure struct {
	GroupID     string
	MemberID    string
	DisplayName string
	AvatarRef   string
	DetectedAt  time.Time
}

// Provider returns the current members of a group.
type Provider interface {
	Fetch(ctx context.Context, groupID string) ([]Member, error)
}

// Dispatcher delivers one departure notification.
type Dispatcher interface {
	Send(ctx context.Context, d Departure) error
}
