package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database at Path
//   - "memory": in-process map, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means driver default
}

// MemberRecord is one stored (group, member) row.
type MemberRecord struct {
	GroupID     string
	MemberID    string
	DisplayName string
	AvatarRef   string // may be empty; rows written before avatars existed read back as ""
	LastSeen    time.Time
}

// Snapshots is the CRUD surface shared by the store and its transactions.
type Snapshots interface {
	// Members returns the stored members of group keyed by member id.
	// An unknown group yields an empty, non-nil map.
	Members(ctx context.Context, groupID string) (map[string]MemberRecord, error)
	// Upsert inserts or fully overwrites the (group, member) row.
	Upsert(ctx context.Context, rec MemberRecord) error
	// Delete removes the (group, member) row. Absent rows are not an error.
	Delete(ctx context.Context, groupID, memberID string) error
}

// Store is the durable snapshot table.
type Store interface {
	Snapshots

	// Count returns the number of rows across all groups.
	Count(ctx context.Context) (int, error)
	// Groups returns the distinct group ids with at least one row, sorted.
	Groups(ctx context.Context) ([]string, error)
	// InTx runs fn against a transactional view. The view's changes are
	// committed when fn returns nil and discarded otherwise.
	InTx(ctx context.Context, fn func(tx Snapshots) error) error

	Close() error
}
