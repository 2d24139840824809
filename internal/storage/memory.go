package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
)

type memKey struct{ group, member string }

// Memory is an in-process Store. Transactions work on a copy of the table
// that replaces the original on commit.
type Memory struct {
	mu     sync.Mutex
	rows   map[memKey]MemberRecord
	closed bool
}

func NewMemory() *Memory {
	return &Memory{rows: map[memKey]MemberRecord{}}
}

func (m *Memory) Members(ctx context.Context, groupID string) (map[string]MemberRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return membersOf(m.rows, groupID), nil
}

func (m *Memory) Upsert(ctx context.Context, rec MemberRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.rows[memKey{rec.GroupID, rec.MemberID}] = rec
	return nil
}

func (m *Memory) Delete(ctx context.Context, groupID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.rows, memKey{groupID, memberID})
	return nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.rows), nil
}

func (m *Memory) Groups(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	seen := map[string]struct{}{}
	for k := range m.rows {
		seen[k.group] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Snapshots) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	view := &memTx{rows: maps.Clone(m.rows)}
	if err := fn(view); err != nil {
		return err
	}
	m.rows = view.rows
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// memTx is only used while Memory.mu is held by InTx.
type memTx struct{ rows map[memKey]MemberRecord }

func (t *memTx) Members(ctx context.Context, groupID string) (map[string]MemberRecord, error) {
	return membersOf(t.rows, groupID), nil
}

func (t *memTx) Upsert(ctx context.Context, rec MemberRecord) error {
	t.rows[memKey{rec.GroupID, rec.MemberID}] = rec
	return nil
}

func (t *memTx) Delete(ctx context.Context, groupID, memberID string) error {
	delete(t.rows, memKey{groupID, memberID})
	return nil
}

func membersOf(rows map[memKey]MemberRecord, groupID string) map[string]MemberRecord {
	out := map[string]MemberRecord{}
	for k, r := range rows {
		if k.group == groupID {
			out[k.member] = r
		}
	}
	return out
}
