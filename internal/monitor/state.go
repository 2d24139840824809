package monitor

import (
	"context"
	"sync/atomic"

	"groupwatch/internal/storage"
)

// State holds the first-population gate. The Scheduler owns it and is the
// only writer; the DiffEngine only reads it.
type State struct {
	pending atomic.Bool
}

func NewState(pendingFirstPopulation bool) *State {
	s := &State{}
	s.pending.Store(pendingFirstPopulation)
	return s
}

// SeedState derives the gate from the store: pending iff it holds no rows.
// It also returns the row count for the startup log line.
func SeedState(ctx context.Context, st storage.Store) (*State, int, error) {
	n, err := st.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return NewState(n == 0), n, nil
}

// PendingFirstPopulation reports whether the first full pass since process
// start is still outstanding on an initially empty store.
func (s *State) PendingFirstPopulation() bool {
	if s == nil {
		return false
	}
	return s.pending.Load()
}

// completeFirstPass clears the gate for good. It reports whether this call
// was the one that cleared it.
func (s *State) completeFirstPass() bool {
	if s == nil {
		return false
	}
	return s.pending.CompareAndSwap(true, false)
}
