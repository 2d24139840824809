package monitor

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"groupwatch/internal/storage"
	logx "groupwatch/pkg/logx"
)

// DiffEngine reconciles a fetched member list with the stored snapshot.
type DiffEngine struct {
	store storage.Store
	state *State
	log   logx.Logger
	now   func() time.Time
}

func NewDiffEngine(store storage.Store, state *State, log logx.Logger) *DiffEngine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DiffEngine{store: store, state: state, log: log, now: time.Now}
}

// Update records every valid member of fresh as seen now, then reports and
// deletes the stored members missing from fresh.
//
// Callers must not pass an empty list: an empty fetch means "no data this
// tick", not "everyone left". The whole update runs in one transaction; on
// error nothing is persisted and no departures are returned.
func (d *DiffEngine) Update(ctx context.Context, groupID string, fresh []Member) ([]Departure, error) {
	log := d.log.With(logx.String("group", groupID))
	now := d.now()

	var (
		departures []Departure
		recorded   int
	)
	err := d.store.InTx(ctx, func(tx storage.Snapshots) error {
		departures = nil

		old, err := tx.Members(ctx, groupID)
		if err != nil {
			return err
		}
		log.Debug("stored snapshot loaded", logx.Int("members", len(old)))

		seen := make(map[string]Member, len(fresh))
		for i, m := range fresh {
			id := strings.TrimSpace(m.ID)
			if id == "" {
				log.Warn("member entry without id skipped", logx.Int("index", i), logx.String("name", m.Name))
				continue
			}
			m.ID = id
			seen[id] = m
		}
		recorded = len(seen)

		for _, id := range slices.Sorted(maps.Keys(seen)) {
			m := seen[id]
			if err := tx.Upsert(ctx, storage.MemberRecord{
				GroupID:     groupID,
				MemberID:    id,
				DisplayName: m.Name,
				AvatarRef:   m.Avatar,
				LastSeen:    now,
			}); err != nil {
				return err
			}
		}

		if d.state.PendingFirstPopulation() && len(old) == 0 {
			log.Info("first population; members recorded without diff", logx.Int("members", len(seen)))
			return nil
		}

		for _, id := range departed(old, seen) {
			rec := old[id]
			departures = append(departures, Departure{
				GroupID:     groupID,
				MemberID:    id,
				DisplayName: rec.DisplayName,
				AvatarRef:   rec.AvatarRef,
				DetectedAt:  now,
			})
			if err := tx.Delete(ctx, groupID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, dep := range departures {
		log.Info("member left", logx.String("member", dep.MemberID), logx.String("name", dep.DisplayName))
	}
	log.Debug("snapshot updated", logx.Int("members", recorded), logx.Int("departed", len(departures)))
	return departures, nil
}

// departed returns the ids of old that are absent from current, ascending.
func departed(old map[string]storage.MemberRecord, current map[string]Member) []string {
	var out []string
	for _, id := range slices.Sorted(maps.Keys(old)) {
		if _, ok := current[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
