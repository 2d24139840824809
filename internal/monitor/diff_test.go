package monitor

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"
	"time"

	"groupwatch/internal/storage"
	logx "groupwatch/pkg/logx"
)

func seed(t *testing.T, st storage.Store, group string, members map[string]string) {
	t.Helper()
	for id, name := range members {
		err := st.Upsert(context.Background(), storage.MemberRecord{
			GroupID: group, MemberID: id, DisplayName: name, AvatarRef: "avatar/" + id,
			LastSeen: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func newEngine(st storage.Store, pending bool, now time.Time) *DiffEngine {
	d := NewDiffEngine(st, NewState(pending), logx.Nop())
	d.now = func() time.Time { return now }
	return d
}

func TestUpdateReportsDepartureWithCachedName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "g", map[string]string{"A": "Alice", "B": "Bob"})
	now := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

	got, err := newEngine(st, false, now).Update(ctx, "g", []Member{{ID: "A", Name: "Alice2"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("departures = %+v, want exactly B", got)
	}
	want := Departure{GroupID: "g", MemberID: "B", DisplayName: "Bob", AvatarRef: "avatar/B", DetectedAt: now}
	if got[0] != want {
		t.Fatalf("departure = %+v, want %+v", got[0], want)
	}

	rows, _ := st.Members(ctx, "g")
	if len(rows) != 1 {
		t.Fatalf("stored = %v, want only A", rows)
	}
	a := rows["A"]
	if a.DisplayName != "Alice2" || !a.LastSeen.Equal(now) {
		t.Fatalf("A = %+v, want refreshed name and timestamp", a)
	}
}

func TestUpdateSnapshotEqualsFreshIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name     string
		old      map[string]string
		fresh    []Member
		departed []string
	}{
		{
			name:     "mixed",
			old:      map[string]string{"a": "A", "b": "B", "c": "C"},
			fresh:    []Member{{ID: "c", Name: "C"}, {ID: "d", Name: "D"}},
			departed: []string{"a", "b"},
		},
		{
			name:  "nobody left",
			old:   map[string]string{"a": "A"},
			fresh: []Member{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
		},
		{
			name:  "empty baseline after first pass",
			old:   map[string]string{},
			fresh: []Member{{ID: "a", Name: "A"}},
		},
		{
			name:     "everyone replaced",
			old:      map[string]string{"x": "X", "y": "Y"},
			fresh:    []Member{{ID: "z", Name: "Z"}},
			departed: []string{"x", "y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := storage.NewMemory()
			seed(t, st, "g", tt.old)
			now := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)

			got, err := newEngine(st, false, now).Update(ctx, "g", tt.fresh)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			var ids []string
			for _, d := range got {
				ids = append(ids, d.MemberID)
			}
			if !slices.Equal(ids, tt.departed) {
				t.Fatalf("departed = %v, want %v", ids, tt.departed)
			}

			rows, _ := st.Members(ctx, "g")
			var wantIDs []string
			for _, m := range tt.fresh {
				wantIDs = append(wantIDs, m.ID)
			}
			slices.Sort(wantIDs)
			if gotIDs := slices.Sorted(maps.Keys(rows)); !slices.Equal(gotIDs, wantIDs) {
				t.Fatalf("stored ids = %v, want %v", gotIDs, wantIDs)
			}
			for id, r := range rows {
				if !r.LastSeen.Equal(now) {
					t.Fatalf("%s last_seen = %v, want %v", id, r.LastSeen, now)
				}
			}
		})
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "g", map[string]string{"a": "A", "b": "B"})
	eng := newEngine(st, false, time.Now())
	fresh := []Member{{ID: "a", Name: "A"}}

	first, err := eng.Update(ctx, "g", fresh)
	if err != nil || len(first) != 1 {
		t.Fatalf("first Update = %v, %v; want one departure", first, err)
	}
	second, err := eng.Update(ctx, "g", fresh)
	if err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second Update departures = %v, want none", second)
	}
}

func TestUpdateFirstPopulationSuppressed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	got, err := newEngine(st, true, time.Now()).Update(ctx, "g", []Member{{ID: "A", Name: "Alice"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("departures = %v, want none on first population", got)
	}
	rows, _ := st.Members(ctx, "g")
	if len(rows) != 1 || rows["A"].DisplayName != "Alice" {
		t.Fatalf("stored = %v, want {A: Alice}", rows)
	}
}

func TestUpdateGateOnlyAppliesToEmptyGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "known", map[string]string{"a": "A", "b": "B"})

	got, err := newEngine(st, true, time.Now()).Update(ctx, "known", []Member{{ID: "a", Name: "A"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(got) != 1 || got[0].MemberID != "b" {
		t.Fatalf("departures = %v, want b even while gate is pending", got)
	}
}

func TestUpdateSkipsEntriesWithoutID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, "g", map[string]string{"A": "Alice"})

	got, err := newEngine(st, false, time.Now()).Update(ctx, "g", []Member{
		{ID: "A", Name: "Alice"},
		{Name: "NoId"},
		{ID: "   ", Name: "Blank"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("departures = %v, want none", got)
	}
	rows, _ := st.Members(ctx, "g")
	if len(rows) != 1 {
		t.Fatalf("stored = %v, want only A", rows)
	}
}

// failingStore fails deletes, so the whole group update must roll back.
type failingStore struct {
	*storage.Memory
}

func (f failingStore) InTx(ctx context.Context, fn func(tx storage.Snapshots) error) error {
	return f.Memory.InTx(ctx, func(tx storage.Snapshots) error {
		return fn(failingTx{tx})
	})
}

type failingTx struct{ storage.Snapshots }

func (failingTx) Delete(context.Context, string, string) error { return errors.New("disk full") }

func TestUpdateStorageErrorRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	seed(t, mem, "g", map[string]string{"a": "A", "b": "B"})

	got, err := newEngine(failingStore{mem}, false, time.Now()).Update(ctx, "g", []Member{{ID: "a", Name: "A-renamed"}, {ID: "c", Name: "C"}})
	if err == nil {
		t.Fatal("Update err = nil, want storage error")
	}
	if got != nil {
		t.Fatalf("departures = %v, want nil on error", got)
	}
	rows, _ := mem.Members(ctx, "g")
	if len(rows) != 2 || rows["a"].DisplayName != "A" {
		t.Fatalf("stored = %v, want untouched snapshot", rows)
	}
}

func TestDepartedIsSortedDifference(t *testing.T) {
	t.Parallel()
	old := map[string]storage.MemberRecord{"z": {}, "m": {}, "a": {}, "k": {}}
	cur := map[string]Member{"m": {}}
	if got := departed(old, cur); !slices.Equal(got, []string{"a", "k", "z"}) {
		t.Fatalf("departed = %v", got)
	}
}

func TestSeedStateFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	s, n, err := SeedState(ctx, st)
	if err != nil || n != 0 || !s.PendingFirstPopulation() {
		t.Fatalf("empty store: pending=%v n=%d err=%v", s.PendingFirstPopulation(), n, err)
	}

	seed(t, st, "g", map[string]string{"a": "A"})
	s, n, err = SeedState(ctx, st)
	if err != nil || n != 1 || s.PendingFirstPopulation() {
		t.Fatalf("seeded store: pending=%v n=%d err=%v", s.PendingFirstPopulation(), n, err)
	}

	gate := NewState(true)
	if !gate.completeFirstPass() {
		t.Fatal("first completeFirstPass should clear the gate")
	}
	if gate.completeFirstPass() || gate.PendingFirstPopulation() {
		t.Fatal("gate must stay cleared")
	}
}
