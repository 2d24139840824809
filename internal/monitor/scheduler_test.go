package monitor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"groupwatch/internal/storage"
	logx "groupwatch/pkg/logx"
)

type fakeProvider struct {
	mu      sync.Mutex
	members map[string][]Member
	errs    map[string]error
	panics  map[string]bool
	calls   []string
}

func (p *fakeProvider) Fetch(ctx context.Context, group string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, group)
	if p.panics[group] {
		panic("provider exploded")
	}
	if err := p.errs[group]; err != nil {
		return nil, err
	}
	return append([]Member(nil), p.members[group]...), nil
}

func (p *fakeProvider) set(group string, ms ...Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.members == nil {
		p.members = map[string][]Member{}
	}
	p.members[group] = ms
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []Departure
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, dep Departure) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, dep)
	return nil
}

func (d *fakeDispatcher) departures() []Departure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Departure(nil), d.sent...)
}

// tick fires a fixed duration after every activation.
type tick time.Duration

func (t tick) Next(now time.Time) time.Time { return now.Add(time.Duration(t)) }

type harness struct {
	store    *storage.Memory
	provider *fakeProvider
	disp     *fakeDispatcher
	state    *State
	sched    *Scheduler
}

func newHarness(t *testing.T, pending bool, groups ...string) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemory(),
		provider: &fakeProvider{errs: map[string]error{}, panics: map[string]bool{}},
		disp:     &fakeDispatcher{},
		state:    NewState(pending),
	}
	diff := NewDiffEngine(h.store, h.state, logx.Nop())
	h.sched = NewScheduler(Settings{Groups: groups, Schedule: tick(time.Hour)}, h.provider, diff, h.disp, h.state, logx.Nop())
	return h
}

func TestDebugLogListsFetchedMembers(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := newHarness(t, true, "g")
	h.sched.log = logx.New(&buf, logx.LevelDebug)
	h.provider.set("g", Member{ID: "wxid_a", Name: "A"}, Member{ID: "wxid_b", Name: "B"})
	h.sched.RunPass(context.Background())
	if out := buf.String(); !strings.Contains(out, "wxid_a") || !strings.Contains(out, "wxid_b") {
		t.Fatalf("debug log lacks member ids: %s", out)
	}

	buf.Reset()
	h.sched.log = logx.New(&buf, logx.LevelInfo)
	h.sched.RunPass(context.Background())
	if strings.Contains(buf.String(), "wxid_a") {
		t.Fatalf("member ids logged at info: %s", buf.String())
	}
}

func TestRunPassFirstPopulationThenDeparture(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, true, "g1", "g2")
	h.provider.set("g1", Member{ID: "a", Name: "Alice"}, Member{ID: "b", Name: "Bob"})
	h.provider.set("g2", Member{ID: "c", Name: "Carol"})

	if n := h.sched.RunPass(ctx); n != 0 {
		t.Fatalf("first pass dispatched %d, want 0", n)
	}
	if h.state.PendingFirstPopulation() {
		t.Fatal("gate still pending after a full pass")
	}
	if n, _ := h.store.Count(ctx); n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}

	h.provider.set("g1", Member{ID: "a", Name: "Alice"})
	if n := h.sched.RunPass(ctx); n != 1 {
		t.Fatalf("second pass dispatched %d, want 1", n)
	}
	sent := h.disp.departures()
	if len(sent) != 1 || sent[0].MemberID != "b" || sent[0].DisplayName != "Bob" || sent[0].GroupID != "g1" {
		t.Fatalf("sent = %+v", sent)
	}

	snap := h.sched.Snapshot()
	if snap.Passes != 2 || snap.LastDepartures != 1 || snap.TotalDepartures != 1 || snap.Pending {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunPassGroupAddedLaterIsBaselined(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, false, "g1")
	h.provider.set("g1", Member{ID: "a", Name: "A"})
	h.provider.set("new", Member{ID: "x", Name: "X"})
	h.sched.RunPass(ctx)

	h.sched.Apply(Settings{Groups: []string{"g1", "new"}, Schedule: tick(time.Hour)})
	if n := h.sched.RunPass(ctx); n != 0 {
		t.Fatalf("dispatched %d for a freshly added group", n)
	}
	rows, _ := h.store.Members(ctx, "new")
	if len(rows) != 1 {
		t.Fatalf("new group rows = %v", rows)
	}
}

func TestRunPassIsolatesFailingGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, false, "bad", "boom", "good")
	seed(t, h.store, "good", map[string]string{"a": "A", "b": "B"})
	seed(t, h.store, "bad", map[string]string{"z": "Z"})
	h.provider.errs["bad"] = errors.New("connection refused")
	h.provider.panics["boom"] = true
	h.provider.set("good", Member{ID: "a", Name: "A"})

	if n := h.sched.RunPass(ctx); n != 1 {
		t.Fatalf("detected %d, want 1 from the healthy group", n)
	}
	if rows, _ := h.store.Members(ctx, "bad"); len(rows) != 1 {
		t.Fatalf("failed fetch touched snapshot: %v", rows)
	}

	snap := h.sched.Snapshot()
	if _, ok := snap.GroupErrors["bad"]; !ok {
		t.Fatalf("GroupErrors = %v, want bad", snap.GroupErrors)
	}
	if _, ok := snap.GroupErrors["boom"]; !ok {
		t.Fatalf("GroupErrors = %v, want boom", snap.GroupErrors)
	}
	if _, ok := snap.GroupErrors["good"]; ok {
		t.Fatalf("GroupErrors = %v, good should be clean", snap.GroupErrors)
	}
	if snap.Passes != 1 {
		t.Fatalf("Passes = %d, want a completed pass despite failures", snap.Passes)
	}
}

func TestRunPassEmptyFetchSkipsDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, false, "g")
	seed(t, h.store, "g", map[string]string{"a": "A", "b": "B"})
	h.provider.set("g")

	if n := h.sched.RunPass(ctx); n != 0 {
		t.Fatalf("dispatched %d on empty fetch", n)
	}
	if rows, _ := h.store.Members(ctx, "g"); len(rows) != 2 {
		t.Fatalf("empty fetch changed snapshot: %v", rows)
	}
}

func TestRunPassDispatchFailureKeepsDeletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, false, "g")
	seed(t, h.store, "g", map[string]string{"a": "A", "b": "B"})
	h.provider.set("g", Member{ID: "a", Name: "A"})
	h.disp.err = errors.New("send failed")

	if n := h.sched.RunPass(ctx); n != 1 {
		t.Fatalf("detected %d departures, want 1", n)
	}
	snap := h.sched.Snapshot()
	if snap.TotalDepartures != 1 || snap.TotalNoticeFailures != 1 {
		t.Fatalf("snapshot = %+v, want the failed notice counted", snap)
	}
	rows, _ := h.store.Members(ctx, "g")
	if _, ok := rows["b"]; ok {
		t.Fatal("departed row restored after dispatch failure")
	}

	h.disp.mu.Lock()
	h.disp.err = nil
	h.disp.mu.Unlock()
	if n := h.sched.RunPass(ctx); n != 0 {
		t.Fatalf("departure re-sent on next pass: %d", n)
	}
	if got := h.disp.departures(); len(got) != 0 {
		t.Fatalf("sent = %+v", got)
	}
}

func TestRunPassEmptyGroupsKeepsGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.sched.RunPass(context.Background())
	if !h.state.PendingFirstPopulation() {
		t.Fatal("gate cleared without visiting any group")
	}
}

func TestRunPassCancelledKeepsGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, "g1", "g2")
	h.provider.set("g1", Member{ID: "a"})
	h.provider.set("g2", Member{ID: "b"})
	h.sched.Apply(Settings{Groups: []string{"g1", "g2"}, Schedule: tick(time.Hour), GroupDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	h.sched.RunPass(ctx)
	if !h.state.PendingFirstPopulation() {
		t.Fatal("gate cleared by an interrupted pass")
	}
	if rows, _ := h.store.Members(context.Background(), "g2"); len(rows) != 0 {
		t.Fatalf("g2 visited after cancel: %v", rows)
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s, err := ParseSchedule(300*time.Second, "")
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if got := s.Next(base); !got.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("interval next = %v", got)
	}

	s, err = ParseSchedule(0, "*/15 * * * *")
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if got := s.Next(base.Add(time.Minute)); !got.Equal(base.Add(15 * time.Minute)) {
		t.Fatalf("cron next = %v", got)
	}

	if _, err := ParseSchedule(0, "@every 30s"); err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if _, err := ParseSchedule(0, ""); err == nil {
		t.Fatal("zero interval accepted")
	}
	if _, err := ParseSchedule(time.Minute, "not a cron"); err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, "g")
	h.provider.set("g", Member{ID: "a", Name: "A"})
	h.sched.Apply(Settings{Groups: []string{"g"}, Schedule: tick(10 * time.Millisecond)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.sched.Snapshot().Passes < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("passes = %d after 2s", h.sched.Snapshot().Passes)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWithoutSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, "g")
	h.sched.Apply(Settings{Groups: []string{"g"}})
	if err := h.sched.Run(context.Background()); !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("err = %v, want ErrNoSchedule", err)
	}
}
