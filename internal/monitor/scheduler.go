package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "groupwatch/pkg/logx"
)

// DefaultGroupDelay spaces out provider calls within one pass.
const DefaultGroupDelay = time.Second

// fallbackWait is used when a schedule yields no future activation.
const fallbackWait = time.Minute

var ErrNoSchedule = errors.New("monitor: no schedule configured")

// scheduleParser accepts 5- or 6-field cron specs and descriptors such as
// "@every 5m" or "@hourly".
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule returns the trigger for the idle wait between passes: the
// cron expression when set, otherwise a constant delay of interval.
func ParseSchedule(interval time.Duration, expr string) (cron.Schedule, error) {
	if expr = strings.TrimSpace(expr); expr != "" {
		sched, err := scheduleParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("monitor.schedule: invalid %q: %w", expr, err)
		}
		return sched, nil
	}
	if interval < time.Second {
		return nil, fmt.Errorf("monitor.check_interval must be >= 1s, got %s", interval)
	}
	return cron.Every(interval), nil
}

// Settings is the hot-swappable part of the scheduler configuration.
type Settings struct {
	Groups     []string
	Schedule   cron.Schedule
	GroupDelay time.Duration
}

// Snapshot is a point-in-time view of scheduler progress.
type Snapshot struct {
	Passes        uint64
	LastPassStart time.Time
	LastPassEnd   time.Time

	// Departures count detected transitions, whether or not their notice
	// was delivered. TotalNoticeFailures counts the failed notices.
	LastDepartures      int
	TotalDepartures     uint64
	TotalNoticeFailures uint64

	Pending     bool
	GroupErrors map[string]string
}

// Scheduler drives the poll-diff-notify cycle. Run it from exactly one
// goroutine.
type Scheduler struct {
	provider   Provider
	diff       *DiffEngine
	dispatcher Dispatcher
	state      *State
	log        logx.Logger

	mu       sync.Mutex
	settings Settings
	stats    Snapshot
}

func NewScheduler(settings Settings, provider Provider, diff *DiffEngine, dispatcher Dispatcher, state *State, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		provider:   provider,
		diff:       diff,
		dispatcher: dispatcher,
		state:      state,
		log:        log,
		stats:      Snapshot{GroupErrors: map[string]string{}},
	}
	s.Apply(settings)
	return s
}

// Apply replaces groups, schedule and delay. A pass already in progress
// finishes with the settings it started with.
func (s *Scheduler) Apply(settings Settings) {
	settings.Groups = append([]string(nil), settings.Groups...)
	if settings.GroupDelay < 0 {
		settings.GroupDelay = 0
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *Scheduler) current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Snapshot returns a copy of the progress counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Pending = s.state.PendingFirstPopulation()
	out.GroupErrors = make(map[string]string, len(s.stats.GroupErrors))
	for k, v := range s.stats.GroupErrors {
		out.GroupErrors[k] = v
	}
	return out
}

// Run polls until ctx is cancelled. The first pass starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	cur := s.current()
	if cur.Schedule == nil {
		return ErrNoSchedule
	}
	s.log.Info("monitor loop started",
		logx.Int("groups", len(cur.Groups)),
		logx.Bool("first_population", s.state.PendingFirstPopulation()),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		cur = s.current()
		if len(cur.Groups) == 0 {
			s.log.Debug("no groups configured; idle")
		} else {
			s.RunPass(ctx)
		}

		wait := nextWait(cur.Schedule, time.Now())
		s.log.Debug("idle", logx.Duration("wait", wait))
		if !sleepCtx(ctx, wait) {
			s.log.Info("monitor loop stopped")
			return nil
		}
	}
}

// RunPass visits every configured group once and returns the number of
// departures detected. After the first complete pass the first-population
// gate is cleared.
func (s *Scheduler) RunPass(ctx context.Context) int {
	cur := s.current()
	if len(cur.Groups) == 0 {
		return 0
	}

	start := time.Now()
	s.mu.Lock()
	s.stats.LastPassStart = start
	s.mu.Unlock()

	total, failed := 0, 0
	for i, group := range cur.Groups {
		if ctx.Err() != nil {
			s.log.Debug("pass interrupted", logx.Int("visited", i))
			return total
		}
		n, nf, err := s.processGroup(ctx, group)
		total += n
		failed += nf
		s.noteGroup(group, err)

		if !sleepCtx(ctx, cur.GroupDelay) {
			return total
		}
	}

	if s.state.completeFirstPass() {
		s.log.Info("first pass complete; all group members recorded")
	}

	end := time.Now()
	s.mu.Lock()
	s.stats.Passes++
	s.stats.LastPassEnd = end
	s.stats.LastDepartures = total
	s.stats.TotalDepartures += uint64(total)
	s.stats.TotalNoticeFailures += uint64(failed)
	s.mu.Unlock()

	s.log.Debug("pass finished",
		logx.Int("groups", len(cur.Groups)),
		logx.Int("departures", total),
		logx.Int("notice_failures", failed),
		logx.Duration("took", end.Sub(start)),
	)
	return total
}

// processGroup runs fetch, diff and dispatch for one group. Every failure
// stays inside this call.
func (s *Scheduler) processGroup(ctx context.Context, group string) (detected, failed int, err error) {
	log := s.log.With(logx.String("group", group))
	defer func() {
		if r := recover(); r != nil {
			log.Error("group processing panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	log.Debug("fetching members")
	members, err := s.provider.Fetch(ctx, group)
	if err != nil {
		log.Warn("member fetch failed", logx.Err(err))
		return 0, 0, fmt.Errorf("fetch: %w", err)
	}
	if len(members) == 0 {
		log.Warn("member list empty; skipping diff")
		return 0, 0, nil
	}
	if log.Enabled(logx.LevelDebug) {
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		log.Debug("members fetched", logx.Int("count", len(members)), logx.Strings("ids", ids))
	}

	departures, err := s.diff.Update(ctx, group, members)
	if err != nil {
		log.Error("snapshot update failed", logx.Err(err))
		return 0, 0, fmt.Errorf("update: %w", err)
	}

	detected = len(departures)
	var sendErr error
	for _, d := range departures {
		if err := s.dispatcher.Send(ctx, d); err != nil {
			log.Error("departure notice failed", logx.String("member", d.MemberID), logx.Err(err))
			sendErr = errors.Join(sendErr, err)
			failed++
		}
	}
	if sendErr != nil {
		return detected, failed, fmt.Errorf("dispatch: %w", sendErr)
	}
	return detected, 0, nil
}

func (s *Scheduler) noteGroup(group string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.stats.GroupErrors, group)
		return
	}
	s.stats.GroupErrors[group] = err.Error()
}

func nextWait(sched cron.Schedule, now time.Time) time.Duration {
	next := sched.Next(now)
	if next.IsZero() {
		return fallbackWait
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
