package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"groupwatch/internal/config"
	"groupwatch/internal/monitor"
	"groupwatch/internal/notifier"
	"groupwatch/internal/runtime/supervisor"
	"groupwatch/internal/storage"
	"groupwatch/internal/transport"
	"groupwatch/internal/transport/telegram"
	"groupwatch/internal/transport/wechat"
	logx "groupwatch/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

const defaultStatusEvery = 10 * time.Minute

// App is the host process: it owns the store handle, the protocol client,
// the dispatcher and the monitor loop, and ties them to config reloads.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service
	sd   *sdNotifier

	store  storage.Store
	state  *monitor.State
	client *wechat.Client
	disp   *notifier.Dispatcher
	sched  *monitor.Scheduler

	// applied is the config the running components reflect. Only the
	// reload goroutine touches it after Start.
	applied     *config.Config
	statusEvery time.Duration
}

// New loads cfgPath, opens the store and builds every component. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error { return validateConfig(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.NewService(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := build(cfgm, cfg, logs, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logs *logx.Service, log logx.Logger) (*App, error) {
	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logs,
		sd:          newSDNotifier(cfg.SystemdNotify(), log.With(logx.String("comp", "systemd"))),
		applied:     cfg,
		statusEvery: defaultStatusEvery,
	}
	ctx := context.Background()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = a.store.Close()
		return nil, err
	}

	var rows int
	a.state, rows, err = monitor.SeedState(ctx, a.store)
	if err != nil {
		return fail(fmt.Errorf("seed state: %w", err))
	}
	if a.state.PendingFirstPopulation() {
		log.Info("first run: empty store, the first pass records a baseline")
	} else {
		log.Info("store loaded", logx.String("driver", sc.Driver), logx.Int("rows", rows))
	}
	a.logStaleGroups(ctx, cfg.Monitor.Groups())

	pc, err := mapProtocolConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.client, err = wechat.New(pc, log.With(logx.String("comp", "wechat")))
	if err != nil {
		return fail(err)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	var mirrors []transport.Mirror
	if tc, ok := mapTelegramConfig(cfg, pc.Timeout); ok {
		m, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(fmt.Errorf("telegram mirror: %w", err))
		}
		mirrors = append(mirrors, m)
	}
	a.disp = notifier.New(nc, mapTemplates(cfg), a.client, log.With(logx.String("comp", "notifier")), mirrors...)

	settings, err := mapMonitorSettings(cfg)
	if err != nil {
		return fail(err)
	}
	mlog := log.With(logx.String("comp", "monitor"))
	diff := monitor.NewDiffEngine(a.store, a.state, mlog)
	a.sched = monitor.NewScheduler(settings, a.client, diff, a.disp, a.state, mlog)

	log.Info("app ready",
		logx.String("config", cfgm.Path()),
		logx.String("protocol", a.client.BaseURL()),
		logx.Int("groups", len(settings.Groups)),
		logx.Int("mirrors", len(mirrors)),
	)
	return a, nil
}

// logStaleGroups reports stored groups that are no longer configured. Their
// rows are kept so monitoring can resume without a new baseline.
func (a *App) logStaleGroups(ctx context.Context, configured []string) {
	stored, err := a.store.Groups(ctx)
	if err != nil {
		a.log.Warn("list stored groups failed", logx.Err(err))
		return
	}
	for _, g := range stored {
		if !slices.Contains(configured, g) {
			a.log.Info("stored group is not monitored", logx.String("group", g))
		}
	}
}

// Start launches the monitor loop, the config watcher with its reload
// fan-out, the status reporter and the systemd watchdog.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.sup.GoRestart("monitor.loop", a.sched.Run,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		// Run returns nil only on shutdown; any other return is restarted.
		supervisor.WithStopOnCleanExit(false),
	)

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.Go("status", a.reportStatus)

	if every := a.sd.watchdogInterval(); every > 0 {
		a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
		a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
			return a.sd.runWatchdog(ctx, every)
		})
	}

	a.sd.ready()
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the hot-reloadable parts.
func (a *App) applyConfig(cfg *config.Config) {
	ch := config.SummarizeConfigChange(a.applied, cfg)
	a.applied = cfg
	if ch.Empty() {
		a.log.Debug("config reloaded without effective changes")
		return
	}

	a.logs.Apply(mapLogConfig(cfg))
	if settings, err := mapMonitorSettings(cfg); err != nil {
		a.log.Warn("monitor settings not applied", logx.Err(err))
	} else {
		a.sched.Apply(settings)
	}
	if nc, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("notifier settings not applied", logx.Err(err))
	} else {
		a.disp.Apply(nc, mapTemplates(cfg))
	}

	fields := append([]logx.Field{logx.Strings("sections", ch.Sections)}, ch.Attrs...)
	a.log.Info("config applied", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("restart required for config changes", logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
}

func (a *App) reportStatus(ctx context.Context) error {
	t := time.NewTicker(a.statusEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			snap := a.sched.Snapshot()
			a.log.Info("status",
				logx.Int64("passes", int64(snap.Passes)),
				logx.Int64("departures", int64(snap.TotalDepartures)),
				logx.Int64("notice_failures", int64(snap.TotalNoticeFailures)),
				logx.Int("group_errors", len(snap.GroupErrors)),
				logx.Bool("first_population", snap.Pending),
				logx.Time("last_pass_end", snap.LastPassEnd),
			)
			a.sd.status(statusLine(snap))
		}
	}
}

func statusLine(snap monitor.Snapshot) string {
	return fmt.Sprintf("passes=%d departures=%d notice_failures=%d", snap.Passes, snap.TotalDepartures, snap.TotalNoticeFailures)
}

// Done is closed when the app's run context ends, including after a fatal
// supervisor error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the fatal error that ended the app, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Snapshot exposes the monitor counters.
func (a *App) Snapshot() monitor.Snapshot { return a.sched.Snapshot() }

// Stop cancels every goroutine and releases the store. Each step is bounded
// so one stuck component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()
	a.sup.Cancel()

	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound that never extends ctx's deadline. A step
// that overruns is left running and its late completion is logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
	}
}
