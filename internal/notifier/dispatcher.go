package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupwatch/internal/monitor"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

var ErrNoSender = errors.New("notifier: no sender configured")

const historySize = 300

// Dispatcher delivers departure notices. It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	tmpl    Templates
	limiter *rate.Limiter

	primary transport.Sender
	mirrors []transport.Mirror
	log     logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, tmpl Templates, primary transport.Sender, log logx.Logger, mirrors ...transport.Mirror) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{primary: primary, log: log}
	for _, m := range mirrors {
		if m != nil {
			d.mirrors = append(d.mirrors, m)
		}
	}
	d.Apply(cfg, tmpl)
	return d
}

// Apply swaps pacing and templates. In-flight sends keep their snapshot.
func (d *Dispatcher) Apply(cfg Config, tmpl Templates) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiter == nil || d.cfg.RatePerSec != cfg.RatePerSec {
		// Burst equals the per-second rate so short spikes don't block.
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.cfg = cfg
	d.tmpl = tmpl
}

// Send renders dep and delivers it to its group, then to every mirror.
func (d *Dispatcher) Send(ctx context.Context, dep monitor.Departure) error {
	d.mu.Lock()
	cfg, tmpl, lim := d.cfg, d.tmpl, d.limiter
	d.mu.Unlock()

	if d.primary == nil {
		return ErrNoSender
	}
	n := Render(tmpl, dep)
	log := d.log.With(logx.String("group", dep.GroupID), logx.String("member", dep.MemberID))

	err := d.deliver(ctx, cfg, lim, d.primary, dep.GroupID, n, log)
	d.appendHistory(dep, n, err)
	if err == nil {
		log.Info("departure notice sent", logx.Bool("card", n.Link != nil))
	}

	for _, m := range d.mirrors {
		if merr := d.deliver(ctx, cfg, lim, m, dep.GroupID, n, log); merr != nil {
			log.Warn("mirror send failed", logx.String("mirror", m.Name()), logx.Err(merr))
		}
	}
	return err
}

// History returns recently attempted notices, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) appendHistory(dep monitor.Departure, n Notice, err error) {
	it := HistoryItem{At: time.Now(), GroupID: dep.GroupID, Member: dep.MemberID, Text: n.Text}
	if err != nil {
		it.Err = err.Error()
	}
	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, s transport.Sender, chatID string, n Notice, log logx.Logger) error {
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		var err error
		if n.Link != nil {
			err = s.SendLink(callCtx, chatID, *n.Link)
		} else {
			err = s.SendText(callCtx, chatID, n.Text)
		}
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Debug("notice send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if !errors.Is(err, transport.ErrNotDelivered) {
			// The receiver may already have the notice.
			return fmt.Errorf("attempt %d, not retried: %w", attempt, err)
		}
		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), jittered
// by 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
