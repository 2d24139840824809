package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "groupwatch/pkg/logx"
)

// sdNotifier sends sd_notify state messages when enabled. Outside a
// systemd unit every call is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger

	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func newSDNotifier(enabled bool, log logx.Logger) *sdNotifier {
	return &sdNotifier{
		enabled:  enabled,
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		n.log.Debug("sd_notify not supported", logx.String("state", state))
	}
}

func (n *sdNotifier) ready()            { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) stopping()         { n.send(daemon.SdNotifyStopping) }
func (n *sdNotifier) status(msg string) { n.send("STATUS=" + msg) }

// watchdogInterval returns half of WatchdogSec, or 0 when the unit has no
// watchdog.
func (n *sdNotifier) watchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// runWatchdog pings WATCHDOG=1 every interval until ctx ends.
func (n *sdNotifier) runWatchdog(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	n.send(daemon.SdNotifyWatchdog)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
