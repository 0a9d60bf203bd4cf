// Package sdnotify reports service state to systemd (Type=notify units).
// Every call is a no-op when NOTIFY_SOCKET is unset.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobmgr/pkg/logx"
)

type Notifier struct {
	log logx.Logger

	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "sdnotify")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) Ready() bool     { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool  { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Watchdog pings systemd at half the configured WatchdogSec while healthy
// reports true. It returns immediately if the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := n.watchdog()
	if err != nil {
		n.log.Warn("sd watchdog config invalid", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("sd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
