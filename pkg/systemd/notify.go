// Package systemd wraps the sd_notify protocol for Type=notify units.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "qualix/pkg/logx"
)

// Notifier sends readiness, status and watchdog messages. Outside a
// notify unit (NOTIFY_SOCKET unset) every call is a no-op.
type Notifier struct {
	log     logx.Logger
	enabled bool

	// swappable for tests
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, enabled: enabled, notify: daemon.SdNotify, watchdog: daemon.SdWatchdogEnabled}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the unit has no
// watchdog.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// RunWatchdog pings every interval while healthy returns nil. A failing
// health check skips the ping so systemd restarts the unit. It returns when
// ctx is done or immediately if no watchdog is configured.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() error) {
	every := n.WatchdogInterval()
	if every <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					n.log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
