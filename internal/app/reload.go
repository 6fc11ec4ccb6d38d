package app

import (
	"context"
	"strings"
	"time"

	"qualix/internal/config"
	logx "qualix/pkg/logx"
)

// reloadLoop applies configs published by the config watcher.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "scheduler":
			a.applyScheduler(c, oldCfg, newCfg)
			// timezone lives in the scheduler section
			if err := a.triggers.Apply(mapTriggerConfig(newCfg)); err != nil {
				a.log.Warn("some triggers are invalid", logx.Err(err))
			}
		case "triggers":
			a.applyTriggers(c, newCfg)
		case "diag":
			dc, err := mapDiagConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
				continue
			}
			a.diag.Reconfigure(c, dc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTriggers(c context.Context, newCfg *config.Config) {
	tc := mapTriggerConfig(newCfg)
	if err := a.triggers.Apply(tc); err != nil {
		a.log.Warn("some triggers are invalid", logx.Err(err))
	}
	// Start is a no-op when already running or when no trigger is defined.
	if tc.Enabled {
		if err := a.triggers.Start(c); err != nil {
			a.log.Warn("trigger service start failed", logx.Err(err))
		}
		return
	}
	stopCtx, cancel := context.WithTimeout(c, 2*time.Second)
	a.triggers.Stop(stopCtx)
	cancel()
}

// applyScheduler resizes the fixed pool and restarts the autoscaler. A new
// pool is started before the old one stops so jobs keep flowing; jobs the
// old pool is running complete on it.
func (a *App) applyScheduler(c context.Context, oldCfg, newCfg *config.Config) {
	if oldCfg.Scheduler.FailedQueueSize != newCfg.Scheduler.FailedQueueSize {
		a.log.Warn("scheduler.failed_queue_size changed; restart required for changes to take effect")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if n := workerCount(newCfg); a.pool == nil || a.pool.Size() != n {
		p, err := a.sched.StartPool(n)
		if err != nil {
			a.log.Warn("worker pool resize failed; keeping previous", logx.Err(err))
		} else {
			old := a.pool
			a.pool = p
			if old != nil {
				a.sup.Go0("pool.retire", func(context.Context) {
					// Bounded by the jobs the old pool is running.
					_ = old.Stop(context.Background())
				})
			}
			a.log.Info("worker pool resized", logx.Int("workers", n))
		}
	}

	if oldCfg.Scheduler.Autoscale == newCfg.Scheduler.Autoscale {
		return
	}
	if a.scaler != nil {
		stopCtx, cancel := context.WithTimeout(c, 5*time.Second)
		if err := a.scaler.Stop(stopCtx); err != nil {
			a.log.Warn("autoscaler stop incomplete", logx.Err(err))
		}
		cancel()
		a.scaler = nil
	}
	if err := a.startScalerLocked(newCfg); err != nil {
		a.log.Warn("autoscaler restart failed", logx.Err(err))
	}
}
