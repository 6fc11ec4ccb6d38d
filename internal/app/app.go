package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qualix/internal/config"
	"qualix/internal/eventbus"
	"qualix/internal/observability/diag"
	"qualix/internal/runtime/supervisor"
	"qualix/internal/scheduler"
	"qualix/internal/storage"
	"qualix/internal/trigger"
	logx "qualix/pkg/logx"
	"qualix/pkg/systemd"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	sup *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	journal storage.Journal
	rec     *storage.Recorder

	stopRecorder context.CancelFunc

	sched    *scheduler.Scheduler
	triggers *trigger.Service
	diag     *diag.Service
	sd       *systemd.Notifier

	// mu guards the worker pools, which hot reload replaces.
	mu     sync.Mutex
	pool   *scheduler.Pool
	scaler *scheduler.Autoscaler
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		journal storage.Journal
		rec     *storage.Recorder
	)
	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		jlog := log.With(logx.String("comp", "journal"))
		journal, err = storage.Open(jc, jlog)
		if err != nil {
			return nil, err
		}
		rec = storage.NewRecorder(journal, bus, 256, jlog)
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}

	sched := scheduler.New(
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithFailedQueueSize(cfg.Scheduler.FailedQueueSize),
	)

	stTimeout, err := selfTestTimeout(cfg)
	if err != nil {
		return nil, err
	}
	trig := trigger.New(mapTriggerConfig(cfg), sched, log.With(logx.String("comp", "trigger")), bus)
	trig.Register(trigger.GraphSelfTest, trigger.SelfTestGraph(log.With(logx.String("comp", "selftest")), stTimeout))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		journal:  journal,
		rec:      rec,
		sched:    sched,
		triggers: trig,
		sd:       systemd.New(cfg.Systemd.Notify || cfg.Systemd.Watchdog, log.With(logx.String("comp", "systemd"))),
	}
	diagCfg, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.diag = diag.New(diagCfg, diag.Sources{
		Scheduler:  sched,
		Triggers:   trig.Snapshot,
		Journal:    journal,
		Supervisor: a.supervisorSnapshot,
		Health:     a.health,
	}, log.With(logx.String("comp", "diag")))
	return a, nil
}

// Scheduler is the queue graphs are submitted to.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Triggers exposes the trigger service (Fire, Snapshot).
func (a *App) Triggers() *trigger.Service { return a.triggers }

// RegisterGraph makes a job graph available to trigger definitions. Call it
// before Start so config validation can resolve the name.
func (a *App) RegisterGraph(name string, fn trigger.GraphFunc) {
	a.triggers.Register(name, fn)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) supervisorSnapshot() supervisor.Snapshot { return a.sup.Snapshot() }

// health is reported by /healthz and gates watchdog pings.
func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if !a.sched.IsExecuting() {
		return errors.New("no worker pool running")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return a.validate(c) })
	if err := a.validate(cfg); err != nil {
		return err
	}

	if cfg.Scheduler.SelfTestOnStart {
		if err := a.runSelfTest(ctx, cfg); err != nil {
			return err
		}
	}

	if a.rec != nil {
		// Outlives the run context: outcomes of jobs still running at stop
		// are recorded once the workers have drained.
		recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopRecorder = cancel
		a.sup.Go("journal.recorder", func(context.Context) error { return a.rec.Run(recCtx) })
	}

	if err := a.startWorkers(cfg); err != nil {
		return err
	}
	if err := a.triggers.Start(a.sup.Context()); err != nil {
		return err
	}
	a.diag.Start(a.sup.Context())

	// Keep this debug-level to avoid noise for busy schedulers.
	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128, "trigger.")
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	if cfg.Systemd.Watchdog {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.RunWatchdog(c, a.health) })
	}

	a.log.Info("app started", logx.Int("workers", workerCount(cfg)), logx.Int("triggers", len(cfg.Triggers)))
	return nil
}

// validate adds the checks that need runtime state (registered graphs).
func (a *App) validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapAutoscaleConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapJournalConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	var errs []error
	for _, t := range cfg.Triggers {
		if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.Name, err))
		}
		if !a.triggers.HasGraph(strings.TrimSpace(t.Graph)) {
			errs = append(errs, fmt.Errorf("trigger %s: %w: %s", t.Name, trigger.ErrUnknownGraph, t.Graph))
		}
	}
	return errors.Join(errs...)
}

func (a *App) runSelfTest(ctx context.Context, cfg *config.Config) error {
	timeout, _ := selfTestTimeout(cfg)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rep, err := scheduler.SelfTest(sctx, a.log.With(logx.String("comp", "selftest")))
	if err != nil {
		a.log.Error("startup self-test failed", logx.Err(err), logx.Any("failed", rep.Failed))
		return fmt.Errorf("startup self-test: %w", err)
	}
	a.log.Info("startup self-test passed", logx.Duration("took", rep.Took))
	return nil
}

func (a *App) startWorkers(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.sched.StartPool(workerCount(cfg))
	if err != nil {
		return err
	}
	a.pool = p
	return a.startScalerLocked(cfg)
}

func (a *App) startScalerLocked(cfg *config.Config) error {
	ac, enabled, err := mapAutoscaleConfig(cfg)
	if err != nil || !enabled {
		return err
	}
	a.scaler = scheduler.NewAutoscaler(a.sched, ac)
	return a.scaler.Start(a.sup.Context())
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "diag", 1*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "autoscale", 5*time.Second, func(c context.Context) error {
		a.mu.Lock()
		sc := a.scaler
		a.scaler = nil
		a.mu.Unlock()
		if sc != nil {
			return sc.Stop(c)
		}
		return nil
	})
	// Running jobs complete; queued jobs stay queued.
	a.step(ctx, "workers", 10*time.Second, a.sched.StopExecute)
	// The recorder drains buffered outcomes before the supervisor returns.
	if a.stopRecorder != nil {
		a.stopRecorder()
	}
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "journal", 1*time.Second, func(context.Context) error {
		if a.journal != nil {
			return a.journal.Close()
		}
		return nil
	})

	if a.rec != nil {
		w, f, d := a.rec.Counters()
		a.log.Info("journal recorder stopped", logx.Uint64("written", w), logx.Uint64("failed", f), logx.Uint64("dropped", d))
	}
	b, r := a.sched.QueueLengths()
	a.log.Info("stopped", logx.Int("blocked", b), logx.Int("runnable", r))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall
// the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		max = time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
