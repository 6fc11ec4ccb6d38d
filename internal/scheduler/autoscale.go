package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"qualix/internal/runtime/supervisor"
	logx "qualix/pkg/logx"
)

// AutoscaleConfig bounds an Autoscaler. Zero values get defaults.
type AutoscaleConfig struct {
	Min      int
	Max      int
	Tick     time.Duration
	Cooldown time.Duration
}

const idleDownAfter = 3 // ticks

func (c AutoscaleConfig) withDefaults() AutoscaleConfig {
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Max == 0 {
		c.Max = 1
	}
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 6 * time.Second
	}
	return c
}

// Autoscaler grows and shrinks a set of single-worker pools on top of a
// Scheduler. It adds a worker while runnable jobs wait and every worker is
// busy, and removes one after sustained idleness. Changes are paced by a
// token bucket (ups) and a cooldown (downs).
type Autoscaler struct {
	s   *Scheduler
	cfg AutoscaleConfig
	log logx.Logger

	mu         sync.Mutex
	pools      []*Pool
	limiter    *rate.Limiter
	lastChange time.Time
	idleTicks  int
	sup        *supervisor.Supervisor
}

func NewAutoscaler(s *Scheduler, cfg AutoscaleConfig) *Autoscaler {
	cfg = cfg.withDefaults()
	return &Autoscaler{
		s:       s,
		cfg:     cfg,
		log:     s.log.With(logx.String("comp", "autoscale")),
		limiter: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
	}
}

// Start brings the pool count up to Min and runs the controller until Stop
// or ctx is done.
func (a *Autoscaler) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup := a.sup
	a.mu.Unlock()

	for a.Size() < a.cfg.Min {
		if err := a.grow(time.Now(), "min"); err != nil {
			return err
		}
	}
	sup.Go0("autoscale", func(ctx context.Context) {
		t := time.NewTicker(a.cfg.Tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				a.tick(now)
			}
		}
	})
	return nil
}

// Stop halts the controller and every pool it started.
func (a *Autoscaler) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	pools := a.pools
	a.pools = nil
	a.sup = nil
	a.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			return err
		}
	}
	for _, p := range pools {
		p.sup.Cancel()
	}
	for _, p := range pools {
		if err := p.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Size is the number of live workers managed by the autoscaler.
func (a *Autoscaler) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	return len(a.pools)
}

func (a *Autoscaler) pruneLocked() {
	live := a.pools[:0]
	for _, p := range a.pools {
		if !p.Stopping() {
			live = append(live, p)
		}
	}
	clear(a.pools[len(live):])
	a.pools = live
}

func (a *Autoscaler) grow(now time.Time, reason string) error {
	p, err := a.s.StartPool(1)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.pools = append(a.pools, p)
	a.lastChange = now
	n := len(a.pools)
	a.mu.Unlock()
	a.log.Debug("autoscale.grow", logx.String("reason", reason), logx.Int("workers", n))
	return nil
}

func (a *Autoscaler) tick(now time.Time) {
	_, runnable := a.s.QueueLengths()

	a.mu.Lock()
	a.pruneLocked()
	size := len(a.pools)
	idle := 0
	for _, p := range a.pools {
		idle += p.Idle()
	}
	if runnable == 0 && idle == size {
		a.idleTicks++
	} else {
		a.idleTicks = 0
	}

	// Shrink on sustained idle, newest pool first.
	if a.idleTicks >= idleDownAfter && size > a.cfg.Min && now.Sub(a.lastChange) >= a.cfg.Cooldown {
		p := a.pools[size-1]
		a.pools = a.pools[:size-1]
		a.lastChange = now
		a.idleTicks = 0
		a.mu.Unlock()
		p.sup.Cancel()
		a.log.Debug("autoscale.shrink", logx.String("reason", "idle"), logx.Int("workers", size-1))
		return
	}
	growOK := runnable > 0 && idle == 0 && size < a.cfg.Max && a.limiter.AllowN(now, 1)
	a.mu.Unlock()

	if growOK {
		if err := a.grow(now, "backlog"); err != nil {
			a.log.Warn("autoscale.grow failed", logx.Err(err))
		}
	}
}
