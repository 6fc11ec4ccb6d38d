package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	logx "qualix/pkg/logx"
)

var ErrSelfTest = errors.New("scheduler self-test failed")

// SelfTestReport is the outcome of SelfTest.
type SelfTestReport struct {
	Took   time.Duration    `json:"took"`
	States map[string]State `json:"states"`
	Failed []string         `json:"failed,omitempty"`
}

func (r SelfTestReport) OK() bool { return len(r.Failed) == 0 }

// SelfTest runs the canonical dependency scenario on a private scheduler:
//
//	A(5)  B(10)->A  C(15)->A  D(20)->{B,C}  E(1)->B
//
// With four workers, waiting on E must leave A, B and E Finished, C Running and
// D Queued. C is then released and must finish after the pool has stopped,
// while D stays Queued. Any mismatch is reported and wrapped in ErrSelfTest.
func SelfTest(ctx context.Context, log logx.Logger) (SelfTestReport, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	start := time.Now()
	rep := SelfTestReport{States: map[string]State{}}
	fail := func(format string, args ...any) {
		rep.Failed = append(rep.Failed, fmt.Sprintf(format, args...))
	}

	cStarted := make(chan struct{})
	releaseC := make(chan struct{})
	noop := func(context.Context) error { return nil }

	a := NewFuncJob("A", 5, noop)
	b := NewFuncJob("B", 10, func(context.Context) error {
		// E must not overtake C, so B completes only once C is running.
		select {
		case <-cStarted:
		case <-releaseC:
		}
		return nil
	})
	c := NewFuncJob("C", 15, func(context.Context) error {
		close(cStarted)
		<-releaseC
		return nil
	})
	d := NewFuncJob("D", 20, noop)
	e := NewFuncJob("E", 1, noop)

	for _, dep := range []struct{ job, on *Job }{{b, a}, {c, a}, {d, b}, {d, c}, {e, b}} {
		if err := dep.job.AddDependency(dep.on); err != nil {
			return rep, fmt.Errorf("%w: %w", ErrSelfTest, err)
		}
	}

	if n := len(a.Dependencies()); n != 0 {
		fail("A has %d dependencies, want 0", n)
	}
	if deps := b.Dependencies(); len(deps) != 1 || deps[0] != a {
		fail("B dependencies = %v, want [A]", deps)
	}
	if deps := d.Dependencies(); len(deps) != 2 || !slices.Contains(deps, b) || !slices.Contains(deps, c) {
		fail("D dependencies = %v, want [B C]", deps)
	}
	for _, j := range []*Job{a, b, c, d, e} {
		if got, want := j.CanExecute(), j == a; got != want {
			fail("%s.CanExecute() = %v, want %v", j.name, got, want)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	s := New(WithContext(runCtx), WithLogger(log.With(logx.String("comp", "selftest"))))
	if err := s.StartExecute(4); err != nil {
		return rep, fmt.Errorf("%w: %w", ErrSelfTest, err)
	}
	defer func() { _ = s.StopExecute(context.WithoutCancel(ctx)) }()
	release := sync.OnceFunc(func() { close(releaseC) })
	defer release()

	for _, j := range []*Job{a, b, c, d, e} {
		if err := s.Enqueue(j); err != nil {
			return rep, fmt.Errorf("%w: enqueue %s: %w", ErrSelfTest, j.name, err)
		}
	}

	if _, err := e.WaitForFinished(ctx); err != nil {
		return rep, fmt.Errorf("%w: waiting for E: %w", ErrSelfTest, err)
	}
	expect := map[*Job]State{a: StateFinished, b: StateFinished, c: StateRunning, d: StateQueued, e: StateFinished}
	for _, j := range []*Job{a, b, c, d, e} {
		got := j.State()
		rep.States[j.name] = got
		if got != expect[j] {
			fail("after E: %s is %s, want %s", j.name, got, expect[j])
		}
	}

	// Refuse further takes, then let C run to completion.
	stopCtx, cancelStop := context.WithCancel(context.WithoutCancel(ctx))
	cancelStop()
	_ = s.StopExecute(stopCtx)
	release()
	if err := s.StopExecute(ctx); err != nil {
		fail("stop: %v", err)
	}
	if st, err := c.WaitForFinished(ctx); err != nil || st != StateFinished {
		fail("after stop: C is %s (%v), want finished", st, err)
	}
	rep.States[c.name] = c.State()
	rep.States[d.name] = d.State()
	if st := d.State(); st != StateQueued {
		fail("after stop: D is %s, want queued", st)
	}
	s.Dequeue(d)

	rep.Took = time.Since(start)
	if !rep.OK() {
		log.Error("scheduler self-test failed", logx.Any("failed", rep.Failed), logx.Duration("took", rep.Took))
		return rep, fmt.Errorf("%w: %v", ErrSelfTest, rep.Failed)
	}
	log.Info("scheduler self-test passed", logx.Duration("took", rep.Took))
	return rep, nil
}
