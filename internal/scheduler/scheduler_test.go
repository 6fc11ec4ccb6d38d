package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qualix/internal/eventbus"
)

const testTimeout = 5 * time.Second

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func noop(context.Context) error { return nil }

func mustEnqueue(t *testing.T, s *Scheduler, jobs ...*Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.Enqueue(j); err != nil {
			t.Fatalf("Enqueue(%s) = %v", j.Name(), err)
		}
	}
}

func mustDepend(t *testing.T, j *Job, deps ...*Job) {
	t.Helper()
	for _, d := range deps {
		if err := j.AddDependency(d); err != nil {
			t.Fatalf("%s.AddDependency(%s) = %v", j.Name(), d.Name(), err)
		}
	}
}

func stopAll(t *testing.T, s *Scheduler) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = s.StopExecute(ctx)
	})
}

func TestDependencyWiring(t *testing.T) {
	t.Parallel()
	a := NewFuncJob("A", 5, noop)
	b := NewFuncJob("B", 10, noop)
	c := NewFuncJob("C", 15, noop)
	d := NewFuncJob("D", 20, noop)
	e := NewFuncJob("E", 1, noop)
	mustDepend(t, b, a)
	mustDepend(t, c, a)
	mustDepend(t, d, b, c)
	mustDepend(t, e, b)

	if n := len(a.Dependencies()); n != 0 {
		t.Fatalf("len(A.Dependencies()) = %d, want 0", n)
	}
	if got := b.Dependencies(); len(got) != 1 || got[0] != a {
		t.Fatalf("B.Dependencies() = %v, want [A]", got)
	}
	if got := d.Dependencies(); len(got) != 2 || !slices.Contains(got, b) || !slices.Contains(got, c) {
		t.Fatalf("D.Dependencies() = %v, want B and C", got)
	}
	if got := a.Dependents(); len(got) != 2 {
		t.Fatalf("A.Dependents() = %v, want B and C", got)
	}
	if !a.CanExecute() {
		t.Fatal("A.CanExecute() = false, want true")
	}
	if b.CanExecute() {
		t.Fatal("B.CanExecute() = true, want false")
	}
	for _, j := range []*Job{a, b, c, d, e} {
		if st := j.State(); st != StateCreated {
			t.Fatalf("%s.State() = %s, want created", j.Name(), st)
		}
	}
}

func TestAddDependencyErrors(t *testing.T) {
	t.Parallel()
	s := New()
	a := NewFuncJob("A", 0, noop)
	b := NewFuncJob("B", 0, noop)

	if err := a.AddDependency(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("AddDependency(nil) = %v, want ErrNilJob", err)
	}
	if err := a.AddDependency(a); !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("AddDependency(self) = %v, want ErrSelfDependency", err)
	}
	mustDepend(t, b, a)
	mustDepend(t, b, a)
	if n := len(b.Dependencies()); n != 1 {
		t.Fatalf("duplicate dependency recorded: %d", n)
	}

	mustEnqueue(t, s, b)
	if err := b.AddDependency(NewFuncJob("late", 0, noop)); !errors.Is(err, ErrDependenciesFrozen) {
		t.Fatalf("AddDependency after submit = %v, want ErrDependenciesFrozen", err)
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.Enqueue(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("Enqueue(nil) = %v, want ErrNilJob", err)
	}
	a := NewFuncJob("A", 0, noop)
	mustEnqueue(t, s, a)
	if err := s.Enqueue(a); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second Enqueue = %v, want ErrAlreadySubmitted", err)
	}
	if err := New().Enqueue(a); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("Enqueue on another scheduler = %v, want ErrAlreadySubmitted", err)
	}
}

func TestEnqueuePlacesJobsByReadiness(t *testing.T) {
	t.Parallel()
	s := New()
	a := NewFuncJob("A", 5, noop)
	b := NewFuncJob("B", 10, noop)
	mustDepend(t, b, a)
	mustEnqueue(t, s, a, b)

	if got := s.Runnable(); len(got) != 1 || got[0] != a {
		t.Fatalf("Runnable() = %v, want [A]", got)
	}
	if got := s.Blocked(); len(got) != 1 || got[0] != b {
		t.Fatalf("Blocked() = %v, want [B]", got)
	}
	if a.State() != StateQueued || b.State() != StateQueued {
		t.Fatalf("states = %s, %s, want queued", a.State(), b.State())
	}
}

// Scenario B: waiting on E leaves C running and D queued; stopping lets C
// finish and D stays queued.
func TestScenarioStopLetsRunningJobFinish(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	cStarted := make(chan struct{})
	releaseC := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(releaseC) }) }
	t.Cleanup(release)

	a := NewFuncJob("A", 5, noop)
	b := NewFuncJob("B", 10, func(context.Context) error {
		<-cStarted
		return nil
	})
	c := NewFuncJob("C", 15, func(context.Context) error {
		close(cStarted)
		<-releaseC
		return nil
	})
	d := NewFuncJob("D", 20, noop)
	e := NewFuncJob("E", 1, noop)
	mustDepend(t, b, a)
	mustDepend(t, c, a)
	mustDepend(t, d, b, c)
	mustDepend(t, e, b)

	s := New()
	stopAll(t, s)
	if err := s.StartExecute(4); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	mustEnqueue(t, s, a, b, c, d, e)

	if st, err := e.WaitForFinished(ctx); err != nil || st != StateFinished {
		t.Fatalf("E.WaitForFinished = %s, %v", st, err)
	}
	want := map[*Job]State{a: StateFinished, b: StateFinished, c: StateRunning, d: StateQueued, e: StateFinished}
	for j, st := range want {
		if got := j.State(); got != st {
			t.Fatalf("%s.State() = %s, want %s", j.Name(), got, st)
		}
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.StopExecute(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("StopExecute(canceled) = %v, want context.Canceled", err)
	}
	if s.IsExecuting() {
		t.Fatal("IsExecuting() = true after stop was raised")
	}
	release()
	if err := s.StopExecute(ctx); err != nil {
		t.Fatalf("StopExecute = %v", err)
	}
	if st := c.State(); st != StateFinished {
		t.Fatalf("C.State() = %s, want finished", st)
	}
	if st := d.State(); st != StateQueued {
		t.Fatalf("D.State() = %s, want queued", st)
	}
	// C finished after the stop, so D was promoted but nobody takes it.
	if got := s.Runnable(); len(got) != 1 || got[0] != d {
		t.Fatalf("Runnable() = %v, want [D]", got)
	}
}

func TestRestartResumesQueuedJobs(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	s := New()
	stopAll(t, s)

	a := NewFuncJob("A", 0, noop)
	mustEnqueue(t, s, a)
	if err := s.StopExecute(ctx); err != nil {
		t.Fatalf("StopExecute without pools = %v", err)
	}
	if err := s.StartExecute(1); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	if st, err := a.WaitForFinished(ctx); err != nil || st != StateFinished {
		t.Fatalf("A.WaitForFinished = %s, %v", st, err)
	}
}

// Scenario C: a failed prerequisite never satisfies its dependent.
func TestFailureGatesDependents(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	boom := errors.New("boom")
	f := NewFuncJob("F", 0, func(context.Context) error { return boom })
	var gRan atomic.Bool
	g := NewFuncJob("G", 0, func(context.Context) error {
		gRan.Store(true)
		return nil
	})
	mustDepend(t, g, f)

	s := New()
	stopAll(t, s)
	if err := s.StartExecute(2); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	mustEnqueue(t, s, f, g)

	if st, err := f.WaitForFinished(ctx); err != nil || st != StateError {
		t.Fatalf("F.WaitForFinished = %s, %v; want error state", st, err)
	}
	if !errors.Is(f.Err(), boom) {
		t.Fatalf("F.Err() = %v, want %v", f.Err(), boom)
	}
	if g.CanExecute() {
		t.Fatal("G.CanExecute() = true after F failed")
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := g.WaitForFinished(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("G.WaitForFinished = %v, want deadline exceeded", err)
	}
	if gRan.Load() || g.State() != StateQueued {
		t.Fatalf("G ran=%v state=%s, want queued and never run", gRan.Load(), g.State())
	}

	failed := s.FailedJobs()
	if len(failed) != 1 || failed[0].Name != "F" || failed[0].Error != "boom" {
		t.Fatalf("FailedJobs() = %+v", failed)
	}
	if st := s.Stats(); st.Failed != 1 || st.Blocked != 1 {
		t.Fatalf("Stats() = %+v, want failed=1 blocked=1", st)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	s := New()
	stopAll(t, s)
	p := NewFuncJob("P", 0, func(context.Context) error { panic("kaboom") })
	after := NewFuncJob("after", 1, noop)
	if err := s.StartExecute(1); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	mustEnqueue(t, s, p, after)

	if st, _ := p.WaitForFinished(ctx); st != StateError {
		t.Fatalf("P state = %s, want error", st)
	}
	if !IsPanic(p.Err()) {
		t.Fatalf("P.Err() = %v, want a panic error", p.Err())
	}
	// The worker survives the panic.
	if st, err := after.WaitForFinished(ctx); err != nil || st != StateFinished {
		t.Fatalf("after = %s, %v", st, err)
	}
	if f := s.FailedJobs(); len(f) != 1 || !f[0].Panicked {
		t.Fatalf("FailedJobs() = %+v, want one panicked entry", f)
	}
}

// Scenario D: a dequeued job leaves both queues and never runs.
func TestDequeueCancelsBeforeExecution(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	gate := make(chan struct{})
	dep := NewFuncJob("dep", 0, func(context.Context) error {
		<-gate
		return nil
	})
	var hRan atomic.Bool
	h := NewFuncJob("H", 0, func(context.Context) error {
		hRan.Store(true)
		return nil
	})
	mustDepend(t, h, dep)

	s := New()
	stopAll(t, s)
	if err := s.StartExecute(2); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	mustEnqueue(t, s, dep, h)
	if !s.Dequeue(h) {
		t.Fatal("Dequeue(H) = false, want true")
	}
	close(gate)
	if _, err := dep.WaitForFinished(ctx); err != nil {
		t.Fatalf("dep.WaitForFinished = %v", err)
	}

	for _, j := range append(s.Blocked(), s.Runnable()...) {
		if j == h {
			t.Fatal("H still queued after Dequeue")
		}
	}
	if hRan.Load() || h.State() != StateQueued || !h.Dequeued() {
		t.Fatalf("H ran=%v state=%s dequeued=%v", hRan.Load(), h.State(), h.Dequeued())
	}
	if s.Dequeue(h) {
		t.Fatal("second Dequeue(H) = true, want false")
	}
	if err := s.Enqueue(h); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("re-Enqueue after Dequeue = %v, want ErrAlreadySubmitted", err)
	}
	if s.Dequeue(dep) {
		t.Fatal("Dequeue of a finished job = true, want false")
	}
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	s := New()
	stopAll(t, s)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	jobs := []*Job{
		NewFuncJob("p20", 20, record("p20")),
		NewFuncJob("p5-first", 5, record("p5-first")),
		NewFuncJob("p10", 10, record("p10")),
		NewFuncJob("p5-second", 5, record("p5-second")),
		NewFuncJob("p-1", -1, record("p-1")),
	}
	mustEnqueue(t, s, jobs...)
	if err := s.StartExecute(1); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	for _, j := range jobs {
		if _, err := j.WaitForFinished(ctx); err != nil {
			t.Fatalf("%s: %v", j.Name(), err)
		}
	}
	want := []string{"p-1", "p5-first", "p5-second", "p10", "p20"}
	if !slices.Equal(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestEnqueueNoDependencies(t *testing.T) {
	t.Parallel()
	s := New()
	a := NewFuncJob("A", 1, noop)
	b := NewFuncJob("B", 0, noop)
	c := NewFuncJob("C", 0, noop)
	mustDepend(t, c, a)

	if err := s.EnqueueNoDependencies(a, c); !errors.Is(err, ErrHasDependencies) {
		t.Fatalf("EnqueueNoDependencies with deps = %v, want ErrHasDependencies", err)
	}
	if a.State() != StateCreated {
		t.Fatalf("A.State() = %s, want created after rejected batch", a.State())
	}
	if err := s.EnqueueNoDependencies(a, b); err != nil {
		t.Fatalf("EnqueueNoDependencies = %v", err)
	}
	if got := s.Runnable(); len(got) != 2 || got[0] != b || got[1] != a {
		t.Fatalf("Runnable() = %v, want [B A]", got)
	}
	if err := s.EnqueueNoDependencies(b); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("resubmit = %v, want ErrAlreadySubmitted", err)
	}
}

func TestTakeQueuedJobAndRunInline(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	s := New()
	a := NewFuncJob("A", 0, noop)
	b := NewFuncJob("B", 0, noop)
	mustDepend(t, b, a)
	mustEnqueue(t, s, a, b)

	if err := s.TakeQueuedJob(b); !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("TakeQueuedJob(blocked) = %v, want ErrNotRunnable", err)
	}
	if err := s.TakeQueuedJob(NewFuncJob("stray", 0, noop)); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("TakeQueuedJob(unsubmitted) = %v, want ErrNotQueued", err)
	}
	st, err := s.RunInline(ctx, a)
	if err != nil || st != StateFinished {
		t.Fatalf("RunInline(A) = %s, %v", st, err)
	}
	if _, err := s.RunInline(ctx, a); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("RunInline(finished) = %v, want ErrNotQueued", err)
	}
	// A's completion promoted B.
	if st, err := s.RunInline(ctx, b); err != nil || st != StateFinished {
		t.Fatalf("RunInline(B) = %s, %v", st, err)
	}
}

func TestStartOneShotRunsExactlyOneJob(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	s := New()
	stopAll(t, s)
	first := NewFuncJob("first", 0, noop)
	second := NewFuncJob("second", 1, noop)
	mustEnqueue(t, s, first, second)

	p, err := s.StartOneShot()
	if err != nil {
		t.Fatalf("StartOneShot = %v", err)
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
		t.Fatal("one-shot worker did not exit")
	}
	if first.State() != StateFinished || second.State() != StateQueued {
		t.Fatalf("states = %s, %s; want finished, queued", first.State(), second.State())
	}
}

func TestStartExecuteRejectsNonPositive(t *testing.T) {
	t.Parallel()
	if err := New().StartExecute(0); !errors.Is(err, ErrInvalidWorkers) {
		t.Fatalf("StartExecute(0) = %v, want ErrInvalidWorkers", err)
	}
}

type hookWork struct {
	children []*Job
	failWith error
	dequeued atomic.Bool
}

func (h *hookWork) Run(context.Context) error { return nil }

func (h *hookWork) AboutToBeEnqueued(q Queue) error {
	if h.failWith != nil {
		return h.failWith
	}
	for _, c := range h.children {
		if err := q.Enqueue(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookWork) AboutToBeDequeued(q Queue) {
	h.dequeued.Store(true)
	for _, c := range h.children {
		q.Dequeue(c)
	}
}

func TestLifecycleHooks(t *testing.T) {
	t.Parallel()
	s := New()
	child := NewFuncJob("child", 0, noop)
	w := &hookWork{children: []*Job{child}}
	parent := NewJob("parent", 1, w)
	mustDepend(t, parent, child)

	mustEnqueue(t, s, parent)
	if child.State() != StateQueued {
		t.Fatalf("child.State() = %s, want queued by the enqueue hook", child.State())
	}
	if !s.Dequeue(parent) || !w.dequeued.Load() {
		t.Fatal("dequeue hook did not run")
	}
	if b, r := s.QueueLengths(); b != 0 || r != 0 {
		t.Fatalf("queues = %d blocked, %d runnable; want empty", b, r)
	}

	failing := NewJob("failing", 0, &hookWork{failWith: errors.New("nope")})
	if err := s.Enqueue(failing); !errors.Is(err, ErrHookFailed) {
		t.Fatalf("Enqueue with failing hook = %v, want ErrHookFailed", err)
	}
	if failing.State() != StateCreated {
		t.Fatalf("failing.State() = %s, want created", failing.State())
	}
}

type removalCheck struct {
	self    *Job
	queued  int
	takeErr error
}

func (r *removalCheck) Run(context.Context) error { return nil }

func (r *removalCheck) AboutToBeDequeued(q Queue) {
	s := q.(*Scheduler)
	r.queued = len(s.Blocked()) + len(s.Runnable())
	r.takeErr = s.TakeQueuedJob(r.self)
}

func TestDequeueHookRunsAfterRemoval(t *testing.T) {
	t.Parallel()
	s := New()
	w := &removalCheck{}
	j := NewJob("J", 0, w)
	w.self = j
	mustEnqueue(t, s, j)
	if !s.Dequeue(j) {
		t.Fatal("Dequeue = false")
	}
	if w.queued != 0 {
		t.Fatalf("hook saw %d queued jobs, want the job already removed", w.queued)
	}
	if !errors.Is(w.takeErr, ErrNotQueued) {
		t.Fatalf("TakeQueuedJob inside hook = %v, want ErrNotQueued", w.takeErr)
	}
	if j.State() != StateQueued || !j.Dequeued() {
		t.Fatalf("state = %s dequeued = %t", j.State(), j.Dequeued())
	}
}

func TestEventsFollowStateMachine(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64, "job.")
	defer unsub()

	s := New(WithBus(bus))
	stopAll(t, s)
	a := NewFuncJob("A", 0, noop)
	b := NewFuncJob("B", 0, func(context.Context) error { return errors.New("bad") })
	mustDepend(t, b, a)
	mustEnqueue(t, s, a, b)
	if err := s.StartExecute(1); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	if _, err := b.WaitForFinished(ctx); err != nil {
		t.Fatalf("B.WaitForFinished = %v", err)
	}

	seen := map[string][]string{}
	for len(seen["A"]) < 3 || len(seen["B"]) < 3 {
		select {
		case ev := <-events:
			je := ev.Data.(JobEvent)
			seen[je.Name] = append(seen[je.Name], ev.Type)
		case <-ctx.Done():
			t.Fatalf("timed out, seen = %v", seen)
		}
	}
	if want := []string{EventJobQueued, EventJobStarted, EventJobFinished}; !slices.Equal(seen["A"], want) {
		t.Fatalf("A events = %v, want %v", seen["A"], want)
	}
	if want := []string{EventJobQueued, EventJobStarted, EventJobFailed}; !slices.Equal(seen["B"], want) {
		t.Fatalf("B events = %v, want %v", seen["B"], want)
	}
}

func TestQueuedEventPrecedesStartWithBusyPool(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	const n = 300
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4*n, "job.")
	defer unsub()

	s := New(WithBus(bus))
	stopAll(t, s)
	if err := s.StartExecute(4); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	jobs := make([]*Job, n)
	for i := range jobs {
		jobs[i] = NewFuncJob(fmt.Sprintf("j%d", i), i%7, noop)
		if i%2 == 0 {
			mustEnqueue(t, s, jobs[i])
		} else if err := s.EnqueueNoDependencies(jobs[i]); err != nil {
			t.Fatalf("EnqueueNoDependencies = %v", err)
		}
	}
	for _, j := range jobs {
		if _, err := j.WaitForFinished(ctx); err != nil {
			t.Fatal(err)
		}
	}

	queued := map[string]bool{}
	for finished := 0; finished < n; {
		select {
		case ev := <-events:
			je := ev.Data.(JobEvent)
			switch ev.Type {
			case EventJobQueued:
				queued[je.ID] = true
			case EventJobStarted:
				if !queued[je.ID] {
					t.Fatalf("%s started before it was announced as queued", je.Name)
				}
			case EventJobFinished:
				finished++
			}
		case <-ctx.Done():
			t.Fatalf("timed out after %d finished events", finished)
		}
	}
	if st := s.Stats(); st.Enqueued != n || st.Finished != n {
		t.Fatalf("Stats() enqueued=%d finished=%d, want %d", st.Enqueued, st.Finished, n)
	}
}

func TestClockStampsTransitions(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	s := New(WithClock(func() time.Time { return now }))
	j := NewFuncJob("A", 0, func(context.Context) error {
		now = now.Add(3 * time.Second)
		return nil
	})
	mustEnqueue(t, s, j)
	now = now.Add(2 * time.Second)
	if st, err := s.RunInline(testCtx(t), j); err != nil || st != StateFinished {
		t.Fatalf("RunInline = %s, %v", st, err)
	}
	enq, started, finished := j.Times()
	if !enq.Equal(t0) || !started.Equal(t0.Add(2*time.Second)) || !finished.Equal(t0.Add(5*time.Second)) {
		t.Fatalf("Times() = %v, %v, %v", enq, started, finished)
	}
}

func TestWorkersAndStats(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	s := New()
	stopAll(t, s)
	hold := make(chan struct{})
	started := make(chan struct{})
	j := NewFuncJob("slow", 0, func(context.Context) error {
		close(started)
		<-hold
		return nil
	})
	if err := s.StartExecute(2); err != nil {
		t.Fatalf("StartExecute = %v", err)
	}
	mustEnqueue(t, s, j)
	<-started

	var busy int
	for _, w := range s.Workers() {
		if w.CurrentID == j.ID() {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("workers running %s = %d, want 1", j.Name(), busy)
	}
	st := s.Stats()
	if !st.Executing || st.Workers != 2 || st.IdleWorkers != 1 || st.Running != 1 {
		t.Fatalf("Stats() = %+v", st)
	}
	close(hold)
	if _, err := j.WaitForFinished(ctx); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Finished != 1 || st.Enqueued != 1 {
		t.Fatalf("Stats() = %+v, want finished=1 enqueued=1", st)
	}
}

func TestStateText(t *testing.T) {
	t.Parallel()
	for _, st := range []State{StateCreated, StateQueued, StateRunning, StateFinished, StateError} {
		b, _ := st.MarshalText()
		var got State
		if err := got.UnmarshalText(b); err != nil || got != st {
			t.Fatalf("round trip %s = %s, %v", st, got, err)
		}
	}
	if !StateError.Terminal() || StateRunning.Terminal() {
		t.Fatal("Terminal() mismatch")
	}
}
