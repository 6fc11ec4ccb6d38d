package trigger

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"qualix/internal/eventbus"
	"qualix/internal/scheduler"
	logx "qualix/pkg/logx"
)

func newService(t *testing.T, defs ...Def) (*Service, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New()
	svc := New(Config{Enabled: true, Triggers: defs}, sched, logx.Nop(), nil)
	if err := svc.Apply(Config{Enabled: true, Triggers: defs}); err != nil {
		t.Fatalf("Apply = %v", err)
	}
	return svc, sched
}

func TestFireSubmitsGraphAndSkipsOverlap(t *testing.T) {
	t.Parallel()
	svc, sched := newService(t, Def{Name: "nightly", Schedule: "0 3 * * *", Graph: "update"})
	release := make(chan struct{})
	svc.Register("update", func(context.Context) ([]*scheduler.Job, error) {
		fetch := scheduler.NewFuncJob("fetch", 0, func(context.Context) error {
			<-release
			return nil
		})
		measure := scheduler.NewFuncJob("measure", 1, func(context.Context) error { return nil })
		if err := measure.AddDependency(fetch); err != nil {
			return nil, err
		}
		return []*scheduler.Job{fetch, measure}, nil
	})

	jobs, err := svc.Fire("nightly")
	if err != nil || len(jobs) != 2 {
		t.Fatalf("Fire = %v, %v", jobs, err)
	}
	if b, r := sched.QueueLengths(); b != 1 || r != 1 {
		t.Fatalf("queues = %d/%d, want 1 blocked, 1 runnable", b, r)
	}
	if _, err := svc.Fire("nightly"); !errors.Is(err, ErrOverlap) {
		t.Fatalf("second Fire = %v, want ErrOverlap", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.StartExecute(1); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sched.StopExecute(context.Background()) }()
	close(release)
	if _, err := jobs[1].WaitForFinished(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Fire("nightly"); err != nil {
		t.Fatalf("Fire after completion = %v", err)
	}

	info := svc.Snapshot()
	if len(info) != 1 || info[0].Fired != 2 || info[0].Skipped != 1 {
		t.Fatalf("Snapshot() = %+v", info)
	}
}

func TestConcurrentFireSubmitsOnce(t *testing.T) {
	t.Parallel()
	svc, sched := newService(t, Def{Name: "t", Schedule: "5m", Graph: "slow"})
	building := make(chan struct{})
	release := make(chan struct{})
	var builds atomic.Int32
	svc.Register("slow", func(context.Context) ([]*scheduler.Job, error) {
		if builds.Add(1) == 1 {
			close(building)
			<-release
		}
		return []*scheduler.Job{scheduler.NewFuncJob("work", 0, func(context.Context) error { return nil })}, nil
	})

	first := make(chan error, 1)
	go func() {
		_, err := svc.Fire("t")
		first <- err
	}()
	<-building
	if _, err := svc.Fire("t"); !errors.Is(err, ErrOverlap) {
		t.Fatalf("Fire during build = %v, want ErrOverlap", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Fire = %v", err)
	}
	if n := builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
	if b, r := sched.QueueLengths(); b != 0 || r != 1 {
		t.Fatalf("queues = %d/%d, want one runnable job", b, r)
	}
	info := svc.Snapshot()
	if len(info) != 1 || info[0].Fired != 1 || info[0].Skipped != 1 {
		t.Fatalf("Snapshot() = %+v", info)
	}
}

func TestFireSurvivesApplyDuringBuild(t *testing.T) {
	t.Parallel()
	defs := []Def{{Name: "t", Schedule: "5m", Graph: "g"}}
	svc, _ := newService(t, defs...)
	svc.Register("g", func(context.Context) ([]*scheduler.Job, error) {
		if err := svc.Apply(Config{Enabled: true, Triggers: defs}); err != nil {
			return nil, err
		}
		return []*scheduler.Job{scheduler.NewFuncJob("work", 0, func(context.Context) error { return nil })}, nil
	})
	if _, err := svc.Fire("t"); err != nil {
		t.Fatal(err)
	}
	info := svc.Snapshot()
	if len(info) != 1 || info[0].Fired != 1 || info[0].LastFired.IsZero() {
		t.Fatalf("Snapshot() = %+v, want the firing recorded", info)
	}
	if _, err := svc.Fire("t"); !errors.Is(err, ErrOverlap) {
		t.Fatalf("Fire with the run still queued = %v, want ErrOverlap", err)
	}
}

func TestFireRecoversBuilderPanic(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Def{Name: "t", Schedule: "5m", Graph: "g"})
	svc.Register("g", func(context.Context) ([]*scheduler.Job, error) { panic("bad graph") })
	if _, err := svc.Fire("t"); err == nil || !strings.Contains(err.Error(), "bad graph") {
		t.Fatalf("Fire = %v, want the panic as error", err)
	}
	if _, err := svc.Fire("t"); errors.Is(err, ErrOverlap) {
		t.Fatal("panicked firing left the trigger in flight")
	}
}

func TestFireReplacesStalledRun(t *testing.T) {
	t.Parallel()
	svc, sched := newService(t, Def{Name: "hourly", Schedule: "1h", Graph: "g"})
	var builds int
	svc.Register("g", func(context.Context) ([]*scheduler.Job, error) {
		builds++
		bad := scheduler.NewFuncJob("bad", 0, func(context.Context) error { return errors.New("boom") })
		after := scheduler.NewFuncJob("after", 1, func(context.Context) error { return nil })
		if err := after.AddDependency(bad); err != nil {
			return nil, err
		}
		return []*scheduler.Job{bad, after}, nil
	})
	first, err := svc.Fire("hourly")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st, err := sched.RunInline(ctx, first[0]); err != nil || st != scheduler.StateError {
		t.Fatalf("RunInline(bad) = %s, %v", st, err)
	}

	if _, err := svc.Fire("hourly"); err != nil {
		t.Fatalf("Fire over a failed run = %v", err)
	}
	if !first[1].Dequeued() {
		t.Fatal("stalled job of the failed run was not dequeued")
	}
	if builds != 2 {
		t.Fatalf("builds = %d, want 2", builds)
	}
}

func TestFireErrors(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "trigger.")
	defer unsub()
	sched := scheduler.New()
	svc := New(Config{}, sched, logx.Nop(), bus)
	if err := svc.Apply(Config{Triggers: []Def{{Name: "t", Schedule: "5m", Graph: "missing"}}}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Fire("nope"); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("Fire(unknown) = %v", err)
	}
	if _, err := svc.Fire("t"); !errors.Is(err, ErrUnknownGraph) {
		t.Fatalf("Fire(missing graph) = %v", err)
	}

	svc.Register("missing", func(context.Context) ([]*scheduler.Job, error) {
		return nil, errors.New("cannot build")
	})
	if _, err := svc.Fire("t"); err == nil {
		t.Fatal("Fire with failing builder succeeded")
	}
	ev := <-events
	if ev.Type != EventFailed {
		t.Fatalf("event = %s, want %s", ev.Type, EventFailed)
	}
}

func TestApplyReportsInvalidDefs(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, scheduler.New(), logx.Nop(), nil)
	err := svc.Apply(Config{Triggers: []Def{
		{Name: "ok", Schedule: "@daily", Graph: "g"},
		{Name: "", Schedule: "5m"},
		{Name: "bad-cron", Schedule: "* * *"},
		{Name: "bad", Schedule: "whenever"},
	}})
	if err == nil {
		t.Fatal("Apply accepted invalid definitions")
	}
	if got := svc.Snapshot(); len(got) != 1 || got[0].Name != "ok" {
		t.Fatalf("Snapshot() = %+v, want only the valid trigger", got)
	}
}

func TestStartRegistersWithCron(t *testing.T) {
	t.Parallel()
	sched := scheduler.New()
	svc := New(Config{Enabled: true, Timezone: "UTC", Triggers: []Def{{Name: "t", Schedule: "@every 1h", Graph: GraphSelfTest}}}, sched, logx.Nop(), nil)
	svc.Register(GraphSelfTest, SelfTestGraph(logx.Nop(), time.Second))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop(context.Background())
	info := svc.Snapshot()
	if len(info) != 1 || info[0].Next.IsZero() {
		t.Fatalf("Snapshot() = %+v, want a next run", info)
	}
}

func TestSelfTestGraph(t *testing.T) {
	t.Parallel()
	jobs, err := SelfTestGraph(logx.Nop(), 5*time.Second)(context.Background())
	if err != nil || len(jobs) != 1 {
		t.Fatalf("SelfTestGraph = %v, %v", jobs, err)
	}
	s := scheduler.New()
	if err := s.Enqueue(jobs[0]); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if st, err := s.RunInline(ctx, jobs[0]); err != nil || st != scheduler.StateFinished {
		t.Fatalf("self-test job = %s, %v (%v)", st, err, jobs[0].Err())
	}
}
