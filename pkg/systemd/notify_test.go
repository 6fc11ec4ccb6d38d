package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "qualix/pkg/logx"
)

type fakeSD struct {
	mu     sync.Mutex
	states []string
}

func (f *fakeSD) notify(_ bool, state string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return true, nil
}

func (f *fakeSD) count(state string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.states {
		if s == state {
			n++
		}
	}
	return n
}

func newFake(enabled bool, wd time.Duration) (*Notifier, *fakeSD) {
	f := &fakeSD{}
	n := New(enabled, logx.Nop())
	n.notify = f.notify
	n.watchdog = func(bool) (time.Duration, error) { return wd, nil }
	return n, f
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	n, f := newFake(false, time.Second)
	if n.Ready() || n.Stopping() {
		t.Fatal("disabled notifier reported a send")
	}
	if n.WatchdogInterval() != 0 {
		t.Fatal("disabled notifier has a watchdog")
	}
	if len(f.states) != 0 {
		t.Fatalf("states = %v", f.states)
	}
}

func TestReadyAndStopping(t *testing.T) {
	t.Parallel()
	n, f := newFake(true, 0)
	n.Ready()
	n.Status("draining")
	n.Stopping()
	want := []string{"READY=1", "STATUS=draining", "STOPPING=1"}
	if len(f.states) != len(want) {
		t.Fatalf("states = %v, want %v", f.states, want)
	}
	for i := range want {
		if f.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", f.states, want)
		}
	}
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	t.Parallel()
	n, f := newFake(true, 20*time.Millisecond)
	if got := n.WatchdogInterval(); got != 10*time.Millisecond {
		t.Fatalf("WatchdogInterval = %v, want 10ms", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n.RunWatchdog(ctx, nil)
	if f.count("WATCHDOG=1") == 0 {
		t.Fatal("no watchdog pings")
	}

	sick, fs := newFake(true, 20*time.Millisecond)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	sick.RunWatchdog(ctx2, func() error { return errors.New("stuck") })
	if fs.count("WATCHDOG=1") != 0 {
		t.Fatal("unhealthy process pinged the watchdog")
	}
}
