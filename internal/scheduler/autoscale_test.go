package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestAutoscalerGrowsUnderBacklogAndShrinksWhenIdle(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	s := New()
	stopAll(t, s)

	hold := make(chan struct{})
	started := make(chan struct{}, 2)
	blocker := func(context.Context) error {
		started <- struct{}{}
		<-hold
		return nil
	}
	a := NewAutoscaler(s, AutoscaleConfig{Min: 0, Max: 2, Tick: time.Hour, Cooldown: time.Second})
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	now := time.Unix(1_700_000_000, 0)
	a.tick(now)
	if n := a.Size(); n != 0 {
		t.Fatalf("Size() = %d with no backlog, want 0", n)
	}

	j1 := NewFuncJob("j1", 0, blocker)
	j2 := NewFuncJob("j2", 0, blocker)
	mustEnqueue(t, s, j1, j2)

	a.tick(now)
	if n := a.Size(); n != 1 {
		t.Fatalf("Size() = %d after backlog, want 1", n)
	}
	<-started
	// Paced: a second grow within the cooldown is refused.
	a.tick(now.Add(100 * time.Millisecond))
	if n := a.Size(); n != 1 {
		t.Fatalf("Size() = %d within cooldown, want 1", n)
	}
	a.tick(now.Add(2 * time.Second))
	if n := a.Size(); n != 2 {
		t.Fatalf("Size() = %d after cooldown, want 2", n)
	}
	<-started
	a.tick(now.Add(4 * time.Second))
	if n := a.Size(); n != 2 {
		t.Fatalf("Size() = %d at Max, want 2", n)
	}

	close(hold)
	for _, j := range []*Job{j1, j2} {
		if _, err := j.WaitForFinished(ctx); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, ctx, a)

	base := now.Add(10 * time.Second)
	for i := 0; i < idleDownAfter; i++ {
		a.tick(base.Add(time.Duration(i) * time.Second))
	}
	if n := a.Size(); n != 1 {
		t.Fatalf("Size() = %d after idle ticks, want 1", n)
	}
}

func waitIdle(t *testing.T, ctx context.Context, a *Autoscaler) {
	t.Helper()
	for {
		a.mu.Lock()
		idle, size := 0, len(a.pools)
		for _, p := range a.pools {
			idle += p.Idle()
		}
		a.mu.Unlock()
		if idle == size {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatal("workers never became idle")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAutoscalerStartsMin(t *testing.T) {
	t.Parallel()
	s := New()
	stopAll(t, s)
	a := NewAutoscaler(s, AutoscaleConfig{Min: 2, Max: 3, Tick: time.Hour})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start = %v", err)
	}
	if n := a.Size(); n != 2 {
		t.Fatalf("Size() = %d, want 2", n)
	}
	if err := a.Stop(testCtx(t)); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if s.IsExecuting() {
		t.Fatal("IsExecuting() = true after autoscaler stop")
	}
}
