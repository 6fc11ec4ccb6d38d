// Package pipeline builds multi-stage update pipelines on top of the scheduler.
//
// A Stage fans out one child job per item (typically a changed file) and joins
// them in a single job that depends on every child. Enqueueing the join
// enqueues the children first; dequeueing it cancels the children that have
// not started.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"qualix/internal/scheduler"
)

var (
	ErrStageFailed = errors.New("pipeline: stage failed")
	ErrEmptyName   = errors.New("pipeline: stage name is required")
)

// ItemFunc processes one item of a stage.
type ItemFunc func(ctx context.Context, item string) error

// Stage is a join job over one child job per item.
type Stage struct {
	name     string
	join     *scheduler.Job
	children []*scheduler.Job
	finalize func(ctx context.Context) error

	mu       sync.Mutex
	failed   map[string]struct{}
	failedCh chan struct{}
	once     sync.Once
}

type StageOption func(*Stage)

// WithFinalize runs fn as the join job's work once every child finished.
func WithFinalize(fn func(ctx context.Context) error) StageOption {
	return func(s *Stage) { s.finalize = fn }
}

// NewStage returns a stage running each over items at the given priority.
// Children share the stage priority; the join runs one step later.
func NewStage(name string, priority int, items []string, each ItemFunc, opts ...StageOption) (*Stage, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if each == nil {
		return nil, fmt.Errorf("pipeline: stage %s: nil item func", name)
	}
	s := &Stage{name: name, failed: map[string]struct{}{}, failedCh: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	s.join = scheduler.NewJob(name, priority+1, s)
	for _, item := range items {
		child := scheduler.NewJob(name+":"+item, priority, scheduler.WorkFunc(s.wrap(item, each)))
		if err := s.join.AddDependency(child); err != nil {
			return nil, err
		}
		s.children = append(s.children, child)
	}
	return s, nil
}

func (s *Stage) wrap(item string, each ItemFunc) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		ok := false
		defer func() {
			if !ok {
				s.markFailed(item)
			}
		}()
		err = each(ctx, item)
		ok = err == nil
		return err
	}
}

func (s *Stage) markFailed(item string) {
	s.mu.Lock()
	s.failed[item] = struct{}{}
	s.mu.Unlock()
	s.once.Do(func() { close(s.failedCh) })
}

func (s *Stage) Name() string               { return s.name }
func (s *Stage) Job() *scheduler.Job        { return s.join }
func (s *Stage) Children() []*scheduler.Job { return append([]*scheduler.Job(nil), s.children...) }

// Failed returns the items whose child job ended in Error, sorted.
func (s *Stage) Failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.failed))
	for item := range s.failed {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// Run is the join work.
func (s *Stage) Run(ctx context.Context) error {
	if s.finalize == nil {
		return nil
	}
	return s.finalize(ctx)
}

// AboutToBeEnqueued submits the children ahead of the join. If one child
// cannot be enqueued, the ones already submitted are dequeued again so no
// child is left queued without its join.
func (s *Stage) AboutToBeEnqueued(q scheduler.Queue) error {
	for i, c := range s.children {
		if err := q.Enqueue(c); err != nil {
			for _, done := range s.children[:i] {
				q.Dequeue(done)
			}
			return fmt.Errorf("stage %s: %w", s.name, err)
		}
	}
	return nil
}

// AboutToBeDequeued cancels the children still waiting in a queue.
func (s *Stage) AboutToBeDequeued(q scheduler.Queue) {
	for _, c := range s.children {
		if c.State() == scheduler.StateQueued {
			q.Dequeue(c)
		}
	}
}

// Wait blocks until the join finished or a child failed. A failed child
// stalls the join forever, so Wait reports it instead of blocking.
func (s *Stage) Wait(ctx context.Context) error {
	select {
	case <-s.join.Done():
		if err := s.join.Err(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStageFailed, s.name, err)
		}
		return nil
	case <-s.failedCh:
		return fmt.Errorf("%w: %s: items %v", ErrStageFailed, s.name, s.Failed())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chain makes every child of each stage depend on the join of the previous
// stage. It must be called before the stages are submitted.
func Chain(stages ...*Stage) error {
	for i := 1; i < len(stages); i++ {
		prev := stages[i-1].join
		cur := stages[i]
		if len(cur.children) == 0 {
			if err := cur.join.AddDependency(prev); err != nil {
				return err
			}
			continue
		}
		for _, c := range cur.children {
			if err := c.AddDependency(prev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Submit enqueues the joins of stages in order (which enqueues their children).
// On failure the stages already submitted are canceled.
func Submit(q scheduler.Queue, stages ...*Stage) error {
	for i, st := range stages {
		if err := q.Enqueue(st.join); err != nil {
			Cancel(q, stages[:i]...)
			return err
		}
	}
	return nil
}

// Cancel dequeues every stage that has not started, last stage first.
func Cancel(q scheduler.Queue, stages ...*Stage) {
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i].join.State() == scheduler.StateQueued {
			q.Dequeue(stages[i].join)
		}
	}
}
