package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Work is the unit of execution carried by a Job.
//
// Run is called at most once. A returned error (or a panic) moves the job to
// Error; the worker keeps going. Run must bound its own duration: the
// scheduler never cancels a running job.
type Work interface {
	Run(ctx context.Context) error
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context) error

func (f WorkFunc) Run(ctx context.Context) error { return f(ctx) }

// Queue is the handle collaborators get to submit and cancel jobs.
type Queue interface {
	Enqueue(job *Job) error
	Dequeue(job *Job) bool
}

// EnqueueHook is implemented by Work that must submit other jobs (usually its
// own prerequisites) before it is queued. A non-nil error aborts the enqueue
// and leaves the job in Created. The hook owns what it submitted: before
// returning an error it must dequeue the jobs it already enqueued.
type EnqueueHook interface {
	AboutToBeEnqueued(q Queue) error
}

// DequeueHook is implemented by Work that must cancel other jobs when it is
// dequeued. It runs once the job has left its queue, without any scheduler
// lock held, so it may call Dequeue itself.
type DequeueHook interface {
	AboutToBeDequeued(q Queue)
}

// Job is a prioritized unit of work with prerequisites.
//
// Dependencies are declared with AddDependency before the job is submitted.
// All other mutation happens through a Scheduler.
type Job struct {
	id       string
	name     string
	priority int
	work     Work

	mu         sync.Mutex
	state      State
	submitted  bool
	dequeued   bool
	owner      *Scheduler
	deps       []*Job
	dependents []*Job
	err        error
	done       chan struct{}
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time

	// guarded by owner.mu
	loc   location
	index int
	seq   uint64
}

// NewJob returns a Created job. Lower priority values run first.
func NewJob(name string, priority int, work Work) *Job {
	if work == nil {
		work = WorkFunc(func(context.Context) error { return nil })
	}
	return &Job{
		id:       uuid.NewString(),
		name:     name,
		priority: priority,
		work:     work,
		done:     make(chan struct{}),
		index:    -1,
	}
}

// NewFuncJob is NewJob for a plain function.
func NewFuncJob(name string, priority int, fn func(ctx context.Context) error) *Job {
	return NewJob(name, priority, WorkFunc(fn))
}

func (j *Job) ID() string    { return j.id }
func (j *Job) Name() string  { return j.name }
func (j *Job) Priority() int { return j.priority }

func (j *Job) String() string { return fmt.Sprintf("%s(prio=%d)", j.name, j.priority) }

// AddDependency makes dep a prerequisite of j.
// It fails once j has been submitted; adding the same prerequisite twice is a no-op.
func (j *Job) AddDependency(dep *Job) error {
	if dep == nil {
		return ErrNilJob
	}
	if dep == j {
		return ErrSelfDependency
	}
	j.mu.Lock()
	if j.submitted {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDependenciesFrozen, j.name)
	}
	for _, d := range j.deps {
		if d == dep {
			j.mu.Unlock()
			return nil
		}
	}
	j.deps = append(j.deps, dep)
	j.mu.Unlock()

	dep.mu.Lock()
	dep.dependents = append(dep.dependents, j)
	dep.mu.Unlock()
	return nil
}

// Dependencies returns the prerequisites in declaration order.
func (j *Job) Dependencies() []*Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Job(nil), j.deps...)
}

// Dependents returns the jobs that declared j as a prerequisite.
func (j *Job) Dependents() []*Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Job(nil), j.dependents...)
}

// CanExecute reports whether every prerequisite is Finished.
func (j *Job) CanExecute() bool {
	for _, d := range j.Dependencies() {
		if d.State() != StateFinished {
			return false
		}
	}
	return true
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure of a job in Error, nil otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job reaches Finished or Error.
func (j *Job) Done() <-chan struct{} { return j.done }

// WaitForFinished blocks until the job is Finished or Error, or ctx is done.
// A dequeued job never finishes.
func (j *Job) WaitForFinished(ctx context.Context) (State, error) {
	select {
	case <-j.done:
		return j.State(), nil
	case <-ctx.Done():
		return j.State(), ctx.Err()
	}
}

// Times returns when the job was queued, started and finished (zero if not yet).
func (j *Job) Times() (enqueued, started, finished time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enqueuedAt, j.startedAt, j.finishedAt
}

// Dequeued reports whether the job was removed from its queue before running.
func (j *Job) Dequeued() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dequeued
}

func (j *Job) scheduler() *Scheduler {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.owner
}

// claim freezes the dependency set and binds the job to s.
func (j *Job) claim(s *Scheduler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submitted || j.state != StateCreated {
		return fmt.Errorf("%w: %s (%s)", ErrAlreadySubmitted, j.name, j.state)
	}
	j.submitted = true
	j.owner = s
	return nil
}

func (j *Job) unclaim() {
	j.mu.Lock()
	j.submitted = false
	j.owner = nil
	j.mu.Unlock()
}

func (j *Job) setQueued(now time.Time) {
	j.mu.Lock()
	j.state = StateQueued
	j.enqueuedAt = now
	j.mu.Unlock()
}

func (j *Job) setRunning(now time.Time) {
	j.mu.Lock()
	j.state = StateRunning
	j.startedAt = now
	j.mu.Unlock()
}

func (j *Job) setDequeued() {
	j.mu.Lock()
	j.dequeued = true
	j.mu.Unlock()
}

// finish records the terminal state and wakes waiters. It returns the
// dependents to re-evaluate.
func (j *Job) finish(st State, err error, now time.Time) []*Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return nil
	}
	j.state = st
	j.err = err
	j.finishedAt = now
	close(j.done)
	return append([]*Job(nil), j.dependents...)
}

func (j *Job) runWork(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return j.work.Run(ctx)
}
