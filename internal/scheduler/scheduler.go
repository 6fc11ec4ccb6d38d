package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qualix/internal/eventbus"
	logx "qualix/pkg/logx"
)

// Scheduler owns the blocked and runnable queues and the pools draining them.
// The queues outlive pools: jobs left queued by StopExecute are picked up again
// by the next StartExecute.
type Scheduler struct {
	ctx context.Context
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	blocked  priorityQueue
	runnable priorityQueue
	seq      uint64

	pmu     sync.Mutex
	pools   map[*Pool]struct{}
	poolSeq int

	stats *stats
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithBus publishes job lifecycle events (see Event* constants).
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithContext sets the parent context of worker pools. Canceling it stops
// every pool the same way StopExecute does.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

// WithFailedQueueSize bounds the failed-job history (default 100).
func WithFailedQueueSize(n int) Option {
	return func(s *Scheduler) { s.stats.failedCap = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		ctx:      context.Background(),
		now:      time.Now,
		blocked:  priorityQueue{loc: locBlocked},
		runnable: priorityQueue{loc: locRunnable},
		pools:    map[*Pool]struct{}{},
		stats:    newStats(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Enqueue submits a Created job.
//
// The job's EnqueueHook runs first (outside any scheduler lock), then the job
// is placed in the blocked queue and immediately re-evaluated, so a job whose
// prerequisites are all Finished becomes runnable right away.
func (s *Scheduler) Enqueue(job *Job) error {
	if job == nil {
		return ErrNilJob
	}
	if err := job.claim(s); err != nil {
		return err
	}
	if h, ok := job.work.(EnqueueHook); ok {
		if err := h.AboutToBeEnqueued(s); err != nil {
			job.unclaim()
			return fmt.Errorf("%w: %s: %w", ErrHookFailed, job.name, err)
		}
	}

	s.mu.Lock()
	s.insertLocked(job, &s.blocked)
	s.reconcileLocked(job)
	s.queuedLocked(job)
	s.mu.Unlock()
	return nil
}

// EnqueueNoDependencies submits dependency-free jobs straight to the runnable
// queue in one critical section. Nothing is enqueued if any job is nil, already
// submitted, or declares a prerequisite. Hooks are not invoked.
func (s *Scheduler) EnqueueNoDependencies(jobs ...*Job) error {
	for _, j := range jobs {
		if j == nil {
			return ErrNilJob
		}
		if len(j.Dependencies()) > 0 {
			return fmt.Errorf("%w: %s", ErrHasDependencies, j.name)
		}
	}
	for i, j := range jobs {
		if err := j.claim(s); err != nil {
			for _, prev := range jobs[:i] {
				prev.unclaim()
			}
			return err
		}
	}

	s.mu.Lock()
	for _, j := range jobs {
		s.insertLocked(j, &s.runnable)
		s.queuedLocked(j)
	}
	if len(jobs) > 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	return nil
}

// queuedLocked counts and announces a submission before any worker can take
// the job, so job.queued always precedes job.started.
func (s *Scheduler) queuedLocked(job *Job) {
	s.stats.enqueued.Inc(1)
	s.JobStateChanged(job, StateQueued)
}

func (s *Scheduler) insertLocked(job *Job, q *priorityQueue) {
	s.seq++
	job.seq = s.seq
	job.setQueued(s.now())
	q.push(job)
}

// Dequeue removes a job from whichever queue holds it and then runs its
// DequeueHook. The removal happens first, under the scheduler lock, so no
// worker can take the job while the hook runs; the hook itself runs unlocked
// and may dequeue other jobs. The job stays Queued, is never dispatched, and
// cannot be submitted again. Dequeue reports false (and logs) if the job was
// in neither queue, for example because it is already running.
func (s *Scheduler) Dequeue(job *Job) bool {
	if job == nil {
		return false
	}
	s.mu.Lock()
	removed := job.scheduler() == s && (s.blocked.remove(job) || s.runnable.remove(job))
	s.mu.Unlock()

	if !removed {
		s.log.Info("dequeue ignored: job not queued", logx.String("job", job.name), logx.String("job_id", job.id), logx.String("state", job.State().String()))
		return false
	}
	job.setDequeued()
	if h, ok := job.work.(DequeueHook); ok {
		h.AboutToBeDequeued(s)
	}
	s.stats.dequeued.Inc(1)
	s.log.Debug("job dequeued", logx.String("job", job.name), logx.String("job_id", job.id))
	s.publish(EventJobDequeued, job)
	return true
}

// JobDependenciesChanged re-evaluates which queue holds job. It is a no-op for
// jobs that are not queued in s.
func (s *Scheduler) JobDependenciesChanged(job *Job) {
	if job == nil {
		return
	}
	s.mu.Lock()
	if job.scheduler() == s {
		s.reconcileLocked(job)
	}
	s.mu.Unlock()
}

// reconcileLocked is the only place a queued job moves between blocked and runnable.
func (s *Scheduler) reconcileLocked(job *Job) {
	switch job.loc {
	case locBlocked:
		if job.CanExecute() && s.blocked.remove(job) {
			s.runnable.push(job)
			s.cond.Broadcast()
		}
	case locRunnable:
		if !job.CanExecute() && s.runnable.remove(job) {
			s.blocked.push(job)
		}
	}
}

// JobStateChanged is called after every externally visible transition. It logs,
// publishes the matching event and, when the job Finished, re-evaluates each
// dependent so the ones whose last prerequisite this was become runnable.
// The scheduler calls it for StateQueued with s.mu held; that path takes no
// scheduler lock.
func (s *Scheduler) JobStateChanged(job *Job, st State) {
	if job == nil {
		return
	}
	s.log.Trace("job state changed", logx.String("job", job.name), logx.String("job_id", job.id), logx.String("state", st.String()))
	switch st {
	case StateQueued:
		s.publish(EventJobQueued, job)
	case StateRunning:
		s.publish(EventJobStarted, job)
	case StateFinished:
		s.publish(EventJobFinished, job)
		for _, d := range job.Dependents() {
			if owner := d.scheduler(); owner != nil {
				owner.JobDependenciesChanged(d)
			}
		}
	case StateError:
		s.publish(EventJobFailed, job)
	}
}

// TakeJob blocks until a runnable job is available or ctx is done and returns
// the highest-priority one. The job is marked Running before the lock is
// released, so no other caller can take or dequeue it. The caller must hand it
// to Execute.
func (s *Scheduler) TakeJob(ctx context.Context) (*Job, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if j := s.runnable.pop(); j != nil {
			j.setRunning(s.now())
			return j, nil
		}
		s.cond.Wait()
	}
}

// TakeQueuedJob takes a specific runnable job without blocking. The job is
// Running on success and the caller must hand it to Execute.
func (s *Scheduler) TakeQueuedJob(job *Job) error {
	if job == nil {
		return ErrNilJob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.scheduler() != s {
		return fmt.Errorf("%w: %s", ErrNotQueued, job.name)
	}
	switch job.loc {
	case locRunnable:
		s.runnable.remove(job)
		job.setRunning(s.now())
		return nil
	case locBlocked:
		return fmt.Errorf("%w: %s", ErrNotRunnable, job.name)
	default:
		return fmt.Errorf("%w: %s", ErrNotQueued, job.name)
	}
}

// RunInline takes a specific runnable job and executes it on the calling
// goroutine. A running job uses it to wait on a sub-job without holding a
// second worker.
func (s *Scheduler) RunInline(ctx context.Context, job *Job) (State, error) {
	if err := s.TakeQueuedJob(job); err != nil {
		return job.State(), err
	}
	return s.Execute(ctx, job, "inline"), nil
}

// QueueLengths returns the current blocked and runnable depths.
func (s *Scheduler) QueueLengths() (blocked, runnable int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked.Len(), s.runnable.Len()
}

// Blocked returns the blocked jobs in dispatch order.
func (s *Scheduler) Blocked() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked.snapshot()
}

// Runnable returns the runnable jobs in dispatch order.
func (s *Scheduler) Runnable() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnable.snapshot()
}

func (s *Scheduler) publish(typ string, job *Job) {
	if s.bus == nil {
		return
	}
	ev := newJobEvent(job)
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
