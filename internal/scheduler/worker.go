package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"qualix/internal/runtime/supervisor"
	logx "qualix/pkg/logx"
)

// slowJob is the duration above which a finished job is logged at info level.
const slowJob = 750 * time.Millisecond

// Pool is a fixed set of worker loops draining one Scheduler.
type Pool struct {
	s       *Scheduler
	name    string
	oneShot bool
	sup     *supervisor.Supervisor
	workers []*worker
}

type worker struct {
	name      string
	pool      string
	startedAt time.Time

	mu      sync.Mutex
	current *Job
	since   time.Time
	jobsRun uint64
}

// WorkerInfo describes one worker loop.
type WorkerInfo struct {
	Name      string    `json:"name"`
	Pool      string    `json:"pool"`
	StartedAt time.Time `json:"started_at"`
	Current   string    `json:"current,omitempty"`
	CurrentID string    `json:"current_id,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	JobsRun   uint64    `json:"jobs_run"`
}

func (w *worker) begin(j *Job, now time.Time) {
	w.mu.Lock()
	w.current = j
	w.since = now
	w.mu.Unlock()
}

func (w *worker) end() {
	w.mu.Lock()
	w.current = nil
	w.since = time.Time{}
	w.jobsRun++
	w.mu.Unlock()
}

func (w *worker) info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	wi := WorkerInfo{Name: w.name, Pool: w.pool, StartedAt: w.startedAt, JobsRun: w.jobsRun, Since: w.since}
	if w.current != nil {
		wi.Current = w.current.name
		wi.CurrentID = w.current.id
	}
	return wi
}

// StartExecute starts n worker loops.
func (s *Scheduler) StartExecute(n int) error {
	_, err := s.StartPool(n)
	return err
}

// StartPool starts n worker loops that can be stopped independently of other
// pools. StopExecute stops every pool.
func (s *Scheduler) StartPool(n int) (*Pool, error) {
	return s.startPool(n, false)
}

// StartOneShot starts a temporary worker that executes exactly one job and exits.
func (s *Scheduler) StartOneShot() (*Pool, error) {
	return s.startPool(1, true)
}

func (s *Scheduler) startPool(n int, oneShot bool) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkers, n)
	}
	s.pmu.Lock()
	s.poolSeq++
	name := fmt.Sprintf("pool-%d", s.poolSeq)
	if oneShot {
		name = fmt.Sprintf("oneshot-%d", s.poolSeq)
	}
	s.pmu.Unlock()

	p := &Pool{s: s, name: name, oneShot: oneShot}
	p.sup = supervisor.New(s.ctx, supervisor.WithLogger(s.log.With(logx.String("pool", name))))
	now := s.now()
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{name: fmt.Sprintf("%s.worker-%d", name, i), pool: name, startedAt: now})
	}

	s.pmu.Lock()
	s.pools[p] = struct{}{}
	s.pmu.Unlock()

	for _, w := range p.workers {
		p.sup.Go(w.name, func(ctx context.Context) error { return p.loop(ctx, w) })
	}
	go func() {
		_ = p.sup.Wait(context.Background())
		s.pmu.Lock()
		delete(s.pools, p)
		s.pmu.Unlock()
		s.log.Debug("worker pool exited", logx.String("pool", name))
	}()

	s.log.Info("worker pool started", logx.String("pool", name), logx.Int("workers", n), logx.Bool("one_shot", oneShot))
	return p, nil
}

// loop takes jobs until the pool is stopped. A taken job always runs to
// completion; stop only refuses the next take.
func (p *Pool) loop(ctx context.Context, w *worker) error {
	runCtx := context.WithoutCancel(ctx)
	for {
		job, err := p.s.TakeJob(ctx)
		if err != nil {
			return nil
		}
		w.begin(job, p.s.now())
		p.s.Execute(runCtx, job, w.name)
		w.end()
		if p.oneShot {
			return nil
		}
	}
}

func (p *Pool) Name() string { return p.name }
func (p *Pool) Size() int    { return len(p.workers) }

// Done is closed once every worker of the pool has exited.
func (p *Pool) Done() <-chan struct{} { return p.sup.Done() }

// Stopping reports whether Stop was called (or the scheduler context ended).
func (p *Pool) Stopping() bool { return p.sup.Context().Err() != nil }

// Idle reports how many workers are waiting for a job.
func (p *Pool) Idle() int {
	idle := 0
	for _, w := range p.workers {
		w.mu.Lock()
		if w.current == nil {
			idle++
		}
		w.mu.Unlock()
	}
	return idle
}

// Stop refuses further takes and waits until running jobs complete or ctx is
// done. Calling it again waits again.
func (p *Pool) Stop(ctx context.Context) error {
	return p.sup.Stop(ctx)
}

// StopExecute stops every pool and waits for their workers to exit. Running
// jobs complete; queued jobs stay Queued.
func (s *Scheduler) StopExecute(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.pmu.Lock()
	pools := make([]*Pool, 0, len(s.pools))
	for p := range s.pools {
		pools = append(pools, p)
	}
	s.pmu.Unlock()

	for _, p := range pools {
		p.sup.Cancel()
	}
	var errs []error
	for _, p := range pools {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	if len(pools) > 0 {
		s.log.Info("worker pools stopped", logx.Int("pools", len(pools)), logx.Int("errors", len(errs)))
	}
	return errors.Join(errs...)
}

// IsExecuting reports whether at least one pool is accepting jobs.
func (s *Scheduler) IsExecuting() bool {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for p := range s.pools {
		if !p.Stopping() {
			return true
		}
	}
	return false
}

// Workers returns a snapshot of every worker of every live pool, sorted by name.
func (s *Scheduler) Workers() []WorkerInfo {
	s.pmu.Lock()
	pools := make([]*Pool, 0, len(s.pools))
	for p := range s.pools {
		pools = append(pools, p)
	}
	s.pmu.Unlock()

	var out []WorkerInfo
	for _, p := range pools {
		for _, w := range p.workers {
			out = append(out, w.info())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Execute runs a job previously taken with TakeJob or TakeQueuedJob (workers
// call it for every job they take) and records its terminal state. ctx is
// passed to the job's Run as is. It returns the terminal state.
func (s *Scheduler) Execute(ctx context.Context, job *Job, worker string) State {
	if job == nil {
		return StateCreated
	}
	if st := job.State(); st != StateRunning {
		s.log.Warn("execute ignored: job not taken", logx.String("job", job.name), logx.String("state", st.String()))
		return st
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log := s.log.With(logx.String("job", job.name), logx.String("job_id", job.id), logx.String("worker", worker))

	enqueuedAt, startedAt, _ := job.Times()
	queueDelay := max(0, startedAt.Sub(enqueuedAt))
	s.stats.running.Inc(1)
	s.stats.queueDelay.Update(queueDelay.Milliseconds())
	s.JobStateChanged(job, StateRunning)
	log.Debug("job started", logx.Int("priority", job.priority), logx.Duration("queue_delay", queueDelay))

	err := job.runWork(ctx)

	now := s.now()
	dur := max(0, now.Sub(startedAt))
	st := StateFinished
	if err != nil {
		st = StateError
	}
	job.finish(st, err, now)
	s.stats.running.Dec(1)
	s.stats.runTime.Update(dur.Milliseconds())

	if err != nil {
		s.stats.failed.Inc(1)
		fj := FailedJob{ID: job.id, Name: job.name, Priority: job.priority, Error: err.Error(), At: now, Took: dur}
		var pe *PanicError
		if errors.As(err, &pe) {
			fj.Panicked = true
			s.stats.panics.Inc(1)
			log.Error("job panicked", logx.Any("panic", pe.Value), logx.Stack(string(pe.Stack)), logx.Duration("dur", dur))
		} else {
			log.Warn("job failed", logx.Err(err), logx.Duration("dur", dur))
		}
		s.stats.recordFailed(fj)
	} else {
		s.stats.finished.Inc(1)
		if dur >= slowJob {
			log.Info("job finished", logx.Duration("dur", dur))
		} else {
			log.Debug("job finished", logx.Duration("dur", dur))
		}
	}

	s.JobStateChanged(job, st)
	return st
}
