package scheduler

import (
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

const defaultFailedQueueSize = 100

type stats struct {
	registry metrics.Registry

	enqueued metrics.Counter
	dequeued metrics.Counter
	finished metrics.Counter
	failed   metrics.Counter
	panics   metrics.Counter
	running  metrics.Counter

	blockedDepth  metrics.Gauge
	runnableDepth metrics.Gauge

	// milliseconds
	runTime    metrics.Histogram
	queueDelay metrics.Histogram

	mu        sync.Mutex
	failedCap int
	failedQ   []FailedJob
}

func newStats() *stats {
	r := metrics.NewRegistry()
	st := &stats{
		registry:      r,
		enqueued:      metrics.NewCounter(),
		dequeued:      metrics.NewCounter(),
		finished:      metrics.NewCounter(),
		failed:        metrics.NewCounter(),
		panics:        metrics.NewCounter(),
		running:       metrics.NewCounter(),
		blockedDepth:  metrics.NewGauge(),
		runnableDepth: metrics.NewGauge(),
		runTime:       metrics.NewHistogram(metrics.NewUniformSample(1028)),
		queueDelay:    metrics.NewHistogram(metrics.NewUniformSample(1028)),
		failedCap:     defaultFailedQueueSize,
	}
	for name, m := range map[string]any{
		"jobs.enqueued":       st.enqueued,
		"jobs.dequeued":       st.dequeued,
		"jobs.finished":       st.finished,
		"jobs.failed":         st.failed,
		"jobs.panics":         st.panics,
		"jobs.running":        st.running,
		"queue.blocked":       st.blockedDepth,
		"queue.runnable":      st.runnableDepth,
		"jobs.run_ms":         st.runTime,
		"jobs.queue_delay_ms": st.queueDelay,
	} {
		_ = r.Register(name, m)
	}
	return st
}

// FailedJob is an entry of the bounded failed-job queue.
type FailedJob struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Priority int           `json:"priority"`
	Error    string        `json:"error"`
	Panicked bool          `json:"panicked,omitempty"`
	At       time.Time     `json:"at"`
	Took     time.Duration `json:"took"`
}

func (st *stats) recordFailed(f FailedJob) {
	st.mu.Lock()
	defer st.mu.Unlock()
	capacity := st.failedCap
	if capacity <= 0 {
		capacity = defaultFailedQueueSize
	}
	st.failedQ = append(st.failedQ, f)
	if len(st.failedQ) > capacity {
		st.failedQ = append([]FailedJob(nil), st.failedQ[len(st.failedQ)-capacity:]...)
	}
}

// Stats is a point-in-time view of a Scheduler.
type Stats struct {
	Executing   bool `json:"executing"`
	Pools       int  `json:"pools"`
	Workers     int  `json:"workers"`
	IdleWorkers int  `json:"idle_workers"`

	Blocked  int   `json:"blocked"`
	Runnable int   `json:"runnable"`
	Running  int64 `json:"running"`

	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
	Panics   int64 `json:"panics"`

	FailedQueue int `json:"failed_queue"`

	RunP50        time.Duration `json:"run_p50"`
	RunP95        time.Duration `json:"run_p95"`
	RunP99        time.Duration `json:"run_p99"`
	QueueDelayP95 time.Duration `json:"queue_delay_p95"`
}

// Stats returns counters, queue depths and latency percentiles.
func (s *Scheduler) Stats() Stats {
	blocked, runnable := s.QueueLengths()
	st := s.stats
	st.blockedDepth.Update(int64(blocked))
	st.runnableDepth.Update(int64(runnable))

	out := Stats{
		Blocked:  blocked,
		Runnable: runnable,
		Running:  st.running.Count(),
		Enqueued: st.enqueued.Count(),
		Dequeued: st.dequeued.Count(),
		Finished: st.finished.Count(),
		Failed:   st.failed.Count(),
		Panics:   st.panics.Count(),
	}
	ps := st.runTime.Percentiles([]float64{0.5, 0.95, 0.99})
	out.RunP50 = msDuration(ps[0])
	out.RunP95 = msDuration(ps[1])
	out.RunP99 = msDuration(ps[2])
	out.QueueDelayP95 = msDuration(st.queueDelay.Percentile(0.95))

	st.mu.Lock()
	out.FailedQueue = len(st.failedQ)
	st.mu.Unlock()

	for _, w := range s.Workers() {
		out.Workers++
		if w.CurrentID == "" {
			out.IdleWorkers++
		}
	}
	s.pmu.Lock()
	out.Pools = len(s.pools)
	s.pmu.Unlock()
	out.Executing = s.IsExecuting()
	return out
}

// FailedJobs returns the most recent failures, oldest first.
func (s *Scheduler) FailedJobs() []FailedJob {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	return append([]FailedJob(nil), s.stats.failedQ...)
}

// Metrics exposes the underlying go-metrics registry.
func (s *Scheduler) Metrics() metrics.Registry { return s.stats.registry }

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
