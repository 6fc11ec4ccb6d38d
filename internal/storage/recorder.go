package storage

import (
	"context"
	"sync/atomic"
	"time"

	"qualix/internal/eventbus"
	"qualix/internal/scheduler"
	logx "qualix/pkg/logx"
)

// Recorder appends an Outcome for every job.finished and job.failed event.
type Recorder struct {
	j   Journal
	log logx.Logger

	ch      <-chan eventbus.Event
	dropped func() uint64
	unsub   func()

	written  atomic.Uint64
	errors   atomic.Uint64
	reported uint64 // drops already logged; owned by Run
}

// NewRecorder subscribes to bus right away so no outcome published after it
// returns is missed. Call Run to drain the subscription.
func NewRecorder(j Journal, bus eventbus.Bus, buffer int, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{j: j, log: log, dropped: func() uint64 { return 0 }}
	prefixes := []string{scheduler.EventJobFinished, scheduler.EventJobFailed}
	if cb, ok := bus.(eventbus.CountingBus); ok {
		r.ch, r.dropped, r.unsub = cb.SubscribeCounted(buffer, prefixes...)
	} else {
		r.ch, r.unsub = bus.Subscribe(buffer, prefixes...)
	}
	return r
}

// Run writes outcomes until ctx is done. Events still buffered at that point
// are flushed before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.noteDrops()
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.write(ctx, ev)
			r.noteDrops()
		}
	}
}

// noteDrops logs outcomes the bus discarded because the subscription was full.
func (r *Recorder) noteDrops() {
	d := r.dropped()
	if d <= r.reported {
		return
	}
	r.log.Warn("journal lost outcomes: subscription full", logx.Uint64("lost", d-r.reported), logx.Uint64("total", d))
	r.reported = d
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev eventbus.Event) {
	je, ok := ev.Data.(scheduler.JobEvent)
	if !ok {
		return
	}
	if err := r.j.Append(context.WithoutCancel(ctx), OutcomeFromEvent(je, ev.Time)); err != nil {
		r.errors.Add(1)
		r.log.Warn("journal append failed", logx.String("job", je.Name), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// Counters returns how many outcomes were written, how many appends failed
// and how many outcomes the bus dropped before they reached the recorder.
func (r *Recorder) Counters() (written, failed, dropped uint64) {
	return r.written.Load(), r.errors.Load(), r.dropped()
}

// OutcomeFromEvent converts a terminal job event. at is used when the event
// carries no finish time.
func OutcomeFromEvent(je scheduler.JobEvent, at time.Time) Outcome {
	if !je.FinishedAt.IsZero() {
		at = je.FinishedAt
	}
	return Outcome{
		At:           at,
		JobID:        je.ID,
		Name:         je.Name,
		Priority:     je.Priority,
		State:        je.State.String(),
		Error:        je.Error,
		QueueDelayMS: je.QueueDelay.Milliseconds(),
		TookMS:       je.Took.Milliseconds(),
	}
}
