package scheduler

import "time"

// Event types published on the bus given to WithBus.
const (
	EventJobQueued   = "job.queued"
	EventJobStarted  = "job.started"
	EventJobFinished = "job.finished"
	EventJobFailed   = "job.failed"
	EventJobDequeued = "job.dequeued"
)

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   int           `json:"priority"`
	State      State         `json:"state"`
	Error      string        `json:"error,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Took       time.Duration `json:"took,omitempty"`
}

func newJobEvent(j *Job) JobEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev := JobEvent{
		ID:         j.id,
		Name:       j.name,
		Priority:   j.priority,
		State:      j.state,
		EnqueuedAt: j.enqueuedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.err != nil {
		ev.Error = j.err.Error()
	}
	if !j.startedAt.IsZero() && !j.enqueuedAt.IsZero() {
		ev.QueueDelay = max(0, j.startedAt.Sub(j.enqueuedAt))
	}
	if !j.finishedAt.IsZero() && !j.startedAt.IsZero() {
		ev.Took = max(0, j.finishedAt.Sub(j.startedAt))
	}
	return ev
}
