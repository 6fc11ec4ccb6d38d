package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the journal.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome records the terminal state of one job.
// Keep it compact and schema-stable.
type Outcome struct {
	At           time.Time `json:"at"`
	JobID        string    `json:"job_id"`
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	State        string    `json:"state"`
	Error        string    `json:"error,omitempty"`
	QueueDelayMS int64     `json:"queue_delay_ms"`
	TookMS       int64     `json:"took_ms"`
}
