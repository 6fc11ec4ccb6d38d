package scheduler

import (
	"fmt"
	"strings"
)

// State is the externally visible lifecycle state of a Job.
type State int32

const (
	StateCreated State = iota
	StateQueued
	StateRunning
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateFinished || s == StateError }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "created":
		*s = StateCreated
	case "queued":
		*s = StateQueued
	case "running":
		*s = StateRunning
	case "finished":
		*s = StateFinished
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown job state %q", string(b))
	}
	return nil
}

// location is the queue holding a job. Guarded by the owning Scheduler's mu.
type location uint8

const (
	locNone location = iota
	locBlocked
	locRunnable
)

func (l location) String() string {
	switch l {
	case locBlocked:
		return "blocked"
	case locRunnable:
		return "runnable"
	default:
		return "none"
	}
}
