package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrNilJob             = errors.New("scheduler: nil job")
	ErrAlreadySubmitted   = errors.New("scheduler: job already submitted")
	ErrDependenciesFrozen = errors.New("scheduler: dependencies are frozen after submission")
	ErrSelfDependency     = errors.New("scheduler: job cannot depend on itself")
	ErrHasDependencies    = errors.New("scheduler: job has dependencies")
	ErrNotQueued          = errors.New("scheduler: job is not queued")
	ErrNotRunnable        = errors.New("scheduler: job is not runnable")
	ErrInvalidWorkers     = errors.New("scheduler: worker count must be positive")
	ErrStopped            = errors.New("scheduler: worker pool stopped")
	ErrHookFailed         = errors.New("scheduler: enqueue hook failed")
)

// PanicError is the error recorded for a job whose Work panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
