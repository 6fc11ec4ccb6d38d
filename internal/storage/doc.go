// Package storage is the append-only journal of job outcomes.
//
// It is written by a Recorder subscribed to job.finished and job.failed
// events and read back by the diagnostics endpoint. Nothing in it is used to
// restore jobs after a restart.
package storage
