// Package reporter implements the lifecycle event fan-in: every queue
// pipeline emits started/success/failure events here, and a chain of
// reporters (retry, unlock, backup pruning, logging) reacts to them.
package reporter

import (
	"time"

	"github.com/brightloop/kiq/internal/job"
)

// Kind identifies a job lifecycle event.
type Kind string

const (
	// Started is emitted the moment an executor begins running a job.
	Started Kind = "started"
	// Success is emitted when perform returns without error.
	Success Kind = "success"
	// Failure is emitted on any uncaught error, timeout, or cancellation.
	Failure Kind = "failure"
)

// Event carries everything a reporter needs to react to a job's
// lifecycle transition without touching Redis directly.
type Event struct {
	Kind   Kind
	Job    *job.Job
	Queue  string
	NodeID string
	// Err is populated on Failure; its Class()/Error() drive the job's
	// error_class/error_message fields.
	Err error
	// Duration is how long the job ran; populated on Success/Failure.
	Duration time.Duration
}
