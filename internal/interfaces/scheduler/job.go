package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	// Execute must honour ctx cancellation.
	Execute(ctx context.Context) error

	// UserID identifies whose data the job touches; empty for system jobs.
	UserID() string

	Description() string
}
