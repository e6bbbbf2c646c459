package scheduler

import (
	"context"
	"time"
)

// Scheduler drives scheduling cycles and the periodic housekeeping around
// them.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error

	// Kick requests a cycle without waiting for the next poll.
	Kick()
}

// Maintainer is the job housekeeping run on every tick.
type Maintainer interface {
	// EnforceWalltime terminates running jobs past their walltime and
	// returns their ids.
	EnforceWalltime(ctx context.Context, now time.Time) []string
	// Purge removes finished jobs whose history has expired.
	Purge(ctx context.Context, now time.Time) []string
}

// PeriodicHooks fires exechost_periodic on every known host.
type PeriodicHooks interface {
	FirePeriodic(ctx context.Context)
}
