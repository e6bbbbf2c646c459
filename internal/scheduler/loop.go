package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/pbsched/internal/node"
)

// Config holds scheduler loop configuration.
type Config struct {
	PollInterval     time.Duration
	HeartbeatTimeout time.Duration // zero disables staleness checks
	PeriodicInterval time.Duration // zero disables exechost_periodic
	PurgeInterval    time.Duration // zero purges on every tick
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		PeriodicInterval: time.Minute,
		PurgeInterval:    30 * time.Second,
	}
}

// Loop implements the Scheduler interface with a polling loop that can also
// be kicked when work arrives.
type Loop struct {
	engine   *Engine
	nodes    *node.Registry
	jobs     Maintainer
	periodic PeriodicHooks
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	lastPeriodic time.Time
	lastPurge    time.Time
	kickCh       chan struct{}
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewLoop creates a new scheduler loop. periodic may be nil.
func NewLoop(engine *Engine, nodes *node.Registry, jobs Maintainer, periodic PeriodicHooks, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		engine:   engine,
		nodes:    nodes,
		jobs:     jobs,
		periodic: periodic,
		config:   cfg,
		logger:   logger.With("component", "scheduler-loop"),
		now:      func() time.Time { return time.Now().UTC() },
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
		case <-l.kickCh:
		}
		if err := l.Tick(ctx); err != nil {
			l.logger.Error("tick error", "error", err)
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Kick requests an immediate tick. Kicks coalesce.
func (l *Loop) Kick() {
	select {
	case l.kickCh <- struct{}{}:
	default:
	}
}

// Tick runs a single iteration: liveness, periodic hooks, walltime and
// history housekeeping, then one scheduling cycle.
func (l *Loop) Tick(ctx context.Context) error {
	now := l.now()

	// Phase 1: hosts that stopped heartbeating go down.
	if l.config.HeartbeatTimeout > 0 {
		if down := l.nodes.MarkStale(l.config.HeartbeatTimeout); len(down) > 0 {
			l.logger.Warn("vnodes marked down", "nodes", down)
		}
	}

	// Phase 2: exechost_periodic.
	if l.periodic != nil && l.config.PeriodicInterval > 0 && now.Sub(l.lastPeriodic) >= l.config.PeriodicInterval {
		l.lastPeriodic = now
		l.periodic.FirePeriodic(ctx)
	}

	// Phase 3: walltime and history.
	if l.jobs != nil {
		if killed := l.jobs.EnforceWalltime(ctx, now); len(killed) > 0 {
			l.logger.Info("jobs exceeded walltime", "jobs", killed)
		}
		if now.Sub(l.lastPurge) >= l.config.PurgeInterval {
			l.lastPurge = now
			if purged := l.jobs.Purge(ctx, now); len(purged) > 0 {
				l.logger.Debug("jobs purged", "jobs", purged)
			}
		}
	}

	// Phase 4: schedule.
	res, err := l.engine.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("cycle: %w", err)
	}
	if ran := res.Ran(); len(ran) > 0 {
		l.logger.Info("cycle complete", "cycle", res.ID, "ran", ran, "restarts", res.Restarts)
	}
	return nil
}
