// Package cluster assembles the resource, node, queue and hook registries,
// the scheduling engine and the job controller into one server, and keeps
// their state written through to the store.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/pbsched/internal/hook"
	"github.com/me/pbsched/internal/job"
	"github.com/me/pbsched/internal/metrics"
	"github.com/me/pbsched/internal/node"
	"github.com/me/pbsched/internal/queue"
	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/internal/scheduler"
	"github.com/me/pbsched/internal/store"
	"github.com/me/pbsched/pkg/model"
)

// Options tunes the assembled server.
type Options struct {
	Scheduler        scheduler.Config
	MaxCycleRestarts int
	MaxParallelHosts int
	DefaultAlarm     time.Duration
	// Clock overrides time.Now for the engine and controller.
	Clock func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Scheduler:        scheduler.DefaultConfig(),
		MaxCycleRestarts: scheduler.DefaultMaxCycleRestarts,
		MaxParallelHosts: hook.DefaultMaxParallelHosts,
		DefaultAlarm:     model.DefaultHookAlarm,
	}
}

// Cluster is the server's domain state.
type Cluster struct {
	attrsMu sync.RWMutex
	attrs   model.ServerAttrs

	resources *resource.Registry
	nodes     *node.Registry
	queues    *queue.Registry
	hooks     *hook.Registry
	dispatch  *hook.Dispatcher
	engine    *scheduler.Engine
	jobs      *job.Controller
	loop      *scheduler.Loop

	store   store.Store
	metrics *metrics.Collector
	dirty   *nodeTracker

	hostMu    sync.Mutex
	instances map[string]string // host -> agent instance id

	logger *slog.Logger
}

// New assembles a cluster. st and mc may be nil.
func New(st store.Store, mc *metrics.Collector, opts Options, logger *slog.Logger) (*Cluster, error) {
	c := &Cluster{
		attrs:     model.DefaultServerAttrs(),
		store:     st,
		metrics:   mc,
		dirty:     newNodeTracker(),
		instances: make(map[string]string),
		logger:    logger.With("component", "cluster"),
	}

	sinks := record.Multi{record.NewLogSink(logger)}
	if st != nil {
		sinks = append(sinks, record.NewStoreSink(st, logger))
	}
	if mc != nil {
		sinks = append(sinks, mc)
	}
	nodeSinks := append(record.Multi{c.dirty}, sinks...)

	c.resources = resource.NewRegistry(logger)
	c.nodes = node.NewRegistry(c.resources, nodeSinks, logger)
	c.queues = queue.NewRegistry(c.nodes, logger)
	c.nodes.SetQueueLookup(c.queues)
	c.hooks = hook.NewRegistry(opts.DefaultAlarm, logger)

	dispOpts := []hook.DispatcherOption{
		hook.WithMaxParallelHosts(opts.MaxParallelHosts),
		hook.WithSink(sinks),
	}
	if mc != nil {
		dispOpts = append(dispOpts, hook.WithObserver(mc))
	}
	c.dispatch = hook.NewDispatcher(c.hooks, hook.NewExecutor(logger), c.nodes, logger, dispOpts...)

	jobOpts := []job.Option{
		job.WithSink(sinks),
		job.WithKick(c.kick),
	}
	if st != nil {
		jobOpts = append(jobOpts, job.WithPersister(st))
	}
	if opts.Clock != nil {
		jobOpts = append(jobOpts, job.WithClock(opts.Clock))
	}
	jobs, err := job.NewController(c.nodes, c.queues, c.dispatch, c.ServerAttrs, logger, jobOpts...)
	if err != nil {
		return nil, fmt.Errorf("job controller: %w", err)
	}
	c.jobs = jobs

	var calStore scheduler.CalendarStore
	if st != nil {
		calStore = st
	}
	engOpts := []scheduler.EngineOption{
		scheduler.WithMaxCycleRestarts(opts.MaxCycleRestarts),
		scheduler.WithRecordSink(sinks),
	}
	if mc != nil {
		engOpts = append(engOpts, scheduler.WithCycleObserver(mc))
	}
	if opts.Clock != nil {
		engOpts = append(engOpts, scheduler.WithClock(opts.Clock))
	}
	c.engine = scheduler.NewEngine(c.nodes, c.queues, c.jobs, c.ServerAttrs,
		scheduler.NewCalendar(calStore, logger), logger, engOpts...)
	c.jobs.SetFeasibility(c.engine)

	c.loop = scheduler.NewLoop(c.engine, c.nodes, c.jobs, c, opts.Scheduler, logger)
	return c, nil
}

func (c *Cluster) kick() {
	if c.loop != nil {
		c.loop.Kick()
	}
}

// Start runs the scheduling loop and the node flusher. It blocks until
// ctx is cancelled or Stop is called.
func (c *Cluster) Start(ctx context.Context) error {
	flushCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.flushLoop(flushCtx)
	return c.loop.Start(ctx)
}

// Stop halts the scheduling loop after the current tick and flushes
// pending node changes.
func (c *Cluster) Stop(ctx context.Context) error {
	if err := c.loop.Stop(); err != nil {
		return err
	}
	return c.Flush(ctx)
}

// Tick runs one loop iteration synchronously.
func (c *Cluster) Tick(ctx context.Context) error {
	err := c.loop.Tick(ctx)
	if ferr := c.Flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// RunCycle runs one scheduling cycle now.
func (c *Cluster) RunCycle(ctx context.Context) (*scheduler.CycleResult, error) {
	res, err := c.engine.RunCycle(ctx)
	if ferr := c.Flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	return res, err
}

// FirePeriodic runs exechost_periodic on every host with a vnode in service.
func (c *Cluster) FirePeriodic(ctx context.Context) {
	seen := make(map[string]bool)
	var hosts []string
	for _, n := range c.nodes.List() {
		if seen[n.Host] || n.State == model.NodeStateDown || n.State == model.NodeStateUnknown {
			continue
		}
		seen[n.Host] = true
		hosts = append(hosts, n.Host)
	}
	if len(hosts) == 0 {
		return
	}
	rep := c.dispatch.FireHosts(ctx, model.HookEventExechostPeriodic, hosts)
	if err := rep.Err(); err != nil {
		c.logger.Warn("periodic hooks", "hosts", len(hosts), "error", err)
	}
}

// Metrics returns the collector, or nil when metrics are disabled.
func (c *Cluster) Metrics() *metrics.Collector {
	return c.metrics
}

// Stats counts vnodes and jobs by state for the health endpoint.
func (c *Cluster) Stats() map[string]map[string]int {
	nodes := make(map[string]int)
	for _, n := range c.nodes.List() {
		nodes[string(n.State)]++
	}
	jobs := make(map[string]int)
	all, _ := c.jobs.List(model.ListOptions{})
	for _, j := range all {
		jobs[string(j.State)]++
	}
	return map[string]map[string]int{"nodes": nodes, "jobs": jobs}
}

var _ scheduler.PeriodicHooks = (*Cluster)(nil)
