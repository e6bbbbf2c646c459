// Package job owns the job table and every job state transition.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/me/pbsched/internal/hook"
	"github.com/me/pbsched/internal/node"
	"github.com/me/pbsched/internal/queue"
	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/pkg/model"
)

// Comments and exit statuses set by the controller.
const (
	CommentTooManyAttempts   = "job held, too many failed attempts to run"
	CommentNeverSatisfied    = "job held, request can never be satisfied"
	CommentWalltime          = "job exceeded walltime"
	CommentDeleted           = "job deleted"
	CommentRequeuedOnRestart = "Job requeued, allocation lost on server restart"
	HeldReasonUser           = "user hold"

	ExitWalltime = -29
	ExitDeleted  = 271
)

// Persister saves jobs through to durable storage. internal/store
// implements it.
type Persister interface {
	SaveJob(ctx context.Context, j *model.Job) error
	DeleteJob(ctx context.Context, id string) error
}

// Feasibility decides at submit time whether a request could ever be
// satisfied by the configured vnodes.
type Feasibility interface {
	NeverRuns(j *model.Job) (string, bool)
}

// Controller runs the job lifecycle. Transitions are serialized by mu;
// hooks run outside it and their results are applied only if the job is
// still in the run attempt that fired them.
type Controller struct {
	mu        sync.Mutex
	table     *Table
	nodes     *node.Registry
	queues    *queue.Registry
	resources *resource.Registry
	hooks     *hook.Dispatcher
	attrs     func() model.ServerAttrs
	feasible  Feasibility
	persist   Persister
	sink      record.Sink
	kick      func()
	logger    *slog.Logger
	now       func() time.Time
	seq       int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithPersister writes every change through to p.
func WithPersister(p Persister) Option {
	return func(c *Controller) { c.persist = p }
}

// WithSink delivers lifecycle records to s.
func WithSink(s record.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithKick is called whenever a job becomes eligible to run.
func WithKick(fn func()) Option {
	return func(c *Controller) { c.kick = fn }
}

// WithClock overrides the controller's clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller with an empty job table.
func NewController(nodes *node.Registry, queues *queue.Registry, hooks *hook.Dispatcher,
	attrs func() model.ServerAttrs, logger *slog.Logger, opts ...Option) (*Controller, error) {
	table, err := NewTable()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		table:     table,
		nodes:     nodes,
		queues:    queues,
		resources: nodes.Resources(),
		hooks:     hooks,
		attrs:     attrs,
		sink:      record.Discard{},
		logger:    logger.With("component", "jobs"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetFeasibility installs the submit-time satisfiability check.
func (c *Controller) SetFeasibility(f Feasibility) {
	c.feasible = f
}

// Get returns a snapshot of a job.
func (c *Controller) Get(id string) (*model.Job, error) {
	j := c.table.Get(id)
	if j == nil {
		return nil, model.NewNotFoundError("job", id)
	}
	return j, nil
}

// List returns jobs in submission order, filtered by opts.State and opts.Queue.
func (c *Controller) List(opts model.ListOptions) ([]*model.Job, error) {
	var jobs []*model.Job
	switch {
	case opts.State != "":
		st, ok := model.ParseJobState(opts.State)
		if !ok {
			return nil, model.NewValidationError(fmt.Sprintf("invalid job state %q", opts.State))
		}
		jobs = c.table.InState(st)
	case opts.Queue != "":
		jobs = c.table.InQueue(opts.Queue)
	default:
		jobs = c.table.All()
	}
	if opts.State != "" && opts.Queue != "" {
		out := jobs[:0]
		for _, j := range jobs {
			if j.Queue == opts.Queue {
				out = append(out, j)
			}
		}
		jobs = out
	}
	return jobs, nil
}

// CountInQueue returns how many jobs reference queue.
func (c *Controller) CountInQueue(queue string) int {
	return len(c.table.InQueue(queue))
}

// Queued returns every Queued job.
func (c *Controller) Queued() []*model.Job {
	return c.table.InState(model.JobStateQueued)
}

// Active returns jobs holding resources.
func (c *Controller) Active() []*model.Job {
	return append(c.table.InState(model.JobStateRunning), c.table.InState(model.JobStateExiting)...)
}

// Annotate records a scheduling verdict on a job still Queued.
func (c *Controller) Annotate(id string, a model.JobAnnotation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.table.Get(id)
	if j == nil || j.State != model.JobStateQueued {
		return
	}
	if j.Comment == a.Comment && j.BlockedBy == a.BlockedBy && sameTime(j.EstimatedStart, a.EstimatedStart) {
		return
	}
	j.Comment, j.BlockedBy, j.EstimatedStart = a.Comment, a.BlockedBy, a.EstimatedStart
	c.saveLocked(context.Background(), j)
}

// Restore inserts a recovered job without firing hooks or records.
func (c *Controller) Restore(j *model.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j.Seq > c.seq {
		c.seq = j.Seq
	}
	return c.table.Upsert(j)
}

// Reconcile re-charges the allocations of jobs restored as Running and
// returns the ids it had to requeue. A job whose vnodes can no longer
// take it goes back to the queue; a job caught Exiting is finished.
func (c *Controller) Reconcile(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var requeued []string
	for _, j := range c.table.InState(model.JobStateRunning) {
		if j.Allocation != nil {
			err := c.nodes.Allocate(j.ID, *j.Allocation)
			if err == nil {
				continue
			}
			c.logger.Warn("allocation lost on restart", "job_id", j.ID, "error", err)
		}
		j.State = model.JobStateExiting
		c.emit(j, model.RecordExiting, "", CommentRequeuedOnRestart)
		j.State = model.JobStateQueued
		j.Allocation = nil
		j.StartedAt = nil
		j.Comment = CommentRequeuedOnRestart
		c.saveLocked(ctx, j)
		c.emit(j, model.RecordRequeued, "", CommentRequeuedOnRestart)
		requeued = append(requeued, j.ID)
	}
	for _, j := range c.table.InState(model.JobStateExiting) {
		now := c.now()
		j.State = model.JobStateFinished
		j.FinishedAt = &now
		c.saveLocked(ctx, j)
		c.emit(j, model.RecordFinished, "", "finished on restart")
	}
	if len(requeued) > 0 {
		c.kickLocked()
	}
	return requeued
}

// Run allocates alloc to a Queued job, moves it to Running and fires
// execjob_begin then execjob_prologue. When a hook does not accept, the
// failure path requeues or holds the job. An error wrapping
// hook.ErrRestartCycle means a failing hook asked for a new cycle.
func (c *Controller) Run(ctx context.Context, id string, alloc model.Allocation) error {
	j, err := c.Get(id)
	if err != nil {
		return err
	}
	if j.State != model.JobStateQueued {
		return &model.InvalidTransitionError{Entity: "job", ID: id, From: string(j.State), To: string(model.JobStateRunning)}
	}

	candidate := j.Clone()
	candidate.Allocation = &alloc
	if rep := c.hooks.FireServer(ctx, model.HookEventRunjob, candidate); !rep.Accepted() {
		c.Annotate(id, model.JobAnnotation{Comment: "Not Running: runjob hook rejected the job: " + rep.Message()})
		if rep.Restart {
			return fmt.Errorf("job %s: %w", id, hook.ErrRestartCycle)
		}
		return fmt.Errorf("job %s: runjob hook: %w", id, rep.Err())
	}

	c.mu.Lock()
	j = c.table.Get(id)
	if j == nil || j.State != model.JobStateQueued {
		c.mu.Unlock()
		return model.NewConflictError(fmt.Sprintf("job %s is no longer queued", id))
	}
	if err := c.nodes.Allocate(id, alloc); err != nil {
		msg := err.Error()
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}
		j.Comment = "Not Running: " + msg
		j.BlockedBy, j.EstimatedStart = "", nil
		c.saveLocked(ctx, j)
		c.mu.Unlock()
		return fmt.Errorf("allocate job %s: %w", id, err)
	}
	now := c.now()
	j.State = model.JobStateRunning
	j.Allocation = &alloc
	j.StartedAt = &now
	j.FinishedAt = nil
	j.ExitStatus = nil
	j.RunCount++
	j.Comment = fmt.Sprintf("Job run at %s on %s", now.Format(time.RFC1123), strings.Join(alloc.Hosts(), "+"))
	j.BlockedBy, j.EstimatedStart = "", nil
	c.saveLocked(ctx, j)
	c.emit(j, model.RecordRun, strings.Join(alloc.Hosts(), "+"), alloc.ExecVnode())
	runCount := j.RunCount
	c.mu.Unlock()

	for _, ev := range []model.HookEvent{model.HookEventExecjobBegin, model.HookEventExecjobPrologue} {
		rep := c.hooks.FireJob(ctx, ev, j)
		c.mergeUsed(ctx, id, runCount, rep)
		if rep.Accepted() {
			continue
		}
		c.logger.Warn("job start hook did not accept", "job_id", id, "event", ev, "error", rep.Err())
		c.failRun(ctx, id, runCount, ev, rep)
		if rep.Restart {
			return fmt.Errorf("job %s: %w", id, hook.ErrRestartCycle)
		}
		return fmt.Errorf("job %s: %s hook: %w", id, ev, rep.Err())
	}
	return nil
}

// failRun is the failure path of a run attempt: the job's vnodes are
// released, execjob_end runs on every host and the job is requeued or,
// after too many attempts, held.
func (c *Controller) failRun(ctx context.Context, id string, runCount int, ev model.HookEvent, rep *hook.Report) {
	c.mu.Lock()
	j := c.table.Get(id)
	if j == nil || j.State != model.JobStateRunning || j.RunCount != runCount {
		c.mu.Unlock()
		return
	}
	j.State = model.JobStateExiting
	c.saveLocked(ctx, j)
	c.emit(j, model.RecordExiting, "", fmt.Sprintf("%s %s", ev, outcomeOf(rep)))
	c.mu.Unlock()

	c.hooks.FireJob(ctx, model.HookEventExecjobEnd, j)
	c.nodes.Release(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	j = c.table.Get(id)
	if j == nil {
		return
	}
	j.Attempts++
	j.Allocation = nil
	j.StartedAt = nil
	if limit := c.attrs().MaxRunAttempts; limit > 0 && j.Attempts > limit {
		j.State = model.JobStateHeld
		j.Comment = CommentTooManyAttempts
		j.HeldReason = CommentTooManyAttempts
		c.saveLocked(ctx, j)
		c.emit(j, model.RecordHeld, "", j.Comment)
		return
	}
	j.State = model.JobStateQueued
	j.Comment = "Not Running: " + string(ev) + " hook " + outcomeOf(rep)
	if msg := rep.Message(); msg != "" {
		j.Comment += ": " + msg
	}
	c.saveLocked(ctx, j)
	c.emit(j, model.RecordRequeued, "", j.Comment)
	c.kickLocked()
}

// Obit reports that a Running job's script ended with exit. used is merged
// into resources_used before epilogue and end hooks run.
func (c *Controller) Obit(ctx context.Context, id string, exit int, used map[string]string) (*model.Job, error) {
	return c.terminate(ctx, id, exit, "", used)
}

// EnforceWalltime terminates Running jobs that have exceeded their
// walltime and returns their ids.
func (c *Controller) EnforceWalltime(ctx context.Context, now time.Time) []string {
	var killed []string
	for _, j := range c.table.InState(model.JobStateRunning) {
		if j.Walltime <= 0 || j.StartedAt == nil || now.Before(j.StartedAt.Add(j.Walltime)) {
			continue
		}
		if _, err := c.terminate(ctx, j.ID, ExitWalltime, CommentWalltime, nil); err != nil {
			c.logger.Warn("walltime termination", "job_id", j.ID, "error", err)
			continue
		}
		killed = append(killed, j.ID)
	}
	return killed
}

// terminate moves a Running job through Exiting to Finished, firing
// execjob_epilogue and execjob_end on every host.
func (c *Controller) terminate(ctx context.Context, id string, exit int, comment string, used map[string]string) (*model.Job, error) {
	c.mu.Lock()
	j := c.table.Get(id)
	if j == nil {
		c.mu.Unlock()
		return nil, model.NewNotFoundError("job", id)
	}
	if !j.State.CanTransitionTo(model.JobStateExiting) {
		c.mu.Unlock()
		return nil, &model.InvalidTransitionError{Entity: "job", ID: id, From: string(j.State), To: string(model.JobStateExiting)}
	}
	j.State = model.JobStateExiting
	j.ExitStatus = &exit
	if comment != "" {
		j.Comment = comment
	}
	if len(used) > 0 && j.ResourcesUsed == nil {
		j.ResourcesUsed = make(map[string]string, len(used))
	}
	for k, v := range used {
		j.ResourcesUsed[k] = v
	}
	c.saveLocked(ctx, j)
	c.emit(j, model.RecordExiting, "", fmt.Sprintf("exit status %d", exit))
	runCount := j.RunCount
	c.mu.Unlock()

	rep := c.hooks.FireJob(ctx, model.HookEventExecjobEpilogue, j)
	c.mergeUsed(ctx, id, runCount, rep)
	if cur := c.table.Get(id); cur != nil {
		j = cur
	}
	c.hooks.FireJob(ctx, model.HookEventExecjobEnd, j)
	c.nodes.Release(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	j = c.table.Get(id)
	if j == nil {
		return nil, model.NewNotFoundError("job", id)
	}
	now := c.now()
	j.State = model.JobStateFinished
	j.FinishedAt = &now
	c.saveLocked(ctx, j)
	c.emit(j, model.RecordFinished, "", fmt.Sprintf("exit status %d", exit))
	c.kickLocked()
	return j, nil
}

// mergeUsed folds hook-set resources_used into the job if it is still in
// the run attempt that fired the hooks.
func (c *Controller) mergeUsed(ctx context.Context, id string, runCount int, rep *hook.Report) {
	used := rep.ResourcesUsed()
	if len(used) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.table.Get(id)
	if j == nil || j.RunCount != runCount {
		return
	}
	if j.ResourcesUsed == nil {
		j.ResourcesUsed = make(map[string]string, len(used))
	}
	for k, v := range used {
		j.ResourcesUsed[k] = v
	}
	c.saveLocked(ctx, j)
}

// Release returns a Held job to the queue with its attempts reset.
func (c *Controller) Release(ctx context.Context, id string) (*model.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.table.Get(id)
	if j == nil {
		return nil, model.NewNotFoundError("job", id)
	}
	if j.State != model.JobStateHeld {
		return nil, &model.InvalidTransitionError{Entity: "job", ID: id, From: string(j.State), To: string(model.JobStateQueued)}
	}
	j.State = model.JobStateQueued
	j.Attempts = 0
	j.Hold = false
	j.HeldReason = ""
	j.Comment = ""
	c.saveLocked(ctx, j)
	c.emit(j, model.RecordReleased, "", "")
	c.kickLocked()
	return j, nil
}

// Delete removes a job. Running jobs are terminated first; jobs already
// exiting cannot be deleted.
func (c *Controller) Delete(ctx context.Context, id string) error {
	j, err := c.Get(id)
	if err != nil {
		return err
	}
	switch j.State {
	case model.JobStateExiting:
		return &model.APIError{Code: model.ErrObjectBusy, Message: fmt.Sprintf("job %s is exiting", id)}
	case model.JobStateRunning:
		if _, err := c.terminate(ctx, id, ExitDeleted, CommentDeleted, nil); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	j = c.table.Get(id)
	if j == nil {
		return nil
	}
	c.removeLocked(ctx, j, model.RecordDeleted)
	return nil
}

// Purge removes Finished jobs older than job_history_duration.
func (c *Controller) Purge(ctx context.Context, now time.Time) []string {
	keep := c.attrs().JobHistoryDuration
	c.mu.Lock()
	defer c.mu.Unlock()
	var purged []string
	for _, j := range c.table.InState(model.JobStateFinished) {
		if j.FinishedAt == nil || now.Sub(*j.FinishedAt) < keep {
			continue
		}
		c.removeLocked(ctx, j, model.RecordPurged)
		purged = append(purged, j.ID)
	}
	return purged
}

func (c *Controller) removeLocked(ctx context.Context, j *model.Job, event string) {
	if err := c.table.Delete(j.ID); err != nil {
		c.logger.Error("remove job", "job_id", j.ID, "error", err)
		return
	}
	if c.persist != nil {
		if err := c.persist.DeleteJob(ctx, j.ID); err != nil {
			c.logger.Error("persist job removal", "job_id", j.ID, "error", err)
		}
	}
	c.sink.JobEvent(record.Job(j.ID, event, model.JobStatePurged, "", ""))
}

func (c *Controller) saveLocked(ctx context.Context, j *model.Job) {
	if err := c.table.Upsert(j); err != nil {
		c.logger.Error("update job table", "job_id", j.ID, "error", err)
		return
	}
	if c.persist != nil {
		if err := c.persist.SaveJob(ctx, j); err != nil {
			c.logger.Error("persist job", "job_id", j.ID, "error", err)
		}
	}
}

func (c *Controller) emit(j *model.Job, event, host, detail string) {
	c.sink.JobEvent(record.Job(j.ID, event, j.State, host, detail))
}

func (c *Controller) kickLocked() {
	if c.kick != nil {
		c.kick()
	}
}

func outcomeOf(rep *hook.Report) string {
	if rep.Failed() {
		return "failed"
	}
	return "rejected"
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
