package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/pbsched/internal/hook"
	"github.com/me/pbsched/internal/node"
	"github.com/me/pbsched/internal/queue"
	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/pkg/model"
)

// DefaultMaxCycleRestarts bounds restarts requested by hooks in one cycle.
const DefaultMaxCycleRestarts = 3

// Jobs is the job lifecycle surface the engine drives.
type Jobs interface {
	// Queued returns jobs in the Queued state.
	Queued() []*model.Job
	// Active returns jobs holding resources (Running or Exiting).
	Active() []*model.Job
	// Run allocates alloc to a queued job and starts it. An error wrapping
	// hook.ErrRestartCycle asks the engine to restart the cycle.
	Run(ctx context.Context, id string, alloc model.Allocation) error
	// Annotate records the cycle's verdict on a job that did not run.
	Annotate(id string, a model.JobAnnotation)
}

// Observer receives cycle statistics. internal/metrics implements it.
type Observer interface {
	ObserveCycle(d time.Duration, ran, topJobs, restarts int)
}

// CycleResult summarizes one scheduling cycle.
type CycleResult struct {
	ID       int64         `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Restarts int           `json:"restarts"`
	Skipped  bool          `json:"skipped,omitempty"`
	Verdicts []Verdict     `json:"verdicts"`
}

// Ran returns the ids of jobs started by the cycle.
func (r *CycleResult) Ran() []string {
	var out []string
	for _, v := range r.Verdicts {
		if v.Action == ActionRun {
			out = append(out, v.JobID)
		}
	}
	return out
}

// Verdict returns the verdict for a job.
func (r *CycleResult) Verdict(jobID string) (Verdict, bool) {
	for _, v := range r.Verdicts {
		if v.JobID == jobID {
			return v, true
		}
	}
	return Verdict{}, false
}

// Engine runs scheduling cycles, one at a time.
type Engine struct {
	mu          sync.Mutex
	resources   *resource.Registry
	nodes       *node.Registry
	queues      *queue.Registry
	jobs        Jobs
	attrs       func() model.ServerAttrs
	calendar    *Calendar
	maxRestarts int
	observer    Observer
	sink        record.Sink
	logger      *slog.Logger
	now         func() time.Time
	cycles      int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxCycleRestarts bounds hook-requested restarts per cycle.
func WithMaxCycleRestarts(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRestarts = n
		}
	}
}

// WithCycleObserver reports cycle statistics to o.
func WithCycleObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithRecordSink delivers top job records to s.
func WithRecordSink(s record.Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides the engine's clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine.
func NewEngine(nodes *node.Registry, queues *queue.Registry, jobs Jobs, attrs func() model.ServerAttrs,
	cal *Calendar, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		resources:   nodes.Resources(),
		nodes:       nodes,
		queues:      queues,
		jobs:        jobs,
		attrs:       attrs,
		calendar:    cal,
		maxRestarts: DefaultMaxCycleRestarts,
		sink:        record.Discard{},
		logger:      logger.With("component", "scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	if e.calendar == nil {
		e.calendar = NewCalendar(nil, logger)
	}
	return e
}

// Calendar returns the engine's reservation calendar.
func (e *Engine) Calendar() *Calendar {
	return e.calendar
}

// RunCycle runs one scheduling cycle. A restart requested by a hook
// discards the cycle's uncommitted decisions and starts over, at most
// maxRestarts times.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	restarts := 0
	for {
		e.cycles++
		res, err := e.runOnce(ctx, e.cycles)
		if errors.Is(err, hook.ErrRestartCycle) {
			if restarts < e.maxRestarts {
				restarts++
				e.logger.Info("restarting scheduling cycle", "cycle", e.cycles, "restarts", restarts)
				continue
			}
			e.logger.Warn("cycle restart limit reached", "cycle", e.cycles, "max", e.maxRestarts)
			err = nil
		}
		if err == nil && res == nil {
			err = fmt.Errorf("cycle %d produced no result", e.cycles)
		}
		if err != nil {
			return nil, err
		}
		res.Restarts = restarts
		res.Duration = time.Since(started)
		if e.observer != nil {
			tops := 0
			for _, v := range res.Verdicts {
				if v.Action == ActionTopJob {
					tops++
				}
			}
			e.observer.ObserveCycle(res.Duration, len(res.Ran()), tops, restarts)
		}
		return res, nil
	}
}

func (e *Engine) runOnce(ctx context.Context, id int64) (*CycleResult, error) {
	now := e.now()
	attrs := e.attrs()
	res := &CycleResult{ID: id, Started: now}
	if !attrs.Scheduling {
		res.Skipped = true
		return res, nil
	}

	c := newCycleContext(id, now, attrs, e.queues.List(), e.nodes.List(), e.resources.Snapshot(), e.jobs.Active())
	jobs := eligible(e.jobs.Queued(), c.queues)
	sortJobs(jobs, attrs, c.queues)
	log := e.logger.With("cycle", id)
	log.Debug("cycle start", "jobs", len(jobs), "running", len(c.running))

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := e.decide(c, j)
		if v.Action == ActionRun {
			err := e.jobs.Run(ctx, j.ID, *v.Alloc)
			if errors.Is(err, hook.ErrRestartCycle) {
				res.Verdicts = append(c.verdicts, Verdict{JobID: j.ID, Action: ActionRunFailed})
				return res, err
			}
			if err != nil {
				log.Warn("job did not start", "job_id", j.ID, "error", err)
				v = Verdict{JobID: j.ID, Action: ActionRunFailed}
				// The job was chosen to run; under strict ordering it
				// still holds back everything ranked below it this cycle.
				if c.attrs.StrictOrdering && c.blocker == "" {
					c.blocker = j.ID
				}
			} else {
				c.commit(j, *v.Alloc)
			}
		}
		c.verdicts = append(c.verdicts, v)
	}

	cal := make(map[string]time.Time, len(c.reservations))
	for _, r := range c.reservations {
		cal[r.jobID] = r.start
	}
	for _, v := range c.verdicts {
		switch v.Action {
		case ActionRun, ActionRunFailed:
			// Run leaves its own comment and clears the previous verdict.
			continue
		case ActionTopJob:
			msg := fmt.Sprintf("Job is a top job and will run at %s", v.Start.Format(time.RFC1123))
			log.Info(msg, "job_id", v.JobID)
			e.sink.JobEvent(record.Job(v.JobID, model.RecordTopJob, model.JobStateQueued, "", msg))
		}
		e.jobs.Annotate(v.JobID, model.JobAnnotation{Comment: v.Comment, BlockedBy: v.BlockedBy, EstimatedStart: v.Start})
	}
	if err := e.calendar.Replace(ctx, cal); err != nil {
		log.Error("persist calendar", "error", err)
	}
	res.Verdicts = c.verdicts
	return res, nil
}

// decide applies the ordering policy to one job against the cycle state.
func (e *Engine) decide(c *cycleContext, j *model.Job) Verdict {
	v := Verdict{JobID: j.ID}
	if res, never := c.neverRuns(j); never {
		v.Action, v.Comment = ActionNeverRun, CommentNeverRun+res
		return v
	}

	scope, bf := c.scope(j)
	alloc, short, fits := c.pool.place(j, c.candidates(j, true))
	strict := c.attrs.StrictOrdering

	if fits {
		switch {
		case !strict:
		case c.blocker != "":
			v.Action, v.Comment, v.BlockedBy = ActionStrict, CommentStrictOrder, c.blocker
			return v
		case len(c.reservations) > 0 && bf == 0:
			v.Action, v.Comment, v.BlockedBy = ActionStrict, CommentStrictOrder, c.firstReservation()
			return v
		default:
			if r := c.delays(j, alloc); r != "" {
				v.Action, v.Comment, v.BlockedBy = ActionStrict, CommentStrictOrder, r
				return v
			}
		}
		v.Action, v.Alloc = ActionRun, &alloc
		return v
	}

	insufficient := CommentInsufficient + short
	if !strict {
		v.Action, v.Comment = ActionInsufficient, insufficient
		return v
	}
	if bf > 0 && c.topJobs[scope] < bf {
		if start, ralloc, ok := c.earliestStart(j); ok {
			c.reserve(j, start, ralloc)
			c.topJobs[scope]++
			v.Action, v.Comment, v.Start = ActionTopJob, insufficient, &start
			return v
		}
	}
	if c.blocker != "" || len(c.reservations) > 0 {
		v.Action, v.Comment = ActionStrict, CommentStrictOrder
		v.BlockedBy = c.blocker
		if v.BlockedBy == "" {
			v.BlockedBy = c.firstReservation()
		}
		return v
	}
	c.blocker = j.ID
	v.Action, v.Comment = ActionBlocker, insufficient
	return v
}

// NeverRuns reports whether j exceeds what every usable vnode could ever
// offer, naming the short resource. With no vnodes configured nothing is
// judged unsatisfiable.
func (e *Engine) NeverRuns(j *model.Job) (string, bool) {
	nodes := e.nodes.List()
	if len(nodes) == 0 {
		return "", false
	}
	c := newCycleContext(0, e.now(), e.attrs(), e.queues.List(), nodes, e.resources.Snapshot(), nil)
	return c.neverRuns(j)
}
