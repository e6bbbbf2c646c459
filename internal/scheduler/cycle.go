package scheduler

import (
	"sort"
	"time"

	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/pkg/model"
)

// AssumedWalltime is the duration the calendar assumes for jobs that
// request no walltime.
const AssumedWalltime = 5 * 365 * 24 * time.Hour

// Comments written onto jobs that do not run.
const (
	CommentStrictOrder  = "Not Running: Job would break strict sorted order"
	CommentInsufficient = "Not Running: Insufficient amount of resource: "
	CommentNeverRun     = "Can Never Run: Insufficient amount of resource: "
)

// Action is the verdict kind for one job in one cycle.
type Action string

const (
	ActionRun          Action = "run"
	ActionTopJob       Action = "top_job"
	ActionBlocker      Action = "blocker"
	ActionStrict       Action = "strict_order"
	ActionInsufficient Action = "insufficient"
	ActionNeverRun     Action = "never_run"
	ActionRunFailed    Action = "run_failed"
)

// Verdict is the cycle's decision for one job.
type Verdict struct {
	JobID     string            `json:"job_id"`
	Action    Action            `json:"action"`
	Comment   string            `json:"comment,omitempty"`
	BlockedBy string            `json:"blocked_by,omitempty"`
	Start     *time.Time        `json:"start,omitempty"`
	Alloc     *model.Allocation `json:"allocation,omitempty"`
}

// interval is a span of time during which an allocation is held.
type interval struct {
	jobID string
	start time.Time
	end   time.Time
	alloc model.Allocation
}

// cycleContext is the explicit per-cycle state. Nothing in it outlives the
// cycle except the reservations handed to the calendar.
type cycleContext struct {
	id     int64
	now    time.Time
	attrs  model.ServerAttrs
	queues map[string]*model.Queue
	nodes  []*model.Node
	snap   *resource.Snapshot

	pool         *pool
	running      []interval
	reservations []interval
	topJobs      map[string]int
	blocker      string
	verdicts     []Verdict
}

func newCycleContext(id int64, now time.Time, attrs model.ServerAttrs, queues []*model.Queue,
	nodes []*model.Node, snap *resource.Snapshot, active []*model.Job) *cycleContext {
	c := &cycleContext{
		id:      id,
		now:     now,
		attrs:   attrs,
		queues:  make(map[string]*model.Queue, len(queues)),
		nodes:   nodes,
		snap:    snap,
		topJobs: make(map[string]int),
	}
	for _, q := range queues {
		c.queues[q.Name] = q
	}
	c.pool = newPool(snap, nodes, true)
	for _, j := range active {
		if j.Allocation == nil {
			continue
		}
		start := now
		if j.StartedAt != nil {
			start = *j.StartedAt
		}
		end := start.Add(walltimeOf(j))
		if end.Before(now) {
			end = now
		}
		c.running = append(c.running, interval{jobID: j.ID, start: start, end: end, alloc: j.Allocation.Clone()})
	}
	return c
}

func walltimeOf(j *model.Job) time.Duration {
	if j.Walltime > 0 {
		return j.Walltime
	}
	return AssumedWalltime
}

// scope is the backfill scope of a job: its queue when the queue sets
// backfill_depth, otherwise the server.
func (c *cycleContext) scope(j *model.Job) (string, int) {
	if q, ok := c.queues[j.Queue]; ok && q.BackfillDepth != nil {
		return "queue:" + q.Name, *q.BackfillDepth
	}
	return "server", c.attrs.BackfillDepth
}

// candidates returns the vnodes j may use: schedulable when live is set,
// honoring queue association and the queue's partition.
func (c *cycleContext) candidates(j *model.Job, live bool) []*model.Node {
	q := c.queues[j.Queue]
	dedicated := false
	for _, n := range c.nodes {
		if n.Queue == j.Queue {
			dedicated = true
			break
		}
	}
	var out []*model.Node
	for _, n := range c.nodes {
		if live && !n.State.IsSchedulable() {
			continue
		}
		if dedicated && n.Queue != j.Queue {
			continue
		}
		if !dedicated && n.Queue != "" {
			continue
		}
		if q != nil && q.Partition != "" && n.Partition != q.Partition {
			continue
		}
		out = append(out, n)
	}
	return out
}

// neverRuns checks j against the full capacity of every usable vnode.
func (c *cycleContext) neverRuns(j *model.Job) (string, bool) {
	empty := newPool(c.snap, c.nodes, false)
	_, res, ok := empty.place(j, c.candidates(j, false))
	return res, !ok
}

// poolAt is the capacity available over [t, t+d): running allocations that
// end by t are returned, reservations overlapping the window are booked.
// skip names a reservation to leave out.
func (c *cycleContext) poolAt(t time.Time, d time.Duration, skip string) *pool {
	p := c.pool.clone()
	for _, r := range c.running {
		if !r.end.After(t) {
			p.uncharge(r.alloc)
		}
	}
	end := t.Add(d)
	for _, r := range c.reservations {
		if r.jobID == skip {
			continue
		}
		if r.start.Before(end) && r.end.After(t) {
			p.charge(r.alloc)
		}
	}
	return p
}

// earliestStart finds the first time j fits once running jobs end,
// respecting reservations already made this cycle.
func (c *cycleContext) earliestStart(j *model.Job) (time.Time, model.Allocation, bool) {
	times := []time.Time{c.now}
	for _, r := range c.running {
		times = append(times, r.end)
	}
	for _, r := range c.reservations {
		times = append(times, r.end)
	}
	sort.Slice(times, func(a, b int) bool { return times[a].Before(times[b]) })

	d := walltimeOf(j)
	cands := c.candidates(j, true)
	var last time.Time
	for i, t := range times {
		if t.Before(c.now) || (i > 0 && t.Equal(last)) {
			continue
		}
		last = t
		if alloc, _, ok := c.poolAt(t, d, "").place(j, cands); ok {
			return t, alloc, true
		}
	}
	return time.Time{}, model.Allocation{}, false
}

// delays returns the first reservation that running j now on alloc would
// push back, or "".
func (c *cycleContext) delays(j *model.Job, alloc model.Allocation) string {
	end := c.now.Add(walltimeOf(j))
	for _, r := range c.reservations {
		if !r.start.Before(end) {
			continue
		}
		p := c.poolAt(r.start, r.end.Sub(r.start), r.jobID)
		p.charge(alloc)
		if !p.fits(r.alloc) {
			return r.jobID
		}
	}
	return ""
}

// commit books a job started this cycle.
func (c *cycleContext) commit(j *model.Job, alloc model.Allocation) {
	c.pool.charge(alloc)
	c.running = append(c.running, interval{jobID: j.ID, start: c.now, end: c.now.Add(walltimeOf(j)), alloc: alloc})
}

// reserve books a top job's future start.
func (c *cycleContext) reserve(j *model.Job, start time.Time, alloc model.Allocation) {
	c.reservations = append(c.reservations, interval{jobID: j.ID, start: start, end: start.Add(walltimeOf(j)), alloc: alloc})
}

// firstReservation is the job a reservation-blocked job waits on.
func (c *cycleContext) firstReservation() string {
	if len(c.reservations) == 0 {
		return ""
	}
	return c.reservations[0].jobID
}

// sortJobs orders candidates: by queue priority when by_queue is set, then
// by job priority when sort_by is priority, then by submission order.
func sortJobs(jobs []*model.Job, attrs model.ServerAttrs, queues map[string]*model.Queue) {
	qprio := func(j *model.Job) int {
		if q, ok := queues[j.Queue]; ok {
			return q.Priority
		}
		return 0
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if attrs.ByQueue {
			if pa, pb := qprio(ja), qprio(jb); pa != pb {
				return pa > pb
			}
		}
		if attrs.SortBy == model.SortByPriority && ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if ja.Seq != jb.Seq {
			return ja.Seq < jb.Seq
		}
		return ja.ID < jb.ID
	})
}

// eligible filters queued jobs down to those the cycle may consider.
func eligible(jobs []*model.Job, queues map[string]*model.Queue) []*model.Job {
	var out []*model.Job
	for _, j := range jobs {
		if j.State != model.JobStateQueued || j.Hold {
			continue
		}
		q, ok := queues[j.Queue]
		if !ok || q.Type != model.QueueExecution || !q.Enabled || !q.Started {
			continue
		}
		out = append(out, j)
	}
	return out
}
