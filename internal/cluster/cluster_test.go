package cluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pbsched/internal/job"
	"github.com/me/pbsched/internal/metrics"
	"github.com/me/pbsched/internal/store"
	"github.com/me/pbsched/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", discardLogger())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func newCluster(t *testing.T, st store.Store, mc *metrics.Collector) *Cluster {
	t.Helper()
	c, err := New(st, mc, DefaultOptions(), discardLogger())
	require.NoError(t, err)
	require.NoError(t, c.Recover(context.Background()))
	return c
}

// addHost creates a natural vnode with ncpus and brings it online.
func addHost(t *testing.T, c *Cluster, host string, attrs map[string]string) {
	t.Helper()
	ctx := context.Background()
	_, err := c.CreateVnodes(ctx, host, attrs, 1, true)
	require.NoError(t, err)
	_, err = c.Heartbeat(ctx, host, "agent-"+host)
	require.NoError(t, err)
}

func TestFreshServerHasDefaultQueue(t *testing.T) {
	c := newCluster(t, nil, nil)
	q, err := c.Queue("workq")
	require.NoError(t, err)
	assert.Equal(t, model.QueueExecution, q.Type)
	assert.True(t, q.Enabled)
	assert.True(t, q.Started)
}

func TestServerAttributes(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, nil, nil)

	_, err := c.SetServer(ctx, map[string]string{"interval": "5"})
	assert.True(t, model.IsCode(err, model.ErrUnknownAttr))

	_, err = c.SetServer(ctx, map[string]string{"backfill_depth": "3", "sort_by": "fairshare"})
	assert.True(t, model.IsCode(err, model.ErrValidation))
	assert.Equal(t, 1, c.ServerAttrs().BackfillDepth, "rejected batch applies nothing")

	_, err = c.SetServer(ctx, map[string]string{"default_queue": "nope"})
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	attrs, err := c.SetServer(ctx, map[string]string{
		"strict_ordering":      "true",
		"backfill_depth":       "0",
		"job_history_duration": "60",
		"sort_by":              "priority",
	})
	require.NoError(t, err)
	assert.True(t, attrs.StrictOrdering)
	assert.Equal(t, 0, attrs.BackfillDepth)
	assert.Equal(t, "priority", attrs.SortBy)
	assert.Equal(t, int64(60), int64(attrs.JobHistoryDuration.Seconds()))

	attrs, err = c.UnsetServer(ctx, []string{"backfill_depth", "strict_ordering"})
	require.NoError(t, err)
	assert.Equal(t, 1, attrs.BackfillDepth)
	assert.False(t, attrs.StrictOrdering)
	assert.Equal(t, "priority", attrs.SortBy)

	_, err = c.UnsetServer(ctx, []string{"bogus"})
	assert.True(t, model.IsCode(err, model.ErrUnknownAttr))
}

func TestJobRunsAndFinishes(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	c := newCluster(t, st, metrics.NewCollector())
	addHost(t, c, "h1", map[string]string{"resources_available.ncpus": "4"})

	j, err := c.Submit(ctx, job.SubmitRequest{Owner: "alice", Select: "1:ncpus=2"})
	require.NoError(t, err)
	assert.Equal(t, "1.pbsched", j.ID)

	res, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, res.Ran())

	j, err = c.Job(j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateRunning, j.State)
	assert.Equal(t, []string{"h1"}, j.ExecHosts())

	n, err := c.Node("h1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateJobBusy, n.State)
	assert.Equal(t, "2", n.ResourcesAssigned["ncpus"])

	j, err = c.Obit(ctx, j.ID, 0, map[string]string{"cput": "00:01:00"})
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFinished, j.State)
	assert.Equal(t, "00:01:00", j.ResourcesUsed["cput"])

	n, _ = c.Node("h1")
	assert.Equal(t, model.NodeStateFree, n.State)

	recs, _, err := c.JobRecords(ctx, j.ID, model.ListOptions{Limit: 100})
	require.NoError(t, err)
	var events []string
	for _, r := range recs {
		events = append(events, r.Event)
	}
	assert.Contains(t, events, model.RecordSubmitted)
	assert.Contains(t, events, model.RecordRun)
	assert.Contains(t, events, model.RecordFinished)

	nrecs, _, err := c.NodeRecords(ctx, "h1", model.ListOptions{Limit: 100})
	require.NoError(t, err)
	require.NotEmpty(t, nrecs)
	assert.Equal(t, model.NodeStateFree, nrecs[len(nrecs)-1].State)

	stats := c.Stats()
	assert.Equal(t, 1, stats["jobs"]["F"])
	assert.Equal(t, 1, stats["nodes"]["free"])
}

func TestHeartbeatStartupOncePerInstance(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, nil, nil)
	_, err := c.CreateVnodes(ctx, "h1", nil, 1, true)
	require.NoError(t, err)
	_, err = c.CreateHook(ctx, "startup", map[string]string{
		"event":  "exechost_startup",
		"script": `event.reject("scratch not mounted")`,
	})
	require.NoError(t, err)

	res, err := c.Heartbeat(ctx, "h1", "i-1")
	require.NoError(t, err)
	assert.True(t, res.Startup)
	assert.False(t, res.Accepted)
	assert.Equal(t, "scratch not mounted", res.Message)

	res, err = c.Heartbeat(ctx, "h1", "i-1")
	require.NoError(t, err)
	assert.False(t, res.Startup)
	assert.True(t, res.Accepted)

	res, err = c.Heartbeat(ctx, "h1", "i-2")
	require.NoError(t, err)
	assert.True(t, res.Startup, "a restarted agent fires startup again")

	_, err = c.Heartbeat(ctx, "nohost", "i-1")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestStartupHookOfflinesHost(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, nil, nil)
	_, err := c.CreateVnodes(ctx, "h1", map[string]string{"resources_available.ncpus": "2"}, 3, true)
	require.NoError(t, err)
	_, err = c.CreateHook(ctx, "startup", map[string]string{
		"event":       "exechost_startup",
		"fail_action": "offline_vnodes",
		"script":      `throw new Error("boom")`,
	})
	require.NoError(t, err)

	_, err = c.Heartbeat(ctx, "h1", "i-1")
	require.NoError(t, err)
	for _, id := range []string{"h1", "h1[0]", "h1[1]"} {
		n, err := c.Node(id)
		require.NoError(t, err)
		assert.Equal(t, model.NodeStateOffline, n.State, id)
		assert.Equal(t, "offlined by hook 'startup' due to hook error", n.Comment, id)
	}
}

func TestDeleteQueueWithJobsIsBusy(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, nil, nil)
	_, err := c.Submit(ctx, job.SubmitRequest{Owner: "bob", Hold: true})
	require.NoError(t, err)

	err = c.DeleteQueue(ctx, "workq")
	assert.True(t, model.IsCode(err, model.ErrObjectBusy))

	_, err = c.CreateQueue(ctx, "empty", nil)
	require.NoError(t, err)
	require.NoError(t, c.DeleteQueue(ctx, "empty"))
	_, err = c.Queue("empty")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestFirePeriodicRunsOnLiveHosts(t *testing.T) {
	ctx := context.Background()
	mc := metrics.NewCollector()
	c := newCluster(t, nil, mc)
	addHost(t, c, "h1", nil)
	addHost(t, c, "h2", nil)
	_, err := c.CreateVnodes(ctx, "h3", nil, 1, true) // never heartbeats
	require.NoError(t, err)
	_, err = c.CreateHook(ctx, "periodic", map[string]string{"event": "exechost_periodic"})
	require.NoError(t, err)

	c.FirePeriodic(ctx)
	assert.Equal(t, 2.0, hookRuns(t, mc, "exechost_periodic"))
}

func TestRecoverRestoresState(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	c1 := newCluster(t, st, nil)
	_, err := c1.DeclareResource(ctx, model.ResourceDef{Name: "scratch", Type: model.ResourceSize, Flags: "nh"})
	require.NoError(t, err)
	addHost(t, c1, "h1", map[string]string{
		"resources_available.ncpus":   "4",
		"resources_available.mem":     "8gb",
		"resources_available.scratch": "100gb",
	})
	addHost(t, c1, "h2", map[string]string{"resources_available.ncpus": "2"})
	_, err = c1.SetNode(ctx, "h2", map[string]string{"resources_available.mem": "@h1"})
	require.NoError(t, err)
	_, err = c1.SetNode(ctx, "h2", map[string]string{"state": "offline", "comment": "maint"})
	require.NoError(t, err)
	_, err = c1.CreateQueue(ctx, "fast", map[string]string{"backfill_depth": "0", "priority": "10"})
	require.NoError(t, err)
	_, err = c1.CreateHook(ctx, "prolog", map[string]string{"event": "execjob_prologue", "alarm": "5"})
	require.NoError(t, err)
	_, err = c1.SetServer(ctx, map[string]string{"strict_ordering": "true"})
	require.NoError(t, err)

	running, err := c1.Submit(ctx, job.SubmitRequest{Owner: "alice", Select: "ncpus=2:scratch=10gb"})
	require.NoError(t, err)
	_, err = c1.RunCycle(ctx)
	require.NoError(t, err)
	held, err := c1.Submit(ctx, job.SubmitRequest{Owner: "alice", Queue: "fast", Hold: true})
	require.NoError(t, err)

	c2 := newCluster(t, st, nil)

	assert.True(t, c2.ServerAttrs().StrictOrdering)
	def, ok := c2.resources.Def("scratch")
	require.True(t, ok)
	assert.Equal(t, model.ResourceSize, def.Type)

	h2, err := c2.Node("h2")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateOffline, h2.State)
	assert.Equal(t, "maint", h2.Comment)
	assert.Equal(t, "@h1", h2.ResourcesAvailable["mem"])

	q, err := c2.Queue("fast")
	require.NoError(t, err)
	require.NotNil(t, q.BackfillDepth)
	assert.Equal(t, 0, *q.BackfillDepth)
	assert.Equal(t, 10, q.Priority)

	_, err = c2.Hook("prolog")
	require.NoError(t, err)

	j, err := c2.Job(running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateRunning, j.State)
	h1, err := c2.Node("h1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateJobBusy, h1.State, "allocation re-charged")
	assert.Equal(t, "10gb", h1.ResourcesAssigned["scratch"])

	j, err = c2.Job(held.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateHeld, j.State)

	next, err := c2.Submit(ctx, job.SubmitRequest{Owner: "alice", Hold: true})
	require.NoError(t, err)
	assert.Equal(t, "3.pbsched", next.ID, "job sequence continues")
}

func TestRecoverRequeuesJobOnLostVnode(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	c1 := newCluster(t, st, nil)
	addHost(t, c1, "h1", map[string]string{"resources_available.ncpus": "2"})
	j, err := c1.Submit(ctx, job.SubmitRequest{Owner: "alice"})
	require.NoError(t, err)
	_, err = c1.RunCycle(ctx)
	require.NoError(t, err)

	// The vnode goes offline behind the running job's back.
	_, err = c1.SetNode(ctx, "h1", map[string]string{"state": "offline"})
	require.NoError(t, err)

	c2 := newCluster(t, st, nil)
	got, err := c2.Job(j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateQueued, got.State)
	assert.Equal(t, job.CommentRequeuedOnRestart, got.Comment)
	assert.Nil(t, got.Allocation)
}

func hookRuns(t *testing.T, mc *metrics.Collector, event string) float64 {
	t.Helper()
	mfs, err := mc.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != "pbsched_hook_runs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "event" && lp.GetValue() == event {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestTickMarksSilentHostDownThenSchedules(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Scheduler.HeartbeatTimeout = 20 * time.Millisecond
	c, err := New(nil, nil, opts, discardLogger())
	require.NoError(t, err)
	require.NoError(t, c.Recover(ctx))
	addHost(t, c, "h1", map[string]string{"resources_available.ncpus": "2"})

	j, err := c.Submit(ctx, job.SubmitRequest{Owner: "alice", Select: "1:ncpus=1"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Tick(ctx))

	n, err := c.Node("h1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateDown, n.State)
	j, _ = c.Job(j.ID)
	assert.Equal(t, model.JobStateQueued, j.State, "no schedulable vnode while down")

	_, err = c.Heartbeat(ctx, "h1", "agent-h1")
	require.NoError(t, err)
	require.NoError(t, c.Tick(ctx))

	j, _ = c.Job(j.ID)
	assert.Equal(t, model.JobStateRunning, j.State)
	n, _ = c.Node("h1")
	assert.Equal(t, model.NodeStateJobBusy, n.State)
}
