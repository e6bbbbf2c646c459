package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pbsched/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleJob(seq int64) *model.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	started := now.Add(time.Minute)
	exit := 0
	return &model.Job{
		ID:        fmt.Sprintf("%d.pbsched", seq),
		Name:      "sim",
		Owner:     "alice",
		Queue:     "workq",
		State:     model.JobStateRunning,
		Select:    model.Select{{Count: 2, Resources: map[string]string{"ncpus": "2", "mem": "1gb"}}},
		Place:     model.Place{Arrangement: model.ArrangeScatter, Sharing: model.SharingShared},
		Resources: map[string]string{"walltime": "01:00:00"},
		Walltime:  time.Hour,
		Priority:  10,
		RunCount:  1,
		Allocation: &model.Allocation{Chunks: []model.VnodeAssignment{
			{Vnode: "h1", Host: "h1", Resources: map[string]int64{"ncpus": 2}},
			{Vnode: "h2", Host: "h2", Resources: map[string]int64{"ncpus": 2}},
		}},
		ResourcesUsed: map[string]string{"file": "2gb"},
		ExitStatus:    &exit,
		Seq:           seq,
		SubmittedAt:   now,
		StartedAt:     &started,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	st := testStore(t)
	assert.NoError(t, st.Migrate(context.Background()), "second migrate")
}

func TestResourceDefs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	defs := []model.ResourceDef{
		{Name: "scratch", Type: model.ResourceSize, Flags: "nh"},
		{Name: "foo", Type: model.ResourceLong, Flags: "nh"},
	}
	for _, d := range defs {
		require.NoError(t, st.SaveResourceDef(ctx, d), d.Name)
	}
	// Upsert replaces flags.
	require.NoError(t, st.SaveResourceDef(ctx, model.ResourceDef{Name: "foo", Type: model.ResourceLong, Flags: "h"}))

	got, err := st.ListResourceDefs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "foo", got[0].Name)
	assert.Equal(t, "h", got[0].Flags)
	assert.Equal(t, "scratch", got[1].Name)
	assert.Equal(t, model.ResourceSize, got[1].Type)
}

func TestNodeRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	nodes := []*model.NodeView{
		{
			Node: model.Node{ID: "h1", Host: "h1", Natural: true, State: model.NodeStateFree,
				Partition: "P1", Seq: 1, LastHeartbeat: now, CreatedAt: now},
			ResourcesAvailable: map[string]string{"ncpus": "4", "mem": "8gb"},
		},
		{
			Node: model.Node{ID: "h1[0]", Host: "h1", State: model.NodeStateOffline,
				Comment: "offlined by hook 'h' due to hook error", Queue: "workq", Seq: 2, CreatedAt: now},
			ResourcesAvailable: map[string]string{"ncpus": "2", "mem": "@h1"},
		},
	}
	for _, n := range nodes {
		require.NoError(t, st.SaveNode(ctx, n), n.ID)
	}

	// Saving again replaces the resource set.
	nodes[0].ResourcesAvailable = map[string]string{"ncpus": "8"}
	require.NoError(t, st.SaveNode(ctx, nodes[0]))

	got, err := st.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	h1 := got[0]
	assert.Equal(t, "h1", h1.ID)
	assert.True(t, h1.Natural)
	assert.Equal(t, "P1", h1.Partition)
	assert.Equal(t, model.NodeStateFree, h1.State)
	assert.True(t, h1.LastHeartbeat.Equal(now), "LastHeartbeat = %v, want %v", h1.LastHeartbeat, now)
	assert.Equal(t, map[string]string{"ncpus": "8"}, h1.ResourcesAvailable)

	v0 := got[1]
	assert.Equal(t, nodes[1].Comment, v0.Comment)
	assert.Equal(t, "workq", v0.Queue)
	assert.True(t, v0.LastHeartbeat.IsZero())
	assert.Equal(t, "@h1", v0.ResourcesAvailable["mem"])

	require.NoError(t, st.DeleteNode(ctx, "h1[0]"))
	got, err = st.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	var orphans int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM node_resources WHERE node_id = 'h1[0]'`).Scan(&orphans))
	assert.Zero(t, orphans, "resource rows left for deleted vnode")
}

func TestQueueAndHookRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	bf := 0
	q := &model.Queue{Name: "workq", Type: model.QueueExecution, BackfillDepth: &bf,
		Partition: "P1", Enabled: true, Started: true, Priority: 5, CreatedAt: now}
	require.NoError(t, st.SaveQueue(ctx, q))
	qs, err := st.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	require.NotNil(t, qs[0].BackfillDepth)
	assert.Equal(t, 0, *qs[0].BackfillDepth)
	assert.Equal(t, "P1", qs[0].Partition)

	h := &model.Hook{
		Name:         "prolog",
		Events:       []model.HookEvent{model.HookEventExecjobPrologue},
		Enabled:      true,
		Alarm:        5 * time.Second,
		FailAction:   model.FailActionOfflineVnodes | model.FailActionSchedulerRestartCycle,
		OfflineScope: model.OfflineScopeHost,
		Script:       `accept()`,
		CreatedAt:    now,
	}
	require.NoError(t, st.SaveHook(ctx, h))
	hs, err := st.ListHooks(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	got := hs[0]
	assert.Equal(t, h.FailAction, got.FailAction)
	assert.Equal(t, h.Alarm, got.Alarm)
	assert.Equal(t, h.Script, got.Script)

	require.NoError(t, st.DeleteHook(ctx, "prolog"))
	require.NoError(t, st.DeleteQueue(ctx, "workq"))
	hs, _ = st.ListHooks(ctx)
	qs, _ = st.ListQueues(ctx)
	assert.Empty(t, hs)
	assert.Empty(t, qs)
}

func TestJobRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	j2 := sampleJob(2)
	j1 := sampleJob(1)
	for _, j := range []*model.Job{j2, j1} {
		require.NoError(t, st.SaveJob(ctx, j), j.ID)
	}

	j1.State = model.JobStateFinished
	j1.Comment = "Job run at Mon on h1+h2 and finished"
	require.NoError(t, st.SaveJob(ctx, j1))

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, []string{j1.ID, j2.ID}, []string{jobs[0].ID, jobs[1].ID}, "submission order")

	got := jobs[0]
	assert.Equal(t, model.JobStateFinished, got.State)
	assert.Equal(t, j1.Comment, got.Comment)
	require.NotNil(t, got.Allocation)
	require.Len(t, got.Allocation.Chunks, 2)
	assert.Equal(t, "h2", got.Allocation.Chunks[1].Host)
	assert.Equal(t, j1.Select.String(), got.Select.String())
	assert.Equal(t, "2gb", got.ResourcesUsed["file"])
	require.NotNil(t, got.ExitStatus)
	assert.Equal(t, 0, *got.ExitStatus)

	require.NoError(t, st.DeleteJob(ctx, j1.ID))
	jobs, _ = st.ListJobs(ctx)
	require.Len(t, jobs, 1)
	assert.Equal(t, j2.ID, jobs[0].ID)
}

func TestServerAttrs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	got, err := st.LoadServerAttrs(ctx)
	require.NoError(t, err)
	require.Nil(t, got, "no attrs before save")

	attrs := model.DefaultServerAttrs()
	attrs.StrictOrdering = true
	attrs.BackfillDepth = 0
	attrs.JobHistoryDuration = 90 * time.Second
	require.NoError(t, st.SaveServerAttrs(ctx, attrs))
	attrs.BackfillDepth = 3
	require.NoError(t, st.SaveServerAttrs(ctx, attrs))

	got, err = st.LoadServerAttrs(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, attrs, *got)
}

func TestCalendarReplace(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.ReplaceCalendar(ctx, map[string]time.Time{
		"1.pbsched": base,
		"2.pbsched": base.Add(time.Hour),
	}))
	require.NoError(t, st.ReplaceCalendar(ctx, map[string]time.Time{"3.pbsched": base.Add(2 * time.Hour)}))

	got, err := st.LoadCalendar(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got["3.pbsched"].Equal(base.Add(2*time.Hour)), "start = %v", got["3.pbsched"])
}

func TestRecords(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []string{model.RecordSubmitted, model.RecordRun, model.RecordHook, model.RecordFinished}
	for i, ev := range events {
		rec := model.JobRecord{ID: "r" + string(rune('a'+i)), JobID: "1.pbsched", Event: ev, Time: ts}
		require.NoError(t, st.AppendJobRecord(ctx, rec), ev)
	}
	require.NoError(t, st.AppendJobRecord(ctx, model.JobRecord{ID: "other", JobID: "2.pbsched", Event: model.RecordSubmitted, Time: ts}))

	recs, total, err := st.ListJobRecords(ctx, "1.pbsched", model.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, recs, 2)
	assert.Equal(t, model.RecordSubmitted, recs[0].Event)
	assert.Equal(t, model.RecordRun, recs[1].Event)

	_, total, _ = st.ListJobRecords(ctx, "", model.ListOptions{})
	assert.Equal(t, 5, total)

	for i, s := range []model.NodeState{model.NodeStateFree, model.NodeStateOffline} {
		rec := model.NodeRecord{ID: "n" + string(rune('a'+i)), NodeID: "h1", State: s, Time: ts}
		require.NoError(t, st.AppendNodeRecord(ctx, rec))
	}
	nrecs, total, err := st.ListNodeRecords(ctx, "h1", model.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, nrecs, 2)
	assert.Equal(t, model.NodeStateOffline, nrecs[1].State)
}

func TestRecordSeqSurvivesReopen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	path := filepath.Join(t.TempDir(), "pbsched.db")
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	st, err := NewSQLiteStore(path, logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.AppendJobRecord(ctx, model.JobRecord{ID: "a", JobID: "1.x", Event: model.RecordSubmitted, Time: ts}))
	st.Close()

	st, err = NewSQLiteStore(path, logger)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.AppendJobRecord(ctx, model.JobRecord{ID: "b", JobID: "1.x", Event: model.RecordRun, Time: ts}))

	recs, _, err := st.ListJobRecords(ctx, "1.x", model.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}
