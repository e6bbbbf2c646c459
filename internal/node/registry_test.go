package node

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pbsched/internal/queue"
	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/pkg/model"
)

func testRegistry(t *testing.T) (*Registry, *queue.Registry, *record.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := &record.Memory{}
	nodes := NewRegistry(resource.NewRegistry(logger), mem, logger)
	queues := queue.NewRegistry(nodes, logger)
	nodes.SetQueueLookup(queues)
	return nodes, queues, mem
}

func TestVnodeNames(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		natural bool
		want    []string
	}{
		{"single", 1, false, []string{"hostA"}},
		{"several", 3, false, []string{"hostA[0]", "hostA[1]", "hostA[2]"}},
		{"natural counts as one", 3, true, []string{"hostA", "hostA[0]", "hostA[1]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VnodeNames("hostA", tt.count, tt.natural))
		})
	}
}

func TestCreateVnodesLongNamesNotTrimmed(t *testing.T) {
	r, _, _ := testRegistry(t)
	host := "a-very-long-execution-host-name-that-goes-on-for-quite-a-while.example.com"
	created, err := r.CreateVnodes(host, map[string]string{"resources_available.ncpus": "2"}, 2, false)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, host+"[1]", created[1].ID)
	assert.Equal(t, model.NodeStateUnknown, created[0].State)

	v, ok := r.View(host + "[0]")
	require.True(t, ok)
	assert.Equal(t, "2", v.ResourcesAvailable["ncpus"])

	_, err = r.CreateVnodes(host, nil, 2, false)
	assert.True(t, model.IsCode(err, model.ErrConflict))
}

func TestCreateVnodesRejectsUnknownAttr(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h", map[string]string{"colour": "blue"}, 1, false)
	assert.True(t, model.IsCode(err, model.ErrUnknownAttr))
	assert.Empty(t, r.List())
}

func TestHeartbeatConfirmsAndMarkStale(t *testing.T) {
	r, _, mem := testRegistry(t)
	_, err := r.CreateVnodes("h1", nil, 2, false)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	require.NoError(t, r.Heartbeat("h1"))
	n, _ := r.Get("h1[0]")
	assert.Equal(t, model.NodeStateFree, n.State)

	assert.Empty(t, r.MarkStale(time.Minute))
	now = now.Add(2 * time.Minute)
	assert.ElementsMatch(t, []string{"h1[0]", "h1[1]"}, r.MarkStale(time.Minute))
	n, _ = r.Get("h1[1]")
	assert.Equal(t, model.NodeStateDown, n.State)
	assert.Equal(t, CommentMissedHeartbeat, n.Comment)

	require.NoError(t, r.Heartbeat("h1"))
	n, _ = r.Get("h1[1]")
	assert.Equal(t, model.NodeStateFree, n.State)
	assert.Empty(t, n.Comment)
	assert.NotEmpty(t, mem.NodeRecords("h1[1]"))

	assert.True(t, model.IsCode(r.Heartbeat("nohost"), model.ErrNotFound))
}

func TestSetStateTransitions(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h1", nil, 1, false)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("h1"))

	require.NoError(t, r.SetState("h1", model.NodeStateOffline, "maintenance"))
	err = r.SetState("h1", model.NodeStateJobBusy, "")
	var te *model.InvalidTransitionError
	assert.ErrorAs(t, err, &te)

	require.NoError(t, r.SetState("h1", model.NodeStateDown, "power"))
	require.NoError(t, r.SetState("h1", model.NodeStateFree, ""))
}

func TestOfflineScope(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h1", nil, 3, true)
	require.NoError(t, err)
	_, err = r.CreateVnodes("h2", nil, 1, false)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("h1"))
	require.NoError(t, r.Heartbeat("h2"))

	changed, err := r.Offline([]string{"h1[1]"}, "quarantine", model.OfflineScopeVnode)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1[1]"}, changed)

	changed, err = r.Offline([]string{"h1[0]"}, "offlined by hook 'x' due to hook error", model.OfflineScopeHost)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h1[0]", "h1[1]"}, changed)
	for _, id := range []string{"h1", "h1[0]", "h1[1]"} {
		n, _ := r.Get(id)
		assert.Equal(t, model.NodeStateOffline, n.State, id)
		assert.Equal(t, "offlined by hook 'x' due to hook error", n.Comment, id)
	}
	n, _ := r.Get("h2")
	assert.Equal(t, model.NodeStateFree, n.State)

	require.NoError(t, r.Online("h1"))
	n, _ = r.Get("h1")
	assert.Equal(t, model.NodeStateFree, n.State)
	assert.Empty(t, n.Comment)
}

func TestOfflineSurvivesMissedHeartbeat(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h1", nil, 2, false)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	require.NoError(t, r.Heartbeat("h1"))

	const comment = "offlined by hook 'pro' due to hook error"
	_, err = r.Offline([]string{"h1[0]"}, comment, model.OfflineScopeHost)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	assert.Empty(t, r.MarkStale(time.Minute))
	require.NoError(t, r.Heartbeat("h1"))

	for _, id := range []string{"h1[0]", "h1[1]"} {
		n, _ := r.Get(id)
		assert.Equal(t, model.NodeStateOffline, n.State, id)
		assert.Equal(t, comment, n.Comment, id)
	}

	require.NoError(t, r.Online("h1[0]"))
	n, _ := r.Get("h1[0]")
	assert.Equal(t, model.NodeStateFree, n.State)
}

func TestPartitionCrossValidation(t *testing.T) {
	r, queues, _ := testRegistry(t)
	_, err := queues.Create("Q1", map[string]string{"partition": "P1"})
	require.NoError(t, err)
	_, err = queues.Create("Q2", map[string]string{"partition": "P2"})
	require.NoError(t, err)
	_, err = r.CreateVnodes("n1", map[string]string{"partition": "P1", "queue": "Q1"}, 1, false)
	require.NoError(t, err)

	err = r.AssignQueue("n1", "Q2")
	require.True(t, model.IsCode(err, model.ErrPartitionMismatch))
	assert.Contains(t, err.Error(), "Partition P1 of node is not part of queue")

	err = r.AssignPartition("n1", "P2")
	require.True(t, model.IsCode(err, model.ErrPartitionMismatch))
	assert.Contains(t, err.Error(), "Queue Q1 of node is not part of partition")

	err = queues.Set("Q1", map[string]string{"partition": "P2"})
	require.True(t, model.IsCode(err, model.ErrPartitionMismatch))
	assert.Contains(t, err.Error(), "Invalid partition in queue")

	q, _ := queues.Queue("Q1")
	assert.Equal(t, "P1", q.Partition, "rejected change leaves state untouched")

	// Changing both together is consistent.
	require.NoError(t, r.SetAttrs("n1", map[string]string{"partition": "P2", "queue": "Q2"}))
}

func TestAllocateRelease(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h1", map[string]string{"resources_available.ncpus": "4"}, 1, false)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("h1"))

	alloc := model.Allocation{Chunks: []model.VnodeAssignment{
		{Vnode: "h1", Host: "h1", Resources: map[string]int64{"ncpus": 3}},
	}}
	require.NoError(t, r.Allocate("1.s", alloc))
	n, _ := r.Get("h1")
	assert.Equal(t, model.NodeStateJobBusy, n.State)
	assert.Equal(t, []string{"1.s"}, n.Jobs)

	err = r.Allocate("2.s", alloc)
	var ins *resource.InsufficientError
	require.ErrorAs(t, err, &ins)
	n, _ = r.Get("h1")
	assert.Equal(t, []string{"1.s"}, n.Jobs, "failed allocation changes nothing")

	assert.True(t, model.IsCode(r.Delete("h1"), model.ErrObjectBusy))

	r.Release("1.s")
	n, _ = r.Get("h1")
	assert.Equal(t, model.NodeStateFree, n.State)
	assert.Empty(t, n.Jobs)
	require.NoError(t, r.Delete("h1"))
}

func TestAllocateExclusive(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h1", map[string]string{"resources_available.ncpus": "4"}, 1, false)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("h1"))

	one := model.Allocation{Chunks: []model.VnodeAssignment{{Vnode: "h1", Host: "h1", Resources: map[string]int64{"ncpus": 1}}}}
	excl := one.Clone()
	excl.Exclusive = true

	require.NoError(t, r.Allocate("1.s", one))
	assert.True(t, model.IsCode(r.Allocate("2.s", excl), model.ErrConflict))
	r.Release("1.s")

	require.NoError(t, r.Allocate("2.s", excl))
	n, _ := r.Get("h1")
	assert.Equal(t, model.NodeStateJobExclusive, n.State)
	assert.True(t, model.IsCode(r.Allocate("3.s", one), model.ErrConflict))
}

func TestOfflineBusyNodeStaysOfflineAfterRelease(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h1", map[string]string{"resources_available.ncpus": "1"}, 1, false)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("h1"))
	alloc := model.Allocation{Chunks: []model.VnodeAssignment{{Vnode: "h1", Host: "h1", Resources: map[string]int64{"ncpus": 1}}}}
	require.NoError(t, r.Allocate("1.s", alloc))

	_, err = r.Offline([]string{"h1"}, "bad", model.OfflineScopeHost)
	require.NoError(t, err)
	r.Release("1.s")

	n, _ := r.Get("h1")
	assert.Equal(t, model.NodeStateOffline, n.State)
	assert.Equal(t, "bad", n.Comment)
}

func TestUnsetAttrs(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.CreateVnodes("h1", map[string]string{"comment": "c", "resources_available.ncpus": "2"}, 1, false)
	require.NoError(t, err)

	require.NoError(t, r.UnsetAttrs("h1", []string{"comment", "resources_available.ncpus"}))
	v, _ := r.View("h1")
	assert.Empty(t, v.Comment)
	assert.NotContains(t, v.ResourcesAvailable, "ncpus")

	assert.True(t, model.IsCode(r.UnsetAttrs("h1", []string{"bogus"}), model.ErrUnknownAttr))
	assert.True(t, model.IsCode(r.UnsetAttrs("h1", []string{"state"}), model.ErrValidation))
}
