package resource

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pbsched/pkg/model"
)

func testRegistry(t *testing.T, nodes ...string) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, r.Declare(model.ResourceDef{Name: "fooi", Type: model.ResourceLong, Flags: "nh"}))
	for _, n := range nodes {
		r.AddNode(n)
	}
	return r
}

func chunk(vnode, res string, amt int64) model.VnodeAssignment {
	return model.VnodeAssignment{Vnode: vnode, Host: vnode, Resources: map[string]int64{res: amt}}
}

func TestDeclare(t *testing.T) {
	r := testRegistry(t)

	err := r.Declare(model.ResourceDef{Name: "fooi", Type: model.ResourceLong})
	assert.True(t, model.IsCode(err, model.ErrConflict))

	err = r.Declare(model.ResourceDef{Name: "bad", Type: "matrix"})
	assert.True(t, model.IsCode(err, model.ErrValidation))

	err = r.Declare(model.ResourceDef{Name: "badflag", Type: model.ResourceLong, Flags: "z"})
	assert.True(t, model.IsCode(err, model.ErrValidation))

	d, ok := r.Def("mem")
	require.True(t, ok)
	assert.True(t, d.Consumable())
}

func TestIndirectRoundTrip(t *testing.T) {
	r := testRegistry(t, "A", "B")
	require.NoError(t, r.SetAvailable("A", "fooi", "100"))
	require.NoError(t, r.SetAvailable("B", "fooi", "@A"))

	v, owner, err := r.Resolve("B", "fooi")
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.Amount)
	assert.Equal(t, "A", owner)

	require.NoError(t, r.SetAvailable("A", "fooi", "150"))
	v, _, err = r.Resolve("B", "fooi")
	require.NoError(t, err)
	assert.Equal(t, int64(150), v.Amount, "indirect value follows its target")

	avail, assigned := r.View("B")
	assert.Equal(t, "@A", avail["fooi"])
	assert.Equal(t, "@A", assigned["fooi"])
}

func TestIndirectRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Registry)
		node  string
		value string
		code  model.ErrorCode
	}{
		{
			name:  "unknown target",
			node:  "B",
			value: "@nowhere",
			code:  model.ErrInvalidIndirect,
		},
		{
			name:  "self reference",
			setup: func(r *Registry) { _ = r.SetAvailable("B", "fooi", "10") },
			node:  "B",
			value: "@B",
			code:  model.ErrInvalidIndirect,
		},
		{
			name:  "target lacks value",
			node:  "B",
			value: "@A",
			code:  model.ErrInvalidIndirect,
		},
		{
			name: "chain through a target",
			setup: func(r *Registry) {
				_ = r.SetAvailable("A", "fooi", "100")
				_ = r.SetAvailable("B", "fooi", "100")
				_ = r.SetAvailable("C", "fooi", "@B")
			},
			node:  "B",
			value: "@A",
			code:  model.ErrInvalidIndirect,
		},
		{
			name: "target is itself indirect",
			setup: func(r *Registry) {
				_ = r.SetAvailable("A", "fooi", "100")
				_ = r.SetAvailable("B", "fooi", "@A")
			},
			node:  "C",
			value: "@B",
			code:  model.ErrInvalidIndirect,
		},
		{
			name:  "non-consumable",
			setup: func(r *Registry) { _ = r.SetAvailable("A", "arch", "linux") },
			node:  "B",
			value: "@A",
			code:  model.ErrInvalidIndirect,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRegistry(t, "A", "B", "C")
			if tt.setup != nil {
				tt.setup(r)
			}
			res := "fooi"
			if tt.name == "non-consumable" {
				res = "arch"
			}
			err := r.SetAvailable(tt.node, res, tt.value)
			require.Error(t, err)
			assert.True(t, model.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestTargetBusy(t *testing.T) {
	r := testRegistry(t, "A", "B", "C")
	require.NoError(t, r.SetAvailable("A", "fooi", "100"))
	require.NoError(t, r.SetAvailable("C", "fooi", "@A"))

	// A job on C consumes A's pool.
	require.NoError(t, r.Assign("1.server", []model.VnodeAssignment{chunk("C", "fooi", 50)}))
	assert.Equal(t, int64(50), r.Assigned("A")["fooi"])

	err := r.SetAvailable("A", "fooi", "200")
	assert.True(t, model.IsCode(err, model.ErrTargetBusy), "target with usage must reject a direct change")

	err = r.SetAvailable("C", "fooi", "100")
	assert.True(t, model.IsCode(err, model.ErrTargetBusy), "busy vnode must not drop its indirection")

	err = r.SetAvailable("B", "fooi", "@A")
	assert.True(t, model.IsCode(err, model.ErrTargetBusy), "no new reference to a target with usage")

	r.Release("1.server")
	require.NoError(t, r.SetAvailable("A", "fooi", "200"))
	require.NoError(t, r.SetAvailable("C", "fooi", "100"))

	_, assigned := r.View("C")
	_, present := assigned["fooi"]
	assert.False(t, present, "assigned is recomputed and unset once direct")

	// A job placed directly on A also blocks new references to it.
	require.NoError(t, r.SetAvailable("B", "fooi", "100"))
	require.NoError(t, r.Assign("2.server", []model.VnodeAssignment{chunk("A", "fooi", 60)}))
	err = r.SetAvailable("B", "fooi", "@A")
	assert.True(t, model.IsCode(err, model.ErrTargetBusy), "got %v", err)
	v, _, err := r.Resolve("B", "fooi")
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.Amount, "rejected reference leaves B direct")

	r.Release("2.server")
	require.NoError(t, r.SetAvailable("B", "fooi", "@A"))
}

func TestAssignOversubscription(t *testing.T) {
	r := testRegistry(t, "A", "B")
	require.NoError(t, r.SetAvailable("A", "fooi", "100"))
	require.NoError(t, r.SetAvailable("B", "fooi", "@A"))

	require.NoError(t, r.Assign("1", []model.VnodeAssignment{chunk("A", "fooi", 60)}))
	err := r.Assign("2", []model.VnodeAssignment{chunk("B", "fooi", 50)})
	var ins *InsufficientError
	require.ErrorAs(t, err, &ins)
	assert.Equal(t, "A", ins.Node)

	require.NoError(t, r.Assign("2", []model.VnodeAssignment{chunk("B", "fooi", 40)}))
	assert.Equal(t, int64(100), r.Assigned("A")["fooi"])
}

func TestAssignConcurrentNoDoubleBooking(t *testing.T) {
	r := testRegistry(t, "A")
	require.NoError(t, r.SetAvailable("A", "ncpus", "8"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Assign(model.VnodeName("job", i), []model.VnodeAssignment{chunk("A", "ncpus", 1)}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, ok)
	assert.Equal(t, int64(8), r.Assigned("A")["ncpus"])
}

func TestUnsetAndRemove(t *testing.T) {
	r := testRegistry(t, "A", "B")
	require.NoError(t, r.SetAvailable("A", "fooi", "100"))
	require.NoError(t, r.SetAvailable("B", "fooi", "@A"))

	err := r.Unset("A", "fooi")
	assert.True(t, model.IsCode(err, model.ErrInvalidIndirect))
	err = r.RemoveNode("A")
	assert.True(t, model.IsCode(err, model.ErrInvalidIndirect))

	require.NoError(t, r.Unset("B", "fooi"))
	require.NoError(t, r.RemoveNode("A"))
	assert.Nil(t, r.Available("A"))
}

func TestSnapshotResolvesOwners(t *testing.T) {
	r := testRegistry(t, "A", "B")
	require.NoError(t, r.SetAvailable("A", "fooi", "100"))
	require.NoError(t, r.SetAvailable("B", "fooi", "@A"))
	require.NoError(t, r.SetAvailable("B", "ncpus", "4"))
	require.NoError(t, r.Assign("1", []model.VnodeAssignment{chunk("B", "fooi", 30)}))

	s := r.Snapshot()
	assert.Equal(t, "A", s.Owners["B"]["fooi"])
	assert.Equal(t, "B", s.Owners["B"]["ncpus"])
	assert.Equal(t, int64(100), s.Total["A"]["fooi"])
	assert.Equal(t, int64(30), s.Used["A"]["fooi"])
	assert.Equal(t, int64(100), s.Values["B"]["fooi"].Amount)
}
