package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"1kb", 1, false},
		{"10gb", 10 << 20, false},
		{"2MB", 2048, false},
		{"1pb", 1 << 40, false},
		{"2048", 2, false},
		{"1b", 1, false},
		{"0", 0, false},
		{"3w", 0, true},
		{"gb", 0, true},
		{"", 0, true},
		{"-1kb", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		if assert.NoError(t, err, tt.in) {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}

func TestFormatSize(t *testing.T) {
	for kb, want := range map[int64]string{0: "0kb", 1: "1kb", 1024: "1mb", 10 << 20: "10gb", 1536: "1536kb"} {
		assert.Equal(t, want, FormatSize(kb), "FormatSize(%d)", kb)
	}
}

func TestParseResourceValue(t *testing.T) {
	long := ResourceDef{Name: "ncpus", Type: ResourceLong}
	v, err := ParseResourceValue(long, " 8 ")
	require.NoError(t, err)
	assert.Equal(t, int64(8), v.Amount)
	assert.Equal(t, "8", v.String())

	float := ResourceDef{Name: "load", Type: ResourceFloat}
	v, err = ParseResourceValue(float, "1.25")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), v.Amount)
	assert.Equal(t, "1.25", v.String())

	boolean := ResourceDef{Name: "gpu_ok", Type: ResourceBoolean}
	v, err = ParseResourceValue(boolean, "yes")
	require.NoError(t, err)
	assert.True(t, v.Bool)
	assert.Equal(t, "True", v.String())

	v, err = ParseResourceValue(ResourceDef{Name: "mem", Type: ResourceSize}, "@h1")
	require.NoError(t, err)
	assert.True(t, v.IsIndirect())
	assert.Equal(t, "@h1", v.String())

	_, err = ParseResourceValue(long, "many")
	assert.Error(t, err, "non-numeric long")
	_, err = ParseResourceValue(long, "@")
	assert.Error(t, err, "empty indirect target")
}

func TestResourceDef_Consumable(t *testing.T) {
	tests := []struct {
		def  ResourceDef
		want bool
	}{
		{ResourceDef{Type: ResourceLong, Flags: "nh"}, true},
		{ResourceDef{Type: ResourceSize, Flags: "f"}, true},
		{ResourceDef{Type: ResourceLong, Flags: "q"}, false},
		{ResourceDef{Type: ResourceString, Flags: "nh"}, false},
		{ResourceDef{Type: ResourceSize}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.def.Consumable(), "%+v", tt.def)
	}
	assert.Error(t, ValidateFlags("nhz"))
}

func TestParseSelect(t *testing.T) {
	sel, err := ParseSelect("2:ncpus=1:mem=1gb+ncpus=4")
	require.NoError(t, err)
	require.Len(t, sel, 2)
	assert.Equal(t, 3, sel.Total())
	assert.Equal(t, 1, sel[1].Count)
	assert.Equal(t, "4", sel[1].Resources["ncpus"])
	assert.Equal(t, "2:mem=1gb:ncpus=1+1:ncpus=4", sel.String())

	for _, bad := range []string{"", "0:ncpus=1", "x:ncpus=1", "1:ncpus", "1:=4"} {
		_, err := ParseSelect(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsePlace(t *testing.T) {
	p, err := ParsePlace("")
	require.NoError(t, err)
	assert.Equal(t, ArrangeFree, p.Arrangement)
	assert.False(t, p.Exclusive())

	p, err = ParsePlace("scatter:excl")
	require.NoError(t, err)
	assert.Equal(t, ArrangeScatter, p.Arrangement)
	assert.True(t, p.Exclusive())
	assert.Equal(t, "scatter:excl", p.String())

	_, err = ParsePlace("spread")
	assert.Error(t, err)
}

func TestWalltime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"90", 90 * time.Second},
		{"02:30", 150 * time.Second},
		{"01:00:00", time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseWalltime(tt.in)
		if assert.NoError(t, err, tt.in) {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
	_, err := ParseWalltime("1:2:3:4")
	assert.Error(t, err)
	assert.Equal(t, "01:02:03", FormatWalltime(3723*time.Second))
}

func TestHookEventsAndFailAction(t *testing.T) {
	evs, err := ParseHookEvents("execjob_begin, execjob_end,execjob_begin")
	require.NoError(t, err)
	assert.Len(t, evs, 2)
	_, err = ParseHookEvents("execjob_middle")
	assert.Error(t, err)

	fa, err := ParseFailAction("offline_vnodes,scheduler_restart_cycle")
	require.NoError(t, err)
	assert.True(t, fa.Has(FailActionOfflineVnodes))
	assert.True(t, fa.Has(FailActionSchedulerRestartCycle))
	assert.Equal(t, "offline_vnodes,scheduler_restart_cycle", fa.String())
	assert.Equal(t, "none", FailActionNone.String())
	_, err = ParseFailAction("reboot")
	assert.Error(t, err)

	assert.True(t, FailActionAllowed([]HookEvent{HookEventExecjobEnd, HookEventExecjobPrologue}))
	assert.False(t, FailActionAllowed([]HookEvent{HookEventExecjobEpilogue, HookEventExecjobEnd}))
}

func TestAllocationHosts(t *testing.T) {
	a := Allocation{Chunks: []VnodeAssignment{
		{Vnode: "h2[0]", Host: "h2", Resources: map[string]int64{"ncpus": 1}},
		{Vnode: "h1", Host: "h1", Resources: map[string]int64{"ncpus": 2}},
		{Vnode: "h2[1]", Host: "h2", Resources: map[string]int64{"ncpus": 1}},
	}}
	assert.Equal(t, []string{"h2", "h1"}, a.Hosts(), "mother superior first")
	assert.Len(t, a.VnodesOnHost("h2"), 2)
	assert.Equal(t, "(h2[0]:ncpus=1)+(h1:ncpus=2)+(h2[1]:ncpus=1)", a.ExecVnode())

	c := a.Clone()
	c.Chunks[0].Resources["ncpus"] = 9
	assert.Equal(t, int64(1), a.Chunks[0].Resources["ncpus"], "Clone shares resource maps")
}
