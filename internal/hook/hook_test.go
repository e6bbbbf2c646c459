package hook

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pbsched/internal/node"
	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryFailActionRequiresEvent(t *testing.T) {
	r := NewRegistry(0, discardLogger())

	_, err := r.Create("h1", map[string]string{"event": "execjob_end", "fail_action": "offline_vnodes"})
	require.True(t, model.IsCode(err, model.ErrInvalidFailAction))
	assert.Equal(t,
		"Can't set hook fail_action value to 'offline_vnodes': hook event must contain at least one of execjob_begin, exechost_startup, execjob_prologue",
		err.(*model.APIError).Message)
	_, ok := r.Get("h1")
	assert.False(t, ok)

	h, err := r.Create("h1", map[string]string{"event": "execjob_begin,execjob_end", "fail_action": "offline_vnodes,scheduler_restart_cycle"})
	require.NoError(t, err)
	assert.True(t, h.FailAction.Has(model.FailActionOfflineVnodes))
	assert.True(t, h.FailAction.Has(model.FailActionSchedulerRestartCycle))
	assert.Equal(t, model.DefaultHookAlarm, h.Alarm)

	err = r.Set("h1", map[string]string{"event": "execjob_epilogue"})
	assert.True(t, model.IsCode(err, model.ErrInvalidFailAction), "dropping the enabling event is rejected")
	h, _ = r.Get("h1")
	assert.Len(t, h.Events, 2, "rejected batch applies nothing")

	require.NoError(t, r.Set("h1", map[string]string{"event": "execjob_epilogue", "fail_action": "none"}))
}

func TestRegistryClosedKeys(t *testing.T) {
	r := NewRegistry(0, discardLogger())
	_, err := r.Create("h1", map[string]string{"interpreter": "python"})
	assert.True(t, model.IsCode(err, model.ErrUnknownAttr))

	_, err = r.Create("h1", map[string]string{"order": "1001"})
	assert.True(t, model.IsCode(err, model.ErrValidation))

	_, err = r.Create("h1", map[string]string{"alarm": "0"})
	assert.True(t, model.IsCode(err, model.ErrValidation))
}

func TestForEventOrdering(t *testing.T) {
	r := NewRegistry(0, discardLogger())
	_, err := r.Create("zeta", map[string]string{"event": "execjob_prologue", "order": "1"})
	require.NoError(t, err)
	_, err = r.Create("alpha", map[string]string{"event": "execjob_prologue", "order": "5"})
	require.NoError(t, err)
	_, err = r.Create("beta", map[string]string{"event": "execjob_prologue", "order": "1"})
	require.NoError(t, err)
	_, err = r.Create("off", map[string]string{"event": "execjob_prologue", "enabled": "false"})
	require.NoError(t, err)

	var names []string
	for _, h := range r.ForEvent(model.HookEventExecjobPrologue) {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"beta", "zeta", "alpha"}, names)
}

func runScript(t *testing.T, script string, alarm time.Duration, in Input) Result {
	t.Helper()
	e := NewExecutor(discardLogger())
	h := &model.Hook{Name: "t", Events: []model.HookEvent{in.Event}, Alarm: alarm, Script: script}
	return e.Run(context.Background(), h, in)
}

func TestExecutorOutcomes(t *testing.T) {
	job := &JobInfo{ID: "1.pbsched", Owner: "alice", Queue: "workq", MotherSuperior: "h1", ResourcesUsed: map[string]string{}}
	in := Input{Event: model.HookEventExecjobBegin, Host: "h1", Vnodes: []string{"h1"}, Job: job}

	tests := []struct {
		name    string
		script  string
		outcome Outcome
		message string
	}{
		{"falls off the end", `var x = 1;`, OutcomeAccept, ""},
		{"explicit accept", `event.accept(); throw new Error("unreachable");`, OutcomeAccept, ""},
		{"reject", `event.reject("no scratch space");`, OutcomeReject, "no scratch space"},
		{"exception", `throw new Error("boom");`, OutcomeError, "boom"},
		{"syntax error", `this is not javascript`, OutcomeError, ""},
		{"ms host", `if (!event.job.in_ms_host()) { event.reject("not ms"); }`, OutcomeAccept, ""},
		{"size helper", `if (size("2gb") !== 2097152) { throw new Error("bad size"); }`, OutcomeAccept, ""},
		{"reject caught is still reject", `try { event.reject("r"); } catch (e) {} event.accept();`, OutcomeReject, "r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runScript(t, tt.script, time.Second, in)
			assert.Equal(t, tt.outcome, res.Outcome, res.Message)
			if tt.message != "" {
				assert.Contains(t, res.Message, tt.message)
			}
		})
	}
}

func TestExecutorAlarm(t *testing.T) {
	in := Input{Event: model.HookEventExecjobPrologue, Host: "h2"}
	res := runScript(t, `while (true) {}`, 100*time.Millisecond, in)
	assert.Equal(t, OutcomeAlarm, res.Outcome)
	assert.True(t, res.Outcome.Failed())
	assert.Contains(t, res.Message, "alarm call while running execjob_prologue hook")
}

func TestExecutorResourcesUsed(t *testing.T) {
	job := &JobInfo{ID: "1.pbsched", ResourcesUsed: map[string]string{"cput": "00:00:01"}}
	in := Input{Event: model.HookEventExecjobEpilogue, Host: "h1", Job: job}
	res := runScript(t, `event.job.resources_used.file = "2gb"; event.accept();`, time.Second, in)
	require.Equal(t, OutcomeAccept, res.Outcome, res.Message)
	assert.Equal(t, "2gb", res.ResourcesUsed["file"])
	assert.Equal(t, "00:00:01", res.ResourcesUsed["cput"])
	assert.Empty(t, job.ResourcesUsed["file"], "input snapshot is not mutated")
}

type fixture struct {
	hooks *Registry
	nodes *node.Registry
	mem   *record.Memory
	disp  *Dispatcher
}

func newFixture(t *testing.T, hosts map[string]int) *fixture {
	t.Helper()
	logger := discardLogger()
	mem := &record.Memory{}
	nodes := node.NewRegistry(resource.NewRegistry(logger), mem, logger)
	for host, count := range hosts {
		_, err := nodes.CreateVnodes(host, map[string]string{"resources_available.ncpus": "2"}, count, count > 1)
		require.NoError(t, err)
		require.NoError(t, nodes.Heartbeat(host))
	}
	hooks := NewRegistry(0, logger)
	disp := NewDispatcher(hooks, NewExecutor(logger), nodes, logger, WithSink(mem), WithMaxParallelHosts(2))
	return &fixture{hooks: hooks, nodes: nodes, mem: mem, disp: disp}
}

func placedJob(id string, vnodes ...string) *model.Job {
	alloc := &model.Allocation{}
	for _, v := range vnodes {
		host, _, _ := strings.Cut(v, "[")
		alloc.Chunks = append(alloc.Chunks, model.VnodeAssignment{Vnode: v, Host: host, Resources: map[string]int64{"ncpus": 1}})
	}
	return &model.Job{ID: id, Owner: "alice", Queue: "workq", Allocation: alloc}
}

func TestFireJobRunsOncePerHost(t *testing.T) {
	f := newFixture(t, map[string]int{"h1": 3, "h2": 1, "h3": 1})
	_, err := f.hooks.Create("pro", map[string]string{"event": "execjob_prologue,execjob_begin"})
	require.NoError(t, err)

	j := placedJob("1.s", "h1", "h1[0]", "h1[1]", "h2", "h3")
	rep := f.disp.FireJob(context.Background(), model.HookEventExecjobPrologue, j)
	require.True(t, rep.Accepted())
	require.Len(t, rep.Hosts, 3)
	for _, h := range []string{"h1", "h2", "h3"} {
		assert.Equal(t, 1, f.mem.Count("1.s", model.RecordHook, h, "execjob_prologue pro accept"), h)
	}
	assert.ElementsMatch(t, []string{"h1", "h1[0]", "h1[1]"}, rep.Hosts[0].Vnodes)

	rep = f.disp.FireJob(context.Background(), model.HookEventExecjobBegin, j)
	require.Len(t, rep.Hosts, 1)
	assert.Equal(t, "h1", rep.Hosts[0].Host, "begin runs on the mother superior only")
}

func TestFireJobAlarmsRunInParallel(t *testing.T) {
	f := newFixture(t, map[string]int{"h1": 1, "h2": 1, "h3": 1})
	disp := NewDispatcher(f.hooks, NewExecutor(discardLogger()), f.nodes, discardLogger(), WithSink(f.mem))
	_, err := f.hooks.Create("spin", map[string]string{"event": "execjob_prologue", "alarm": "1", "script": `while (true) {}`})
	require.NoError(t, err)

	started := time.Now()
	rep := disp.FireJob(context.Background(), model.HookEventExecjobPrologue, placedJob("1.s", "h1", "h2", "h3"))
	elapsed := time.Since(started)

	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1900*time.Millisecond, "hosts alarm together, not one after another")
	require.Len(t, rep.Hosts, 3)
	for _, h := range rep.Hosts {
		res, ok := h.Final()
		require.True(t, ok, h.Host)
		assert.Equal(t, OutcomeAlarm, res.Outcome, "one failing host does not cancel the others: %s", h.Host)
	}
	assert.True(t, rep.Failed())
}

func TestFireJobOfflineVnodesOnFailingHost(t *testing.T) {
	f := newFixture(t, map[string]int{"h1": 1, "h2": 3})
	_, err := f.hooks.Create("guard", map[string]string{
		"event":       "execjob_prologue",
		"fail_action": "offline_vnodes",
		"script":      `if (event.hostname === "h2") { throw new Error("disk check failed"); }`,
	})
	require.NoError(t, err)

	j := placedJob("2.s", "h1", "h2[0]")
	rep := f.disp.FireJob(context.Background(), model.HookEventExecjobPrologue, j)
	assert.True(t, rep.Failed())
	assert.False(t, rep.Restart)
	require.Error(t, rep.Err())
	assert.Contains(t, rep.Err().Error(), "disk check failed")

	// Host scope: the implicated vnode, its natural vnode and siblings.
	assert.Equal(t, []string{"h2", "h2[0]", "h2[1]"}, rep.Offlined)
	for _, id := range []string{"h2", "h2[0]", "h2[1]"} {
		n, _ := f.nodes.Get(id)
		assert.Equal(t, model.NodeStateOffline, n.State, id)
		assert.Equal(t, "offlined by hook 'guard' due to hook error", n.Comment, id)
	}
	n, _ := f.nodes.Get("h1")
	assert.Equal(t, model.NodeStateFree, n.State, "healthy host is untouched")
	assert.Equal(t, 1, f.mem.Count("2.s", model.RecordHook, "h1", ""), "no fail-fast")
}

func TestFireJobVnodeScope(t *testing.T) {
	f := newFixture(t, map[string]int{"h2": 3})
	_, err := f.hooks.Create("guard", map[string]string{
		"event":         "execjob_begin",
		"fail_action":   "offline_vnodes",
		"offline_scope": "vnode",
		"script":        `throw new Error("x");`,
	})
	require.NoError(t, err)

	rep := f.disp.FireJob(context.Background(), model.HookEventExecjobBegin, placedJob("3.s", "h2[1]"))
	assert.Equal(t, []string{"h2[1]"}, rep.Offlined)
	n, _ := f.nodes.Get("h2")
	assert.Equal(t, model.NodeStateFree, n.State)
}

func TestFireJobRestartCycleAndNone(t *testing.T) {
	f := newFixture(t, map[string]int{"h1": 1})
	f.hooks.Restore(&model.Hook{
		Name: "slow", Events: []model.HookEvent{model.HookEventExecjobBegin}, Enabled: true,
		Alarm: 100 * time.Millisecond, FailAction: model.FailActionSchedulerRestartCycle,
		Order: 1, OfflineScope: model.OfflineScopeHost, Script: `while (true) {}`,
	})
	rep := f.disp.FireJob(context.Background(), model.HookEventExecjobBegin, placedJob("4.s", "h1"))
	assert.True(t, rep.Failed())
	assert.True(t, rep.Restart)
	assert.Empty(t, rep.Offlined)

	require.NoError(t, f.hooks.Set("slow", map[string]string{"fail_action": "none"}))
	rep = f.disp.FireJob(context.Background(), model.HookEventExecjobBegin, placedJob("5.s", "h1"))
	assert.True(t, rep.Failed())
	assert.False(t, rep.Restart)
	n, _ := f.nodes.Get("h1")
	assert.Equal(t, model.NodeStateFree, n.State)
}

func TestFireJobStopsAtFirstRejectOnHost(t *testing.T) {
	f := newFixture(t, map[string]int{"h1": 1})
	_, err := f.hooks.Create("a", map[string]string{"event": "execjob_prologue", "order": "1", "script": `event.reject("nope")`, "fail_action": "offline_vnodes"})
	require.NoError(t, err)
	_, err = f.hooks.Create("b", map[string]string{"event": "execjob_prologue", "order": "2"})
	require.NoError(t, err)

	rep := f.disp.FireJob(context.Background(), model.HookEventExecjobPrologue, placedJob("6.s", "h1"))
	assert.True(t, rep.Rejected())
	assert.Equal(t, "nope", rep.Message())
	assert.Empty(t, rep.Offlined, "a rejection is not a hook error")
	assert.Equal(t, 0, f.mem.Count("6.s", model.RecordHook, "h1", "execjob_prologue b accept"))
}

func TestFireJobEndIgnoresFailAction(t *testing.T) {
	f := newFixture(t, map[string]int{"h1": 1})
	_, err := f.hooks.Create("both", map[string]string{
		"event": "execjob_begin,execjob_end", "fail_action": "offline_vnodes", "script": `throw new Error("x")`,
	})
	require.NoError(t, err)
	rep := f.disp.FireJob(context.Background(), model.HookEventExecjobEnd, placedJob("7.s", "h1"))
	assert.True(t, rep.Failed())
	assert.Empty(t, rep.Offlined)
}

func TestFireHostStartup(t *testing.T) {
	f := newFixture(t, map[string]int{"h1": 2})
	_, err := f.hooks.Create("startup", map[string]string{
		"event": "exechost_startup", "fail_action": "offline_vnodes", "script": `if (event.vnodes.length !== 2) { throw new Error("vnodes"); } throw new Error("bad host");`,
	})
	require.NoError(t, err)
	rep := f.disp.FireHost(context.Background(), model.HookEventExechostStartup, "h1")
	assert.Contains(t, rep.Err().Error(), "bad host")
	assert.Equal(t, []string{"h1", "h1[0]"}, rep.Offlined)
}
