package agent

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pbsched/internal/cluster"
	"github.com/me/pbsched/internal/config"
	"github.com/me/pbsched/internal/server"
	"github.com/me/pbsched/internal/store"
	"github.com/me/pbsched/pkg/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startServer runs a full pbsched server over in-memory SQLite and returns
// its URL and cluster.
func startServer(t *testing.T, opts ...server.Option) (string, *cluster.Cluster) {
	t.Helper()
	logger := quietLogger()
	st, err := store.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	c, err := cluster.New(st, nil, cluster.DefaultOptions(), logger)
	require.NoError(t, err)
	require.NoError(t, c.Recover(context.Background()))
	ts := httptest.NewServer(server.New(config.DefaultServerConfig(), c, logger, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts.URL, c
}

func TestRegisterCreatesVnodesOnce(t *testing.T) {
	url, c := startServer(t)
	a, err := New(Config{ServerURL: url, Host: "h1", Vnodes: 3, Attrs: map[string]string{"resources_available.ncpus": "4"}}, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Register(ctx))
	require.NoError(t, a.Register(ctx), "second register")

	var names []string
	for _, n := range c.Nodes() {
		if n.Host == "h1" {
			names = append(names, n.ID)
		}
	}
	require.Len(t, names, 3)
	v, err := c.Node("h1[1]")
	require.NoError(t, err)
	assert.Equal(t, "4", v.ResourcesAvailable["ncpus"])
	assert.Equal(t, model.NodeStateUnknown, v.State, "state before heartbeat")
}

func TestBeatMarksHostFree(t *testing.T) {
	url, c := startServer(t)
	a, err := New(Config{ServerURL: url, Host: "h1"}, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Register(ctx))

	res, err := a.Beat(ctx)
	require.NoError(t, err)
	assert.True(t, res.Startup)
	assert.True(t, res.Accepted)

	res, err = a.Beat(ctx)
	require.NoError(t, err)
	assert.False(t, res.Startup, "startup fired twice for one instance")

	v, _ := c.Node("h1")
	assert.Equal(t, model.NodeStateFree, v.State)
}

func TestBeatRegistersDeletedHost(t *testing.T) {
	url, c := startServer(t)
	a, err := New(Config{ServerURL: url, Host: "h1"}, quietLogger())
	require.NoError(t, err)
	// Never registered: the heartbeat finds no host and registers first.
	_, err = a.Beat(context.Background())
	require.NoError(t, err)
	_, err = c.Node("h1")
	assert.NoError(t, err)
}

func TestAgentKey(t *testing.T) {
	keys := &server.AgentKeyConfig{Keys: map[string]server.AgentKeyEntry{"secret": {Hosts: []string{"h1"}}}}
	url, _ := startServer(t, server.WithAgentKeys(keys))
	ctx := context.Background()

	bad, err := New(Config{ServerURL: url, Host: "h1", AgentKey: "wrong"}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, bad.Register(ctx))
	_, err = bad.Beat(ctx)
	assert.True(t, model.IsCode(err, model.ErrUnauthorized), "beat with wrong key: %v", err)

	good, err := New(Config{ServerURL: url, Host: "h1", AgentKey: "secret"}, quietLogger())
	require.NoError(t, err)
	_, err = good.Beat(ctx)
	assert.NoError(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	url, c := startServer(t)
	a, err := New(Config{ServerURL: url, Host: "h9", Interval: 10 * time.Millisecond}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool {
		v, err := c.Node("h9")
		return err == nil && v.State == model.NodeStateFree
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "run did not stop after cancel")
	}
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New(Config{ServerURL: "http://x"}, quietLogger())
	assert.Error(t, err)
}
