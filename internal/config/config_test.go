package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbsched.yaml")
	data := `
addr: ":9090"
log_level: debug
scheduler:
  poll_interval: 500ms
hooks:
  default_alarm: 5s
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Hooks.DefaultAlarm)
	assert.False(t, cfg.Metrics.Enabled)

	// Untouched keys keep defaults.
	def := DefaultServerConfig()
	assert.Equal(t, def.LogFormat, cfg.LogFormat)
	assert.Equal(t, def.Scheduler.MaxCycleRestarts, cfg.Scheduler.MaxCycleRestarts)
	assert.Equal(t, def.Nodes.HeartbeatTimeout, cfg.Nodes.HeartbeatTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "addr: [unterminated"},
		{"zero poll", "scheduler:\n  poll_interval: 0s\n"},
		{"no parallel hosts", "hooks:\n  max_parallel_hosts: 0\n"},
		{"negative restarts", "scheduler:\n  max_cycle_restarts: -1\n"},
		{"unknown log level", "log_level: verbose\n"},
		{"unknown log format", "log_format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
