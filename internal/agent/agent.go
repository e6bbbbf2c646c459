// Package agent implements the execution-host side of pbsched: it makes
// sure the host's vnodes exist on the server and keeps them alive with
// periodic heartbeats.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/pbsched/pkg/model"
)

// Config holds agent configuration.
type Config struct {
	ServerURL string
	Host      string
	// Vnodes is how many vnodes to create when the host is unknown.
	Vnodes int
	// Attrs is applied to each created vnode, e.g. resources_available.ncpus.
	Attrs    map[string]string
	Interval time.Duration
	AgentKey string
	TLS      TLSConfig
}

// Agent registers a host and heartbeats for it until stopped.
type Agent struct {
	cfg      Config
	client   *Client
	instance string
	logger   *slog.Logger
}

// New creates an Agent. Each Agent gets a fresh instance id, so a restarted
// agent triggers exechost_startup again.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Vnodes <= 0 {
		cfg.Vnodes = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	tlsCfg, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	c := NewClient(cfg.ServerURL, tlsCfg)
	c.SetAgentKey(cfg.AgentKey)
	return &Agent{
		cfg:      cfg,
		client:   c,
		instance: uuid.New().String(),
		logger:   logger.With("component", "agent", "host", cfg.Host),
	}, nil
}

// Instance returns this run's instance id.
func (a *Agent) Instance() string {
	return a.instance
}

// Register creates the host's vnodes unless the server already has some.
func (a *Agent) Register(ctx context.Context) error {
	existing, err := a.client.HostVnodes(ctx, a.cfg.Host)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		a.logger.Info("host already registered", "vnodes", len(existing))
		return nil
	}
	created, err := a.client.CreateVnodes(ctx, a.cfg.Host, a.cfg.Vnodes, a.cfg.Attrs)
	if err != nil {
		return err
	}
	names := make([]string, len(created))
	for i, n := range created {
		names[i] = n.ID
	}
	a.logger.Info("vnodes registered", "vnodes", names)
	return nil
}

// Beat sends one heartbeat. If the server no longer knows the host, the
// vnodes are registered again first.
func (a *Agent) Beat(ctx context.Context) (*HeartbeatResult, error) {
	res, err := a.client.Heartbeat(ctx, a.cfg.Host, a.instance)
	if model.IsCode(err, model.ErrNotFound) {
		a.logger.Warn("host unknown to server, registering again")
		if err := a.Register(ctx); err != nil {
			return nil, err
		}
		res, err = a.client.Heartbeat(ctx, a.cfg.Host, a.instance)
	}
	if err != nil {
		return nil, err
	}
	if res.Startup {
		if res.Accepted {
			a.logger.Info("exechost_startup accepted")
		} else {
			a.logger.Warn("exechost_startup did not accept", "message", res.Message)
		}
	}
	return res, nil
}

// Run registers the host, retrying until it succeeds, then heartbeats every
// interval until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		err := a.Register(ctx)
		if err == nil {
			break
		}
		a.logger.Warn("register failed, retrying", "error", err, "retry_in", a.cfg.Interval)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	for {
		if _, err := a.Beat(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}
