package cluster

import (
	"context"
	"fmt"

	"github.com/me/pbsched/internal/job"
	"github.com/me/pbsched/pkg/model"
)

// --- Resources ---

// DeclareResource adds a custom resource definition.
func (c *Cluster) DeclareResource(ctx context.Context, def model.ResourceDef) (model.ResourceDef, error) {
	if err := c.resources.Declare(def); err != nil {
		return model.ResourceDef{}, err
	}
	def, _ = c.resources.Def(def.Name)
	if c.store != nil {
		if err := c.store.SaveResourceDef(ctx, def); err != nil {
			return def, fmt.Errorf("persist resource %s: %w", def.Name, err)
		}
	}
	return def, nil
}

// Resources lists every definition, built-ins included.
func (c *Cluster) Resources() []model.ResourceDef {
	return c.resources.Defs()
}

// --- Vnodes ---

// CreateVnodes creates count vnodes on host with attrs applied to each.
func (c *Cluster) CreateVnodes(ctx context.Context, host string, attrs map[string]string, count int, natural bool) ([]*model.NodeView, error) {
	created, err := c.nodes.CreateVnodes(host, attrs, count, natural)
	if err != nil {
		return nil, err
	}
	views := make([]*model.NodeView, 0, len(created))
	for _, n := range created {
		c.dirty.mark(n.ID)
		if v, ok := c.nodes.View(n.ID); ok {
			views = append(views, v)
		}
	}
	return views, c.Flush(ctx)
}

// Node returns the snapshot of one vnode.
func (c *Cluster) Node(id string) (*model.NodeView, error) {
	v, ok := c.nodes.View(id)
	if !ok {
		return nil, model.NewNotFoundError("vnode", id)
	}
	return v, nil
}

// Nodes returns every vnode snapshot in creation order.
func (c *Cluster) Nodes() []*model.NodeView {
	return c.nodes.Views()
}

// SetNode applies management attributes to a vnode.
func (c *Cluster) SetNode(ctx context.Context, id string, attrs map[string]string) (*model.NodeView, error) {
	if err := c.nodes.SetAttrs(id, attrs); err != nil {
		return nil, err
	}
	c.dirty.mark(id)
	if err := c.Flush(ctx); err != nil {
		return nil, err
	}
	if s, ok := attrs["state"]; ok && s == string(model.NodeStateFree) {
		c.loop.Kick()
	}
	return c.Node(id)
}

// UnsetNode clears vnode attributes.
func (c *Cluster) UnsetNode(ctx context.Context, id string, keys []string) (*model.NodeView, error) {
	if err := c.nodes.UnsetAttrs(id, keys); err != nil {
		return nil, err
	}
	c.dirty.mark(id)
	if err := c.Flush(ctx); err != nil {
		return nil, err
	}
	return c.Node(id)
}

// DeleteNode removes a vnode.
func (c *Cluster) DeleteNode(ctx context.Context, id string) error {
	if err := c.nodes.Delete(id); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.DeleteNode(ctx, id); err != nil {
			return fmt.Errorf("persist vnode removal %s: %w", id, err)
		}
	}
	return nil
}

// HeartbeatResult reports what a host heartbeat did.
type HeartbeatResult struct {
	Host string `json:"host"`
	// Startup is true when exechost_startup ran for this heartbeat.
	Startup  bool   `json:"startup"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// Heartbeat records that host is alive. The first heartbeat from a new
// agent instance fires exechost_startup on the host.
func (c *Cluster) Heartbeat(ctx context.Context, host, instance string) (*HeartbeatResult, error) {
	if err := c.nodes.Heartbeat(host); err != nil {
		return nil, err
	}
	res := &HeartbeatResult{Host: host, Accepted: true}

	c.hostMu.Lock()
	prev, seen := c.instances[host]
	res.Startup = !seen || (instance != "" && instance != prev)
	c.instances[host] = instance
	c.hostMu.Unlock()

	if res.Startup {
		c.logger.Info("host started", "host", host, "instance", instance)
		rep := c.dispatch.FireHost(ctx, model.HookEventExechostStartup, host)
		res.Accepted = rep.Accepted()
		res.Message = rep.Message()
	}
	for _, n := range c.nodes.ByHost(host) {
		c.dirty.mark(n.ID)
	}
	if err := c.Flush(ctx); err != nil {
		return res, err
	}
	c.loop.Kick()
	return res, nil
}

// --- Queues ---

// CreateQueue adds a queue.
func (c *Cluster) CreateQueue(ctx context.Context, name string, attrs map[string]string) (*model.Queue, error) {
	q, err := c.queues.Create(name, attrs)
	if err != nil {
		return nil, err
	}
	return q, c.persistQueue(ctx, q)
}

// Queue returns one queue.
func (c *Cluster) Queue(name string) (*model.Queue, error) {
	q, ok := c.queues.Queue(name)
	if !ok {
		return nil, model.NewNotFoundError("queue", name)
	}
	return q, nil
}

// Queues lists every queue.
func (c *Cluster) Queues() []*model.Queue {
	return c.queues.List()
}

// SetQueue applies queue attributes.
func (c *Cluster) SetQueue(ctx context.Context, name string, attrs map[string]string) (*model.Queue, error) {
	if err := c.queues.Set(name, attrs); err != nil {
		return nil, err
	}
	q, err := c.Queue(name)
	if err != nil {
		return nil, err
	}
	c.loop.Kick()
	return q, c.persistQueue(ctx, q)
}

// UnsetQueue restores queue attributes to their defaults.
func (c *Cluster) UnsetQueue(ctx context.Context, name string, keys []string) (*model.Queue, error) {
	if err := c.queues.Unset(name, keys); err != nil {
		return nil, err
	}
	q, err := c.Queue(name)
	if err != nil {
		return nil, err
	}
	return q, c.persistQueue(ctx, q)
}

// DeleteQueue removes a queue no job or vnode refers to.
func (c *Cluster) DeleteQueue(ctx context.Context, name string) error {
	if err := c.queues.Delete(name, c.jobs.CountInQueue(name)); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.DeleteQueue(ctx, name); err != nil {
			return fmt.Errorf("persist queue removal %s: %w", name, err)
		}
	}
	return nil
}

func (c *Cluster) persistQueue(ctx context.Context, q *model.Queue) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveQueue(ctx, q); err != nil {
		return fmt.Errorf("persist queue %s: %w", q.Name, err)
	}
	return nil
}

// --- Hooks ---

// CreateHook defines a hook.
func (c *Cluster) CreateHook(ctx context.Context, name string, attrs map[string]string) (*model.Hook, error) {
	h, err := c.hooks.Create(name, attrs)
	if err != nil {
		return nil, err
	}
	return h, c.persistHook(ctx, h)
}

// Hook returns one hook.
func (c *Cluster) Hook(name string) (*model.Hook, error) {
	h, ok := c.hooks.Get(name)
	if !ok {
		return nil, model.NewNotFoundError("hook", name)
	}
	return h, nil
}

// Hooks lists every hook.
func (c *Cluster) Hooks() []*model.Hook {
	return c.hooks.List()
}

// SetHook applies hook attributes as one batch.
func (c *Cluster) SetHook(ctx context.Context, name string, attrs map[string]string) (*model.Hook, error) {
	if err := c.hooks.Set(name, attrs); err != nil {
		return nil, err
	}
	h, err := c.Hook(name)
	if err != nil {
		return nil, err
	}
	return h, c.persistHook(ctx, h)
}

// UnsetHook restores hook attributes to their defaults.
func (c *Cluster) UnsetHook(ctx context.Context, name string, keys []string) (*model.Hook, error) {
	if err := c.hooks.Unset(name, keys); err != nil {
		return nil, err
	}
	h, err := c.Hook(name)
	if err != nil {
		return nil, err
	}
	return h, c.persistHook(ctx, h)
}

// DeleteHook removes a hook.
func (c *Cluster) DeleteHook(ctx context.Context, name string) error {
	if err := c.hooks.Delete(name); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.DeleteHook(ctx, name); err != nil {
			return fmt.Errorf("persist hook removal %s: %w", name, err)
		}
	}
	return nil
}

func (c *Cluster) persistHook(ctx context.Context, h *model.Hook) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveHook(ctx, h); err != nil {
		return fmt.Errorf("persist hook %s: %w", h.Name, err)
	}
	return nil
}

// --- Jobs ---

// Submit creates a job.
func (c *Cluster) Submit(ctx context.Context, req job.SubmitRequest) (*model.Job, error) {
	return c.jobs.Submit(ctx, req)
}

// Job returns the snapshot of one job.
func (c *Cluster) Job(id string) (*model.Job, error) {
	return c.jobs.Get(id)
}

// Jobs lists jobs in submission order.
func (c *Cluster) Jobs(opts model.ListOptions) ([]*model.Job, error) {
	return c.jobs.List(opts)
}

// ReleaseJob returns a Held job to its queue.
func (c *Cluster) ReleaseJob(ctx context.Context, id string) (*model.Job, error) {
	return c.jobs.Release(ctx, id)
}

// Obit finishes a Running job with the exit status its host reported.
func (c *Cluster) Obit(ctx context.Context, id string, exit int, used map[string]string) (*model.Job, error) {
	j, err := c.jobs.Obit(ctx, id, exit, used)
	if ferr := c.Flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	return j, err
}

// DeleteJob removes a job, terminating it first when it is Running.
func (c *Cluster) DeleteJob(ctx context.Context, id string) error {
	err := c.jobs.Delete(ctx, id)
	if ferr := c.Flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// --- Records ---

// JobRecords returns the persisted lifecycle of a job.
func (c *Cluster) JobRecords(ctx context.Context, id string, opts model.ListOptions) ([]model.JobRecord, int, error) {
	if c.store == nil {
		return nil, 0, nil
	}
	return c.store.ListJobRecords(ctx, id, opts)
}

// NodeRecords returns the persisted state changes of a vnode.
func (c *Cluster) NodeRecords(ctx context.Context, id string, opts model.ListOptions) ([]model.NodeRecord, int, error) {
	if _, ok := c.nodes.Get(id); !ok {
		return nil, 0, model.NewNotFoundError("vnode", id)
	}
	if c.store == nil {
		return nil, 0, nil
	}
	return c.store.ListNodeRecords(ctx, id, opts)
}
