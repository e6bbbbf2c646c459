package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/me/pbsched/pkg/model"
)

// nodeTracker collects the ids of vnodes whose state changed since the
// last flush. It is a record sink, so it runs under the node registry
// lock and must not call back into it.
type nodeTracker struct {
	mu     sync.Mutex
	ids    map[string]bool
	notify chan struct{}
}

func newNodeTracker() *nodeTracker {
	return &nodeTracker{ids: make(map[string]bool), notify: make(chan struct{}, 1)}
}

func (t *nodeTracker) JobEvent(model.JobRecord) {}

func (t *nodeTracker) NodeEvent(rec model.NodeRecord) {
	t.mark(rec.NodeID)
}

func (t *nodeTracker) mark(ids ...string) {
	t.mu.Lock()
	for _, id := range ids {
		t.ids[id] = true
	}
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *nodeTracker) take() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	t.ids = make(map[string]bool)
	sort.Strings(out)
	return out
}

// Flush writes every vnode changed since the last flush to the store.
func (c *Cluster) Flush(ctx context.Context) error {
	ids := c.dirty.take()
	if c.store == nil || len(ids) == 0 {
		return nil
	}
	var result *multierror.Error
	for _, id := range ids {
		v, ok := c.nodes.View(id)
		if !ok {
			continue
		}
		if err := c.store.SaveNode(ctx, v); err != nil {
			result = multierror.Append(result, fmt.Errorf("persist vnode %s: %w", id, err))
			c.dirty.mark(id)
		}
	}
	return result.ErrorOrNil()
}

func (c *Cluster) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dirty.notify:
			if err := c.Flush(ctx); err != nil {
				c.logger.Error("flush vnodes", "error", err)
			}
		}
	}
}

// Recover loads persisted state into the registries. A server starting
// from an empty store gets the default execution queue. Recover must run
// before Start and before any management call.
func (c *Cluster) Recover(ctx context.Context) error {
	if c.store == nil {
		return c.bootstrap(ctx)
	}

	attrs, err := c.store.LoadServerAttrs(ctx)
	if err != nil {
		return fmt.Errorf("load server attributes: %w", err)
	}
	if attrs != nil {
		c.attrsMu.Lock()
		c.attrs = *attrs
		c.attrsMu.Unlock()
	}

	defs, err := c.store.ListResourceDefs(ctx)
	if err != nil {
		return fmt.Errorf("load resources: %w", err)
	}
	for _, d := range defs {
		if _, ok := c.resources.Def(d.Name); ok {
			continue
		}
		if err := c.resources.Declare(d); err != nil {
			return fmt.Errorf("restore resource %s: %w", d.Name, err)
		}
	}

	queues, err := c.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("load queues: %w", err)
	}
	for _, q := range queues {
		c.queues.Restore(q)
	}

	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("load vnodes: %w", err)
	}
	for _, v := range nodes {
		c.nodes.Restore(&v.Node)
	}
	// Direct values first so indirect references find their targets.
	for _, indirect := range []bool{false, true} {
		for _, v := range nodes {
			for _, name := range sortedKeys(v.ResourcesAvailable) {
				raw := v.ResourcesAvailable[name]
				if strings.HasPrefix(raw, model.IndirectPrefix) != indirect {
					continue
				}
				if err := c.resources.SetAvailable(v.ID, name, raw); err != nil {
					return fmt.Errorf("restore %s.%s: %w", v.ID, name, err)
				}
			}
		}
	}

	hooks, err := c.store.ListHooks(ctx)
	if err != nil {
		return fmt.Errorf("load hooks: %w", err)
	}
	for _, h := range hooks {
		c.hooks.Restore(h)
	}

	jobs, err := c.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, j := range jobs {
		if err := c.jobs.Restore(j); err != nil {
			return fmt.Errorf("restore job %s: %w", j.ID, err)
		}
	}
	requeued := c.jobs.Reconcile(ctx)

	if err := c.engine.Calendar().Load(ctx); err != nil {
		return fmt.Errorf("load calendar: %w", err)
	}

	c.logger.Info("state recovered",
		"resources", len(defs), "queues", len(queues), "vnodes", len(nodes),
		"hooks", len(hooks), "jobs", len(jobs), "requeued", len(requeued))
	if attrs == nil && len(queues) == 0 {
		if err := c.bootstrap(ctx); err != nil {
			return err
		}
	}
	return c.Flush(ctx)
}

func (c *Cluster) bootstrap(ctx context.Context) error {
	name := c.ServerAttrs().DefaultQueue
	if _, ok := c.queues.Queue(name); ok {
		return nil
	}
	if _, err := c.CreateQueue(ctx, name, nil); err != nil {
		return fmt.Errorf("create default queue: %w", err)
	}
	c.logger.Info("default queue created", "queue", name)
	return c.persistServer(ctx, c.ServerAttrs())
}
