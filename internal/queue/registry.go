// Package queue holds queue definitions and validates their partition
// against the vnodes associated with them.
package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/me/pbsched/pkg/model"
)

// Queue attribute keys accepted by the management surface.
const (
	AttrType          = "queue_type"
	AttrBackfillDepth = "backfill_depth"
	AttrPartition     = "partition"
	AttrEnabled       = "enabled"
	AttrStarted       = "started"
	AttrPriority      = "priority"
)

// NodeLister lists the vnodes associated with a queue.
type NodeLister interface {
	WithQueue(queue string) []*model.Node
}

// Registry holds queue definitions.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*model.Queue
	nodes  NodeLister
	logger *slog.Logger
}

// NewRegistry creates an empty queue registry. nodes may be nil when no
// partition checks are wanted.
func NewRegistry(nodes NodeLister, logger *slog.Logger) *Registry {
	return &Registry{
		queues: make(map[string]*model.Queue),
		nodes:  nodes,
		logger: logger.With("component", "queues"),
	}
}

// Create adds a queue. New queues are execution queues, enabled and
// started unless attrs say otherwise.
func (r *Registry) Create(name string, attrs map[string]string) (*model.Queue, error) {
	if name == "" {
		return nil, model.NewValidationError("queue name is required")
	}
	q := &model.Queue{
		Name:      name,
		Type:      model.QueueExecution,
		Enabled:   true,
		Started:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := apply(q, attrs); err != nil {
		return nil, err
	}
	if err := r.checkPartition(name, q.Partition); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queues[name]; exists {
		return nil, model.NewConflictError(fmt.Sprintf("queue %s already exists", name))
	}
	r.queues[name] = q
	r.logger.Info("queue created", "queue", name, "type", q.Type)
	return q.Clone(), nil
}

// Queue returns a copy of a queue.
func (r *Registry) Queue(name string) (*model.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	if !ok {
		return nil, false
	}
	return q.Clone(), true
}

// List returns copies of every queue sorted by name.
func (r *Registry) List() []*model.Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Set applies attributes to a queue.
func (r *Registry) Set(name string, attrs map[string]string) error {
	cur, ok := r.Queue(name)
	if !ok {
		return model.NewNotFoundError("queue", name)
	}
	if err := apply(cur, attrs); err != nil {
		return err
	}
	// Node lookups happen outside r.mu: the node registry consults this
	// registry while holding its own lock.
	if p, ok := attrs[AttrPartition]; ok {
		if err := r.checkPartition(name, p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		return model.NewNotFoundError("queue", name)
	}
	if err := apply(q, attrs); err != nil {
		return err
	}
	return nil
}

// Unset clears attributes back to their defaults.
func (r *Registry) Unset(name string, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		return model.NewNotFoundError("queue", name)
	}
	for _, k := range keys {
		switch k {
		case AttrBackfillDepth:
			q.BackfillDepth = nil
		case AttrPartition:
			q.Partition = ""
		case AttrPriority:
			q.Priority = 0
		case AttrEnabled, AttrStarted, AttrType:
			return model.NewValidationError(fmt.Sprintf("%s cannot be unset", k))
		default:
			return model.NewUnknownAttrError("queue", k)
		}
	}
	return nil
}

// Delete removes a queue. It fails while jobs or vnodes refer to it.
func (r *Registry) Delete(name string, jobs int) error {
	if jobs > 0 {
		return &model.APIError{Code: model.ErrObjectBusy, Message: fmt.Sprintf("queue %s has %d jobs", name, jobs)}
	}
	if r.nodes != nil && len(r.nodes.WithQueue(name)) > 0 {
		return &model.APIError{Code: model.ErrObjectBusy, Message: fmt.Sprintf("queue %s has vnodes associated", name)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[name]; !ok {
		return model.NewNotFoundError("queue", name)
	}
	delete(r.queues, name)
	r.logger.Info("queue deleted", "queue", name)
	return nil
}

// Restore inserts a queue read back from persistent storage.
func (r *Registry) Restore(q *model.Queue) {
	r.mu.Lock()
	r.queues[q.Name] = q.Clone()
	r.mu.Unlock()
}

func (r *Registry) checkPartition(name, partition string) error {
	if partition == "" || r.nodes == nil {
		return nil
	}
	for _, n := range r.nodes.WithQueue(name) {
		if n.Partition != "" && n.Partition != partition {
			return model.NewPartitionMismatchError(fmt.Sprintf("Invalid partition in queue %s: vnode %s is in partition %s", name, n.ID, n.Partition))
		}
	}
	return nil
}

func apply(q *model.Queue, attrs map[string]string) error {
	for k, v := range attrs {
		switch k {
		case AttrType:
			switch model.QueueType(v) {
			case model.QueueExecution, model.QueueRoute:
				q.Type = model.QueueType(v)
			default:
				return model.NewValidationError(fmt.Sprintf("invalid queue_type %q", v),
					model.FieldError{Field: k, Message: "must be execution or route"})
			}
		case AttrBackfillDepth:
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return model.NewValidationError(fmt.Sprintf("invalid backfill_depth %q", v),
					model.FieldError{Field: k, Message: "must be a non-negative integer"})
			}
			q.BackfillDepth = &n
		case AttrPartition:
			q.Partition = v
		case AttrEnabled, AttrStarted:
			b, err := model.ParseBool(v)
			if err != nil {
				return model.NewValidationError(err.Error(), model.FieldError{Field: k, Message: err.Error()})
			}
			if k == AttrEnabled {
				q.Enabled = b
			} else {
				q.Started = b
			}
		case AttrPriority:
			n, err := strconv.Atoi(v)
			if err != nil {
				return model.NewValidationError(fmt.Sprintf("invalid priority %q", v),
					model.FieldError{Field: k, Message: "must be an integer"})
			}
			q.Priority = n
		default:
			return model.NewUnknownAttrError("queue", k)
		}
	}
	return nil
}
