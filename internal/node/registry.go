// Package node manages execution hosts and their vnodes: naming, state
// transitions, partition and queue association, and job allocation.
package node

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/internal/resource"
	"github.com/me/pbsched/pkg/model"
)

// CommentMissedHeartbeat is set on vnodes marked down by MarkStale.
const CommentMissedHeartbeat = "node down: missed heartbeat"

// QueueLookup resolves queue definitions for partition checks.
type QueueLookup interface {
	Queue(name string) (*model.Queue, bool)
}

// Registry holds every vnode known to the server.
//
// Lock order: Registry.mu before any resource.Registry lock.
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*model.Node
	seq       int64
	resources *resource.Registry
	queues    QueueLookup
	sink      record.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates an empty node registry backed by res.
func NewRegistry(res *resource.Registry, sink record.Sink, logger *slog.Logger) *Registry {
	if sink == nil {
		sink = record.Discard{}
	}
	return &Registry{
		nodes:     make(map[string]*model.Node),
		resources: res,
		sink:      sink,
		logger:    logger.With("component", "nodes"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetQueueLookup wires the queue registry used for partition checks.
func (r *Registry) SetQueueLookup(q QueueLookup) {
	r.mu.Lock()
	r.queues = q
	r.mu.Unlock()
}

// Resources returns the backing resource registry.
func (r *Registry) Resources() *resource.Registry {
	return r.resources
}

// VnodeNames returns the names CreateVnodes would assign.
func VnodeNames(host string, count int, natural bool) []string {
	if count <= 1 {
		return []string{host}
	}
	var names []string
	n := count
	if natural {
		names = append(names, host)
		n--
	}
	for i := 0; i < n; i++ {
		names = append(names, model.VnodeName(host, i))
	}
	return names
}

// CreateVnodes creates count vnodes on host, each inheriting attrs. New
// vnodes stay in state-unknown until the host confirms with a heartbeat.
func (r *Registry) CreateVnodes(host string, attrs map[string]string, count int, natural bool) ([]*model.Node, error) {
	if host == "" {
		return nil, model.NewValidationError("host is required")
	}
	if strings.ContainsAny(host, "[]@") {
		return nil, model.NewValidationError(fmt.Sprintf("illegal host name %q", host))
	}
	if count < 1 {
		return nil, model.NewValidationError("count must be at least 1")
	}
	if err := ValidateAttrs(attrs); err != nil {
		return nil, err
	}
	names := VnodeNames(host, count, natural)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, exists := r.nodes[name]; exists {
			return nil, model.NewConflictError(fmt.Sprintf("vnode %s already exists", name))
		}
	}

	now := r.now()
	created := make([]*model.Node, 0, len(names))
	for _, name := range names {
		r.seq++
		n := &model.Node{
			ID:        name,
			Host:      host,
			Natural:   name == host,
			State:     model.NodeStateUnknown,
			Seq:       r.seq,
			CreatedAt: now,
		}
		r.nodes[name] = n
		r.resources.AddNode(name)
		if err := r.applyAttrsLocked(n, attrs); err != nil {
			for _, c := range created {
				r.dropLocked(c.ID)
			}
			r.dropLocked(name)
			return nil, err
		}
		created = append(created, n.Clone())
	}
	r.logger.Info("vnodes created", "host", host, "count", len(created))
	return created, nil
}

func (r *Registry) dropLocked(id string) {
	_ = r.resources.RemoveNode(id)
	delete(r.nodes, id)
}

// Get returns a copy of a vnode.
func (r *Registry) Get(id string) (*model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// List returns copies of every vnode in creation order.
func (r *Registry) List() []*model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ByHost returns copies of the vnodes of host in creation order.
func (r *Registry) ByHost(host string) []*model.Node {
	var out []*model.Node
	for _, n := range r.List() {
		if n.Host == host {
			out = append(out, n)
		}
	}
	return out
}

// WithQueue returns copies of the vnodes associated with queue.
func (r *Registry) WithQueue(queue string) []*model.Node {
	var out []*model.Node
	for _, n := range r.List() {
		if n.Queue == queue {
			out = append(out, n)
		}
	}
	return out
}

// View joins a vnode with its resources.
func (r *Registry) View(id string) (*model.NodeView, bool) {
	n, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	avail, assigned := r.resources.View(id)
	return &model.NodeView{Node: *n, ResourcesAvailable: avail, ResourcesAssigned: assigned}, true
}

// Views joins every vnode with its resources.
func (r *Registry) Views() []*model.NodeView {
	nodes := r.List()
	out := make([]*model.NodeView, 0, len(nodes))
	for _, n := range nodes {
		avail, assigned := r.resources.View(n.ID)
		out = append(out, &model.NodeView{Node: *n, ResourcesAvailable: avail, ResourcesAssigned: assigned})
	}
	return out
}

// SetState moves a vnode to state, validating the transition.
func (r *Registry) SetState(id string, state model.NodeState, comment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNotFoundError("vnode", id)
	}
	return r.setStateLocked(n, state, comment)
}

func (r *Registry) setStateLocked(n *model.Node, state model.NodeState, comment string) error {
	if n.State == state {
		if comment != "" && n.Comment != comment {
			n.Comment = comment
			r.sink.NodeEvent(record.Node(n.ID, n.State, n.Comment))
		}
		return nil
	}
	if !n.State.CanTransitionTo(state) {
		return &model.InvalidTransitionError{Entity: "vnode", ID: n.ID, From: string(n.State), To: string(state)}
	}
	n.State = state
	n.Comment = comment
	r.sink.NodeEvent(record.Node(n.ID, n.State, n.Comment))
	r.logger.Debug("vnode state", "node", n.ID, "state", state, "comment", comment)
	return nil
}

// Offline takes vnodes offline with comment. With host scope every vnode
// sharing a host with one of ids is included. It returns the ids changed.
func (r *Registry) Offline(ids []string, comment string, scope model.OfflineScope) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make(map[string]bool)
	hosts := make(map[string]bool)
	for _, id := range ids {
		n, ok := r.nodes[id]
		if !ok {
			return nil, model.NewNotFoundError("vnode", id)
		}
		targets[id] = true
		hosts[n.Host] = true
	}
	if scope != model.OfflineScopeVnode {
		for id, n := range r.nodes {
			if hosts[n.Host] {
				targets[id] = true
			}
		}
	}

	var changed []string
	for _, id := range sortedIDs(targets) {
		n := r.nodes[id]
		if n.State == model.NodeStateOffline && n.Comment == comment {
			continue
		}
		if n.State != model.NodeStateOffline && !n.State.CanTransitionTo(model.NodeStateOffline) {
			r.logger.Warn("cannot offline vnode", "node", id, "state", n.State)
			continue
		}
		n.State = model.NodeStateOffline
		n.Comment = comment
		r.sink.NodeEvent(record.Node(id, n.State, comment))
		changed = append(changed, id)
	}
	r.logger.Info("vnodes offlined", "nodes", changed, "comment", comment)
	return changed, nil
}

// Online clears an operator or hook offline. A vnode still carrying jobs
// returns to job-busy.
func (r *Registry) Online(id string) error {
	return r.SetAttrs(id, map[string]string{AttrState: string(model.NodeStateFree)})
}

// AssignPartition sets a vnode's partition. It is rejected when the vnode's
// queue belongs to a different partition.
func (r *Registry) AssignPartition(id, partition string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNotFoundError("vnode", id)
	}
	if err := r.checkPartitionLocked(n.Queue, partition); err != nil {
		return err
	}
	n.Partition = partition
	return nil
}

// AssignQueue associates a vnode with a queue. It is rejected when the
// queue belongs to a different partition than the vnode.
func (r *Registry) AssignQueue(id, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNotFoundError("vnode", id)
	}
	if err := r.checkQueueLocked(n.Partition, queue); err != nil {
		return err
	}
	n.Queue = queue
	return nil
}

func (r *Registry) checkPartitionLocked(queue, partition string) error {
	if queue == "" || partition == "" || r.queues == nil {
		return nil
	}
	q, ok := r.queues.Queue(queue)
	if !ok || q.Partition == "" || q.Partition == partition {
		return nil
	}
	return model.NewPartitionMismatchError(fmt.Sprintf("Queue %s of node is not part of partition %s", queue, partition))
}

func (r *Registry) checkQueueLocked(partition, queue string) error {
	if queue == "" || r.queues == nil {
		return nil
	}
	q, ok := r.queues.Queue(queue)
	if !ok {
		return model.NewNotFoundError("queue", queue)
	}
	if partition == "" || q.Partition == "" || q.Partition == partition {
		return nil
	}
	return model.NewPartitionMismatchError(fmt.Sprintf("Partition %s of node is not part of queue %s", partition, queue))
}

// Allocate charges a job's allocation and marks its vnodes busy. Nothing
// changes when any vnode is unusable or short on resources.
func (r *Registry) Allocate(jobID string, alloc model.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vnodes := alloc.Vnodes()
	for _, id := range vnodes {
		n, ok := r.nodes[id]
		if !ok {
			return model.NewNotFoundError("vnode", id)
		}
		if !n.State.IsSchedulable() {
			return model.NewConflictError(fmt.Sprintf("vnode %s is %s", id, n.State))
		}
		if alloc.Exclusive && len(n.Jobs) > 0 {
			return model.NewConflictError(fmt.Sprintf("vnode %s is not free for exclusive use", id))
		}
	}
	if err := r.resources.Assign(jobID, alloc.Chunks); err != nil {
		return err
	}
	state := model.NodeStateJobBusy
	if alloc.Exclusive {
		state = model.NodeStateJobExclusive
	}
	for _, id := range vnodes {
		n := r.nodes[id]
		n.Jobs = append(n.Jobs, jobID)
		if n.State != state {
			n.State = state
			n.Comment = ""
			r.sink.NodeEvent(record.Node(id, state, ""))
		}
	}
	return nil
}

// Release frees a job's resources. Vnodes left without jobs return to free
// unless they were taken offline or down meanwhile.
func (r *Registry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources.Release(jobID)
	for _, id := range sortedKeys(r.nodes) {
		n := r.nodes[id]
		idx := -1
		for i, j := range n.Jobs {
			if j == jobID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		n.Jobs = append(n.Jobs[:idx], n.Jobs[idx+1:]...)
		if len(n.Jobs) == 0 && n.State.IsBusy() {
			n.State = model.NodeStateFree
			r.sink.NodeEvent(record.Node(id, n.State, n.Comment))
		} else if n.State == model.NodeStateJobExclusive {
			n.State = model.NodeStateJobBusy
			r.sink.NodeEvent(record.Node(id, n.State, n.Comment))
		}
	}
}

// Heartbeat records that host is alive. Vnodes awaiting confirmation or
// marked down return to service.
func (r *Registry) Heartbeat(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	found := false
	for _, id := range sortedKeys(r.nodes) {
		n := r.nodes[id]
		if n.Host != host {
			continue
		}
		found = true
		n.LastHeartbeat = now
		switch n.State {
		case model.NodeStateUnknown, model.NodeStateDown, model.NodeStateProvisioning:
			next := model.NodeStateFree
			if len(n.Jobs) > 0 {
				next = model.NodeStateJobBusy
			}
			n.State = next
			if n.Comment == CommentMissedHeartbeat {
				n.Comment = ""
			}
			r.sink.NodeEvent(record.Node(id, next, n.Comment))
		}
	}
	if !found {
		return model.NewNotFoundError("host", host)
	}
	return nil
}

// MarkStale marks vnodes down whose host has not reported within timeout.
// Vnodes never confirmed are left alone, and so are offline vnodes: an
// offline keeps its comment until an operator clears it. It returns the
// ids changed.
func (r *Registry) MarkStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-timeout)
	var changed []string
	for _, id := range sortedKeys(r.nodes) {
		n := r.nodes[id]
		if n.LastHeartbeat.IsZero() || n.LastHeartbeat.After(cutoff) {
			continue
		}
		if n.State == model.NodeStateDown || n.State == model.NodeStateOffline {
			continue
		}
		n.State = model.NodeStateDown
		n.Comment = CommentMissedHeartbeat
		r.sink.NodeEvent(record.Node(id, n.State, n.Comment))
		changed = append(changed, id)
	}
	if len(changed) > 0 {
		r.logger.Warn("vnodes missed heartbeat", "nodes", changed)
	}
	return changed
}

// Delete removes a vnode. It fails while jobs are assigned or while other
// vnodes point at its resources.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNotFoundError("vnode", id)
	}
	if len(n.Jobs) > 0 {
		return &model.APIError{Code: model.ErrObjectBusy, Message: fmt.Sprintf("vnode %s has jobs assigned", id)}
	}
	if err := r.resources.RemoveNode(id); err != nil {
		return err
	}
	delete(r.nodes, id)
	r.logger.Info("vnode deleted", "node", id)
	return nil
}

// Restore inserts a vnode read back from persistent storage. Resources are
// restored separately through the resource registry.
func (r *Registry) Restore(n *model.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := n.Clone()
	c.Jobs = nil
	if c.State.IsBusy() {
		c.State = model.NodeStateFree
	}
	r.nodes[c.ID] = c
	if c.Seq > r.seq {
		r.seq = c.Seq
	}
	r.resources.AddNode(c.ID)
}

func sortedIDs(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]*model.Node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
