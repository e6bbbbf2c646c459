// Package resource tracks declared resource types and per-vnode available
// and assigned values, including indirect ("@vnode") references.
package resource

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/me/pbsched/pkg/model"
)

// Registry owns resource definitions and every vnode's resource values.
//
// Lock order: mu, then vnode locks in ascending id order. Configuration
// changes hold mu exclusively; Assign and Release hold it shared and
// serialize on the vnodes they touch.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]model.ResourceDef
	nodes  map[string]*vnode
	logger *slog.Logger

	jobsMu sync.Mutex
	jobs   map[string]*placement
}

type vnode struct {
	mu    sync.Mutex
	id    string
	avail map[string]model.ResourceValue
	// referrers[res] is the set of vnodes whose res points at this vnode.
	referrers map[string]map[string]bool
	// charges[jobID][res] is usage accounted against this vnode as owner.
	charges map[string]map[string]int64
	// jobs placed on this vnode, whether or not it owns the charged value.
	jobs map[string]bool
}

type placement struct {
	owners  []string
	sources []string
}

// NewRegistry creates a registry with the built-in resources declared.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		defs:   make(map[string]model.ResourceDef),
		nodes:  make(map[string]*vnode),
		jobs:   make(map[string]*placement),
		logger: logger.With("component", "resources"),
	}
	for _, d := range model.BuiltinResources() {
		r.defs[d.Name] = d
	}
	return r
}

// Declare adds a resource definition.
func (r *Registry) Declare(def model.ResourceDef) error {
	if def.Name == "" {
		return model.NewValidationError("resource name is required")
	}
	t, ok := model.ParseResourceType(string(def.Type))
	if !ok {
		return model.NewValidationError(fmt.Sprintf("invalid resource type %q", def.Type),
			model.FieldError{Field: "type", Message: "must be long, float, size, boolean or string"})
	}
	def.Type = t
	if err := model.ValidateFlags(def.Flags); err != nil {
		return model.NewValidationError(err.Error(), model.FieldError{Field: "flags", Message: err.Error()})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return model.NewConflictError(fmt.Sprintf("resource %s already exists", def.Name))
	}
	r.defs[def.Name] = def
	r.logger.Info("resource declared", "resource", def.Name, "type", def.Type, "flags", def.Flags)
	return nil
}

// Def looks up a resource definition.
func (r *Registry) Def(name string) (model.ResourceDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Defs returns every definition sorted by name.
func (r *Registry) Defs() []model.ResourceDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ResourceDef, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddNode registers an empty resource table for a vnode.
func (r *Registry) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = &vnode{
		id:        id,
		avail:     make(map[string]model.ResourceValue),
		referrers: make(map[string]map[string]bool),
		charges:   make(map[string]map[string]int64),
		jobs:      make(map[string]bool),
	}
}

// RemoveNode drops a vnode's resource table. It fails while jobs are placed
// on the vnode or while other vnodes point at its values.
func (r *Registry) RemoveNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	n.mu.Lock()
	busy := len(n.jobs) > 0
	n.mu.Unlock()
	if busy {
		return &model.APIError{Code: model.ErrObjectBusy, Message: fmt.Sprintf("vnode %s has jobs assigned", id)}
	}
	for res, refs := range n.referrers {
		if len(refs) > 0 {
			return model.NewInvalidIndirectError(id, res, "vnode is the target of an indirect reference")
		}
	}
	for res, v := range n.avail {
		if v.IsIndirect() {
			r.dropReferrer(v.Indirect, res, id)
		}
	}
	delete(r.nodes, id)
	return nil
}

// SetAvailable sets resources_available.<name> on a vnode. raw may be an
// indirect reference "@<vnode>".
func (r *Registry) SetAvailable(nodeID, name, raw string) error {
	def, ok := r.Def(name)
	if !ok {
		return model.NewValidationError(fmt.Sprintf("unknown resource %s", name),
			model.FieldError{Field: "resources_available." + name, Message: "resource is not declared"})
	}
	v, err := model.ParseResourceValue(def, raw)
	if err != nil {
		return model.NewValidationError(err.Error(),
			model.FieldError{Field: "resources_available." + name, Message: err.Error()})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return model.NewNotFoundError("vnode", nodeID)
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	old, had := n.avail[name]
	busy := len(n.jobs) > 0

	if v.IsIndirect() {
		if err := r.checkIndirect(n, def, v, busy); err != nil {
			return err
		}
	} else {
		if had && old.IsIndirect() && busy {
			return model.NewTargetBusyError(nodeID, name)
		}
		if len(n.referrers[name]) > 0 && n.usedLocked(name) > 0 {
			return model.NewTargetBusyError(nodeID, name)
		}
	}

	if had && old.IsIndirect() {
		r.dropReferrer(old.Indirect, name, nodeID)
	}
	if v.IsIndirect() {
		t := r.nodes[v.Indirect]
		if t.referrers[name] == nil {
			t.referrers[name] = make(map[string]bool)
		}
		t.referrers[name][nodeID] = true
	}
	n.avail[name] = v
	r.logger.Debug("resource set", "node", nodeID, "resource", name, "value", v.String())
	return nil
}

// checkIndirect validates making n's resource point at another vnode.
// Neither n nor the target may have jobs assigned. Caller holds r.mu
// exclusively and n.mu.
func (r *Registry) checkIndirect(n *vnode, def model.ResourceDef, v model.ResourceValue, busy bool) error {
	if !def.Consumable() {
		return model.NewInvalidIndirectError(n.id, def.Name, "only consumable resources may be indirect")
	}
	if len(n.referrers[def.Name]) > 0 {
		return model.NewInvalidIndirectError(n.id, def.Name, "vnode is already the target of an indirect reference")
	}
	if busy {
		return model.NewTargetBusyError(n.id, def.Name)
	}
	if v.Indirect == n.id {
		return model.NewInvalidIndirectError(n.id, def.Name, "a vnode may not point at itself")
	}
	t, ok := r.nodes[v.Indirect]
	if !ok {
		return model.NewInvalidIndirectError(n.id, def.Name, fmt.Sprintf("unknown target vnode %s", v.Indirect))
	}
	tv, ok := t.avail[def.Name]
	if !ok {
		return model.NewInvalidIndirectError(n.id, def.Name, fmt.Sprintf("target vnode %s has no value", v.Indirect))
	}
	if tv.IsIndirect() {
		return model.NewInvalidIndirectError(n.id, def.Name, fmt.Sprintf("target vnode %s is itself indirect", v.Indirect))
	}
	// r.mu held exclusively keeps Assign and Release off t.
	if len(t.jobs) > 0 || t.usedLocked(def.Name) > 0 {
		return model.NewTargetBusyError(v.Indirect, def.Name)
	}
	return nil
}

// Unset removes resources_available.<name> from a vnode.
func (r *Registry) Unset(nodeID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return model.NewNotFoundError("vnode", nodeID)
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	old, had := n.avail[name]
	if !had {
		return nil
	}
	if len(n.referrers[name]) > 0 {
		return model.NewInvalidIndirectError(nodeID, name, "value is the target of an indirect reference")
	}
	if old.IsIndirect() && len(n.jobs) > 0 {
		return model.NewTargetBusyError(nodeID, name)
	}
	if n.usedLocked(name) > 0 {
		return model.NewTargetBusyError(nodeID, name)
	}
	if old.IsIndirect() {
		r.dropReferrer(old.Indirect, name, nodeID)
	}
	delete(n.avail, name)
	return nil
}

// dropReferrer forgets that source points at target's res. Caller holds r.mu.
func (r *Registry) dropReferrer(target, res, source string) {
	t, ok := r.nodes[target]
	if !ok {
		return
	}
	delete(t.referrers[res], source)
	if len(t.referrers[res]) == 0 {
		delete(t.referrers, res)
	}
}

// Available returns a copy of a vnode's raw resources_available values.
func (r *Registry) Available(nodeID string) map[string]model.ResourceValue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil
	}
	out := make(map[string]model.ResourceValue, len(n.avail))
	for k, v := range n.avail {
		out[k] = v
	}
	return out
}

// Resolve returns the effective value of a vnode's resource, following at
// most one indirect hop, along with the vnode that owns the value.
func (r *Registry) Resolve(nodeID, name string) (model.ResourceValue, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(nodeID, name)
}

func (r *Registry) resolveLocked(nodeID, name string) (model.ResourceValue, string, error) {
	n, ok := r.nodes[nodeID]
	if !ok {
		return model.ResourceValue{}, "", model.NewNotFoundError("vnode", nodeID)
	}
	v, ok := n.avail[name]
	if !ok {
		return model.ResourceValue{}, "", model.NewNotFoundError("resource", nodeID+"."+name)
	}
	if !v.IsIndirect() {
		return v, nodeID, nil
	}
	t, ok := r.nodes[v.Indirect]
	if !ok {
		return model.ResourceValue{}, "", model.NewInvalidIndirectError(nodeID, name, fmt.Sprintf("unknown target vnode %s", v.Indirect))
	}
	tv, ok := t.avail[name]
	if !ok {
		return model.ResourceValue{}, "", model.NewInvalidIndirectError(nodeID, name, fmt.Sprintf("target vnode %s has no value", v.Indirect))
	}
	if tv.IsIndirect() {
		return model.ResourceValue{}, "", model.NewInvalidIndirectError(nodeID, name, fmt.Sprintf("target vnode %s is itself indirect", v.Indirect))
	}
	return tv, v.Indirect, nil
}

// usedLocked sums charges against n for res. Caller holds n.mu.
func (n *vnode) usedLocked(res string) int64 {
	var total int64
	for _, c := range n.charges {
		total += c[res]
	}
	return total
}

// Assigned returns resources_assigned for a vnode, recomputed from the
// charges of currently placed jobs. Zero amounts are omitted.
func (r *Registry) Assigned(nodeID string) map[string]int64 {
	r.mu.RLock()
	n, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int64)
	for _, c := range n.charges {
		for res, amt := range c {
			out[res] += amt
		}
	}
	for res, amt := range out {
		if amt == 0 {
			delete(out, res)
		}
	}
	return out
}

// View renders a vnode's available and assigned resources for queries.
// An indirect resource reports its reference on both sides.
func (r *Registry) View(nodeID string) (avail, assigned map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	avail = make(map[string]string, len(n.avail))
	assigned = make(map[string]string)
	for res, v := range n.avail {
		avail[res] = v.String()
		if v.IsIndirect() {
			assigned[res] = v.String()
		}
	}
	n.mu.Lock()
	sums := make(map[string]int64)
	for _, c := range n.charges {
		for res, amt := range c {
			sums[res] += amt
		}
	}
	n.mu.Unlock()
	for res, amt := range sums {
		if amt == 0 {
			continue
		}
		t := model.ResourceLong
		if d, ok := r.defs[res]; ok {
			t = d.Type
		}
		assigned[res] = model.FormatAmount(t, amt)
	}
	return avail, assigned
}
