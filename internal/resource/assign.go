package resource

import (
	"fmt"
	"sort"

	"github.com/me/pbsched/pkg/model"
)

// InsufficientError reports which resource could not be charged.
type InsufficientError struct {
	Node     string
	Resource string
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient amount of resource %s on vnode %s", e.Resource, e.Node)
}

// Assign charges a job's vnode assignments against the resolved owners of
// each consumable resource. The whole assignment is applied or nothing is.
func (r *Registry) Assign(jobID string, chunks []model.VnodeAssignment) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.jobsMu.Lock()
	_, dup := r.jobs[jobID]
	r.jobsMu.Unlock()
	if dup {
		return model.NewConflictError(fmt.Sprintf("job %s already has resources assigned", jobID))
	}

	// Resolve every charge to its owning vnode before locking anything.
	want := make(map[string]map[string]int64)
	sourceSet := make(map[string]bool)
	for _, c := range chunks {
		if _, ok := r.nodes[c.Vnode]; !ok {
			return model.NewNotFoundError("vnode", c.Vnode)
		}
		sourceSet[c.Vnode] = true
		for res, amt := range c.Resources {
			if amt == 0 {
				continue
			}
			def, ok := r.defs[res]
			if !ok || !def.Consumable() {
				continue
			}
			_, owner, err := r.resolveLocked(c.Vnode, res)
			if err != nil {
				if model.IsCode(err, model.ErrNotFound) {
					return &InsufficientError{Node: c.Vnode, Resource: res}
				}
				return err
			}
			if want[owner] == nil {
				want[owner] = make(map[string]int64)
			}
			want[owner][res] += amt
		}
	}

	ownerIDs := sortedKeys(want)
	sourceIDs := sortedKeys(sourceSet)
	lockIDs := unionSorted(ownerIDs, sourceIDs)
	for _, id := range lockIDs {
		r.nodes[id].mu.Lock()
	}
	defer func() {
		for i := len(lockIDs) - 1; i >= 0; i-- {
			r.nodes[lockIDs[i]].mu.Unlock()
		}
	}()

	for _, owner := range ownerIDs {
		n := r.nodes[owner]
		for res, amt := range want[owner] {
			if n.avail[res].Amount-n.usedLocked(res) < amt {
				return &InsufficientError{Node: owner, Resource: res}
			}
		}
	}
	for _, owner := range ownerIDs {
		n := r.nodes[owner]
		c := make(map[string]int64, len(want[owner]))
		for res, amt := range want[owner] {
			c[res] = amt
		}
		n.charges[jobID] = c
	}
	for _, id := range sourceIDs {
		r.nodes[id].jobs[jobID] = true
	}

	r.jobsMu.Lock()
	r.jobs[jobID] = &placement{owners: ownerIDs, sources: sourceIDs}
	r.jobsMu.Unlock()
	return nil
}

// Release drops every charge a job holds. Releasing an unknown job is a no-op.
func (r *Registry) Release(jobID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.jobsMu.Lock()
	p, ok := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.jobsMu.Unlock()
	if !ok {
		return
	}
	for _, id := range unionSorted(p.owners, p.sources) {
		n, ok := r.nodes[id]
		if !ok {
			continue
		}
		n.mu.Lock()
		delete(n.charges, jobID)
		delete(n.jobs, jobID)
		n.mu.Unlock()
	}
}

// Snapshot is a point-in-time copy of resource state used by one
// scheduling cycle.
type Snapshot struct {
	Defs map[string]model.ResourceDef
	// Values holds every vnode's effective values with indirection resolved.
	Values map[string]map[string]model.ResourceValue
	// Owners maps vnode -> consumable resource -> vnode owning the pool.
	Owners map[string]map[string]string
	// Total and Used are keyed by owner vnode then resource.
	Total map[string]map[string]int64
	Used  map[string]map[string]int64
}

// Snapshot copies the state of every vnode.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Snapshot{
		Defs:   make(map[string]model.ResourceDef, len(r.defs)),
		Values: make(map[string]map[string]model.ResourceValue, len(r.nodes)),
		Owners: make(map[string]map[string]string, len(r.nodes)),
		Total:  make(map[string]map[string]int64),
		Used:   make(map[string]map[string]int64),
	}
	for k, d := range r.defs {
		s.Defs[k] = d
	}
	for id, n := range r.nodes {
		vals := make(map[string]model.ResourceValue, len(n.avail))
		owners := make(map[string]string)
		for res := range n.avail {
			v, owner, err := r.resolveLocked(id, res)
			if err != nil {
				r.logger.Warn("unresolvable resource", "node", id, "resource", res, "error", err)
				continue
			}
			vals[res] = v
			if d, ok := r.defs[res]; ok && d.Consumable() {
				owners[res] = owner
				if owner == id {
					if s.Total[id] == nil {
						s.Total[id] = make(map[string]int64)
					}
					s.Total[id][res] = v.Amount
				}
			}
		}
		s.Values[id] = vals
		s.Owners[id] = owners

		n.mu.Lock()
		for _, c := range n.charges {
			for res, amt := range c {
				if s.Used[id] == nil {
					s.Used[id] = make(map[string]int64)
				}
				s.Used[id][res] += amt
			}
		}
		n.mu.Unlock()
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
