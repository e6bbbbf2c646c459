package node

import (
	"sort"
	"strings"

	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/pkg/model"
)

// Vnode attribute keys accepted by the management surface.
const (
	AttrState     = "state"
	AttrComment   = "comment"
	AttrPartition = "partition"
	AttrQueue     = "queue"
	// AttrResourcePrefix prefixes resources_available.<name> keys.
	AttrResourcePrefix = "resources_available."
)

// ValidateAttrs rejects keys outside the vnode attribute set.
func ValidateAttrs(attrs map[string]string) error {
	for k, v := range attrs {
		switch k {
		case AttrComment, AttrPartition, AttrQueue:
		case AttrState:
			if v != string(model.NodeStateOffline) && v != string(model.NodeStateFree) {
				return model.NewValidationError("state may only be set to offline or free",
					model.FieldError{Field: k, Message: "must be offline or free"})
			}
		default:
			if !strings.HasPrefix(k, AttrResourcePrefix) || len(k) == len(AttrResourcePrefix) {
				return model.NewUnknownAttrError("vnode", k)
			}
		}
	}
	return nil
}

// SetAttrs applies management attributes to a vnode.
func (r *Registry) SetAttrs(id string, attrs map[string]string) error {
	if err := ValidateAttrs(attrs); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNotFoundError("vnode", id)
	}
	return r.applyAttrsLocked(n, attrs)
}

// applyAttrsLocked applies attributes in a fixed order: association,
// resources, comment, then state. Caller holds r.mu.
func (r *Registry) applyAttrsLocked(n *model.Node, attrs map[string]string) error {
	partition, setPartition := attrs[AttrPartition]
	queue, setQueue := attrs[AttrQueue]
	if setPartition || setQueue {
		p, q := n.Partition, n.Queue
		if setPartition {
			p = partition
		}
		if setQueue {
			q = queue
		}
		if setQueue {
			if err := r.checkQueueLocked(p, q); err != nil {
				return err
			}
		}
		if setPartition {
			if err := r.checkPartitionLocked(q, p); err != nil {
				return err
			}
		}
		n.Partition, n.Queue = p, q
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if strings.HasPrefix(k, AttrResourcePrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.resources.SetAvailable(n.ID, strings.TrimPrefix(k, AttrResourcePrefix), attrs[k]); err != nil {
			return err
		}
	}

	if c, ok := attrs[AttrComment]; ok {
		n.Comment = c
	}
	if s, ok := attrs[AttrState]; ok {
		switch model.NodeState(s) {
		case model.NodeStateOffline:
			if n.State != model.NodeStateOffline {
				if err := r.setStateLocked(n, model.NodeStateOffline, n.Comment); err != nil {
					return err
				}
			}
		case model.NodeStateFree:
			if n.State == model.NodeStateOffline {
				next := model.NodeStateFree
				if len(n.Jobs) > 0 {
					next = model.NodeStateJobBusy
				}
				n.State = next
				if _, ok := attrs[AttrComment]; !ok {
					n.Comment = ""
				}
				r.sink.NodeEvent(record.Node(n.ID, n.State, n.Comment))
				r.logger.Info("vnode returned to service", "node", n.ID)
			}
		}
	}
	return nil
}

// UnsetAttrs clears attributes. Unsetting state is not allowed.
func (r *Registry) UnsetAttrs(id string, keys []string) error {
	for _, k := range keys {
		switch {
		case k == AttrComment, k == AttrPartition, k == AttrQueue:
		case strings.HasPrefix(k, AttrResourcePrefix) && len(k) > len(AttrResourcePrefix):
		case k == AttrState:
			return model.NewValidationError("state cannot be unset")
		default:
			return model.NewUnknownAttrError("vnode", k)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.NewNotFoundError("vnode", id)
	}
	for _, k := range keys {
		switch k {
		case AttrComment:
			n.Comment = ""
		case AttrPartition:
			n.Partition = ""
		case AttrQueue:
			n.Queue = ""
		default:
			if err := r.resources.Unset(id, strings.TrimPrefix(k, AttrResourcePrefix)); err != nil {
				return err
			}
		}
	}
	return nil
}
