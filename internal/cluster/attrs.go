package cluster

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/me/pbsched/pkg/model"
)

// Server attribute keys accepted by the management surface.
const (
	AttrServerName         = "server_name"
	AttrScheduling         = "scheduling"
	AttrStrictOrdering     = "strict_ordering"
	AttrBackfillDepth      = "backfill_depth"
	AttrByQueue            = "by_queue"
	AttrSortBy             = "sort_by"
	AttrMaxRunAttempts     = "max_run_attempts"
	AttrJobHistoryDuration = "job_history_duration" // seconds
	AttrDefaultQueue       = "default_queue"
)

// ServerAttrs returns the current scheduling policy.
func (c *Cluster) ServerAttrs() model.ServerAttrs {
	c.attrsMu.RLock()
	defer c.attrsMu.RUnlock()
	return c.attrs
}

// SetServer applies a batch of server attributes. Nothing changes when
// any attribute is rejected.
func (c *Cluster) SetServer(ctx context.Context, attrs map[string]string) (model.ServerAttrs, error) {
	c.attrsMu.Lock()
	next := c.attrs
	if err := c.applyServerAttrs(&next, attrs); err != nil {
		c.attrsMu.Unlock()
		return model.ServerAttrs{}, err
	}
	c.attrs = next
	c.attrsMu.Unlock()

	c.logger.Info("server attributes set", "keys", sortedKeys(attrs))
	if err := c.persistServer(ctx, next); err != nil {
		return next, err
	}
	c.loop.Kick()
	return next, nil
}

// UnsetServer restores attributes to their defaults.
func (c *Cluster) UnsetServer(ctx context.Context, keys []string) (model.ServerAttrs, error) {
	def := model.DefaultServerAttrs()
	c.attrsMu.Lock()
	next := c.attrs
	for _, k := range keys {
		switch k {
		case AttrServerName:
			next.Name = def.Name
		case AttrScheduling:
			next.Scheduling = def.Scheduling
		case AttrStrictOrdering:
			next.StrictOrdering = def.StrictOrdering
		case AttrBackfillDepth:
			next.BackfillDepth = def.BackfillDepth
		case AttrByQueue:
			next.ByQueue = def.ByQueue
		case AttrSortBy:
			next.SortBy = def.SortBy
		case AttrMaxRunAttempts:
			next.MaxRunAttempts = def.MaxRunAttempts
		case AttrJobHistoryDuration:
			next.JobHistoryDuration = def.JobHistoryDuration
		case AttrDefaultQueue:
			next.DefaultQueue = def.DefaultQueue
		default:
			c.attrsMu.Unlock()
			return model.ServerAttrs{}, model.NewUnknownAttrError("server", k)
		}
	}
	c.attrs = next
	c.attrsMu.Unlock()

	if err := c.persistServer(ctx, next); err != nil {
		return next, err
	}
	c.loop.Kick()
	return next, nil
}

func (c *Cluster) applyServerAttrs(a *model.ServerAttrs, attrs map[string]string) error {
	for _, k := range sortedKeys(attrs) {
		v := attrs[k]
		bad := func(msg string) error {
			return model.NewValidationError(fmt.Sprintf("Illegal attribute or resource value for %s", k),
				model.FieldError{Field: k, Message: msg})
		}
		switch k {
		case AttrServerName:
			if v == "" {
				return bad("must not be empty")
			}
			a.Name = v
		case AttrScheduling, AttrStrictOrdering, AttrByQueue:
			b, err := model.ParseBool(v)
			if err != nil {
				return bad("must be a boolean")
			}
			switch k {
			case AttrScheduling:
				a.Scheduling = b
			case AttrStrictOrdering:
				a.StrictOrdering = b
			default:
				a.ByQueue = b
			}
		case AttrBackfillDepth, AttrMaxRunAttempts:
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return bad("must be a non-negative integer")
			}
			if k == AttrBackfillDepth {
				a.BackfillDepth = n
			} else {
				a.MaxRunAttempts = n
			}
		case AttrSortBy:
			if v != model.SortBySubmit && v != model.SortByPriority {
				return bad("must be submit or priority")
			}
			a.SortBy = v
		case AttrJobHistoryDuration:
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return bad("must be a non-negative number of seconds")
			}
			a.JobHistoryDuration = time.Duration(n) * time.Second
		case AttrDefaultQueue:
			if _, ok := c.queues.Queue(v); !ok {
				return model.NewNotFoundError("queue", v)
			}
			a.DefaultQueue = v
		default:
			return model.NewUnknownAttrError("server", k)
		}
	}
	return nil
}

func (c *Cluster) persistServer(ctx context.Context, attrs model.ServerAttrs) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveServerAttrs(ctx, attrs); err != nil {
		return fmt.Errorf("persist server attributes: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
