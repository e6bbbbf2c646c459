// Package hook stores site hook definitions and runs them on execution
// hosts at job and host lifecycle events.
package hook

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/me/pbsched/pkg/model"
)

// Hook attribute keys accepted by the management surface.
const (
	AttrEvent        = "event"
	AttrEnabled      = "enabled"
	AttrAlarm        = "alarm"
	AttrFailAction   = "fail_action"
	AttrOrder        = "order"
	AttrOfflineScope = "offline_scope"
	AttrScript       = "script"
)

const (
	minOrder = 1
	maxOrder = 1000
)

// Registry holds hook definitions.
type Registry struct {
	mu           sync.RWMutex
	hooks        map[string]*model.Hook
	defaultAlarm time.Duration
	logger       *slog.Logger
}

// NewRegistry creates an empty registry. New hooks get defaultAlarm unless
// it is zero, in which case model.DefaultHookAlarm applies.
func NewRegistry(defaultAlarm time.Duration, logger *slog.Logger) *Registry {
	if defaultAlarm <= 0 {
		defaultAlarm = model.DefaultHookAlarm
	}
	return &Registry{
		hooks:        make(map[string]*model.Hook),
		defaultAlarm: defaultAlarm,
		logger:       logger.With("component", "hooks"),
	}
}

// Create defines a new hook from attrs.
func (r *Registry) Create(name string, attrs map[string]string) (*model.Hook, error) {
	if name == "" {
		return nil, model.NewValidationError("hook name is required")
	}
	h := &model.Hook{
		Name:         name,
		Enabled:      true,
		Alarm:        r.defaultAlarm,
		FailAction:   model.FailActionNone,
		Order:        minOrder,
		OfflineScope: model.OfflineScopeHost,
		CreatedAt:    time.Now().UTC(),
	}
	if err := apply(h, attrs); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[name]; exists {
		return nil, model.NewConflictError(fmt.Sprintf("hook %s already exists", name))
	}
	r.hooks[name] = h
	r.logger.Info("hook created", "hook", name, "events", h.Events, "fail_action", h.FailAction.String())
	return h.Clone(), nil
}

// Get returns a copy of a hook.
func (r *Registry) Get(name string) (*model.Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[name]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

// List returns copies of every hook sorted by order then name.
func (r *Registry) List() []*model.Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h.Clone())
	}
	sortHooks(out)
	return out
}

// ForEvent returns the enabled hooks bound to ev in run order.
func (r *Registry) ForEvent(ev model.HookEvent) []*model.Hook {
	var out []*model.Hook
	for _, h := range r.List() {
		if h.Enabled && h.HasEvent(ev) {
			out = append(out, h)
		}
	}
	return out
}

// Set applies attrs to an existing hook. The batch is validated as a whole;
// nothing changes when any attribute is rejected.
func (r *Registry) Set(name string, attrs map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[name]
	if !ok {
		return model.NewNotFoundError("hook", name)
	}
	next := h.Clone()
	if err := apply(next, attrs); err != nil {
		return err
	}
	r.hooks[name] = next
	r.logger.Info("hook updated", "hook", name, "events", next.Events, "fail_action", next.FailAction.String())
	return nil
}

// Unset restores attributes to their defaults.
func (r *Registry) Unset(name string, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[name]
	if !ok {
		return model.NewNotFoundError("hook", name)
	}
	next := h.Clone()
	for _, k := range keys {
		switch k {
		case AttrEvent:
			next.Events = nil
		case AttrEnabled:
			next.Enabled = true
		case AttrAlarm:
			next.Alarm = r.defaultAlarm
		case AttrFailAction:
			next.FailAction = model.FailActionNone
		case AttrOrder:
			next.Order = minOrder
		case AttrOfflineScope:
			next.OfflineScope = model.OfflineScopeHost
		case AttrScript:
			next.Script = ""
		default:
			return model.NewUnknownAttrError("hook", k)
		}
	}
	if next.FailAction != model.FailActionNone && !model.FailActionAllowed(next.Events) {
		return model.NewInvalidFailActionError(next.FailAction.String())
	}
	r.hooks[name] = next
	return nil
}

// Delete removes a hook.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[name]; !ok {
		return model.NewNotFoundError("hook", name)
	}
	delete(r.hooks, name)
	r.logger.Info("hook deleted", "hook", name)
	return nil
}

// Restore inserts a hook read back from persistent storage.
func (r *Registry) Restore(h *model.Hook) {
	r.mu.Lock()
	r.hooks[h.Name] = h.Clone()
	r.mu.Unlock()
}

func apply(h *model.Hook, attrs map[string]string) error {
	failRaw, setFail := attrs[AttrFailAction]
	for k, v := range attrs {
		switch k {
		case AttrEvent:
			events, err := model.ParseHookEvents(v)
			if err != nil {
				return model.NewValidationError(err.Error(), model.FieldError{Field: k, Message: err.Error()})
			}
			h.Events = events
		case AttrEnabled:
			b, err := model.ParseBool(v)
			if err != nil {
				return model.NewValidationError(err.Error(), model.FieldError{Field: k, Message: err.Error()})
			}
			h.Enabled = b
		case AttrAlarm:
			secs, err := strconv.Atoi(v)
			if err != nil || secs <= 0 {
				return model.NewValidationError(fmt.Sprintf("invalid alarm %q", v),
					model.FieldError{Field: k, Message: "must be a positive number of seconds"})
			}
			h.Alarm = time.Duration(secs) * time.Second
		case AttrFailAction:
			f, err := model.ParseFailAction(v)
			if err != nil {
				return model.NewValidationError(err.Error(), model.FieldError{Field: k, Message: err.Error()})
			}
			h.FailAction = f
		case AttrOrder:
			n, err := strconv.Atoi(v)
			if err != nil || n < minOrder || n > maxOrder {
				return model.NewValidationError(fmt.Sprintf("invalid order %q", v),
					model.FieldError{Field: k, Message: fmt.Sprintf("must be between %d and %d", minOrder, maxOrder)})
			}
			h.Order = n
		case AttrOfflineScope:
			switch model.OfflineScope(v) {
			case model.OfflineScopeHost, model.OfflineScopeVnode:
				h.OfflineScope = model.OfflineScope(v)
			default:
				return model.NewValidationError(fmt.Sprintf("invalid offline_scope %q", v),
					model.FieldError{Field: k, Message: "must be host or vnode"})
			}
		case AttrScript:
			h.Script = v
		default:
			return model.NewUnknownAttrError("hook", k)
		}
	}
	if h.FailAction != model.FailActionNone && !model.FailActionAllowed(h.Events) {
		value := h.FailAction.String()
		if setFail {
			value = failRaw
		}
		return model.NewInvalidFailActionError(value)
	}
	return nil
}

func sortHooks(hs []*model.Hook) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].Order != hs[j].Order {
			return hs[i].Order < hs[j].Order
		}
		return hs[i].Name < hs[j].Name
	})
}
