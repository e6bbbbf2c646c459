package model

import (
	"fmt"
	"strings"
	"time"
)

// HookEvent names the point in a job or host lifecycle a hook runs at.
type HookEvent string

const (
	HookEventExecjobBegin     HookEvent = "execjob_begin"
	HookEventExecjobPrologue  HookEvent = "execjob_prologue"
	HookEventExecjobEpilogue  HookEvent = "execjob_epilogue"
	HookEventExecjobEnd       HookEvent = "execjob_end"
	HookEventExechostPeriodic HookEvent = "exechost_periodic"
	HookEventExechostStartup  HookEvent = "exechost_startup"
	HookEventQueuejob         HookEvent = "queuejob"
	HookEventRunjob           HookEvent = "runjob"
)

// ParseHookEvents parses a comma separated event list.
func ParseHookEvents(s string) ([]HookEvent, error) {
	var events []HookEvent
	seen := make(map[HookEvent]bool)
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		ev := HookEvent(f)
		switch ev {
		case HookEventExecjobBegin, HookEventExecjobPrologue, HookEventExecjobEpilogue,
			HookEventExecjobEnd, HookEventExechostPeriodic, HookEventExechostStartup,
			HookEventQueuejob, HookEventRunjob:
		default:
			return nil, fmt.Errorf("invalid hook event %q", f)
		}
		if !seen[ev] {
			seen[ev] = true
			events = append(events, ev)
		}
	}
	return events, nil
}

// FailAction is a combinable set of consequences applied when a hook errors.
type FailAction uint8

const (
	FailActionNone                  FailAction = 0
	FailActionOfflineVnodes         FailAction = 1 << 0
	FailActionSchedulerRestartCycle FailAction = 1 << 1
)

// Has reports whether every bit of a is set.
func (f FailAction) Has(a FailAction) bool {
	return a != 0 && f&a == a
}

// String renders the set as a comma separated list, "none" when empty.
func (f FailAction) String() string {
	if f == FailActionNone {
		return "none"
	}
	var parts []string
	if f.Has(FailActionOfflineVnodes) {
		parts = append(parts, "offline_vnodes")
	}
	if f.Has(FailActionSchedulerRestartCycle) {
		parts = append(parts, "scheduler_restart_cycle")
	}
	return strings.Join(parts, ",")
}

// ParseFailAction parses "none", "offline_vnodes", "scheduler_restart_cycle"
// or a comma separated combination.
func ParseFailAction(s string) (FailAction, error) {
	var f FailAction
	for _, p := range strings.Split(s, ",") {
		switch strings.TrimSpace(p) {
		case "none", "":
		case "offline_vnodes":
			f |= FailActionOfflineVnodes
		case "scheduler_restart_cycle":
			f |= FailActionSchedulerRestartCycle
		default:
			return 0, fmt.Errorf("invalid fail_action %q", p)
		}
	}
	return f, nil
}

// OfflineScope decides how far offline_vnodes reaches on a failing host.
type OfflineScope string

const (
	OfflineScopeHost  OfflineScope = "host"
	OfflineScopeVnode OfflineScope = "vnode"
)

// Hook is a site-defined script bound to lifecycle events.
type Hook struct {
	Name         string        `json:"name"`
	Events       []HookEvent   `json:"events"`
	Enabled      bool          `json:"enabled"`
	Alarm        time.Duration `json:"alarm"`
	FailAction   FailAction    `json:"fail_action"`
	Order        int           `json:"order"`
	OfflineScope OfflineScope  `json:"offline_scope"`
	Script       string        `json:"script,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DefaultHookAlarm bounds hook runs when no alarm is configured.
const DefaultHookAlarm = 30 * time.Second

// Clone returns a deep copy.
func (h *Hook) Clone() *Hook {
	c := *h
	c.Events = append([]HookEvent(nil), h.Events...)
	return &c
}

// HasEvent reports whether the hook is bound to ev.
func (h *Hook) HasEvent(ev HookEvent) bool {
	for _, e := range h.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// FailActionAllowed reports whether a non-none fail_action may be set on a
// hook bound to events.
func FailActionAllowed(events []HookEvent) bool {
	for _, e := range events {
		switch e {
		case HookEventExecjobBegin, HookEventExechostStartup, HookEventExecjobPrologue:
			return true
		}
	}
	return false
}
