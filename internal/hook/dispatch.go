package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/me/pbsched/internal/record"
	"github.com/me/pbsched/pkg/model"
)

// DefaultMaxParallelHosts bounds concurrent per-host hook runs.
const DefaultMaxParallelHosts = 16

// Quarantiner takes vnodes offline when a hook with offline_vnodes fails.
type Quarantiner interface {
	Offline(ids []string, comment string, scope model.OfflineScope) ([]string, error)
	ByHost(host string) []*model.Node
}

// Observer receives per-run timings. internal/metrics implements it.
type Observer interface {
	ObserveHook(event, outcome string, d time.Duration)
}

// HostResult collects the hooks run on one host, in run order. Runs stop
// at the first hook that does not accept.
type HostResult struct {
	Host    string   `json:"host"`
	Vnodes  []string `json:"vnodes,omitempty"`
	Results []Result `json:"results"`
}

// Final returns the last result on the host, which decides its outcome.
func (h HostResult) Final() (Result, bool) {
	if len(h.Results) == 0 {
		return Result{}, false
	}
	return h.Results[len(h.Results)-1], true
}

// HostError is one host's failed or rejected hook run.
type HostError struct {
	Host    string
	Hook    string
	Event   model.HookEvent
	Outcome Outcome
	Message string
}

func (e *HostError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s hook '%s' on %s: %s", e.Event, e.Hook, e.Host, e.Outcome)
	}
	return fmt.Sprintf("%s hook '%s' on %s: %s: %s", e.Event, e.Hook, e.Host, e.Outcome, e.Message)
}

// Report is the reconciled outcome of firing one event across hosts.
type Report struct {
	Event    model.HookEvent `json:"event"`
	Hosts    []HostResult    `json:"hosts"`
	Restart  bool            `json:"restart"`
	Offlined []string        `json:"offlined,omitempty"`
	err      *multierror.Error
}

// Accepted reports whether every hook on every host accepted.
func (r *Report) Accepted() bool {
	return r.err.ErrorOrNil() == nil
}

// Rejected reports whether any host rejected without any host failing.
func (r *Report) Rejected() bool {
	return !r.Accepted() && !r.Failed()
}

// Failed reports whether any hook raised an error or hit its alarm.
func (r *Report) Failed() bool {
	for _, h := range r.Hosts {
		if f, ok := h.Final(); ok && f.Outcome.Failed() {
			return true
		}
	}
	return false
}

// Err folds every host failure into one error, or nil.
func (r *Report) Err() error {
	return r.err.ErrorOrNil()
}

// Message returns the first rejection or failure message for job comments.
func (r *Report) Message() string {
	for _, h := range r.Hosts {
		if f, ok := h.Final(); ok && f.Outcome != OutcomeAccept && f.Message != "" {
			return f.Message
		}
	}
	return ""
}

// ResourcesUsed merges the resources_used values set by accepting hooks.
func (r *Report) ResourcesUsed() map[string]string {
	out := make(map[string]string)
	for _, h := range r.Hosts {
		for _, res := range h.Results {
			for k, v := range res.ResourcesUsed {
				out[k] = v
			}
		}
	}
	return out
}

// Dispatcher fans hook runs out to hosts and applies fail_action
// consequences once every host has reported.
type Dispatcher struct {
	hooks       *Registry
	exec        *Executor
	nodes       Quarantiner
	sink        record.Sink
	observer    Observer
	maxParallel int
	logger      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxParallelHosts bounds concurrent host runs.
func WithMaxParallelHosts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// WithObserver reports run timings to o.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// WithSink delivers hook lifecycle records to s.
func WithSink(s record.Sink) DispatcherOption {
	return func(d *Dispatcher) { d.sink = s }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(hooks *Registry, exec *Executor, nodes Quarantiner, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		hooks:       hooks,
		exec:        exec,
		nodes:       nodes,
		sink:        record.Discard{},
		maxParallel: DefaultMaxParallelHosts,
		logger:      logger.With("component", "hook-dispatch"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type target struct {
	host   string
	vnodes []string
}

// FireJob runs ev for a placed job. execjob_begin runs on the mother
// superior only; every other job event runs once on each execution host.
func (d *Dispatcher) FireJob(ctx context.Context, ev model.HookEvent, j *model.Job) *Report {
	if j.Allocation == nil {
		return &Report{Event: ev}
	}
	hosts := j.Allocation.Hosts()
	if ev == model.HookEventExecjobBegin && len(hosts) > 0 {
		hosts = hosts[:1]
	}
	targets := make([]target, 0, len(hosts))
	for _, h := range hosts {
		targets = append(targets, target{host: h, vnodes: j.Allocation.VnodesOnHost(h)})
	}
	return d.fire(ctx, ev, targets, JobInfoFrom(j))
}

// FireHost runs a host event such as exechost_startup on host.
func (d *Dispatcher) FireHost(ctx context.Context, ev model.HookEvent, host string) *Report {
	return d.FireHosts(ctx, ev, []string{host})
}

// FireHosts runs a host event on each of hosts in parallel and reconciles
// the results into one report.
func (d *Dispatcher) FireHosts(ctx context.Context, ev model.HookEvent, hosts []string) *Report {
	targets := make([]target, 0, len(hosts))
	for _, host := range hosts {
		var vnodes []string
		if d.nodes != nil {
			for _, n := range d.nodes.ByHost(host) {
				vnodes = append(vnodes, n.ID)
			}
		}
		targets = append(targets, target{host: host, vnodes: vnodes})
	}
	return d.fire(ctx, ev, targets, nil)
}

// FireServer runs a server-side job event (queuejob, runjob) once.
func (d *Dispatcher) FireServer(ctx context.Context, ev model.HookEvent, j *model.Job) *Report {
	return d.fire(ctx, ev, []target{{host: ""}}, JobInfoFrom(j))
}

func (d *Dispatcher) fire(ctx context.Context, ev model.HookEvent, targets []target, job *JobInfo) *Report {
	rep := &Report{Event: ev}
	hooks := d.hooks.ForEvent(ev)
	if len(hooks) == 0 || len(targets) == 0 {
		return rep
	}

	results := make([]HostResult, len(targets))
	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = d.runHost(ctx, ev, hooks, t, job)
			return nil
		})
	}
	_ = g.Wait()
	rep.Hosts = results

	for _, hr := range results {
		f, ok := hr.Final()
		if !ok || f.Outcome == OutcomeAccept {
			continue
		}
		rep.err = multierror.Append(rep.err, &HostError{
			Host: hr.Host, Hook: f.Hook, Event: ev, Outcome: f.Outcome, Message: f.Message,
		})
		if f.Outcome.Failed() {
			d.applyFailAction(rep, ev, hr, f)
		}
	}
	if rep.err != nil {
		d.logger.Warn("hook event did not accept", "event", ev, "error", rep.err.ErrorOrNil())
	}
	return rep
}

func (d *Dispatcher) runHost(ctx context.Context, ev model.HookEvent, hooks []*model.Hook, t target, job *JobInfo) HostResult {
	hr := HostResult{Host: t.host, Vnodes: t.vnodes}
	for _, h := range hooks {
		res := d.exec.Run(ctx, h, Input{Event: ev, Host: t.host, Vnodes: t.vnodes, Job: job})
		hr.Results = append(hr.Results, res)
		if d.observer != nil {
			d.observer.ObserveHook(string(ev), string(res.Outcome), res.Duration)
		}
		if job != nil {
			d.sink.JobEvent(record.Job(job.ID, model.RecordHook, "", t.host,
				fmt.Sprintf("%s %s %s", ev, h.Name, res.Outcome)))
		}
		if res.Outcome != OutcomeAccept {
			break
		}
	}
	return hr
}

// applyFailAction applies a failing hook's consequences for one host. Only
// events that may carry a fail_action trigger it.
func (d *Dispatcher) applyFailAction(rep *Report, ev model.HookEvent, hr HostResult, f Result) {
	if !model.FailActionAllowed([]model.HookEvent{ev}) {
		return
	}
	h, ok := d.hooks.Get(f.Hook)
	if !ok {
		return
	}
	if h.FailAction.Has(model.FailActionOfflineVnodes) && d.nodes != nil {
		vnodes := hr.Vnodes
		if len(vnodes) == 0 {
			for _, n := range d.nodes.ByHost(hr.Host) {
				vnodes = append(vnodes, n.ID)
			}
		}
		if len(vnodes) > 0 {
			comment := fmt.Sprintf("offlined by hook '%s' due to hook error", h.Name)
			changed, err := d.nodes.Offline(vnodes, comment, h.OfflineScope)
			if err != nil {
				d.logger.Error("offline vnodes", "hook", h.Name, "host", hr.Host, "error", err)
			}
			rep.Offlined = append(rep.Offlined, changed...)
			sort.Strings(rep.Offlined)
		}
	}
	if h.FailAction.Has(model.FailActionSchedulerRestartCycle) {
		rep.Restart = true
		d.logger.Info("hook requested scheduler cycle restart", "hook", h.Name, "host", hr.Host)
	}
}
