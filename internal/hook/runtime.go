package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dop251/goja"

	"github.com/me/pbsched/pkg/model"
)

// Outcome is the result of one hook run.
type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
	// OutcomeError is an unhandled exception or a script that failed to load.
	OutcomeError Outcome = "error"
	// OutcomeAlarm means the hook ran past its alarm and was interrupted.
	OutcomeAlarm Outcome = "alarm"
)

// Failed reports whether the outcome counts as a hook error.
func (o Outcome) Failed() bool {
	return o == OutcomeError || o == OutcomeAlarm
}

// JobInfo is the job as seen by a hook script.
type JobInfo struct {
	ID             string
	Owner          string
	Queue          string
	Comment        string
	ResourcesUsed  map[string]string
	MotherSuperior string
}

// JobInfoFrom snapshots the fields of j a hook may read.
func JobInfoFrom(j *model.Job) *JobInfo {
	used := make(map[string]string, len(j.ResourcesUsed))
	for k, v := range j.ResourcesUsed {
		used[k] = v
	}
	return &JobInfo{
		ID:             j.ID,
		Owner:          j.Owner,
		Queue:          j.Queue,
		Comment:        j.Comment,
		ResourcesUsed:  used,
		MotherSuperior: j.MotherSuperior(),
	}
}

// Input describes one hook invocation.
type Input struct {
	Event  model.HookEvent
	Host   string
	Vnodes []string
	Job    *JobInfo // nil for host events
}

// Result is the outcome of running one hook on one host.
type Result struct {
	Hook          string            `json:"hook"`
	Host          string            `json:"host"`
	Event         model.HookEvent   `json:"event"`
	Outcome       Outcome           `json:"outcome"`
	Message       string            `json:"message,omitempty"`
	ResourcesUsed map[string]string `json:"resources_used,omitempty"`
	Duration      time.Duration     `json:"duration"`
}

type decision struct {
	outcome Outcome
	message string
}

type alarmExpired struct{}

// Executor runs hook scripts in a fresh JavaScript runtime per run.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger.With("component", "hook-runtime")}
}

// Run executes h for in. It never returns an error: failures are reported
// through the Result outcome. The run is interrupted when h.Alarm elapses
// or ctx is done.
func (e *Executor) Run(ctx context.Context, h *model.Hook, in Input) Result {
	start := time.Now()
	res := Result{Hook: h.Name, Host: in.Host, Event: in.Event}
	log := e.logger.With("hook", h.Name, "event", in.Event, "host", in.Host)

	vm := goja.New()
	var d *decision
	used := vm.NewObject()

	if err := e.setupVM(vm, h, in, used, &d, log); err != nil {
		res.Outcome = OutcomeError
		res.Message = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	alarm := h.Alarm
	if alarm <= 0 {
		alarm = model.DefaultHookAlarm
	}
	timer := time.AfterFunc(alarm, func() { vm.Interrupt(alarmExpired{}) })
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	_, err := vm.RunString(h.Script)
	timer.Stop()
	stop()
	res.Duration = time.Since(start)

	switch {
	case d != nil:
		// accept() and reject() end the script through an interrupt.
		res.Outcome, res.Message = d.outcome, d.message
	case err == nil:
		res.Outcome = OutcomeAccept
	default:
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if _, ok := interrupted.Value().(alarmExpired); ok {
				res.Outcome = OutcomeAlarm
				res.Message = fmt.Sprintf("alarm call while running %s hook '%s'", in.Event, h.Name)
				log.Error(fmt.Sprintf("alarm call while running %s hook", in.Event), "alarm", alarm)
				return res
			}
			res.Outcome = OutcomeError
			res.Message = fmt.Sprintf("hook interrupted: %v", interrupted.Value())
			return res
		}
		res.Outcome = OutcomeError
		res.Message = err.Error()
		log.Error("hook raised an exception", "error", err)
		return res
	}

	if res.Outcome == OutcomeAccept && in.Job != nil {
		res.ResourcesUsed = exportStrings(used)
	}
	if res.Outcome == OutcomeReject {
		log.Info("hook rejected", "message", res.Message)
	}
	return res
}

// setupVM installs the script globals: event, log and size.
func (e *Executor) setupVM(vm *goja.Runtime, h *model.Hook, in Input, used *goja.Object, d **decision, log *slog.Logger) error {
	finish := func(dec decision) {
		if *d == nil {
			*d = &dec
		}
		vm.Interrupt(dec)
	}

	ev := vm.NewObject()
	if err := ev.Set("name", string(in.Event)); err != nil {
		return fmt.Errorf("set event.name: %w", err)
	}
	if err := ev.Set("hook_name", h.Name); err != nil {
		return fmt.Errorf("set event.hook_name: %w", err)
	}
	if err := ev.Set("hostname", in.Host); err != nil {
		return fmt.Errorf("set event.hostname: %w", err)
	}
	vnodes := in.Vnodes
	if vnodes == nil {
		vnodes = []string{}
	}
	if err := ev.Set("vnodes", vnodes); err != nil {
		return fmt.Errorf("set event.vnodes: %w", err)
	}
	if err := ev.Set("accept", func() {
		finish(decision{outcome: OutcomeAccept})
	}); err != nil {
		return fmt.Errorf("set event.accept: %w", err)
	}
	if err := ev.Set("reject", func(call goja.FunctionCall) goja.Value {
		msg := ""
		if len(call.Arguments) > 0 {
			msg = call.Argument(0).String()
		}
		finish(decision{outcome: OutcomeReject, message: msg})
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("set event.reject: %w", err)
	}

	if in.Job != nil {
		job := vm.NewObject()
		for k, v := range map[string]string{
			"id":      in.Job.ID,
			"owner":   in.Job.Owner,
			"queue":   in.Job.Queue,
			"comment": in.Job.Comment,
		} {
			if err := job.Set(k, v); err != nil {
				return fmt.Errorf("set event.job.%s: %w", k, err)
			}
		}
		for _, k := range sortedStringKeys(in.Job.ResourcesUsed) {
			if err := used.Set(k, in.Job.ResourcesUsed[k]); err != nil {
				return fmt.Errorf("set resources_used.%s: %w", k, err)
			}
		}
		if err := job.Set("resources_used", used); err != nil {
			return fmt.Errorf("set event.job.resources_used: %w", err)
		}
		ms := in.Job.MotherSuperior
		if err := job.Set("in_ms_host", func() bool { return in.Host == ms }); err != nil {
			return fmt.Errorf("set event.job.in_ms_host: %w", err)
		}
		if err := ev.Set("job", job); err != nil {
			return fmt.Errorf("set event.job: %w", err)
		}
	}

	if err := vm.Set("event", ev); err != nil {
		return fmt.Errorf("set event: %w", err)
	}
	if err := vm.Set("log", func(msg string) {
		log.Info("hook log", "message", msg)
	}); err != nil {
		return fmt.Errorf("set log: %w", err)
	}
	if err := vm.Set("size", func(v string) (int64, error) {
		return model.ParseSize(v)
	}); err != nil {
		return fmt.Errorf("set size: %w", err)
	}
	return nil
}

func exportStrings(o *goja.Object) map[string]string {
	keys := o.Keys()
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := o.Get(k)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		out[k] = v.String()
	}
	return out
}

func sortedStringKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
