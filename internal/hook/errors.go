package hook

import "errors"

// ErrRestartCycle is returned up the run path when a failing hook carries
// the scheduler_restart_cycle fail_action.
var ErrRestartCycle = errors.New("hook requested scheduler cycle restart")
