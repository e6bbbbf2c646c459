package model

// JobState is the single-letter lifecycle state of a Job.
type JobState string

const (
	JobStateQueued   JobState = "Q"
	JobStateRunning  JobState = "R"
	JobStateExiting  JobState = "E"
	JobStateFinished JobState = "F"
	JobStateHeld     JobState = "H"
	// JobStatePurged is only ever carried by lifecycle records; purged jobs
	// no longer exist in the job table.
	JobStatePurged JobState = "X"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job accepts no further scheduling.
// Held is terminal until an operator releases it.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateFinished, JobStateHeld, JobStatePurged:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
var ValidJobTransitions = map[JobState][]JobState{
	JobStateQueued:  {JobStateRunning, JobStateHeld},
	JobStateRunning: {JobStateExiting},
	JobStateExiting: {JobStateQueued, JobStateHeld, JobStateFinished},
	JobStateHeld:    {JobStateQueued},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseJobState accepts either the letter or the long name of a state.
func ParseJobState(s string) (JobState, bool) {
	switch s {
	case "Q", "queued":
		return JobStateQueued, true
	case "R", "running":
		return JobStateRunning, true
	case "E", "exiting":
		return JobStateExiting, true
	case "F", "finished":
		return JobStateFinished, true
	case "H", "held":
		return JobStateHeld, true
	}
	return "", false
}

// NodeState is the scheduling state of a vnode.
type NodeState string

const (
	NodeStateFree         NodeState = "free"
	NodeStateOffline      NodeState = "offline"
	NodeStateDown         NodeState = "down"
	NodeStateJobBusy      NodeState = "job-busy"
	NodeStateJobExclusive NodeState = "job-exclusive"
	NodeStateUnknown      NodeState = "state-unknown"
	NodeStateProvisioning NodeState = "provisioning"
)

// String returns the string representation of the node state.
func (s NodeState) String() string {
	return string(s)
}

// IsSchedulable reports whether new work may be placed on a node in this state.
func (s NodeState) IsSchedulable() bool {
	return s == NodeStateFree || s == NodeStateJobBusy
}

// IsBusy reports whether the node currently carries job assignments.
func (s NodeState) IsBusy() bool {
	return s == NodeStateJobBusy || s == NodeStateJobExclusive
}

// ValidNodeTransitions defines the allowed state transitions for vnodes.
// Any state may additionally move to down; see CanTransitionTo.
var ValidNodeTransitions = map[NodeState][]NodeState{
	NodeStateFree:         {NodeStateOffline, NodeStateJobBusy, NodeStateJobExclusive, NodeStateProvisioning},
	NodeStateOffline:      {NodeStateFree},
	NodeStateJobBusy:      {NodeStateFree, NodeStateJobExclusive, NodeStateOffline},
	NodeStateJobExclusive: {NodeStateFree, NodeStateJobBusy, NodeStateOffline},
	NodeStateDown:         {NodeStateFree, NodeStateOffline},
	NodeStateUnknown:      {NodeStateFree, NodeStateProvisioning, NodeStateOffline},
	NodeStateProvisioning: {NodeStateFree},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s NodeState) CanTransitionTo(next NodeState) bool {
	if next == NodeStateDown && s != NodeStateDown {
		return true
	}
	for _, allowed := range ValidNodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseNodeState validates a node state name.
func ParseNodeState(s string) (NodeState, bool) {
	st := NodeState(s)
	switch st {
	case NodeStateFree, NodeStateOffline, NodeStateDown, NodeStateJobBusy,
		NodeStateJobExclusive, NodeStateUnknown, NodeStateProvisioning:
		return st, true
	}
	return "", false
}
