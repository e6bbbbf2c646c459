package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobStateQueued, false},
		{JobStateRunning, false},
		{JobStateExiting, false},
		{JobStateFinished, true},
		{JobStateHeld, true},
		{JobStatePurged, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.state.IsTerminal(), "JobState(%q).IsTerminal()", tt.state)
	}
}

func TestJobState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  JobState
		to    JobState
		valid bool
	}{
		// Valid transitions
		{JobStateQueued, JobStateRunning, true},
		{JobStateQueued, JobStateHeld, true},
		{JobStateRunning, JobStateExiting, true},
		{JobStateExiting, JobStateQueued, true},
		{JobStateExiting, JobStateHeld, true},
		{JobStateExiting, JobStateFinished, true},
		{JobStateHeld, JobStateQueued, true},

		// Invalid transitions
		{JobStateQueued, JobStateFinished, false},
		{JobStateRunning, JobStateQueued, false},
		{JobStateRunning, JobStateFinished, false},
		{JobStateFinished, JobStateQueued, false},
		{JobStateHeld, JobStateRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseJobState(t *testing.T) {
	for in, want := range map[string]JobState{"Q": JobStateQueued, "running": JobStateRunning, "H": JobStateHeld, "finished": JobStateFinished} {
		got, ok := ParseJobState(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseJobState("X")
	assert.False(t, ok, "purged is never a filter state")
}

func TestNodeState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  NodeState
		to    NodeState
		valid bool
	}{
		{NodeStateFree, NodeStateJobBusy, true},
		{NodeStateFree, NodeStateOffline, true},
		{NodeStateJobBusy, NodeStateFree, true},
		{NodeStateOffline, NodeStateFree, true},
		{NodeStateUnknown, NodeStateFree, true},
		{NodeStateJobExclusive, NodeStateDown, true},
		{NodeStateOffline, NodeStateDown, true},

		{NodeStateDown, NodeStateDown, false},
		{NodeStateOffline, NodeStateJobBusy, false},
		{NodeStateDown, NodeStateJobBusy, false},
		{NodeStateProvisioning, NodeStateOffline, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestNodeState_Predicates(t *testing.T) {
	assert.True(t, NodeStateJobBusy.IsSchedulable(), "job-busy accepts work")
	assert.False(t, NodeStateOffline.IsSchedulable())
	assert.True(t, NodeStateJobExclusive.IsBusy())
	assert.False(t, NodeStateFree.IsBusy())
	_, ok := ParseNodeState("sleeping")
	assert.False(t, ok)
}
