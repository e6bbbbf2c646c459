package model

import "time"

// ServerAttrs holds server-wide scheduling policy.
type ServerAttrs struct {
	Name               string        `json:"server_name"`
	Scheduling         bool          `json:"scheduling"`
	StrictOrdering     bool          `json:"strict_ordering"`
	BackfillDepth      int           `json:"backfill_depth"`
	ByQueue            bool          `json:"by_queue"`
	SortBy             string        `json:"sort_by"`
	MaxRunAttempts     int           `json:"max_run_attempts"`
	JobHistoryDuration time.Duration `json:"job_history_duration"`
	DefaultQueue       string        `json:"default_queue"`
}

// Job sort keys.
const (
	SortBySubmit   = "submit"
	SortByPriority = "priority"
)

// DefaultServerAttrs returns the policy a fresh server starts with.
func DefaultServerAttrs() ServerAttrs {
	return ServerAttrs{
		Name:               "pbsched",
		Scheduling:         true,
		BackfillDepth:      1,
		SortBy:             SortBySubmit,
		MaxRunAttempts:     20,
		JobHistoryDuration: 5 * time.Minute,
		DefaultQueue:       "workq",
	}
}

// JobRecord is a lifecycle record keyed by job id.
type JobRecord struct {
	ID     string    `json:"id"`
	JobID  string    `json:"job_id"`
	Event  string    `json:"event"`
	State  JobState  `json:"state,omitempty"`
	Host   string    `json:"host,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// NodeRecord is a state-change record keyed by vnode id.
type NodeRecord struct {
	ID      string    `json:"id"`
	NodeID  string    `json:"node_id"`
	State   NodeState `json:"state"`
	Comment string    `json:"comment,omitempty"`
	Time    time.Time `json:"time"`
}

// Job lifecycle record events.
const (
	RecordSubmitted = "submitted"
	RecordRun       = "run"
	RecordTopJob    = "top_job"
	RecordHook      = "hook"
	RecordRequeued  = "requeued"
	RecordHeld      = "held"
	RecordReleased  = "released"
	RecordExiting   = "exiting"
	RecordFinished  = "finished"
	RecordDeleted   = "deleted"
	RecordPurged    = "purged"
)
