// Package store persists server state in SQLite so a restarted server
// recovers its resources, vnodes, queues, hooks, jobs and policy.
package store

import (
	"context"
	"time"

	"github.com/me/pbsched/pkg/model"
)

// Store defines the persistence layer for pbsched entities.
type Store interface {
	// Resource definitions
	SaveResourceDef(ctx context.Context, def model.ResourceDef) error
	ListResourceDefs(ctx context.Context) ([]model.ResourceDef, error)

	// Vnodes with their resources_available values
	SaveNode(ctx context.Context, n *model.NodeView) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]*model.NodeView, error)

	// Queues and hooks
	SaveQueue(ctx context.Context, q *model.Queue) error
	DeleteQueue(ctx context.Context, name string) error
	ListQueues(ctx context.Context) ([]*model.Queue, error)
	SaveHook(ctx context.Context, h *model.Hook) error
	DeleteHook(ctx context.Context, name string) error
	ListHooks(ctx context.Context) ([]*model.Hook, error)

	// Jobs
	SaveJob(ctx context.Context, j *model.Job) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]*model.Job, error)

	// Server policy
	SaveServerAttrs(ctx context.Context, attrs model.ServerAttrs) error
	LoadServerAttrs(ctx context.Context) (*model.ServerAttrs, error)

	// Backfill calendar
	ReplaceCalendar(ctx context.Context, entries map[string]time.Time) error
	LoadCalendar(ctx context.Context) (map[string]time.Time, error)

	// Lifecycle records
	AppendJobRecord(ctx context.Context, rec model.JobRecord) error
	AppendNodeRecord(ctx context.Context, rec model.NodeRecord) error
	ListJobRecords(ctx context.Context, jobID string, opts model.ListOptions) ([]model.JobRecord, int, error)
	ListNodeRecords(ctx context.Context, nodeID string, opts model.ListOptions) ([]model.NodeRecord, int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
