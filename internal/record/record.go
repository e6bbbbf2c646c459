// Package record delivers job lifecycle and node state-change records to
// observability collaborators.
package record

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/pbsched/pkg/model"
)

// Sink consumes lifecycle records. Implementations must be safe for
// concurrent use and must not block for long.
type Sink interface {
	JobEvent(rec model.JobRecord)
	NodeEvent(rec model.NodeRecord)
}

// Job builds a job record stamped with a fresh id and the current time.
func Job(jobID, event string, state model.JobState, host, detail string) model.JobRecord {
	return model.JobRecord{
		ID:     "rec_" + uuid.New().String(),
		JobID:  jobID,
		Event:  event,
		State:  state,
		Host:   host,
		Detail: detail,
		Time:   time.Now().UTC(),
	}
}

// Node builds a node record stamped with a fresh id and the current time.
func Node(nodeID string, state model.NodeState, comment string) model.NodeRecord {
	return model.NodeRecord{
		ID:      "rec_" + uuid.New().String(),
		NodeID:  nodeID,
		State:   state,
		Comment: comment,
		Time:    time.Now().UTC(),
	}
}

// Discard drops every record.
type Discard struct{}

func (Discard) JobEvent(model.JobRecord)   {}
func (Discard) NodeEvent(model.NodeRecord) {}

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at INFO.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "record")}
}

func (s *LogSink) JobEvent(rec model.JobRecord) {
	s.logger.Info("job "+rec.Event, "job_id", rec.JobID, "state", rec.State, "host", rec.Host, "detail", rec.Detail)
}

func (s *LogSink) NodeEvent(rec model.NodeRecord) {
	s.logger.Info("node state", "node", rec.NodeID, "state", rec.State, "comment", rec.Comment)
}

// Writer persists records; internal/store implements it.
type Writer interface {
	AppendJobRecord(ctx context.Context, rec model.JobRecord) error
	AppendNodeRecord(ctx context.Context, rec model.NodeRecord) error
}

// StoreSink persists records through a Writer. Write failures are logged
// and otherwise ignored.
type StoreSink struct {
	w      Writer
	logger *slog.Logger
}

// NewStoreSink creates a persisting sink.
func NewStoreSink(w Writer, logger *slog.Logger) *StoreSink {
	return &StoreSink{w: w, logger: logger.With("component", "record-store")}
}

func (s *StoreSink) JobEvent(rec model.JobRecord) {
	if err := s.w.AppendJobRecord(context.Background(), rec); err != nil {
		s.logger.Error("persist job record", "job_id", rec.JobID, "error", err)
	}
}

func (s *StoreSink) NodeEvent(rec model.NodeRecord) {
	if err := s.w.AppendNodeRecord(context.Background(), rec); err != nil {
		s.logger.Error("persist node record", "node", rec.NodeID, "error", err)
	}
}

// Multi fans records out to several sinks in order.
type Multi []Sink

func (m Multi) JobEvent(rec model.JobRecord) {
	for _, s := range m {
		s.JobEvent(rec)
	}
}

func (m Multi) NodeEvent(rec model.NodeRecord) {
	for _, s := range m {
		s.NodeEvent(rec)
	}
}
