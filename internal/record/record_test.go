package record

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/me/pbsched/pkg/model"
)

type failingWriter struct{ calls int }

func (w *failingWriter) AppendJobRecord(context.Context, model.JobRecord) error {
	w.calls++
	return errors.New("disk full")
}

func (w *failingWriter) AppendNodeRecord(context.Context, model.NodeRecord) error {
	w.calls++
	return errors.New("disk full")
}

func TestJobRecordStamp(t *testing.T) {
	rec := Job("1.pbsched", model.RecordRun, model.JobStateRunning, "h1", "(h1:ncpus=1)")
	assert.Regexp(t, `^rec_`, rec.ID)
	assert.False(t, rec.Time.IsZero())
	assert.Equal(t, "UTC", rec.Time.Location().String())

	other := Job("1.pbsched", model.RecordRun, model.JobStateRunning, "h1", "")
	assert.NotEqual(t, rec.ID, other.ID, "record ids must be unique")
}

func TestMultiFansOutInOrder(t *testing.T) {
	var a, b Memory
	m := Multi{&a, &b, Discard{}}
	m.JobEvent(Job("1.s", model.RecordSubmitted, model.JobStateQueued, "", ""))
	m.JobEvent(Job("2.s", model.RecordSubmitted, model.JobStateQueued, "", ""))
	m.NodeEvent(Node("h1", model.NodeStateOffline, "maint"))

	assert.Len(t, a.JobRecords(""), 2)
	assert.Len(t, b.JobRecords("1.s"), 1)
	got := b.NodeRecords("h1")
	if assert.Len(t, got, 1) {
		assert.Equal(t, "maint", got[0].Comment)
	}
	assert.Equal(t, 2, a.Count("", model.RecordSubmitted, "", ""))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	s.JobEvent(Job("4.s", model.RecordHeld, model.JobStateHeld, "", "too many attempts"))

	out := buf.String()
	for _, want := range []string{"job held", "job_id=4.s", "component=record"} {
		assert.Contains(t, out, want)
	}
}

func TestStoreSinkSwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	w := &failingWriter{}
	s := NewStoreSink(w, slog.New(slog.NewTextHandler(&buf, nil)))

	s.JobEvent(Job("1.s", model.RecordRun, model.JobStateRunning, "h1", ""))
	s.NodeEvent(Node("h1", model.NodeStateFree, ""))

	assert.Equal(t, 2, w.calls)
	assert.Contains(t, buf.String(), "disk full", "write failure is logged")
}
