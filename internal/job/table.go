package job

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/me/pbsched/pkg/model"
)

const (
	jobsTable  = "jobs"
	idIndex    = "id"    // primary key
	seqIndex   = "seq"   // submission order
	stateIndex = "state" // jobs in a given state
	queueIndex = "queue" // jobs in a given queue
)

// Table is the in-memory job table. It is built on go-memdb, so readers
// never block writers. Stored jobs are never modified in place: every
// write inserts a fresh copy.
type Table struct {
	db *memdb.MemDB
}

// NewTable creates an empty job table.
func NewTable() (*Table, error) {
	db, err := memdb.NewMemDB(tableSchema())
	if err != nil {
		return nil, fmt.Errorf("create job table: %w", err)
	}
	return &Table{db: db}, nil
}

// Upsert stores a copy of j.
func (t *Table) Upsert(j *model.Job) error {
	txn := t.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(jobsTable, j.Clone()); err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	txn.Commit()
	return nil
}

// Get returns a copy of the job with id, or nil.
func (t *Table) Get(id string) *model.Job {
	txn := t.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(jobsTable, idIndex, id)
	if err != nil || obj == nil {
		return nil
	}
	return obj.(*model.Job).Clone()
}

// Delete removes the job with id. Deleting an unknown id is a no-op.
func (t *Table) Delete(id string) error {
	txn := t.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(jobsTable, idIndex, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	txn.Commit()
	return nil
}

// All returns every job in submission order.
func (t *Table) All() []*model.Job {
	return t.list(idIndex)
}

// InState returns the jobs in state, in submission order.
func (t *Table) InState(state model.JobState) []*model.Job {
	return t.list(stateIndex, string(state))
}

// InQueue returns the jobs in queue, in submission order.
func (t *Table) InQueue(queue string) []*model.Job {
	return t.list(queueIndex, queue)
}

func (t *Table) list(index string, args ...any) []*model.Job {
	txn := t.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, index, args...)
	if err != nil {
		return nil
	}
	var out []*model.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*model.Job).Clone())
	}
	// Integer index keys are not guaranteed to iterate in numeric order.
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

func tableSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					seqIndex: {
						Name:    seqIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Seq"},
					},
					stateIndex: {
						Name:    stateIndex,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					queueIndex: {
						Name:    queueIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Queue"},
					},
				},
			},
		},
	}
}
