package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/me/pbsched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	recSeq atomic.Int64
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	if err := migrate(ctx, s.db); err != nil {
		return err
	}
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(COALESCE((SELECT MAX(seq) FROM job_records), 0), COALESCE((SELECT MAX(seq) FROM node_records), 0))`,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("record seq: %w", err)
	}
	s.recSeq.Store(seq)
	return nil
}

// --- Resource definitions ---

func (s *SQLiteStore) SaveResourceDef(ctx context.Context, def model.ResourceDef) error {
	s.logger.Debug("sql", "op", "upsert", "table", "resource_defs", "name", def.Name)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource_defs (name, type, flags) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET type = excluded.type, flags = excluded.flags`,
		def.Name, string(def.Type), def.Flags)
	return err
}

func (s *SQLiteStore) ListResourceDefs(ctx context.Context) ([]model.ResourceDef, error) {
	s.logger.Debug("sql", "op", "list", "table", "resource_defs")
	rows, err := s.db.QueryContext(ctx, `SELECT name, type, flags FROM resource_defs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []model.ResourceDef
	for rows.Next() {
		var d model.ResourceDef
		var typ string
		if err := rows.Scan(&d.Name, &typ, &d.Flags); err != nil {
			return nil, err
		}
		d.Type = model.ResourceType(typ)
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// --- Vnodes ---

// SaveNode upserts a vnode and replaces its resources_available values.
func (s *SQLiteStore) SaveNode(ctx context.Context, n *model.NodeView) error {
	s.logger.Debug("sql", "op", "upsert", "table", "nodes", "id", n.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO nodes (id, host, is_natural, state, comment, partition_name, queue_name, seq, last_heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   host = excluded.host, is_natural = excluded.is_natural, state = excluded.state,
		   comment = excluded.comment, partition_name = excluded.partition_name,
		   queue_name = excluded.queue_name, seq = excluded.seq,
		   last_heartbeat = excluded.last_heartbeat`,
		n.ID, n.Host, boolToInt(n.Natural), string(n.State), n.Comment, n.Partition, n.Queue, n.Seq,
		formatTimePtr(n.LastHeartbeat), n.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_resources WHERE node_id = ?`, n.ID); err != nil {
		return fmt.Errorf("clear node resources: %w", err)
	}
	for _, name := range sortedKeys(n.ResourcesAvailable) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_resources (node_id, name, value) VALUES (?, ?, ?)`,
			n.ID, name, n.ResourcesAvailable[name]); err != nil {
			return fmt.Errorf("insert node resource %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "nodes", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	return err
}

// ListNodes returns every vnode in creation order with its stored
// resources_available values. ResourcesAssigned is always empty.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*model.NodeView, error) {
	s.logger.Debug("sql", "op", "list", "table", "nodes")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, is_natural, state, comment, partition_name, queue_name, seq, last_heartbeat, created_at
		 FROM nodes ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	var nodes []*model.NodeView
	byID := make(map[string]*model.NodeView)
	for rows.Next() {
		var v model.NodeView
		var natural int
		var state, createdAt string
		var heartbeat *string
		if err := rows.Scan(&v.ID, &v.Host, &natural, &state, &v.Comment, &v.Partition, &v.Queue,
			&v.Seq, &heartbeat, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		v.Natural = natural != 0
		v.State = model.NodeState(state)
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if heartbeat != nil {
			v.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, *heartbeat)
		}
		v.ResourcesAvailable = make(map[string]string)
		v.ResourcesAssigned = make(map[string]string)
		nodes = append(nodes, &v)
		byID[v.ID] = &v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res, err := s.db.QueryContext(ctx, `SELECT node_id, name, value FROM node_resources`)
	if err != nil {
		return nil, err
	}
	defer res.Close()
	for res.Next() {
		var id, name, value string
		if err := res.Scan(&id, &name, &value); err != nil {
			return nil, err
		}
		if v, ok := byID[id]; ok {
			v.ResourcesAvailable[name] = value
		}
	}
	return nodes, res.Err()
}

// --- Queues ---

func (s *SQLiteStore) SaveQueue(ctx context.Context, q *model.Queue) error {
	s.logger.Debug("sql", "op", "upsert", "table", "queues", "name", q.Name)
	return s.saveDoc(ctx, "queues", q.Name, q, q.CreatedAt)
}

func (s *SQLiteStore) DeleteQueue(ctx context.Context, name string) error {
	s.logger.Debug("sql", "op", "delete", "table", "queues", "name", name)
	_, err := s.db.ExecContext(ctx, `DELETE FROM queues WHERE name = ?`, name)
	return err
}

func (s *SQLiteStore) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	s.logger.Debug("sql", "op", "list", "table", "queues")
	var out []*model.Queue
	err := s.listDocs(ctx, "queues", func(raw []byte) error {
		var q model.Queue
		if err := json.Unmarshal(raw, &q); err != nil {
			return fmt.Errorf("unmarshal queue: %w", err)
		}
		out = append(out, &q)
		return nil
	})
	return out, err
}

// --- Hooks ---

func (s *SQLiteStore) SaveHook(ctx context.Context, h *model.Hook) error {
	s.logger.Debug("sql", "op", "upsert", "table", "hooks", "name", h.Name)
	return s.saveDoc(ctx, "hooks", h.Name, h, h.CreatedAt)
}

func (s *SQLiteStore) DeleteHook(ctx context.Context, name string) error {
	s.logger.Debug("sql", "op", "delete", "table", "hooks", "name", name)
	_, err := s.db.ExecContext(ctx, `DELETE FROM hooks WHERE name = ?`, name)
	return err
}

func (s *SQLiteStore) ListHooks(ctx context.Context) ([]*model.Hook, error) {
	s.logger.Debug("sql", "op", "list", "table", "hooks")
	var out []*model.Hook
	err := s.listDocs(ctx, "hooks", func(raw []byte) error {
		var h model.Hook
		if err := json.Unmarshal(raw, &h); err != nil {
			return fmt.Errorf("unmarshal hook: %w", err)
		}
		out = append(out, &h)
		return nil
	})
	return out, err
}

// saveDoc upserts a JSON document into a name-keyed table. table is
// always a constant from this file.
func (s *SQLiteStore) saveDoc(ctx context.Context, table, name string, doc any, createdAt time.Time) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", table, name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (name, attrs, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET attrs = excluded.attrs`,
		name, string(raw), createdAt.Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) listDocs(ctx context.Context, table string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT attrs FROM `+table+` ORDER BY created_at, name`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn([]byte(raw)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// --- Jobs ---

// SaveJob upserts the whole job document.
func (s *SQLiteStore) SaveJob(ctx context.Context, j *model.Job) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "id", j.ID, "state", j.State)
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, seq, state, queue, body, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state, queue = excluded.queue, body = excluded.body, updated_at = excluded.updated_at`,
		j.ID, j.Seq, string(j.State), j.Queue, string(body), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "jobs", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// ListJobs returns every stored job in submission order.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs")
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var j model.Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// --- Server attributes ---

func (s *SQLiteStore) SaveServerAttrs(ctx context.Context, attrs model.ServerAttrs) error {
	s.logger.Debug("sql", "op", "upsert", "table", "server_attrs")
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal server attrs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO server_attrs (id, attrs) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET attrs = excluded.attrs`, string(raw))
	return err
}

// LoadServerAttrs returns the stored policy, or nil when none was saved.
func (s *SQLiteStore) LoadServerAttrs(ctx context.Context) (*model.ServerAttrs, error) {
	s.logger.Debug("sql", "op", "select", "table", "server_attrs")
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT attrs FROM server_attrs WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var attrs model.ServerAttrs
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal server attrs: %w", err)
	}
	return &attrs, nil
}

// --- Backfill calendar ---

// ReplaceCalendar swaps the stored calendar for entries in one transaction.
func (s *SQLiteStore) ReplaceCalendar(ctx context.Context, entries map[string]time.Time) error {
	s.logger.Debug("sql", "op", "replace", "table", "calendar", "entries", len(entries))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM calendar`); err != nil {
		return fmt.Errorf("clear calendar: %w", err)
	}
	for _, id := range sortedKeys(entries) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO calendar (job_id, start) VALUES (?, ?)`,
			id, entries[id].UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert calendar %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCalendar(ctx context.Context) (map[string]time.Time, error) {
	s.logger.Debug("sql", "op", "list", "table", "calendar")
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, start FROM calendar`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, start string
		if err := rows.Scan(&id, &start); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, start)
		if err != nil {
			return nil, fmt.Errorf("parse calendar start for %s: %w", id, err)
		}
		out[id] = t
	}
	return out, rows.Err()
}

// --- Lifecycle records ---

func (s *SQLiteStore) AppendJobRecord(ctx context.Context, rec model.JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_records (id, job_id, event, state, host, detail, time, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.Event, string(rec.State), rec.Host, rec.Detail,
		rec.Time.UTC().Format(time.RFC3339Nano), s.recSeq.Add(1))
	return err
}

func (s *SQLiteStore) AppendNodeRecord(ctx context.Context, rec model.NodeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_records (id, node_id, state, comment, time, seq) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.NodeID, string(rec.State), rec.Comment,
		rec.Time.UTC().Format(time.RFC3339Nano), s.recSeq.Add(1))
	return err
}

// ListJobRecords returns the records of one job, or of every job when
// jobID is empty, oldest first.
func (s *SQLiteStore) ListJobRecords(ctx context.Context, jobID string, opts model.ListOptions) ([]model.JobRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "job_records", "job_id", jobID)
	opts.Clamp()

	whereSQL, args := recordFilter("job_id", jobID)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_records`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, event, state, host, detail, time FROM job_records`+whereSQL+
			` ORDER BY seq LIMIT ? OFFSET ?`, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []model.JobRecord
	for rows.Next() {
		var r model.JobRecord
		var state, ts string
		if err := rows.Scan(&r.ID, &r.JobID, &r.Event, &state, &r.Host, &r.Detail, &ts); err != nil {
			return nil, 0, err
		}
		r.State = model.JobState(state)
		r.Time, _ = time.Parse(time.RFC3339Nano, ts)
		recs = append(recs, r)
	}
	return recs, total, rows.Err()
}

// ListNodeRecords returns the state changes of one vnode, or of every
// vnode when nodeID is empty, oldest first.
func (s *SQLiteStore) ListNodeRecords(ctx context.Context, nodeID string, opts model.ListOptions) ([]model.NodeRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "node_records", "node_id", nodeID)
	opts.Clamp()

	whereSQL, args := recordFilter("node_id", nodeID)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_records`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node_id, state, comment, time FROM node_records`+whereSQL+
			` ORDER BY seq LIMIT ? OFFSET ?`, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []model.NodeRecord
	for rows.Next() {
		var r model.NodeRecord
		var state, ts string
		if err := rows.Scan(&r.ID, &r.NodeID, &state, &r.Comment, &ts); err != nil {
			return nil, 0, err
		}
		r.State = model.NodeState(state)
		r.Time, _ = time.Parse(time.RFC3339Nano, ts)
		recs = append(recs, r)
	}
	return recs, total, rows.Err()
}

func recordFilter(column, id string) (string, []any) {
	if id == "" {
		return "", nil
	}
	return " WHERE " + column + " = ?", []any{id}
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTimePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*SQLiteStore)(nil)
