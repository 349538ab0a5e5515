// Package sqlite provides the durable bus.Store implementation backed by an
// embedded SQLite database.
//
// The store keeps three tables: queue_messages (live messages),
// dead_letters (terminal failures kept for postmortem) and
// processed_messages (the idempotency ledger). Lease acquisition is a single
// UPDATE..RETURNING against the oldest available row, so no two lessees ever
// claim the same message. The connection pool is capped at one connection:
// SQLite serializes writers anyway and a single-writer pool turns busy
// retries into simple queuing at the pool.
//
// Timestamps are stored as integer Unix nanoseconds. Ordering and expiry
// checks become integer comparisons and ties fall back to rowid, which is
// insertion order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"goa.design/relay/runtime/bus"
)

func newLeaseID() string { return uuid.NewString() }

const defaultBusyTimeout = 5 * time.Second

// messageColumns is the envelope column list shared by queue_messages and
// dead_letters, in scan order.
const messageColumns = "id, queue_name, kind, sender, trace_id, payload, created_at, " +
	"lease_id, lease_expires_at, attempt_count, scope_id, taint, task_id, " +
	"parent_task_id, work_item_id, approval_token, urgency"

type (
	// Options configures the SQLite store.
	Options struct {
		// Path is the database file path. Required. Use a file path, not
		// ":memory:": the store is the durability boundary of the runtime.
		Path string
		// BusyTimeout bounds how long a statement waits on a locked
		// database. Defaults to 5s.
		BusyTimeout time.Duration
	}

	// Store implements bus.Store on SQLite.
	Store struct {
		db *sql.DB
	}
)

// New opens (creating if needed) the database file and returns the store.
// Call Initialize before first use.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		opts.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single-writer pool: every statement runs on one connection, so
	// concurrent store calls queue at the pool instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Name implements goa.design/clue/health.Pinger.
func (s *Store) Name() string { return "queue-sqlite" }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Initialize implements bus.Store. It creates the tables and indexes when
// absent and adds any envelope columns introduced since the data file was
// created, so older files keep working across upgrades.
func (s *Store) Initialize(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			sender TEXT,
			trace_id TEXT,
			payload TEXT,
			created_at INTEGER NOT NULL,
			lease_id TEXT,
			lease_expires_at INTEGER,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			scope_id TEXT,
			taint TEXT,
			task_id TEXT,
			parent_task_id TEXT,
			work_item_id TEXT,
			approval_token TEXT,
			urgency TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_lease
			ON queue_messages (queue_name, lease_id, lease_expires_at, created_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			sender TEXT,
			trace_id TEXT,
			payload TEXT,
			created_at INTEGER NOT NULL,
			lease_id TEXT,
			lease_expires_at INTEGER,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			scope_id TEXT,
			taint TEXT,
			task_id TEXT,
			parent_task_id TEXT,
			work_item_id TEXT,
			approval_token TEXT,
			urgency TEXT,
			reason TEXT,
			dead_lettered_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			consumer_name TEXT NOT NULL,
			message_id TEXT NOT NULL,
			processed_at INTEGER NOT NULL,
			PRIMARY KEY (consumer_name, message_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	for _, table := range []string{"queue_messages", "dead_letters"} {
		if err := s.migrateColumns(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// envelopeColumns lists the envelope columns added after the initial schema
// version, with their DDL type. All forward-added columns are nullable so
// existing rows stay valid.
var envelopeColumns = []struct{ name, typ string }{
	{"scope_id", "TEXT"},
	{"taint", "TEXT"},
	{"task_id", "TEXT"},
	{"parent_task_id", "TEXT"},
	{"work_item_id", "TEXT"},
	{"approval_token", "TEXT"},
	{"urgency", "TEXT"},
}

func (s *Store) migrateColumns(ctx context.Context, table string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	for _, col := range envelopeColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.typ)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
		}
	}
	return nil
}

// Enqueue implements bus.Store.
func (s *Store) Enqueue(ctx context.Context, msg *bus.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.Queue == "" {
		return fmt.Errorf("%w: id %s", bus.ErrNoQueue, msg.ID)
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Queue), string(msg.Kind), string(msg.Sender), msg.TraceID,
		string(payload), msg.CreatedAt.UnixNano(), msg.AttemptCount,
		msg.ScopeID, string(msg.Taint), msg.TaskID, msg.ParentTaskID,
		msg.WorkItemID, msg.ApprovalToken, string(msg.Urgency),
	)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", bus.ErrDuplicateID, msg.ID)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Lease implements bus.Store.
func (s *Store) Lease(ctx context.Context, queue bus.Queue, d time.Duration) (*bus.Message, error) {
	return s.LeaseMatching(ctx, queue, d, bus.Filter{})
}

// LeaseMatching implements bus.Store. The claim is a single
// UPDATE..RETURNING whose subquery picks the oldest available matching row,
// so exactly one lessee wins each message.
func (s *Store) LeaseMatching(ctx context.Context, queue bus.Queue, d time.Duration, f bus.Filter) (*bus.Message, error) {
	now := time.Now()
	where := []string{"queue_name = ?", "(lease_id IS NULL OR lease_expires_at < ?)"}
	args := []any{string(queue), now.UnixNano()}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	for _, k := range f.ExcludeKinds {
		where = append(where, "kind <> ?")
		args = append(args, string(k))
	}

	leaseID := newLeaseID()
	query := `UPDATE queue_messages SET lease_id = ?, lease_expires_at = ?
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING ` + messageColumns
	all := append([]any{leaseID, now.Add(d).UnixNano()}, args...)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, all...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease from %s: %w", queue, err)
	}
	return msg, nil
}

// Ack implements bus.Store.
func (s *Store) Ack(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM queue_messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Nack implements bus.Store.
func (s *Store) Nack(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages
		 SET lease_id = NULL, lease_expires_at = NULL, attempt_count = attempt_count + 1
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	return requireRow(res, id)
}

// DeadLetter implements bus.Store. The move is transactional: the row is
// either live or dead, never both and never neither.
func (s *Store) DeadLetter(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (`+messageColumns+`, reason, dead_lettered_at)
		 SELECT id, queue_name, kind, sender, trace_id, payload, created_at,
		        NULL, NULL, attempt_count, scope_id, taint, task_id,
		        parent_task_id, work_item_id, approval_token, urgency, ?, ?
		 FROM queue_messages WHERE id = ?`,
		reason, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	return nil
}

// Heartbeat implements bus.Store. Only live leased rows qualify; acked and
// dead-lettered messages are gone and stay gone.
func (s *Store) Heartbeat(ctx context.Context, id string, extend time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE queue_messages SET lease_expires_at = ? WHERE id = ? AND lease_id IS NOT NULL",
		time.Now().Add(extend).UnixNano(), id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return requireRow(res, id)
}

// HasProcessed implements bus.Store.
func (s *Store) HasProcessed(ctx context.Context, consumer, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed_messages WHERE consumer_name = ? AND message_id = ?",
		consumer, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger read: %w", err)
	}
	return true, nil
}

// MarkProcessed implements bus.Store.
func (s *Store) MarkProcessed(ctx context.Context, consumer, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (consumer_name, message_id, processed_at)
		 VALUES (?, ?, ?)`,
		consumer, id, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger write: %w", err)
	}
	return nil
}

// PendingCount implements bus.Store. Rows under a live lease are in flight,
// not pending, so only claimable rows count.
func (s *Store) PendingCount(ctx context.Context, queue bus.Queue) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages
		 WHERE queue_name = ? AND (lease_id IS NULL OR lease_expires_at < ?)`,
		string(queue), time.Now().UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count for %s: %w", queue, err)
	}
	return n, nil
}

// RequeueExpired implements bus.Store.
func (s *Store) RequeueExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages SET lease_id = NULL, lease_expires_at = NULL
		 WHERE lease_id IS NOT NULL AND lease_expires_at < ?`,
		time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return int(n), nil
}

// ListDeadLetters implements bus.Store.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*bus.DeadLetter, error) {
	query := `SELECT ` + messageColumns + `, reason, dead_lettered_at
		FROM dead_letters ORDER BY dead_lettered_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*bus.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*bus.Message, error) {
	var (
		msg            bus.Message
		queue          string
		kind           string
		sender         sql.NullString
		traceID        sql.NullString
		payload        sql.NullString
		createdAt      int64
		leaseID        sql.NullString
		leaseExpiresAt sql.NullInt64
		scopeID        sql.NullString
		taint          sql.NullString
		taskID         sql.NullString
		parentTaskID   sql.NullString
		workItemID     sql.NullString
		approvalToken  sql.NullString
		urgency        sql.NullString
	)
	if err := row.Scan(
		&msg.ID, &queue, &kind, &sender, &traceID, &payload, &createdAt,
		&leaseID, &leaseExpiresAt, &msg.AttemptCount, &scopeID, &taint,
		&taskID, &parentTaskID, &workItemID, &approvalToken, &urgency,
	); err != nil {
		return nil, err
	}
	msg.Queue = bus.Queue(queue)
	msg.Kind = bus.Kind(kind)
	msg.Sender = bus.Sender(sender.String)
	msg.TraceID = traceID.String
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	if leaseID.Valid {
		msg.LeaseID = leaseID.String
	}
	if leaseExpiresAt.Valid {
		msg.LeaseExpiresAt = time.Unix(0, leaseExpiresAt.Int64).UTC()
	}
	msg.ScopeID = scopeID.String
	msg.Taint = bus.Taint(taint.String)
	msg.TaskID = taskID.String
	msg.ParentTaskID = parentTaskID.String
	msg.WorkItemID = workItemID.String
	msg.ApprovalToken = approvalToken.String
	msg.Urgency = bus.Urgency(urgency.String)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &msg.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", msg.ID, err)
		}
	}
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	return &msg, nil
}

func scanDeadLetter(rows *sql.Rows) (*bus.DeadLetter, error) {
	var (
		msg            bus.Message
		queue          string
		kind           string
		sender         sql.NullString
		traceID        sql.NullString
		payload        sql.NullString
		createdAt      int64
		leaseID        sql.NullString
		leaseExpiresAt sql.NullInt64
		scopeID        sql.NullString
		taint          sql.NullString
		taskID         sql.NullString
		parentTaskID   sql.NullString
		workItemID     sql.NullString
		approvalToken  sql.NullString
		urgency        sql.NullString
		reason         sql.NullString
		deadAt         int64
	)
	if err := rows.Scan(
		&msg.ID, &queue, &kind, &sender, &traceID, &payload, &createdAt,
		&leaseID, &leaseExpiresAt, &msg.AttemptCount, &scopeID, &taint,
		&taskID, &parentTaskID, &workItemID, &approvalToken, &urgency,
		&reason, &deadAt,
	); err != nil {
		return nil, err
	}
	msg.Queue = bus.Queue(queue)
	msg.Kind = bus.Kind(kind)
	msg.Sender = bus.Sender(sender.String)
	msg.TraceID = traceID.String
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	msg.ScopeID = scopeID.String
	msg.Taint = bus.Taint(taint.String)
	msg.TaskID = taskID.String
	msg.ParentTaskID = parentTaskID.String
	msg.WorkItemID = workItemID.String
	msg.ApprovalToken = approvalToken.String
	msg.Urgency = bus.Urgency(urgency.String)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &msg.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", msg.ID, err)
		}
	}
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	return &bus.DeadLetter{
		Message:        msg,
		Reason:         reason.String,
		DeadLetteredAt: time.Unix(0, deadAt).UTC(),
	}, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	return nil
}
