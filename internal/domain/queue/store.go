package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"eventbridge/internal/errs"
	"eventbridge/internal/infra/storage"
)

// component is this package's schema_versions key, so the queue can
// share one SQLite file with the Deduplicator without colliding on
// migration bookkeeping.
const component = "queue"

var migrations = []storage.Migration{
	{
		Version: 1,
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS persisted_messages (
				id                 TEXT PRIMARY KEY,
				event_json         TEXT NOT NULL,
				chat_id            TEXT NOT NULL,
				status             TEXT NOT NULL,
				priority           INTEGER NOT NULL,
				attempts           INTEGER NOT NULL DEFAULT 0,
				last_error         TEXT NOT NULL DEFAULT '',
				tier               TEXT NOT NULL DEFAULT '',
				remote_message_id  TEXT NOT NULL DEFAULT '',
				created_at         INTEGER NOT NULL,
				updated_at         INTEGER NOT NULL,
				retry_ready_at     INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pm_status_priority_created
				ON persisted_messages(status, priority DESC, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_pm_status_retry_ready
				ON persisted_messages(status, retry_ready_at)`,
		},
	},
}

// Store is the durable relational layer behind the queue, sharing the
// WAL/busy-timeout SQLite bootstrap with the Deduplicator's store via
// internal/infra/storage.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the persisted_messages table at path. Pass
// the same path the Deduplicator uses to share one SQLite file, or a
// distinct path/":memory:" to keep them separate.
func OpenStore(path string) (*Store, error) {
	db, err := storage.OpenSQLite(storage.SQLiteOptions{Path: path})
	if err != nil {
		return nil, errs.New(errs.ConnectionTimeout, err)
	}
	if err := storage.ApplyMigrations(db, component, migrations); err != nil {
		_ = db.Close()
		return nil, errs.New(errs.ProtocolError, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Insert commits a brand-new row. Enqueue returns only after this call
// commits.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	var readyNanos int64
	if !m.RetryReadyAt.IsZero() {
		readyNanos = m.RetryReadyAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persisted_messages
			(id, event_json, chat_id, status, priority, attempts, last_error,
			 tier, remote_message_id, created_at, updated_at, retry_ready_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EventJSON, m.ChatID, m.Status.String(), int(m.Priority),
		m.Attempts, m.LastError, m.Tier, m.RemoteMessageID,
		m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(), readyNanos,
	)
	if err != nil {
		return errs.New(errs.ConnectionTimeout, err)
	}
	return nil
}

// CountByStatus reports how many rows sit in a given status, for the
// Tracker's queue-depth alert and the dashboard.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM persisted_messages WHERE status = ?`, status.String(),
	).Scan(&n)
	if err != nil {
		return 0, errs.New(errs.ConnectionTimeout, err)
	}
	return n, nil
}

// ClaimForProcessing performs the CAS a worker uses to move a row from a
// startable status to "sent" before processing it. fromStatus is
// either StatusPending (the normal admission path) or StatusFailed (the
// retry sweeper re-claiming a ready row). Returns claimed=false if another
// worker won the race or the row no longer exists in fromStatus.
func (s *Store) ClaimForProcessing(ctx context.Context, id string, fromStatus Status, now time.Time) (claimed bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE persisted_messages SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusSent.String(), now.UnixNano(), id, fromStatus.String(),
	)
	if err != nil {
		return false, errs.New(errs.ConnectionTimeout, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.New(errs.ConnectionTimeout, err)
	}
	return n == 1, nil
}

// MarkConfirmed writes the terminal success status with the
// transport-confirmed remote message id; no delivery is claimed before
// the transport confirms.
func (s *Store) MarkConfirmed(ctx context.Context, id, tier, remoteMessageID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE persisted_messages
		SET status = ?, tier = ?, remote_message_id = ?, updated_at = ?
		WHERE id = ?`,
		StatusConfirmed.String(), tier, remoteMessageID, now.UnixNano(), id,
	)
	if err != nil {
		return errs.New(errs.ConnectionTimeout, err)
	}
	return nil
}

// MarkFailedRetryable writes status=failed with a future retry_ready_at,
// a bumped attempt counter, and the refreshed event snapshot (its retry
// counter incremented by the caller), for the retry sweeper to pick up
// later.
func (s *Store) MarkFailedRetryable(ctx context.Context, id, lastError, eventJSON string, retryReadyAt, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE persisted_messages
		SET status = ?, attempts = attempts + 1, last_error = ?, event_json = ?,
		    retry_ready_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusFailed.String(), lastError, eventJSON, retryReadyAt.UnixNano(), now.UnixNano(), id,
	)
	if err != nil {
		return errs.New(errs.ConnectionTimeout, err)
	}
	return nil
}

// MarkDeadLetter writes the terminal dead-letter status. Dead-lettered
// rows are retained indefinitely until an explicit PurgeDeadLetter call,
// so exhausted deliveries stay inspectable.
func (s *Store) MarkDeadLetter(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE persisted_messages
		SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		StatusDeadLetter.String(), lastError, now.UnixNano(), id,
	)
	if err != nil {
		return errs.New(errs.ConnectionTimeout, err)
	}
	return nil
}

// Get fetches a single row by id, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.ConnectionTimeout, err)
	}
	return m, nil
}

// GetByStatus lists every row in a status, ordered by priority (rank
// descending) then FIFO by created_at within a rank.
func (s *Store) GetByStatus(ctx context.Context, status Status) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE status = ? ORDER BY priority DESC, created_at ASC`,
		status.String(),
	)
	if err != nil {
		return nil, errs.New(errs.ConnectionTimeout, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RetryReady returns status=failed rows whose retry_ready_at has
// elapsed, in priority order, for the retry sweeper.
func (s *Store) RetryReady(ctx context.Context, now time.Time) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE status = ? AND retry_ready_at > 0 AND retry_ready_at <= ?
			ORDER BY priority DESC, created_at ASC`,
		StatusFailed.String(), now.UnixNano(),
	)
	if err != nil {
		return nil, errs.New(errs.ConnectionTimeout, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PurgeDeadLetter removes dead-lettered rows. This is an explicit
// operator action; the sweeper never purges dead letters.
func (s *Store) PurgeDeadLetter(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM persisted_messages WHERE status = ?`, StatusDeadLetter.String())
	if err != nil {
		return 0, errs.New(errs.ConnectionTimeout, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.New(errs.ConnectionTimeout, err)
	}
	return n, nil
}

const selectCols = `
	SELECT id, event_json, chat_id, status, priority, attempts, last_error,
	       tier, remote_message_id, created_at, updated_at, retry_ready_at
	FROM persisted_messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                                       Message
		statusStr                               string
		priorityInt                             int
		createdAtNanos, updatedAtNanos, readyAtNanos int64
	)
	if err := row.Scan(
		&m.ID, &m.EventJSON, &m.ChatID, &statusStr, &priorityInt, &m.Attempts,
		&m.LastError, &m.Tier, &m.RemoteMessageID, &createdAtNanos, &updatedAtNanos, &readyAtNanos,
	); err != nil {
		return nil, err
	}
	m.Status = parseStatus(statusStr)
	m.Priority = Priority(priorityInt)
	m.CreatedAt = time.Unix(0, createdAtNanos)
	m.UpdatedAt = time.Unix(0, updatedAtNanos)
	if readyAtNanos > 0 {
		m.RetryReadyAt = time.Unix(0, readyAtNanos)
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errs.New(errs.ConnectionTimeout, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func parseStatus(s string) Status {
	switch s {
	case StatusPending.String():
		return StatusPending
	case StatusSent.String():
		return StatusSent
	case StatusConfirmed.String():
		return StatusConfirmed
	case StatusFailed.String():
		return StatusFailed
	case StatusDeadLetter.String():
		return StatusDeadLetter
	default:
		return StatusPending
	}
}
