package dedup

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"eventbridge/internal/errs"
	"eventbridge/internal/infra/storage"
)

// component is the schema_versions key this store registers under, so it
// can share one SQLite file with the Persistent Queue without colliding on
// migration bookkeeping.
const component = "dedup"

var migrations = []storage.Migration{
	{
		Version: 1,
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS dedup_records (
				fingerprint  TEXT PRIMARY KEY,
				chat_id      TEXT NOT NULL,
				first_seen   INTEGER NOT NULL,
				last_seen    INTEGER NOT NULL,
				count        INTEGER NOT NULL DEFAULT 1,
				body_snippet TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_dedup_chat_first_seen
				ON dedup_records(chat_id, first_seen)`,
		},
	},
}

// Store is the durable relational layer backing the Deduplicator,
// permitting crash recovery of dedup state, built on
// internal/infra/storage.OpenSQLite/ApplyMigrations.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the dedup_records table at path. Pass
// ":memory:" for an ephemeral store (tests).
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

// TryInsertUnique attempts to insert a brand-new record. Returns
// inserted=true if this call won the race (i.e. no prior row existed);
// inserted=false means a concurrent caller already created the row — the
// caller should treat this as Duplicate and call IncrementDuplicate
// instead. This is the compare-and-set half of the "exactly one Unique"
// invariant.
func (s *Store) TryInsertUnique(ctx context.Context, rec *Record) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (fingerprint, chat_id, first_seen, last_seen, count, body_snippet)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.ChatID, rec.FirstSeen.UnixNano(), rec.LastSeen.UnixNano(), rec.BodySnippet,
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

// IncrementDuplicate atomically bumps count and last_seen for fingerprint,
// returning the row as it stood after the update.
func (s *Store) IncrementDuplicate(ctx context.Context, fingerprint string, now time.Time) (*Record, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dedup_records SET count = count + 1, last_seen = ?
		WHERE fingerprint = ?`,
		now.UnixNano(), fingerprint,
	)
	if err != nil {
		return nil, errs.New(errs.ConnectionTimeout, err)
	}
	return s.Get(ctx, fingerprint)
}

// Get fetches a single record by fingerprint, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, fingerprint string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, chat_id, first_seen, last_seen, count, body_snippet
		FROM dedup_records WHERE fingerprint = ?`, fingerprint)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.ConnectionTimeout, err)
	}
	return rec, nil
}

// RecentForChat returns every non-expired record for chatID, used by the
// similarity scan on cache miss.
func (s *Store) RecentForChat(ctx context.Context, chatID string, window time.Duration, now time.Time) ([]*Record, error) {
	cutoff := now.Add(-window).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, chat_id, first_seen, last_seen, count, body_snippet
		FROM dedup_records WHERE chat_id = ? AND first_seen >= ?`, chatID, cutoff)
	if err != nil {
		return nil, errs.New(errs.ConnectionTimeout, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errs.New(errs.ConnectionTimeout, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sweep deletes every record older than window as of now, returning the
// number of rows removed.
func (s *Store) Sweep(ctx context.Context, window time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-window).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_records WHERE first_seen < ?`, cutoff)
	if err != nil {
		return 0, errs.New(errs.ConnectionTimeout, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.New(errs.ConnectionTimeout, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec            Record
		firstSeenNanos int64
		lastSeenNanos  int64
	)
	if err := row.Scan(&rec.Fingerprint, &rec.ChatID, &firstSeenNanos, &lastSeenNanos, &rec.Count, &rec.BodySnippet); err != nil {
		return nil, err
	}
	rec.FirstSeen = time.Unix(0, firstSeenNanos)
	rec.LastSeen = time.Unix(0, lastSeenNanos)
	return &rec, nil
}
