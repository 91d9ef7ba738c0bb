package transport

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"relay/internal/logging"
)

const sqliteBackend = "sqlite"

//go:embed sqlite_schema.sql
var sqliteSchema string

// sqliteSchemaVersion is the current schema version. Bump this when the schema changes.
const sqliteSchemaVersion = 1

// ErrSchemaMismatch indicates the queue database was created by an incompatible version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	defaultSQLitePollStep = 50 * time.Millisecond
	schemaLockRetry       = 25 * time.Millisecond
)

// SQLiteOptions configures a SQLite transport.
type SQLiteOptions struct {
	Path              string
	CompressThreshold int
	Logger            *slog.Logger
	// PollStep is how often Dequeue re-checks an empty channel while it
	// waits. Zero uses 50ms.
	PollStep time.Duration
}

// SQLite implements Transport on a single table in a SQLite file. Every
// process that opens the same file shares the channels. SQLite has no
// blocking pop, so Dequeue polls until its wait elapses.
type SQLite struct {
	db                *sql.DB
	path              string
	compressThreshold int
	pollStep          time.Duration
	logger            *slog.Logger
}

// OpenSQLite opens or creates the queue database at opts.Path.
func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLite, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(opts.Path))
	if err != nil {
		return nil, &Error{Backend: sqliteBackend, Op: "open", Err: err}
	}

	s := &SQLite{
		db:                db,
		path:              opts.Path,
		compressThreshold: opts.CompressThreshold,
		pollStep:          opts.PollStep,
		logger:            logging.NewComponentLogger(opts.Logger, "queue"),
	}
	if s.pollStep <= 0 {
		s.pollStep = defaultSQLitePollStep
	}

	if err := s.initSchema(ensureContext(ctx)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + params.Encode()
}

// Path returns the database file backing this handle.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Enqueue(ctx context.Context, channel string, body []byte, ttl time.Duration) error {
	ctx = ensureContext(ctx)
	stored, encoding, err := encodeBody(body, s.compressThreshold)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}

	if err := s.execWithRetry(ctx,
		`INSERT INTO messages (channel, body, encoding, enqueued_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		channel, stored, encoding, now.Format(time.RFC3339Nano), expiresAt,
	); err != nil {
		return wrapContext(ctx, &Error{Backend: sqliteBackend, Op: "enqueue", Channel: channel, Err: err})
	}

	if ttl > 0 {
		// Expiring messages are only ever written to reply channels; sweeping
		// here keeps orphans bounded without a background goroutine. The
		// message is already committed, so a failed sweep must not be
		// reported as a failed enqueue.
		if _, err := s.deleteExpired(ctx, now); err != nil {
			s.logger.Warn("expired message sweep failed",
				logging.Error(err),
				logging.EventType("queue_sweep_failed"),
				logging.String(logging.FieldImpact, "expired replies linger until the next sweep"),
			)
		}
	}
	return nil
}

func (s *SQLite) Dequeue(ctx context.Context, channel string, wait time.Duration) ([]byte, error) {
	ctx = ensureContext(ctx)
	deadline := time.Now().Add(wait)
	for {
		body, err := s.pop(ctx, channel)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				return nil, err
			}
			return nil, wrapContext(ctx, &Error{Backend: sqliteBackend, Op: "dequeue", Channel: channel, Err: err})
		}
		if body != nil {
			return body, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		step := min(s.pollStep, remaining)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
	}
}

// pop deletes the oldest live message on channel in a single statement, so
// two consumers can never both receive it.
func (s *SQLite) pop(ctx context.Context, channel string) ([]byte, error) {
	var (
		data     []byte
		encoding string
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`DELETE FROM messages WHERE id = (
                SELECT id FROM messages
                WHERE channel = ? AND (expires_at IS NULL OR expires_at > ?)
                ORDER BY id LIMIT 1
            ) RETURNING body, encoding`,
			channel, time.Now().UTC().UnixNano(),
		)
		return row.Scan(&data, &encoding)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(data, encoding)
	if err != nil {
		return nil, &DecodeError{Channel: channel, Err: err}
	}
	return body, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx = ensureContext(ctx)
	if err := s.db.PingContext(ctx); err != nil {
		return wrapContext(ctx, &Error{Backend: sqliteBackend, Op: "ping", Err: err})
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages LIMIT 1`).Scan(&one); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return wrapContext(ctx, &Error{Backend: sqliteBackend, Op: "ping", Err: err})
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats reports the live depth of every channel whose name starts with prefix.
func (s *SQLite) Stats(ctx context.Context, prefix string) ([]ChannelStats, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, COUNT(1), MAX(expires_at) FROM messages
         WHERE substr(channel, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)
         GROUP BY channel ORDER BY channel`,
		len(prefix), prefix, now,
	)
	if err != nil {
		return nil, wrapContext(ctx, &Error{Backend: sqliteBackend, Op: "stats", Err: err})
	}
	defer rows.Close()

	var stats []ChannelStats
	for rows.Next() {
		var (
			entry     ChannelStats
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&entry.Channel, &entry.Depth, &expiresAt); err != nil {
			return nil, &Error{Backend: sqliteBackend, Op: "stats", Err: err}
		}
		if expiresAt.Valid {
			entry.TTL = time.Duration(expiresAt.Int64 - now)
		}
		stats = append(stats, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Backend: sqliteBackend, Op: "stats", Err: err}
	}
	return stats, nil
}

// Purge drops the backlog of channel and returns how many messages it held.
func (s *SQLite) Purge(ctx context.Context, channel string) (int64, error) {
	ctx = ensureContext(ctx)
	var removed int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channel)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, wrapContext(ctx, &Error{Backend: sqliteBackend, Op: "purge", Channel: channel, Err: err})
	}
	return removed, nil
}

func (s *SQLite) deleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`,
			now.UnixNano(),
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// initSchema creates or verifies the schema. Concurrent first starts of
// several processes are serialized with an advisory lock next to the file.
func (s *SQLite) initSchema(ctx context.Context) error {
	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryLockContext(ctx, schemaLockRetry)
	if err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if !locked {
		return errors.New("acquire schema lock: lock not obtained")
	}
	defer func() { _ = lock.Unlock() }()

	var tableExists int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return &Error{Backend: sqliteBackend, Op: "check schema", Err: err}
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return &Error{Backend: sqliteBackend, Op: "read schema version", Err: err}
	}
	if version != sqliteSchemaVersion {
		return fmt.Errorf("%w: database %s has version %d, expected %d (delete the file to recreate it)",
			ErrSchemaMismatch, s.path, version, sqliteSchemaVersion)
	}
	return nil
}

func (s *SQLite) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Backend: sqliteBackend, Op: "begin schema tx", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return &Error{Backend: sqliteBackend, Op: "commit schema", Err: err}
	}
	return nil
}

func (s *SQLite) execWithRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
