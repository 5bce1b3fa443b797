package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

// SQLiteStore keeps the queue in a local SQLite file. Timestamps are stored
// as unix milliseconds.
type SQLiteStore struct {
	db    *sql.DB
	table string // quoted identifier
}

// NewSQLiteStore opens (and if needed creates) the queue database at path.
func NewSQLiteStore(ctx context.Context, path, table string) (*SQLiteStore, error) {
	parts, err := splitTable(table)
	if err != nil {
		return nil, err
	}
	if len(parts) != 1 {
		return nil, fmt.Errorf("%w: sqlite tables cannot be schema-qualified: %q", ErrInvalidTable, table)
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; also keeps ":memory:" on a single database
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, table: `"` + parts[0] + `"`}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("Opened queue database", "driver", "sqlite", "path", path, "table", table)
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			printed_at INTEGER
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (type, printed_at, created_at)`,
			`"`+strings.Trim(s.table, `"`)+`_pending_idx"`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite queue: %w", err)
		}
	}
	return nil
}

// Pending implements Store.
func (s *SQLiteStore) Pending(ctx context.Context, jobType string, limit int) ([]types.DrawerJob, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, type, created_at
		FROM %s
		WHERE type = ? AND printed_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, s.table), jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var out []types.DrawerJob
	for rows.Next() {
		var job types.DrawerJob
		var id string
		var createdMs int64
		if err := rows.Scan(&id, &job.Type, &createdMs); err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		job.ID = types.JobID(id)
		job.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return out, nil
}

// MarkProcessed implements Store.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []types.JobID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMilli())
	for _, id := range ids {
		args = append(args, string(id))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET printed_at = ?
		WHERE id IN (%s) AND printed_at IS NULL
	`, s.table, placeholders), args...)
	if err != nil {
		return fmt.Errorf("claim jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim jobs: %w", err)
	}
	return claimResult(len(ids), affected)
}

// Enqueue implements Store.
func (s *SQLiteStore) Enqueue(ctx context.Context, job types.DrawerJob) (types.JobID, error) {
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, type, created_at) VALUES (?, ?, ?)
	`, s.table), string(job.ID), job.Type, job.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrDuplicateJob
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// printedAt returns the claim time of id.
func (s *SQLiteStore) printedAt(ctx context.Context, id types.JobID) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT printed_at FROM %s WHERE id = ?`, s.table), string(id)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
