package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

var log = slog.Default()

const uniqueViolation = "23505"

// PostgresStore reads the queue table through a pgx connection pool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string // sanitized identifier
}

// NewPostgresStore configures pgxpool, verifies connectivity and returns the store.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	parts, err := splitTable(table)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}

	// the poller needs one connection; keep a spare for enqueue/status
	pcfg.MaxConns = 2
	pcfg.HealthCheckPeriod = 30 * time.Second
	pcfg.MaxConnIdleTime = 5 * time.Minute

	// keep sessions on UTC
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SET TIME ZONE 'UTC'`)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	// an unreachable database is not fatal; the poller keeps retrying
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		log.Warn("Queue database not reachable yet",
			"driver", "postgres",
			"table", table,
			"error", err)
	} else {
		log.Info("Connected to queue database",
			"driver", "postgres",
			"table", table,
			"duration", time.Since(start))
	}

	return &PostgresStore{
		pool:  pool,
		table: pgx.Identifier(parts).Sanitize(),
	}, nil
}

// Pending implements Store.
func (s *PostgresStore) Pending(ctx context.Context, jobType string, limit int) ([]types.DrawerJob, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id::text, type, created_at
		FROM %s
		WHERE type = $1 AND printed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $2
	`, s.table), jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var out []types.DrawerJob
	for rows.Next() {
		var job types.DrawerJob
		var id string
		if err := rows.Scan(&id, &job.Type, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		job.ID = types.JobID(id)
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return out, nil
}

// MarkProcessed implements Store.
func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []types.JobID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET printed_at = $1
		WHERE id::text = ANY($2) AND printed_at IS NULL
	`, s.table), at, idStrings(ids))
	if err != nil {
		return fmt.Errorf("claim jobs: %w", err)
	}
	return claimResult(len(ids), tag.RowsAffected())
}

// Enqueue implements Store. The id column's default generates the id unless
// job.ID is set.
func (s *PostgresStore) Enqueue(ctx context.Context, job types.DrawerJob) (types.JobID, error) {
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id string
	var err error
	if job.ID == "" {
		err = s.pool.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s (type, created_at)
			VALUES ($1, $2)
			RETURNING id::text
		`, s.table), job.Type, createdAt).Scan(&id)
	} else {
		err = s.pool.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, type, created_at)
			VALUES ($1, $2, $3)
			RETURNING id::text
		`, s.table), string(job.ID), job.Type, createdAt).Scan(&id)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", ErrDuplicateJob
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return types.JobID(id), nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
