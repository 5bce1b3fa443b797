// ============================================================================
// drawerd Job Queue - store abstraction
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Read pending drawer jobs and mark them processed.
//
// Table contract (owned by the POS, not by drawerd):
//
//   id          opaque, text-castable
//   type        text        ("cash_drawer" for drawer jobs)
//   created_at  timestamp   (set by checkout)
//   printed_at  timestamp   (NULL until claimed)
//
// Backends:
//   - postgres: Supabase / any Postgres via pgxpool
//   - sqlite:   single-terminal installs, tests
//   - memory:   tests and dry runs
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ChuLiYu/drawerd/internal/config"
	"github.com/ChuLiYu/drawerd/pkg/types"
)

var (
	// ErrPartialClaim is returned when fewer rows were claimed than requested,
	// usually because another consumer claimed them first.
	ErrPartialClaim = errors.New("partial claim")
	// ErrDuplicateJob is returned by Enqueue for an id that already exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrInvalidTable is returned for table names that are not plain identifiers.
	ErrInvalidTable = errors.New("invalid table name")
)

// Store is the job queue collaborator.
type Store interface {
	// Pending returns up to limit unclaimed jobs of jobType, oldest first.
	Pending(ctx context.Context, jobType string, limit int) ([]types.DrawerJob, error)
	// MarkProcessed sets printed_at for the given ids.
	MarkProcessed(ctx context.Context, ids []types.JobID, at time.Time) error
	// Enqueue inserts a new unclaimed job and returns its id.
	Enqueue(ctx context.Context, job types.DrawerJob) (types.JobID, error)
	Close() error
}

// Open creates the Store selected by cfg.Queue.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Queue.Driver {
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.Queue.DSN, cfg.Queue.Table)
	case config.DriverSQLite:
		return NewSQLiteStore(ctx, cfg.Queue.DSN, cfg.Queue.Table)
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// splitTable validates a table name, optionally schema-qualified.
func splitTable(table string) ([]string, error) {
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
		}
	}
	return parts, nil
}

func idStrings(ids []types.JobID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func claimResult(requested int, affected int64) error {
	if affected < int64(requested) {
		return fmt.Errorf("%w: %d of %d rows updated", ErrPartialClaim, affected, requested)
	}
	return nil
}
