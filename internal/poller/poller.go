// ============================================================================
// drawerd Job Poller
// ============================================================================
//
// Package: internal/poller
// File: poller.go
// Purpose: Periodically read pending cash_drawer jobs, claim them and
//          trigger a single drawer open per batch.
//
// Cycle:
//   1. Pending(cash_drawer, batch)   - oldest first
//   2. MarkProcessed(ids, now)       - claim before acting
//   3. opener.Open(ctx, reason)      - once per non-empty batch
//
// Overlap:
//   Only one cycle runs at a time. A tick that fires while a cycle is in
//   flight is dropped, not queued.
//
// Error logging:
//   Queue read failures are logged once per distinct message. A successful
//   read clears the remembered message so the next failure is logged again.
//
// ============================================================================

package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/drawerd/internal/metrics"
	"github.com/ChuLiYu/drawerd/pkg/types"
)

var log = slog.Default()

// Source is the part of the job queue the poller needs.
type Source interface {
	Pending(ctx context.Context, jobType string, limit int) ([]types.DrawerJob, error)
	MarkProcessed(ctx context.Context, ids []types.JobID, at time.Time) error
}

// Opener triggers a drawer open.
type Opener interface {
	Open(ctx context.Context, reason string) error
}

// Config controls the poll loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Poller drives the claim-then-open cycle.
type Poller struct {
	source  Source
	opener  Opener
	config  Config
	metrics *metrics.Collector
	now     func() time.Time

	running   atomic.Bool
	processed atomic.Int64
	inFlight  sync.WaitGroup

	errMu   sync.Mutex
	lastErr string
}

// New creates a Poller. m may be nil.
func New(source Source, opener Opener, config Config, m *metrics.Collector) *Poller {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	return &Poller{
		source:  source,
		opener:  opener,
		config:  config,
		metrics: m,
		now:     time.Now,
	}
}

// Processed returns the number of jobs claimed since start.
func (p *Poller) Processed() int64 {
	return p.processed.Load()
}

// Run polls every Interval until ctx is done, then waits for an in-flight
// cycle to finish.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	log.Info("Job poller started",
		"interval", p.config.Interval,
		"batch_size", p.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			p.inFlight.Wait()
			log.Info("Job poller stopped", "processed", p.Processed())
			return nil

		case <-ticker.C:
			if !p.running.CompareAndSwap(false, true) {
				p.metrics.RecordPollSkipped()
				log.Debug("Previous poll still running, skipping tick")
				continue
			}
			p.inFlight.Add(1)
			go func() {
				defer p.inFlight.Done()
				defer p.running.Store(false)
				p.cycle(ctx)
			}()
		}
	}
}

// Tick runs one cycle synchronously. It returns false without doing
// anything when another cycle is already running.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.RecordPollSkipped()
		return false
	}
	defer p.running.Store(false)
	p.cycle(ctx)
	return true
}

func (p *Poller) cycle(ctx context.Context) {
	jobs, err := p.source.Pending(ctx, types.JobTypeCashDrawer, p.config.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.RecordPollError()
		p.logReadError(err)
		return
	}
	p.clearReadError()

	if len(jobs) == 0 {
		return
	}

	ids := make([]types.JobID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}

	// claim first; a failed claim does not stop the open
	if err := p.source.MarkProcessed(ctx, ids, p.now()); err != nil {
		p.metrics.RecordClaimFailure()
		log.Error("Failed to mark jobs processed", "jobs", len(ids), "error", err)
	}
	p.processed.Add(int64(len(ids)))
	p.metrics.RecordClaimed(len(ids))

	log.Info("Claimed drawer jobs", "count", len(ids), "oldest", ids[0])

	reason := fmt.Sprintf("queue batch of %d (first %s)", len(ids), ids[0])
	if err := p.opener.Open(ctx, reason); err != nil {
		// the opener already logged the terminal failure
		log.Debug("Drawer open for batch failed", "error", err)
	}
}

func (p *Poller) logReadError(err error) {
	msg := err.Error()

	p.errMu.Lock()
	repeated := msg == p.lastErr
	p.lastErr = msg
	p.errMu.Unlock()

	if !repeated {
		log.Error("Failed to read job queue", "error", err)
	}
}

func (p *Poller) clearReadError() {
	p.errMu.Lock()
	p.lastErr = ""
	p.errMu.Unlock()
}
