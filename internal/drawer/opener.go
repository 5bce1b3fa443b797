package drawer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ChuLiYu/drawerd/internal/metrics"
	"github.com/ChuLiYu/drawerd/pkg/types"
)

// ErrOpenFailed is returned when every pin on every retry cycle failed.
var ErrOpenFailed = errors.New("drawer open failed")

// CommandSender delivers one command to the device.
type CommandSender interface {
	Send(ctx context.Context, data []byte) (types.DeliveryPath, error)
}

// OpenerConfig configures the dedup and retry policy.
type OpenerConfig struct {
	MaxRetries  int           // pin0/pin1 cycles before giving up
	RetryDelay  time.Duration // pause between failed cycles
	DedupWindow time.Duration // opens within this window of a success are skipped
}

// Opener applies the dedup window and the pin retry policy on top of a
// CommandSender. Open calls are serialized.
type Opener struct {
	sender  CommandSender
	config  OpenerConfig
	metrics *metrics.Collector
	now     func() time.Time

	mu          sync.Mutex
	lastSuccess atomic.Int64 // unix nanos, 0 = never
}

// NewOpener creates an Opener.
func NewOpener(sender CommandSender, config OpenerConfig, m *metrics.Collector) *Opener {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	return &Opener{
		sender:  sender,
		config:  config,
		metrics: m,
		now:     time.Now,
	}
}

// LastSuccess returns the time of the last successful open, zero if none.
func (o *Opener) LastSuccess() time.Time {
	ns := o.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

type kickResult struct {
	pin  types.Pin
	path types.DeliveryPath
}

// Open opens the drawer once. A request inside the dedup window of the
// previous success returns nil without touching the device.
func (o *Opener) Open(ctx context.Context, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.With("attempt_id", uuid.NewString(), "reason", reason)

	if last := o.LastSuccess(); !last.IsZero() {
		if elapsed := o.now().Sub(last); elapsed < o.config.DedupWindow {
			logger.Info("Drawer opened recently, skipping (dedup)",
				"elapsed", elapsed,
				"window", o.config.DedupWindow)
			o.metrics.RecordOpen(metrics.ResultDedup, 0)
			return nil
		}
	}

	start := o.now()
	cycle := 0
	res, err := backoff.Retry(ctx, func() (kickResult, error) {
		cycle++
		return o.kick(ctx, logger, cycle)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(o.config.RetryDelay)),
		backoff.WithMaxTries(uint(o.config.MaxRetries)),
	)
	if err != nil {
		logger.Error("Drawer open failed after all retries",
			"cycles", cycle,
			"error", err)
		o.metrics.RecordOpen(metrics.ResultFailed, o.now().Sub(start))
		return fmt.Errorf("%w after %d cycles: %w", ErrOpenFailed, cycle, err)
	}

	o.lastSuccess.Store(o.now().UnixNano())
	o.metrics.RecordOpen(metrics.ResultSuccess, o.now().Sub(start))
	o.metrics.RecordPinSuccess(res.pin)
	logger.Info("Drawer open success with "+res.pin.String(),
		"path", res.path,
		"cycle", cycle)
	return nil
}

// kick runs one pin0 → pin1 cycle.
func (o *Opener) kick(ctx context.Context, logger *slog.Logger, cycle int) (kickResult, error) {
	var lastErr error
	for _, pin := range []types.Pin{types.Pin0, types.Pin1} {
		path, err := o.sender.Send(ctx, types.KickCommand(pin))
		if err == nil {
			return kickResult{pin: pin, path: path}, nil
		}

		logger.Warn("Drawer kick failed",
			"pin", pin,
			"path", path,
			"cycle", cycle,
			"error", err)
		lastErr = err

		if errors.Is(err, ErrNoDeliveryPath) {
			return kickResult{}, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return kickResult{}, backoff.Permanent(ctx.Err())
		}
	}
	return kickResult{}, lastErr
}
