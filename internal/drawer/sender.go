// ============================================================================
// drawerd Command Sender - delivery path selection
// ============================================================================
//
// Package: internal/drawer
// File: sender.go
// Purpose: Deliver one command to the drawer through the best available path.
//
// Path priority:
//   1. persistent  - configured port, Open within ReadyWait; under WriteLock
//   2. spooler     - a printer name is configured
//   3. oneshot     - configured port that is not ready and no spooler;
//                    throw-away connection, also under WriteLock
//
// WriteLock policy:
//   Acquisition waits at most LockWait. On timeout the write goes ahead
//   anyway (a drawer that opens late is worse than an overlapping write) and
//   a warning is logged. The lock is released after every attempt that
//   acquired it.
//
// ============================================================================

package drawer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/drawerd/internal/metrics"
	"github.com/ChuLiYu/drawerd/internal/spooler"
	"github.com/ChuLiYu/drawerd/pkg/types"
)

var log = slog.Default()

// ErrNoDeliveryPath means neither a serial port nor a printer is configured.
var ErrNoDeliveryPath = errors.New("no delivery path: configure a serial port or a printer name")

// Connection is the persistent serial link used by the Sender.
type Connection interface {
	WaitReady(ctx context.Context, timeout time.Duration) bool
	Write(ctx context.Context, data []byte) error
}

// OneShotFunc writes data over a temporary connection.
type OneShotFunc func(ctx context.Context, data []byte) error

// SenderConfig configures a Sender.
type SenderConfig struct {
	PrinterName string        // spooler target; empty disables the spooler path
	ReadyWait   time.Duration // how long to wait for the persistent link
	LockWait    time.Duration // how long to wait for the write lock
}

// Sender delivers commands and serializes writes to the device.
type Sender struct {
	conn    Connection // nil when no port is configured
	oneShot OneShotFunc
	spooler spooler.Spooler
	config  SenderConfig
	lock    *WriteLock
	metrics *metrics.Collector
}

// NewSender builds a Sender. conn and oneShot must both be nil when no port
// is configured; sp may be nil when no printer is configured.
func NewSender(conn Connection, oneShot OneShotFunc, sp spooler.Spooler, config SenderConfig, m *metrics.Collector) (*Sender, error) {
	s := &Sender{
		conn:    conn,
		oneShot: oneShot,
		spooler: sp,
		config:  config,
		lock:    NewWriteLock(),
		metrics: m,
	}
	if s.conn == nil && !s.hasSpooler() {
		return nil, ErrNoDeliveryPath
	}
	return s, nil
}

func (s *Sender) hasSpooler() bool {
	return s.spooler != nil && s.config.PrinterName != ""
}

// Send delivers data and reports the path that was used.
func (s *Sender) Send(ctx context.Context, data []byte) (types.DeliveryPath, error) {
	path := s.choosePath(ctx)

	var err error
	switch path {
	case types.PathPersistent:
		err = s.withLock(ctx, func() error { return s.conn.Write(ctx, data) })
	case types.PathSpooler:
		err = s.spooler.Deliver(ctx, data, s.config.PrinterName)
	case types.PathOneShot:
		err = s.withLock(ctx, func() error { return s.oneShot(ctx, data) })
	default:
		return types.PathNone, ErrNoDeliveryPath
	}

	s.metrics.RecordDelivery(path, err)
	if err != nil {
		return path, fmt.Errorf("%s delivery: %w", path, err)
	}
	return path, nil
}

func (s *Sender) choosePath(ctx context.Context) types.DeliveryPath {
	if s.conn != nil {
		if s.conn.WaitReady(ctx, s.config.ReadyWait) {
			return types.PathPersistent
		}
		log.Warn("Persistent connection not ready", "waited", s.config.ReadyWait)
	}
	if s.hasSpooler() {
		return types.PathSpooler
	}
	if s.conn != nil && s.oneShot != nil {
		return types.PathOneShot
	}
	return types.PathNone
}

func (s *Sender) withLock(ctx context.Context, write func() error) error {
	acquired := s.lock.TryAcquire(ctx, s.config.LockWait)
	if acquired {
		defer s.lock.Release()
	} else {
		log.Warn("Write lock wait timed out, writing anyway", "waited", s.config.LockWait)
	}
	return write()
}
