// ============================================================================
// drawerd Controller - wires and runs the drawer pipeline
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Build the pipeline from configuration and own its lifecycle.
//
// Pipeline:
//
//   queue.Store ─▶ poller.Poller ─▶ drawer.Opener ─▶ drawer.Sender
//                                                      ├─ serialport.Manager (persistent)
//                                                      ├─ spooler.Spooler    (printer name)
//                                                      └─ serialport.WriteOnce (one-shot)
//
// Loops (each a goroutine tracked by loopWg):
//   1. Poll loop   - poller.Run until Stop
//   2. Health loop - logs connection state, jobs processed and last success
//
// The serial Manager reconnects on its own; the controller only calls
// Connect once at start and Close at stop.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/drawerd/internal/config"
	"github.com/ChuLiYu/drawerd/internal/drawer"
	"github.com/ChuLiYu/drawerd/internal/metrics"
	"github.com/ChuLiYu/drawerd/internal/poller"
	"github.com/ChuLiYu/drawerd/internal/queue"
	"github.com/ChuLiYu/drawerd/internal/serialport"
	"github.com/ChuLiYu/drawerd/internal/spooler"
	"github.com/ChuLiYu/drawerd/pkg/types"
)

var log = slog.Default()

var (
	// ErrNoQueue is returned by Start when the controller was built without a store.
	ErrNoQueue = errors.New("no job queue configured")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("controller already started")
)

// Deps are the collaborators New cannot derive from configuration alone.
// Zero values select the production implementations.
type Deps struct {
	Store   queue.Store        // nil: no polling (manual open only)
	Dialer  serialport.Dialer  // nil: serialport.SerialDialer
	Spooler spooler.Spooler    // nil: ExecSpooler when a printer is configured
	Metrics *metrics.Collector // nil: metrics disabled
}

// Controller owns the drawer pipeline.
type Controller struct {
	config  *config.Config
	store   queue.Store
	conn    *serialport.Manager // nil when no port is configured
	sender  *drawer.Sender
	opener  *drawer.Opener
	poller  *poller.Poller
	metrics *metrics.Collector

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	startTime time.Time
	loopWg    sync.WaitGroup
}

// New builds the pipeline described by cfg.
func New(cfg *config.Config, deps Deps) (*Controller, error) {
	c := &Controller{
		config:  cfg,
		store:   deps.Store,
		metrics: deps.Metrics,
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = serialport.SerialDialer{}
	}

	// keep conn a true nil interface when there is no port
	var conn drawer.Connection
	var oneShot drawer.OneShotFunc
	if cfg.HasPort() {
		c.conn = serialport.NewManager(dialer, serialport.Config{
			PortName:       cfg.Drawer.Port,
			Baud:           cfg.Drawer.Baud,
			ReconnectDelay: cfg.Timing.ReconnectDelay,
		})
		c.conn.OnStateChange(c.metrics.SetConnState)
		conn = c.conn

		port, baud := cfg.Drawer.Port, cfg.Drawer.Baud
		oneShot = func(ctx context.Context, data []byte) error {
			return serialport.WriteOnce(ctx, dialer, port, baud, data)
		}
	}

	var sp spooler.Spooler
	if cfg.HasPrinter() {
		sp = deps.Spooler
		if sp == nil {
			sp = spooler.NewExecSpooler(cfg.Spooler.Command, cfg.Spooler.PreDelay, cfg.Spooler.Timeout)
		}
	}

	sender, err := drawer.NewSender(conn, oneShot, sp, drawer.SenderConfig{
		PrinterName: cfg.Drawer.Printer,
		ReadyWait:   cfg.Timing.ReadyWait,
		LockWait:    cfg.Timing.LockWait,
	}, c.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build sender: %w", err)
	}
	c.sender = sender

	c.opener = drawer.NewOpener(sender, drawer.OpenerConfig{
		MaxRetries:  cfg.Timing.MaxRetries,
		RetryDelay:  cfg.Timing.RetryDelay,
		DedupWindow: cfg.Timing.DedupWindow,
	}, c.metrics)

	if c.store != nil {
		c.poller = poller.New(c.store, c.opener, poller.Config{
			Interval:  cfg.Timing.PollInterval,
			BatchSize: cfg.Queue.BatchSize,
		}, c.metrics)
	}

	return c, nil
}

// Start connects the serial port and starts the poll and health loops.
// The loops run until Stop is called or ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if c.poller == nil {
		return ErrNoQueue
	}
	c.started = true
	c.startTime = time.Now()

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.conn != nil {
		c.conn.Connect()
	}

	c.loopWg.Add(2)
	go func() {
		defer c.loopWg.Done()
		_ = c.poller.Run(loopCtx)
	}()
	go c.healthLoop(loopCtx)

	log.Info("Controller started",
		"port", c.config.Drawer.Port,
		"printer", c.config.Drawer.Printer,
		"queue", c.config.Queue.Driver)
	return nil
}

// healthLoop logs a status line every HealthInterval.
func (c *Controller) healthLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.Timing.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Health loop stopped")
			return

		case <-ticker.C:
			c.logHealth()
		}
	}
}

func (c *Controller) logHealth() {
	lastSuccess := "never"
	if t := c.opener.LastSuccess(); !t.IsZero() {
		lastSuccess = t.Format(time.RFC3339)
	}
	log.Info("Health check",
		"connection", c.State().String(),
		"jobs_processed", c.processed(),
		"last_success", lastSuccess)
}

// TriggerOpen opens the drawer outside the queue, through the same dedup
// and retry policy. It connects the serial port first if nothing else has.
func (c *Controller) TriggerOpen(ctx context.Context, reason string) error {
	if c.conn != nil && c.conn.State() == types.StateDisconnected {
		c.conn.Connect()
	}
	return c.opener.Open(ctx, reason)
}

// State returns the persistent connection state, Disconnected when no port
// is configured.
func (c *Controller) State() types.ConnState {
	if c.conn == nil {
		return types.StateDisconnected
	}
	return c.conn.State()
}

// OnStateChange registers fn for connection state changes. fn is called
// once immediately with the current state.
func (c *Controller) OnStateChange(fn func(types.ConnState)) {
	if c.conn == nil {
		fn(types.StateDisconnected)
		return
	}
	c.conn.OnStateChange(fn)
}

// HasFallback reports whether a spooler path is configured.
func (c *Controller) HasFallback() bool {
	return c.config.HasPrinter()
}

func (c *Controller) processed() int64 {
	if c.poller == nil {
		return 0
	}
	return c.poller.Processed()
}

// GetStatus returns a snapshot of the controller state.
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	startTime := c.startTime
	c.mu.Unlock()

	uptime := "0s"
	if !startTime.IsZero() {
		uptime = time.Since(startTime).Truncate(time.Second).String()
	}

	var lastSuccess interface{}
	if t := c.opener.LastSuccess(); !t.IsZero() {
		lastSuccess = t
	}

	return map[string]interface{}{
		"uptime":         uptime,
		"connection":     c.State().String(),
		"port":           c.config.Drawer.Port,
		"printer":        c.config.Drawer.Printer,
		"jobs_processed": c.processed(),
		"last_success":   lastSuccess,
	}
}

// Stop stops the loops, waits for an in-flight poll cycle, then closes the
// serial connection and the queue. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	log.Info("Stopping controller...")

	if cancel != nil {
		cancel()
	}
	c.loopWg.Wait()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Error("Failed to close serial port", "error", err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Error("Failed to close job queue", "error", err)
		}
	}

	log.Info("Controller stopped", "jobs_processed", c.processed())
}
