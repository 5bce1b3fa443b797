// ============================================================================
// drawerd Connection Manager - persistent serial link
// ============================================================================
//
// Package: internal/serialport
// File: manager.go
// Purpose: Own exactly one serial connection to the drawer's printer, keep it
//          open for the life of the process and reconnect when it drops.
//
// State machine:
//
//   Disconnected ──Connect()──▶ Connecting ──open ok──▶ Open
//                                   │                    │
//                               open failed        read/write error
//                                   ▼                    ▼
//                                 Error ◀────────────────┘
//                                   │
//                          ReconnectDelay (single timer)
//                                   ▼
//                               Connecting
//
//   Close() moves any state to Disconnected and stops reconnecting.
//
// Stale callbacks:
//   Every connection attempt bumps a generation counter. The dial goroutine
//   and the per-port monitor carry the generation they were started with;
//   anything reported by an older generation is ignored.
//
// ============================================================================

package serialport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

var log = slog.Default()

// Config configures a Manager.
type Config struct {
	PortName       string
	Baud           int
	ReconnectDelay time.Duration
}

// Manager owns the persistent serial connection.
type Manager struct {
	dialer Dialer
	config Config

	mu        sync.Mutex
	state     types.ConnState
	port      Port
	gen       uint64                  // bumped on every connect and on Close
	timer     *time.Timer             // pending reconnect, nil if none
	closed    bool                    // Close was called
	changed   chan struct{}           // closed and replaced on every state change
	listeners []func(types.ConnState) // called with mu held

	wg sync.WaitGroup // dial and monitor goroutines
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(dialer Dialer, config Config) *Manager {
	return &Manager{
		dialer:  dialer,
		config:  config,
		state:   types.StateDisconnected,
		changed: make(chan struct{}),
	}
}

// PortName returns the configured port identifier.
func (m *Manager) PortName() string {
	return m.config.PortName
}

// State returns the current connection state.
func (m *Manager) State() types.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn for every state transition and calls it once
// with the current state. fn runs with the manager lock held and must not
// call back into the Manager.
func (m *Manager) OnStateChange(fn func(types.ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
	fn(m.state)
}

// Connect starts an open attempt. It is a no-op when the connection is
// already Open or Connecting, or after Close.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectLocked()
}

func (m *Manager) connectLocked() {
	if m.closed || m.state == types.StateOpen || m.state == types.StateConnecting {
		return
	}

	m.detachLocked()
	m.gen++
	gen := m.gen
	m.setStateLocked(types.StateConnecting)

	m.wg.Add(1)
	go m.dial(gen)
}

// detachLocked discards the previous port. Its monitor exits on the read
// error that Close causes and is ignored because its generation is stale.
func (m *Manager) detachLocked() {
	if m.port == nil {
		return
	}
	if err := m.port.Close(); err != nil {
		log.Debug("Closing previous serial port failed", "port", m.config.PortName, "error", err)
	}
	m.port = nil
}

func (m *Manager) dial(gen uint64) {
	defer m.wg.Done()

	port, err := m.dialer.Open(m.config.PortName, m.config.Baud)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed {
		if err == nil {
			_ = port.Close()
		}
		return
	}

	if err != nil {
		log.Error("Serial port open failed",
			"port", m.config.PortName,
			"retry_in", m.config.ReconnectDelay,
			"error", err)
		m.setStateLocked(types.StateError)
		m.scheduleReconnectLocked()
		return
	}

	m.port = port
	m.setStateLocked(types.StateOpen)
	log.Info("Serial port opened",
		"port", m.config.PortName,
		"baud", m.config.Baud)

	m.wg.Add(1)
	go m.monitor(gen, port)
}

// monitor reads from the port until it fails. Devices rarely send anything;
// the read exists to surface a dropped link as an error.
func (m *Manager) monitor(gen uint64, port Port) {
	defer m.wg.Done()

	buf := make([]byte, 64)
	for {
		if _, err := port.Read(buf); err != nil {
			m.handleLost(gen, err)
			return
		}
		if !m.isCurrent(gen) {
			return
		}
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && !m.closed
}

// handleLost moves an Open connection of generation gen to Error.
func (m *Manager) handleLost(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed || m.state != types.StateOpen {
		return
	}

	log.Warn("Serial connection closed unexpectedly",
		"port", m.config.PortName,
		"retry_in", m.config.ReconnectDelay,
		"error", err)
	m.detachLocked()
	m.setStateLocked(types.StateError)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer unless one is pending.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(m.config.ReconnectDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.timer = nil
		if m.state == types.StateError {
			log.Info("Reconnecting serial port", "port", m.config.PortName)
			m.connectLocked()
		}
	})
}

func (m *Manager) setStateLocked(s types.ConnState) {
	if m.state == s {
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	for _, fn := range m.listeners {
		fn(s)
	}
}

// WaitReady blocks until the connection is Open, timeout elapses or ctx is
// done. It reports whether the connection is Open.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()

		if state == types.StateOpen {
			return true
		}

		select {
		case <-changed:
		case <-timer.C:
			return m.State() == types.StateOpen
		case <-ctx.Done():
			return false
		}
	}
}

// Write sends data over the persistent connection and waits for the drain.
// A failure drops the connection to Error and schedules a reconnect.
func (m *Manager) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.state != types.StateOpen || m.port == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	port, gen := m.port, m.gen
	m.mu.Unlock()

	if err := writeAndDrain(ctx, port, data); err != nil {
		m.handleLost(gen, err)
		return err
	}
	return nil
}

// Close stops reconnecting, closes the open port and waits for background
// goroutines. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	var err error
	if m.port != nil {
		err = m.port.Close()
		m.port = nil
	}
	m.setStateLocked(types.StateDisconnected)
	m.mu.Unlock()

	m.wg.Wait()
	log.Info("Serial connection closed", "port", m.config.PortName)
	return err
}
