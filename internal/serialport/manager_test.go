package serialport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

// ============================================================================
// Test fakes
// ============================================================================

// fakePort is an in-memory Port whose Read blocks until the port is closed
// or a failure is injected.
type fakePort struct {
	mu       sync.Mutex
	written  [][]byte
	drains   int
	writeErr error

	failCh    chan error
	closeOnce sync.Once
	closedCh  chan struct{}
	closed    atomic.Bool
}

func newFakePort() *fakePort {
	return &fakePort{
		failCh:   make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (p *fakePort) Read(_ []byte) (int, error) {
	select {
	case err := <-p.failCh:
		return 0, err
	case <-p.closedCh:
		return 0, errors.New("port closed")
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drains++
	return nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.closedCh)
	})
	return nil
}

// fail simulates the device dropping off the bus.
func (p *fakePort) fail(err error) {
	p.failCh <- err
}

func (p *fakePort) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

// fakeDialer fails the first failFirst opens, then hands out fresh fakePorts.
type fakeDialer struct {
	mu        sync.Mutex
	failFirst int
	attempts  int
	ports     []*fakePort
	gate      chan struct{} // when non-nil, Open blocks until it is closed
}

func (d *fakeDialer) Open(_ string, _ int) (Port, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failFirst {
		return nil, errors.New("no such device")
	}
	p := newFakePort()
	d.ports = append(d.ports, p)
	return p, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) lastPort() *fakePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ports) == 0 {
		return nil
	}
	return d.ports[len(d.ports)-1]
}

func newTestManager(t *testing.T, dialer Dialer, reconnect time.Duration) *Manager {
	t.Helper()
	m := NewManager(dialer, Config{PortName: "/dev/ttyFAKE", Baud: 9600, ReconnectDelay: reconnect})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// ============================================================================
// State machine tests
// ============================================================================

func TestManager_InitialState(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, time.Second)
	assert.Equal(t, types.StateDisconnected, m.State())
	assert.Equal(t, "/dev/ttyFAKE", m.PortName())
}

func TestManager_ConnectOpens(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, time.Second)

	m.Connect()

	require.True(t, m.WaitReady(context.Background(), time.Second))
	assert.Equal(t, types.StateOpen, m.State())
	assert.Equal(t, 1, dialer.attemptCount())
}

func TestManager_ConnectWhenOpenIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, time.Second)

	m.Connect()
	require.True(t, m.WaitReady(context.Background(), time.Second))

	m.Connect()
	m.Connect()

	assert.Equal(t, 1, dialer.attemptCount())
	assert.Equal(t, types.StateOpen, m.State())
}

func TestManager_ConnectWhileConnectingIsNoop(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	m := newTestManager(t, dialer, time.Second)

	m.Connect()
	assert.Equal(t, types.StateConnecting, m.State())
	m.Connect()
	m.Connect()

	close(gate)
	require.True(t, m.WaitReady(context.Background(), time.Second))
	assert.Equal(t, 1, dialer.attemptCount())
}

func TestManager_ReconnectConvergence(t *testing.T) {
	const failures = 3
	const delay = 20 * time.Millisecond

	dialer := &fakeDialer{failFirst: failures}
	m := newTestManager(t, dialer, delay)

	start := time.Now()
	m.Connect()

	require.True(t, m.WaitReady(context.Background(), failures*delay+time.Second))
	elapsed := time.Since(start)

	assert.Equal(t, failures+1, dialer.attemptCount())
	assert.GreaterOrEqual(t, elapsed, failures*delay)
	assert.Less(t, elapsed, failures*delay+time.Second)
}

func TestManager_UnexpectedCloseReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, 10*time.Millisecond)

	var mu sync.Mutex
	var seen []types.ConnState
	m.OnStateChange(func(s types.ConnState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	m.Connect()
	require.True(t, m.WaitReady(context.Background(), time.Second))
	first := dialer.lastPort()

	first.fail(errors.New("input/output error"))

	require.Eventually(t, func() bool {
		return dialer.attemptCount() == 2 && m.State() == types.StateOpen
	}, time.Second, 5*time.Millisecond)

	assert.True(t, first.closed.Load(), "the dropped port should be closed before reconnecting")
	assert.NotSame(t, first, dialer.lastPort())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.ConnState{
		types.StateDisconnected,
		types.StateConnecting,
		types.StateOpen,
		types.StateError,
		types.StateConnecting,
		types.StateOpen,
	}, seen)
}

func TestManager_StaleMonitorIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, 10*time.Millisecond)

	m.Connect()
	require.True(t, m.WaitReady(context.Background(), time.Second))
	first := dialer.lastPort()

	first.fail(errors.New("gone"))
	require.Eventually(t, func() bool {
		return dialer.attemptCount() == 2 && m.State() == types.StateOpen
	}, time.Second, 5*time.Millisecond)

	// a late error from the discarded port must not disturb the new connection
	m.handleLost(1, errors.New("late callback"))
	assert.Equal(t, types.StateOpen, m.State())
	assert.Equal(t, 2, dialer.attemptCount())
}

func TestManager_SingleReconnectTimer(t *testing.T) {
	dialer := &fakeDialer{failFirst: 1}
	m := newTestManager(t, dialer, 30*time.Millisecond)

	m.Connect()
	require.Eventually(t, func() bool { return m.State() == types.StateError }, time.Second, time.Millisecond)

	m.mu.Lock()
	m.scheduleReconnectLocked()
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	require.True(t, m.WaitReady(context.Background(), time.Second))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, dialer.attemptCount(), "redundant reconnect requests must not dial again")
}

// ============================================================================
// Write tests
// ============================================================================

func TestManager_WriteDrains(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, time.Second)

	m.Connect()
	require.True(t, m.WaitReady(context.Background(), time.Second))

	cmd := types.KickCommand(types.Pin0)
	require.NoError(t, m.Write(context.Background(), cmd))

	port := dialer.lastPort()
	assert.Equal(t, [][]byte{cmd}, port.writes())
	port.mu.Lock()
	assert.Equal(t, 1, port.drains)
	port.mu.Unlock()
}

func TestManager_WriteNotOpen(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, time.Second)

	err := m.Write(context.Background(), []byte{0x1b})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestManager_WriteFailureDropsConnection(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, 10*time.Millisecond)

	m.Connect()
	require.True(t, m.WaitReady(context.Background(), time.Second))
	port := dialer.lastPort()
	port.mu.Lock()
	port.writeErr = errors.New("broken pipe")
	port.mu.Unlock()

	err := m.Write(context.Background(), []byte{0x1b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	require.Eventually(t, func() bool {
		return dialer.attemptCount() == 2 && m.State() == types.StateOpen
	}, time.Second, 5*time.Millisecond)
}

func TestManager_WaitReadyTimeout(t *testing.T) {
	dialer := &fakeDialer{failFirst: 1000}
	m := newTestManager(t, dialer, time.Hour)

	m.Connect()
	start := time.Now()
	ok := m.WaitReady(context.Background(), 50*time.Millisecond)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestManager_CloseStopsReconnect(t *testing.T) {
	dialer := &fakeDialer{failFirst: 1000}
	m := NewManager(dialer, Config{PortName: "/dev/ttyFAKE", Baud: 9600, ReconnectDelay: 10 * time.Millisecond})

	m.Connect()
	require.Eventually(t, func() bool { return dialer.attemptCount() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	attempts := dialer.attemptCount()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, attempts, dialer.attemptCount())
	assert.Equal(t, types.StateDisconnected, m.State())
	assert.NoError(t, m.Close(), "second Close is a no-op")
}

func TestWriteOnce(t *testing.T) {
	dialer := &fakeDialer{}
	cmd := types.KickCommand(types.Pin1)

	require.NoError(t, WriteOnce(context.Background(), dialer, "/dev/ttyFAKE", 9600, cmd))

	port := dialer.lastPort()
	assert.Equal(t, [][]byte{cmd}, port.writes())
	assert.True(t, port.closed.Load(), "one-shot connection must be closed")
}

func TestWriteOnce_OpenError(t *testing.T) {
	dialer := &fakeDialer{failFirst: 1}

	err := WriteOnce(context.Background(), dialer, "/dev/ttyFAKE", 9600, []byte{0x1b})
	assert.Error(t, err)
}
