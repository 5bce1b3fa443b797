package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of a serial port the controller uses.
// go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriter
	// Drain blocks until every byte written has been transmitted.
	Drain() error
	Close() error
}

// Dialer opens a serial port by name and baud rate.
type Dialer interface {
	Open(name string, baud int) (Port, error)
}

// SerialDialer opens real ports with go.bug.st/serial in 8N1 mode.
type SerialDialer struct {
	// ReadTimeout bounds each monitor read; zero means 500ms.
	ReadTimeout time.Duration
}

// Open implements Dialer.
func (d SerialDialer) Open(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", name, err)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return port, nil
}

// ListPorts returns the serial ports visible to the OS.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial ports error: %w", err)
	}
	return ports, nil
}

// WriteOnce opens a throw-away connection, writes data, waits for the drain
// and closes the port again.
func WriteOnce(ctx context.Context, dialer Dialer, name string, baud int, data []byte) (err error) {
	port, err := dialer.Open(name, baud)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := port.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", name, cerr)
		}
	}()

	return writeAndDrain(ctx, port, data)
}

// writeAndDrain writes data and waits for the transmit buffer to drain.
// A write is only reported as done once Drain returns.
func writeAndDrain(ctx context.Context, port Port, data []byte) error {
	done := make(chan error, 1)
	go func() {
		n, err := port.Write(data)
		if err == nil && n < len(data) {
			err = io.ErrShortWrite
		}
		if err != nil {
			done <- fmt.Errorf("write: %w", err)
			return
		}
		if err := port.Drain(); err != nil {
			done <- fmt.Errorf("drain: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write aborted: %w", ctx.Err())
	}
}

// ErrNotOpen is returned by Manager.Write when the persistent port is not open.
var ErrNotOpen = errors.New("serial connection not open")
