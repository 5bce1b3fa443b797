// Package spooler delivers raw ESC/POS bytes through the operating system's
// print queue when no direct serial connection is usable.
package spooler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var log = slog.Default()

// Spooler delivers data to the named printer target.
type Spooler interface {
	Deliver(ctx context.Context, data []byte, target string) error
}

// Argument placeholders substituted by ExecSpooler.
const (
	PrinterPlaceholder = "{printer}"
	PayloadPlaceholder = "{payload}"
)

// DefaultCommand pipes the base64 payload through `lp` in raw mode (CUPS).
var DefaultCommand = []string{
	"sh", "-c", `printf %s "$2" | base64 -d | lp -d "$1" -o raw`,
	"drawerd", PrinterPlaceholder, PayloadPlaceholder,
}

// ErrEmptyCommand is returned when ExecSpooler has no command configured.
var ErrEmptyCommand = errors.New("spooler command is empty")

// ExecSpooler runs an external print utility once per delivery.
type ExecSpooler struct {
	Command  []string      // program and arguments, with placeholders
	PreDelay time.Duration // wait before starting the process
	Timeout  time.Duration // kills the process when exceeded
}

// NewExecSpooler returns an ExecSpooler; an empty command selects DefaultCommand.
func NewExecSpooler(command []string, preDelay, timeout time.Duration) *ExecSpooler {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &ExecSpooler{
		Command:  command,
		PreDelay: preDelay,
		Timeout:  timeout,
	}
}

// Deliver runs the configured command with the printer name and the
// base64-encoded payload substituted into its arguments.
func (s *ExecSpooler) Deliver(ctx context.Context, data []byte, target string) error {
	if len(s.Command) == 0 {
		return ErrEmptyCommand
	}

	if s.PreDelay > 0 {
		select {
		case <-time.After(s.PreDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := expandArgs(s.Command[1:], target, base64.StdEncoding.EncodeToString(data))
	cmd := exec.CommandContext(ctx, s.Command[0], args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// grandchildren holding the output pipe must not outlive the timeout
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("spooler %s timed out after %s: %w", s.Command[0], time.Since(start).Round(time.Millisecond), ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("spooler %s failed: %w: %s", s.Command[0], err, strings.TrimSpace(out.String()))
	}

	log.Debug("Spooler delivery finished",
		"printer", target,
		"bytes", len(data),
		"duration", time.Since(start))
	return nil
}

func expandArgs(args []string, printer, payload string) []string {
	out := make([]string, len(args))
	r := strings.NewReplacer(PrinterPlaceholder, printer, PayloadPlaceholder, payload)
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
