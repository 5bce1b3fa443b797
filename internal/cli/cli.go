// ============================================================================
// drawerd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the drawer controller
//
// Command Structure:
//   drawerd                        # Root command
//   ├── run                        # Start the controller daemon
//   ├── open                       # Kick the drawer once, now
//   │   └── --reason               # Free text for the log line
//   ├── enqueue                    # Insert cash_drawer jobs into the queue
//   │   ├── --count, -n
//   │   └── --id
//   ├── ports                      # List serial ports
//   ├── status                     # Effective configuration and checks
//   └── --config, -c               # Config file (default: configs/drawerd.yaml)
//
// Configuration:
//   YAML file overlaid by environment variables (SUPABASE_DB_URL,
//   DRAWER_PORT, DRAWER_PRINTER, POLL_INTERVAL, ...). A missing file is
//   fine; an invalid configuration makes `run` exit non-zero.
//
// run Command:
//   1. Load and validate config
//   2. Open the job queue
//   3. Build and start the Controller
//   4. Start Metrics HTTP server and gRPC health server (if enabled)
//   5. Wait for SIGINT/SIGTERM, then shut everything down
//
//   Examples:
//     DRAWER_PORT=/dev/ttyUSB0 SUPABASE_DB_URL=postgres://... drawerd run
//     drawerd run -c /etc/drawerd.yaml
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/drawerd/internal/config"
	"github.com/ChuLiYu/drawerd/internal/controller"
	"github.com/ChuLiYu/drawerd/internal/metrics"
	"github.com/ChuLiYu/drawerd/internal/queue"
	"github.com/ChuLiYu/drawerd/internal/serialport"
	"github.com/ChuLiYu/drawerd/internal/server"
	"github.com/ChuLiYu/drawerd/pkg/types"
)

var log = slog.Default()

var configFile string

// listPorts is swapped in tests.
var listPorts = serialport.ListPorts

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drawerd",
		Short: "drawerd: opens the cash drawer for POS checkout jobs",
		Long: `drawerd watches the POS print queue for cash_drawer jobs and kicks the
drawer attached to the receipt printer:
- persistent serial connection with automatic reconnect
- dedup of near-simultaneous opens
- PIN0/PIN1 retry cycles
- OS print spooler and one-shot serial fallbacks`,
		Version:      "1.0.0",
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/drawerd.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildOpenCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildPortsCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setLogLevel applies the configured level to every package logger.
func setLogLevel(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetLogLoggerLevel(l)
	return nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the drawer controller",
		Long:  "Poll the job queue and open the drawer until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx)
		},
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}

	log.Info("Starting drawerd", "config", configFile)

	store, err := queue.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector(nil)
	}

	ctrl, err := controller.New(cfg, controller.Deps{Store: store, Metrics: m})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create controller: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := ctrl.Start(gctx); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			return metrics.Serve(gctx, cfg.Metrics.Port)
		})
	}

	if cfg.Health.GRPCPort > 0 {
		srv := server.NewServer(ctrl)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Health.GRPCPort)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal, stopping gracefully...")
		ctrl.Stop()
		return nil
	})

	log.Info("System started successfully")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// open
// ============================================================================

func buildOpenCommand() *cobra.Command {
	var reason string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the drawer once",
		Long:  "Send the drawer kick through the same retry and fallback path the daemon uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return openDrawer(ctx, cmd.OutOrStdout(), reason, controller.Deps{})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in the log")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")

	return cmd
}

func openDrawer(ctx context.Context, out io.Writer, reason string, deps controller.Deps) error {
	cfg, err := config.Read(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}

	ctrl, err := controller.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.TriggerOpen(ctx, reason); err != nil {
		return err
	}
	fmt.Fprintln(out, "Drawer opened")
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var count int
	var id string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert cash_drawer jobs into the queue",
		Long:  "Insert jobs the way the POS checkout does, for commissioning a new terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("count must be > 0")
			}
			if id != "" && count != 1 {
				return fmt.Errorf("--id can only be used with --count 1")
			}
			return enqueueJobs(cmd.Context(), cmd.OutOrStdout(), count, id)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of jobs to insert")
	cmd.Flags().StringVar(&id, "id", "", "explicit job id (default: generated)")

	return cmd
}

func enqueueJobs(ctx context.Context, out io.Writer, count int, id string) error {
	cfg, err := config.Read(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Queue.Driver == config.DriverMemory {
		return errors.New("enqueue needs a persistent queue driver (postgres or sqlite)")
	}

	store, err := queue.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}
	defer store.Close()

	return insertJobs(ctx, out, store, count, id)
}

func insertJobs(ctx context.Context, out io.Writer, store queue.Store, count int, id string) error {
	for i := 0; i < count; i++ {
		jobID, err := store.Enqueue(ctx, types.DrawerJob{
			ID:   types.JobID(id),
			Type: types.JobTypeCashDrawer,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		fmt.Fprintf(out, "Enqueued %s\n", jobID)
	}
	return nil
}

// ============================================================================
// ports
// ============================================================================

func buildPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Long:  "List the serial ports the OS reports, to find the value for DRAWER_PORT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showPorts(cmd.OutOrStdout())
		},
	}
}

func showPorts(out io.Writer) error {
	ports, err := listPorts()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	sort.Strings(ports)
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		Long:  "Print the effective configuration and whether it passes validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
}

func showStatus(out io.Writer) error {
	cfg, err := config.Read(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                  drawerd Status                           ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Queue:         %s (table %s, batch %d)\n", cfg.Queue.Driver, cfg.Queue.Table, cfg.Queue.BatchSize)
	fmt.Fprintf(out, "  ├─ Queue DSN:     %s\n", redactDSN(cfg.Queue.DSN))
	fmt.Fprintf(out, "  ├─ Serial Port:   %s @ %d baud\n", orNone(cfg.Drawer.Port), cfg.Drawer.Baud)
	fmt.Fprintf(out, "  └─ Printer:       %s\n", orNone(cfg.Drawer.Printer))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Timing:")
	fmt.Fprintf(out, "  ├─ Poll Every:    %s\n", cfg.Timing.PollInterval)
	fmt.Fprintf(out, "  ├─ Retries:       %d x %s\n", cfg.Timing.MaxRetries, cfg.Timing.RetryDelay)
	fmt.Fprintf(out, "  ├─ Dedup Window:  %s\n", cfg.Timing.DedupWindow)
	fmt.Fprintf(out, "  └─ Reconnect:     %s\n", cfg.Timing.ReconnectDelay)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Endpoints:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  ├─ Metrics:       http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  ├─ Metrics:       disabled")
	}
	if cfg.Health.GRPCPort > 0 {
		fmt.Fprintf(out, "  └─ gRPC Health:   :%d\n", cfg.Health.GRPCPort)
	} else {
		fmt.Fprintln(out, "  └─ gRPC Health:   disabled")
	}
	fmt.Fprintln(out)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Validation: FAILED\n  %s\n", strings.TrimPrefix(err.Error(), config.ErrInvalidConfig.Error()+": "))
		return err
	}
	fmt.Fprintln(out, "Validation: OK")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// redactDSN hides the password in a URL-style DSN.
func redactDSN(dsn string) string {
	if dsn == "" {
		return "(none)"
	}
	schemeEnd := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if schemeEnd < 0 || at < schemeEnd {
		return dsn
	}
	userinfo := dsn[schemeEnd+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		userinfo = userinfo[:colon] + ":****"
	}
	return dsn[:schemeEnd+3] + userinfo + dsn[at:]
}
