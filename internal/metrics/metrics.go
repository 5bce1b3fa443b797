// ============================================================================
// drawerd Metrics - Prometheus collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose controller metrics for Prometheus.
//
// Metric families:
//
//   1. Queue (Counter):
//      - drawerd_jobs_claimed_total: jobs marked processed by the poller
//      - drawerd_claim_failures_total: claim updates that failed
//      - drawerd_poll_errors_total: queue read failures
//      - drawerd_polls_skipped_total: ticks skipped because a cycle was running
//
//   2. Drawer (Counter / Histogram):
//      - drawerd_open_total{result}: success | dedup | failed
//      - drawerd_open_duration_seconds: time spent in a non-dedup open
//      - drawerd_deliveries_total{path,result}: per delivery attempt
//      - drawerd_pin_success_total{pin}
//
//   3. Connection (Gauge):
//      - drawerd_connection_state: 0 disconnected, 1 connecting, 2 open, 3 error
//
// Every method is safe on a nil *Collector so components can run without
// metrics in tests and one-shot CLI commands.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

// Open outcomes.
const (
	ResultSuccess = "success"
	ResultDedup   = "dedup"
	ResultFailed  = "failed"
)

// Collector holds the drawerd metric families.
type Collector struct {
	jobsClaimed   prometheus.Counter
	claimFailures prometheus.Counter
	pollErrors    prometheus.Counter
	pollsSkipped  prometheus.Counter

	opens        *prometheus.CounterVec
	openDuration prometheus.Histogram
	deliveries   *prometheus.CounterVec
	pinSuccess   *prometheus.CounterVec

	connState prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drawerd_jobs_claimed_total",
			Help: "Total number of drawer jobs claimed from the queue",
		}),
		claimFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drawerd_claim_failures_total",
			Help: "Total number of failed claim updates",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drawerd_poll_errors_total",
			Help: "Total number of queue read failures",
		}),
		pollsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drawerd_polls_skipped_total",
			Help: "Total number of poll ticks skipped because a cycle was still running",
		}),
		opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drawerd_open_total",
			Help: "Drawer open requests by outcome",
		}, []string{"result"}),
		openDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drawerd_open_duration_seconds",
			Help:    "Time spent opening the drawer, retries included",
			Buckets: prometheus.DefBuckets,
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drawerd_deliveries_total",
			Help: "Command delivery attempts by path and result",
		}, []string{"path", "result"}),
		pinSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drawerd_pin_success_total",
			Help: "Successful drawer opens by kick pin",
		}, []string{"pin"}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drawerd_connection_state",
			Help: "Serial connection state (0 disconnected, 1 connecting, 2 open, 3 error)",
		}),
	}

	reg.MustRegister(
		c.jobsClaimed,
		c.claimFailures,
		c.pollErrors,
		c.pollsSkipped,
		c.opens,
		c.openDuration,
		c.deliveries,
		c.pinSuccess,
		c.connState,
	)

	return c
}

// RecordClaimed adds n claimed jobs.
func (c *Collector) RecordClaimed(n int) {
	if c == nil {
		return
	}
	c.jobsClaimed.Add(float64(n))
}

// RecordClaimFailure counts a failed claim update.
func (c *Collector) RecordClaimFailure() {
	if c == nil {
		return
	}
	c.claimFailures.Inc()
}

// RecordPollError counts a failed queue read.
func (c *Collector) RecordPollError() {
	if c == nil {
		return
	}
	c.pollErrors.Inc()
}

// RecordPollSkipped counts a tick that found the previous cycle still running.
func (c *Collector) RecordPollSkipped() {
	if c == nil {
		return
	}
	c.pollsSkipped.Inc()
}

// RecordOpen records the outcome of one Open call.
// Dedup results carry no duration.
func (c *Collector) RecordOpen(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.opens.WithLabelValues(result).Inc()
	if result != ResultDedup {
		c.openDuration.Observe(d.Seconds())
	}
}

// RecordDelivery records one delivery attempt.
func (c *Collector) RecordDelivery(path types.DeliveryPath, err error) {
	if c == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailed
	}
	c.deliveries.WithLabelValues(string(path), result).Inc()
}

// RecordPinSuccess counts a successful open on pin.
func (c *Collector) RecordPinSuccess(pin types.Pin) {
	if c == nil {
		return
	}
	c.pinSuccess.WithLabelValues(pin.String()).Inc()
}

// SetConnState updates the connection state gauge.
func (c *Collector) SetConnState(s types.ConnState) {
	if c == nil {
		return
	}
	c.connState.Set(float64(s))
}

// Serve exposes /metrics on port until ctx is cancelled.
func Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
