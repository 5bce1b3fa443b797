package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsClaimed)
	assert.NotNil(t, collector.opens)
	assert.NotNil(t, collector.deliveries)
	assert.NotNil(t, collector.connState)
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "registering twice on the same registry should panic")
}

func TestRecordClaimed(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordClaimed(3)
	collector.RecordClaimed(2)

	assert.Equal(t, float64(5), testutil.ToFloat64(collector.jobsClaimed))
}

func TestRecordPollCounters(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordPollError()
	collector.RecordPollSkipped()
	collector.RecordPollSkipped()
	collector.RecordClaimFailure()

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.pollErrors))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.pollsSkipped))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.claimFailures))
}

func TestRecordOpen(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordOpen(ResultSuccess, 20*time.Millisecond)
	collector.RecordOpen(ResultDedup, 0)
	collector.RecordOpen(ResultDedup, 0)
	collector.RecordOpen(ResultFailed, time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.opens.WithLabelValues(ResultSuccess)))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.opens.WithLabelValues(ResultDedup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.opens.WithLabelValues(ResultFailed)))
}

func TestRecordDelivery(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordDelivery(types.PathPersistent, nil)
	collector.RecordDelivery(types.PathSpooler, errors.New("lp exited 1"))

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.deliveries.WithLabelValues("persistent", ResultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.deliveries.WithLabelValues("spooler", ResultFailed)))
}

func TestSetConnState(t *testing.T) {
	collector := newTestCollector(t)

	collector.SetConnState(types.StateOpen)
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.connState))

	collector.SetConnState(types.StateError)
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.connState))
}

func TestNilCollector(t *testing.T) {
	var collector *Collector

	require.NotPanics(t, func() {
		collector.RecordClaimed(1)
		collector.RecordClaimFailure()
		collector.RecordPollError()
		collector.RecordPollSkipped()
		collector.RecordOpen(ResultSuccess, time.Millisecond)
		collector.RecordDelivery(types.PathOneShot, nil)
		collector.RecordPinSuccess(types.Pin1)
		collector.SetConnState(types.StateOpen)
	}, "a nil collector must be a no-op")
}
