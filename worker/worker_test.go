package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
	"github.com/pulseone/collector/internal/telemetry/tracing"
)

func testDataPoint(id string, deadband float64, logInterval time.Duration) domain.DataPoint {
	return domain.DataPoint{
		ID:      id,
		Address: "40001",
		Scaling: domain.ScalingParams{Enabled: true, Factor: 1, Offset: 0, Min: 0, Max: 1000},
		Deadband:    deadband,
		LogInterval: logInterval,
	}
}

func TestApplyAndEmit(t *testing.T) {
	t.Run("first sample for a point is always emitted and loggable", func(t *testing.T) {
		sink := &fakeSink{}
		w := New(Config{Sink: sink, Driver: &fakeDriver{}})
		dp := testDataPoint("temp-1", 2, 0)

		w.applyAndEmit(dp, driver.Reading{Raw: 10, Timestamp: time.Unix(0, 0), Quality: domain.QualityGood})

		require.Len(t, sink.all(), 1)
		assert.Equal(t, 10.0, sink.all()[0].Value.Value)
		assert.True(t, sink.all()[0].Loggable)
	})

	t.Run("within deadband and log interval still reaches the sink but is not loggable", func(t *testing.T) {
		sink := &fakeSink{}
		w := New(Config{Sink: sink, Driver: &fakeDriver{}})
		dp := testDataPoint("temp-1", 2, time.Hour)

		w.applyAndEmit(dp, driver.Reading{Raw: 10, Timestamp: time.Unix(0, 0), Quality: domain.QualityGood})
		w.applyAndEmit(dp, driver.Reading{Raw: 10.5, Timestamp: time.Unix(1, 0), Quality: domain.QualityGood})

		samples := sink.all()
		require.Len(t, samples, 2, "every accepted reading reaches the Cache/Rule Engine path unconditionally (spec S1)")
		assert.True(t, samples[0].Loggable)
		assert.False(t, samples[1].Loggable, "second reading is within the 2-unit deadband and the 1h log interval")
	})

	t.Run("exceeding deadband forces emission even within log interval", func(t *testing.T) {
		sink := &fakeSink{}
		w := New(Config{Sink: sink, Driver: &fakeDriver{}})
		dp := testDataPoint("temp-1", 2, time.Hour)

		w.applyAndEmit(dp, driver.Reading{Raw: 10, Timestamp: time.Unix(0, 0), Quality: domain.QualityGood})
		w.applyAndEmit(dp, driver.Reading{Raw: 20, Timestamp: time.Unix(1, 0), Quality: domain.QualityGood})

		samples := sink.all()
		require.Len(t, samples, 2)
		assert.True(t, samples[1].Loggable)
	})

	t.Run("log interval elapsed forces emission even within deadband", func(t *testing.T) {
		sink := &fakeSink{}
		w := New(Config{Sink: sink, Driver: &fakeDriver{}})
		dp := testDataPoint("temp-1", 2, time.Second)

		w.applyAndEmit(dp, driver.Reading{Raw: 10, Timestamp: time.Unix(0, 0), Quality: domain.QualityGood})
		w.applyAndEmit(dp, driver.Reading{Raw: 10.1, Timestamp: time.Unix(2, 0), Quality: domain.QualityGood})

		samples := sink.all()
		require.Len(t, samples, 2, "2s elapsed exceeds the 1s log interval")
		assert.True(t, samples[1].Loggable)
	})

	t.Run("quality change forces emission regardless of deadband", func(t *testing.T) {
		sink := &fakeSink{}
		w := New(Config{Sink: sink, Driver: &fakeDriver{}})
		dp := testDataPoint("temp-1", 2, time.Hour)

		w.applyAndEmit(dp, driver.Reading{Raw: 10, Timestamp: time.Unix(0, 0), Quality: domain.QualityGood})
		w.applyAndEmit(dp, driver.Reading{Raw: 10, Timestamp: time.Unix(1, 0), Quality: domain.QualityBad})

		samples := sink.all()
		require.Len(t, samples, 2)
		assert.True(t, samples[1].Loggable)
	})

	t.Run("scaling out of range reports over/underrange quality", func(t *testing.T) {
		sink := &fakeSink{}
		w := New(Config{Sink: sink, Driver: &fakeDriver{}})
		dp := testDataPoint("pressure-1", 0, 0)
		dp.Scaling.Max = 50

		w.applyAndEmit(dp, driver.Reading{Raw: 100, Timestamp: time.Unix(0, 0), Quality: domain.QualityGood})

		require.Len(t, sink.all(), 1)
		assert.Equal(t, domain.QualityOverrange, sink.all()[0].Value.Quality)
	})
}

func TestWriteValuePriorityOrdering(t *testing.T) {
	drv := &fakeDriver{connected: true}
	clock := newFakeClock(time.Unix(0, 0))
	w := New(Config{
		Device: domain.Device{
			ID:       "dev-1",
			Settings: domain.DeviceSettings{PollInterval: time.Hour},
		},
		Driver: drv,
		Sink:   &fakeSink{},
		Clock:  clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Queue a low-priority write followed by a high-priority write while
	// the poll loop is parked waiting on its ticker; both land in the
	// write channel before the next tick drains them.
	results := make(chan error, 2)
	go func() {
		results <- w.WriteValue(context.Background(), driver.WriteRequest{Address: "low"}, 0)
	}()
	time.Sleep(10 * time.Millisecond) // let the low-priority write enqueue first
	go func() {
		results <- w.WriteValue(context.Background(), driver.WriteRequest{Address: "high"}, 10)
	}()
	time.Sleep(10 * time.Millisecond)

	ticker := clock.latest()
	require.NotNil(t, ticker)
	ticker.fire(clock.Now())

	require.NoError(t, <-results)
	require.NoError(t, <-results)

	addrs := drv.writeAddresses()
	require.Len(t, addrs, 2)
	assert.Equal(t, "high", addrs[0], "higher priority write drains before the low-priority one")
	assert.Equal(t, "low", addrs[1])

	w.Stop()
	assert.NoError(t, <-done)
	assert.Equal(t, 1, drv.disconnects)
}

func TestWorkerReconnectsAfterConnectFailure(t *testing.T) {
	drv := &fakeDriver{connectErr: driver.NewError(driver.ErrorKindConnection, "dev-1", "", errConnRefused)}
	clock := newFakeClock(time.Unix(0, 0))
	w := New(Config{
		Device: domain.Device{
			ID:       "dev-1",
			Settings: domain.DeviceSettings{PollInterval: time.Minute, ReconnectBackoff: time.Millisecond},
		},
		Driver: drv,
		Sink:   &fakeSink{},
		Clock:  clock,
	})

	ctx, cancel := context.WithCancel(context.Background())

	go w.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	backoffTimer := clock.latest()
	require.NotNil(t, backoffTimer, "a backoff sleep timer should have been armed after the failed connect")

	drv.mu.Lock()
	drv.connectErr = nil
	drv.mu.Unlock()
	backoffTimer.fire(clock.Now())

	time.Sleep(10 * time.Millisecond)
	assert.True(t, drv.IsConnected(), "worker should reconnect once Connect stops failing")

	cancel()
	w.Stop()
}

var errConnRefused = errors.New("connection refused")

// recordingTracer captures the names of spans started through it, standing
// in for a real Tracer so a test can assert pollOnce actually opens one
// instead of silently skipping tracing.
type recordingTracer struct {
	started []string
}

func (t *recordingTracer) StartSpan(ctx context.Context, name string) (context.Context, tracing.Span) {
	t.started = append(t.started, name)
	return ctx, noopSpan{}
}
func (t *recordingTracer) Noop() bool { return false }

type noopSpan struct{}

func (noopSpan) End()                               {}
func (noopSpan) SetAttribute(key string, value any) {}
func (noopSpan) Context() tracing.SpanContext       { return tracing.SpanContext{} }
func (noopSpan) IsEnded() bool                      { return true }

func TestPollOnceWrapsDriverReadInSpan(t *testing.T) {
	tracer := &recordingTracer{}
	drv := &fakeDriver{connected: true, readings: []driver.Reading{{Address: "40001", Raw: 1, Quality: domain.QualityGood}}}
	w := New(Config{
		Device: domain.Device{ID: "dev-1", DataPoints: []domain.DataPoint{testDataPoint("temp-1", 0, 0)}},
		Driver: drv,
		Sink:   &fakeSink{},
		Tracer: tracer,
	})

	w.pollOnce(context.Background(), []string{"40001"}, map[string]domain.DataPoint{"40001": testDataPoint("temp-1", 0, 0)})

	require.Contains(t, tracer.started, "driver.read_values")
}
