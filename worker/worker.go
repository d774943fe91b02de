// Package worker implements the Device Worker: the control loop that owns
// one Driver instance, polls its DataPoints on a schedule, applies
// engineering scaling and deadband/log-interval filtering, drains a
// priority write inbox, and reconnects with backoff on failure.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
	"github.com/pulseone/collector/internal/telemetry/tracing"
)

// Sample is one scaled reading ready for the pipeline. Every accepted
// reading produces a Sample — the Cache and Rule Engine see all of them
// unconditionally (spec §4.2 step 4) — but only samples that pass the
// point's log/deadband policy are Loggable, which is the sole signal
// pipeline.deliver uses to decide whether to forward to the Historian.
type Sample struct {
	Point    domain.PointID
	Value    domain.CurrentValue
	Loggable bool
}

// Sink receives samples produced by the poll loop. The pipeline package
// implements this.
type Sink interface {
	Accept(Sample)
}

// writeItem is a pending write request queued by WriteValue.
type writeItem struct {
	req      driver.WriteRequest
	priority int
	result   chan error
}

// Config controls one Device Worker's behavior, derived from
// domain.DeviceSettings plus the sink it reports into.
type Config struct {
	Device domain.Device
	Driver driver.Driver
	Sink   Sink
	Clock  Clock
	// Tracer wraps each poll's driver read in a span so it can be correlated
	// with the rest of a sample's trip through the pipeline. Nil disables
	// tracing.
	Tracer tracing.Tracer
}

// Worker is the Device Worker control loop for a single Device.
type Worker struct {
	cfg    Config
	clock  Clock
	tracer tracing.Tracer
	backoff *Backoff

	mu     sync.Mutex
	paused bool
	stopped bool
	// lastSaved holds the last value actually forwarded to the Historian
	// per point — the log/deadband bookkeeping of spec §3's "last_save_time
	// / last_saved_value", distinct from the Current Value the Cache sees
	// on every sample regardless of log policy.
	lastSaved map[string]domain.CurrentValue

	writeCh chan writeItem
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(cfg Config) *Worker {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.NewTracer(false)
	}
	return &Worker{
		cfg:       cfg,
		clock:     clock,
		tracer:    tracer,
		backoff:   NewBackoff(cfg.Device.Settings.ReconnectBackoff, cfg.Device.Settings.MaxBackoff, clock),
		lastSaved: make(map[string]domain.CurrentValue),
		writeCh:   make(chan writeItem, 256),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (w *Worker) DeviceID() string { return w.cfg.Device.ID }

// Run drives the worker's control loop until ctx is cancelled or Stop is
// called. It owns connecting, polling, and reconnecting; callers should run
// it in its own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}
		if err := w.cfg.Driver.Connect(ctx); err != nil {
			w.backoff.Failure()
			delay, ok := w.backoff.NextDelay()
			if !ok {
				delay = 1 * time.Second
			}
			if !w.sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		w.backoff.Success()
		if err := w.pollUntilDisconnected(ctx); err != nil {
			if err == errStopped {
				return nil
			}
			// fell out of the poll loop due to a connection failure; loop
			// back around to reconnect.
			continue
		}
		return nil
	}
}

var errStopped = fmt.Errorf("worker: stopped")

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := w.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C():
		return true
	}
}

// pollUntilDisconnected runs the scan-interval poll loop until the driver
// disconnects, the worker is stopped, or ctx ends. Writes queued by
// WriteValue only drain between poll cycles via drainWrites, never inline,
// so priority ordering always applies to whatever has queued up (spec §4.2
// "Writes", scenario S4).
func (w *Worker) pollUntilDisconnected(ctx context.Context) error {
	interval := w.cfg.Device.Settings.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := w.clock.NewTimer(interval)
	defer ticker.Stop()

	addresses := make([]string, 0, len(w.cfg.Device.DataPoints))
	byAddr := make(map[string]domain.DataPoint, len(w.cfg.Device.DataPoints))
	for _, dp := range w.cfg.Device.DataPoints {
		addresses = append(addresses, dp.Address)
		byAddr[dp.Address] = dp
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return errStopped
		case <-ticker.C():
			ticker.Reset(interval)
			if w.isPaused() {
				continue
			}
			if !w.cfg.Driver.IsConnected() {
				return fmt.Errorf("worker: driver disconnected")
			}
			w.pollOnce(ctx, addresses, byAddr)
			w.drainWrites(ctx)
		}
	}
}

func (w *Worker) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Worker) pollOnce(ctx context.Context, addresses []string, byAddr map[string]domain.DataPoint) {
	spanCtx, span := w.tracer.StartSpan(ctx, "driver.read_values")
	span.SetAttribute("device_id", w.cfg.Device.ID)
	span.SetAttribute("point_count", len(addresses))
	readings, err := w.cfg.Driver.ReadValues(spanCtx, addresses)
	if err != nil {
		span.SetAttribute("error", err.Error())
	}
	span.End()
	if err != nil && len(readings) == 0 {
		return
	}
	for _, r := range readings {
		dp, ok := byAddr[r.Address]
		if !ok {
			continue
		}
		w.applyAndEmit(dp, r)
	}
}

// applyAndEmit scales a raw reading and forwards it to the sink for every
// accepted reading, regardless of log policy: spec §4.2 step 3 updates the
// Current Value "unconditionally" and step 4 forwards every sample to the
// Cache and Rule Engine, including ones skipped for logging (scenario S1).
// The log/deadband verdict only decides the Sample's Loggable flag, which
// pipeline.deliver consults before forwarding to the Historian.
func (w *Worker) applyAndEmit(dp domain.DataPoint, r driver.Reading) {
	scaled, quality := domain.Scale(dp.Scaling, r.Raw)
	if quality == domain.QualityGood {
		quality = r.Quality
	}
	cv := domain.CurrentValue{
		Point:     domain.PointID{Kind: domain.PointKindData, ID: dp.ID},
		Value:     scaled,
		Quality:   quality,
		Timestamp: r.Timestamp,
		Raw:       r.Raw,
	}

	loggable := w.decideLoggable(dp, cv)

	if w.cfg.Sink != nil {
		w.cfg.Sink.Accept(Sample{Point: cv.Point, Value: cv, Loggable: loggable})
	}
}

// decideLoggable applies the log-interval/deadband filter (spec §4.2 step 3)
// against the point's last *saved* value and advances that bookkeeping only
// when the sample is accepted for logging; it never affects whether the
// sample itself is delivered, only whether it is loggable.
func (w *Worker) decideLoggable(dp domain.DataPoint, cv domain.CurrentValue) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, had := w.lastSaved[dp.ID]
	if had && dp.Deadband > 0 {
		delta := cv.Value - prev.Value
		if delta < 0 {
			delta = -delta
		}
		withinDeadband := delta < dp.Deadband
		withinLogInterval := dp.LogInterval <= 0 || cv.Timestamp.Sub(prev.Timestamp) < dp.LogInterval
		if withinDeadband && withinLogInterval && cv.Quality == prev.Quality {
			return false
		}
	}

	w.lastSaved[dp.ID] = cv
	return true
}

// WriteValue queues a write for the next poll-loop drain and blocks until
// it has been attempted (or the deadline passes).
func (w *Worker) WriteValue(ctx context.Context, req driver.WriteRequest, priority int) error {
	item := writeItem{req: req, priority: priority, result: make(chan error, 1)}
	select {
	case w.writeCh <- item:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-item.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handleWrite(ctx context.Context, item writeItem) {
	if !item.req.Deadline.IsZero() && w.clock.Now().After(item.req.Deadline) {
		item.result <- fmt.Errorf("worker: write deadline exceeded for %s", item.req.Address)
		return
	}
	item.result <- w.cfg.Driver.WriteValue(ctx, item.req)
}

// drainWrites flushes every write queued during the read phase, applying
// priority ordering: higher-priority writes drain first, and writes of equal
// priority keep their arrival order (stable sort). Because the whole batch
// queued since the last drain is serviced every cycle, a low-priority write
// waits at most one poll interval behind same-cycle high-priority writes —
// it is never starved indefinitely.
func (w *Worker) drainWrites(ctx context.Context) {
	pending := make([]writeItem, 0)
drain:
	for {
		select {
		case item := <-w.writeCh:
			pending = append(pending, item)
		default:
			break drain
		}
	}
	if len(pending) == 0 {
		return
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].priority > pending[j].priority })
	for _, item := range pending {
		w.handleWrite(ctx, item)
	}
}

func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
	<-w.doneCh
	_ = w.cfg.Driver.Disconnect(context.Background())
}
