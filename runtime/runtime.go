// Package runtime composes the collector's components into one running
// process: the Driver Factory, Worker Registry, Pipeline, Live Value
// Cache, Historian Buffer, Alarm and Virtual-Point engines, telemetry, and
// the introspection surface. Everything is wired by explicit constructor
// injection, grounded on the teacher's engine.go facade (constructor
// wiring order, Start/Stop, snapshot accessors) — no package-level
// singletons, per spec §9's redesign note.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/pulseone/collector/cache"
	"github.com/pulseone/collector/config"
	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
	"github.com/pulseone/collector/driver/bacnet"
	"github.com/pulseone/collector/driver/mqtt"
	"github.com/pulseone/collector/driver/modbus"
	"github.com/pulseone/collector/driver/opcua"
	"github.com/pulseone/collector/historian"
	"github.com/pulseone/collector/internal/housekeeping"
	"github.com/pulseone/collector/internal/introspection"
	"github.com/pulseone/collector/internal/registry"
	"github.com/pulseone/collector/internal/telemetry/events"
	"github.com/pulseone/collector/internal/telemetry/health"
	"github.com/pulseone/collector/internal/telemetry/logging"
	"github.com/pulseone/collector/internal/telemetry/metrics"
	"github.com/pulseone/collector/internal/telemetry/tracing"
	"github.com/pulseone/collector/pipeline"
	"github.com/pulseone/collector/rules/alarm"
	"github.com/pulseone/collector/rules/virtual"
	"github.com/pulseone/collector/worker"
)

// Options configures the Runtime root. Only Config is required; everything
// else has a sane zero-value default so tests can build a minimal Runtime
// without a database or Redis instance.
type Options struct {
	Config *config.Config

	Logger         *logging.Logger
	MetricsProvider metrics.Provider
	// Tracer correlates a sample's poll, rule evaluation, and sink delivery
	// under one span tree. Nil disables tracing (the default).
	Tracer tracing.Tracer

	// DB and Redis are optional external connections. When nil, the
	// historian and cache mirror run in degraded (in-process-only) mode.
	DB    *sqlx.DB
	Redis *redis.Client
}

// Runtime is the composed collector process.
type Runtime struct {
	opts Options

	factory  *registry.DriverFactory
	workers  *registry.WorkerRegistry
	cache    *cache.Cache
	hist     *historian.Historian
	pipe     *pipeline.Pipeline
	alarms   *alarm.Engine
	virtuals *virtual.Engine
	events   events.Bus
	health   *health.Evaluator
	intro    *introspection.Server
	house    *housekeeping.Scheduler

	logger *logging.Logger

	mu      sync.Mutex
	running map[string]*worker.Worker
	wg      sync.WaitGroup
}

// ruleFanout implements pipeline.RuleSink by delivering every sample to
// both the Alarm Evaluator and the Virtual-Point Evaluator, since spec
// §4.3 requires both sub-engines see every accepted sample.
type ruleFanout struct {
	alarms   *alarm.Engine
	virtuals *virtual.Engine
}

func (f ruleFanout) Accept(point domain.PointID, cv domain.CurrentValue) {
	if f.alarms != nil {
		f.alarms.Accept(point, cv)
	}
	if f.virtuals != nil {
		f.virtuals.Accept(point, cv)
	}
}

// alarmNotifier adapts the Alarm Evaluator's occurrence callback onto the
// operational event bus, so occurrence transitions reach the introspection
// websocket stream the same way device/driver status changes do.
type alarmNotifier struct{ bus events.Bus }

func (n alarmNotifier) Notify(occ domain.AlarmOccurrence) {
	if n.bus == nil {
		return
	}
	_ = n.bus.Publish(events.Event{
		Category: events.CategoryAlarm,
		Type:     occ.State.String(),
		Fields: map[string]interface{}{
			"rule_id": occ.RuleID,
			"target":  occ.Target.String(),
			"value":   occ.Value,
			"message": occ.Message,
		},
	})
}

// New builds a Runtime from Options but does not start it. Driver
// factories for every built-in protocol are registered up front;
// AlarmRules and VirtualPoints are taken from opts.Config.
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("runtime: Config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.MetricsProvider == nil {
		opts.MetricsProvider = metrics.NewNoopProvider()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.NewTracer(false)
	}

	factory := registry.NewDriverFactory()
	factory.Register(domain.ProtocolModbus, modbus.New)
	factory.Register(domain.ProtocolMQTT, mqtt.New)
	factory.Register(domain.ProtocolBACnet, bacnet.New)
	factory.Register(domain.ProtocolOPCUA, opcua.New)

	lvc := cache.New(cache.Config{
		Redis:     opts.Redis,
		MirrorTTL: opts.Config.Cache.MirrorTTL,
		KeyPrefix: opts.Config.Cache.KeyPrefix,
	})

	hist := historian.New(historian.Config{
		DB:            opts.DB,
		Table:         opts.Config.Historian.Table,
		QueueCapacity: opts.Config.Historian.QueueCapacity,
		BatchSize:     opts.Config.Historian.BatchSize,
		FlushInterval: opts.Config.Historian.FlushInterval,
	})

	bus := events.NewBus(opts.MetricsProvider)

	alarmEngine := alarm.NewEngine(opts.Config.ToAlarmRules(), alarmNotifier{bus: bus})
	alarmEngine.SetTracer(opts.Tracer)

	virtualEngine, err := virtual.NewEngine(opts.Config.ToVirtualPoints(), lvc, nil)
	if err != nil {
		return nil, fmt.Errorf("runtime: virtual point graph: %w", err)
	}

	pipe := pipeline.New(pipeline.Config{
		Cache:     lvc,
		Rules:     ruleFanout{alarms: alarmEngine, virtuals: virtualEngine},
		Historian: hist,
	})
	// virtual points publish their computed samples back through the same
	// pipeline, per spec §4.5 ("publishes the result back into the
	// pipeline as a new sample").
	virtualEngine.SetSink(pipelineVirtualSink{pipe: pipe})

	workers := registry.NewWorkerRegistry()

	healthEval := health.NewEvaluator(5*time.Second,
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			stats := hist.Stats()
			if stats.Queued > 0 && stats.Dropped > 0 {
				return health.Degraded("historian", "samples are being dropped")
			}
			return health.Healthy("historian")
		}),
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if opts.MetricsProvider.Health(ctx) != nil {
				return health.Degraded("metrics", "provider unhealthy")
			}
			return health.Healthy("metrics")
		}),
	)

	intro := introspection.New(introspection.Config{
		ListenAddr: opts.Config.Introspection.ListenAddr,
		Values:     lvc,
		Alarms:     alarmEngine,
		Health:     healthEval,
		Events:     bus,
		Devices:    workers,
	})

	house := housekeeping.New(housekeeping.Config{Cache: lvc, Alarms: alarmEngine})

	return &Runtime{
		opts:     opts,
		factory:  factory,
		workers:  workers,
		cache:    lvc,
		hist:     hist,
		pipe:     pipe,
		alarms:   alarmEngine,
		virtuals: virtualEngine,
		events:   bus,
		health:   healthEval,
		intro:    intro,
		house:    house,
		logger:   opts.Logger,
		running:  make(map[string]*worker.Worker),
	}, nil
}

// pipelineVirtualSink adapts *pipeline.Pipeline to virtual.Sink so computed
// virtual-point samples re-enter the fan-out as worker.Sample would, minus
// a source device (virtual points have none).
type pipelineVirtualSink struct{ pipe *pipeline.Pipeline }

func (s pipelineVirtualSink) Accept(point domain.PointID, cv domain.CurrentValue) {
	s.pipe.Accept(worker.Sample{Point: point, Value: cv})
}

// Start constructs and starts one Worker per enabled Device, arms the
// virtual-point engine's timers, starts the housekeeping scheduler, and
// begins serving the introspection HTTP surface.
func (r *Runtime) Start(ctx context.Context) error {
	for _, dc := range r.opts.Config.ToDevices() {
		if !dc.Enabled {
			continue
		}
		if err := r.startDevice(ctx, dc); err != nil {
			r.logger.ForDevice(dc.ID).Error("failed to start device worker")
			return fmt.Errorf("runtime: start device %s: %w", dc.ID, err)
		}
	}

	r.virtuals.Start()
	if err := r.house.Start(); err != nil {
		return fmt.Errorf("runtime: housekeeping: %w", err)
	}

	if r.opts.Config.Introspection.ListenAddr != "" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = r.intro.ListenAndServe()
		}()
	}
	return nil
}

func (r *Runtime) startDevice(ctx context.Context, dev domain.Device) error {
	drv, err := r.factory.Build(dev)
	if err != nil {
		return err
	}
	if err := drv.Initialize(ctx, dev); err != nil {
		return err
	}

	w := worker.New(worker.Config{Device: dev, Driver: drv, Sink: r.pipe, Tracer: r.opts.Tracer})

	r.mu.Lock()
	r.running[dev.ID] = w
	r.mu.Unlock()
	r.workers.Add(w)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = w.Run(ctx)
	}()
	return nil
}

// AddDevice starts a new Worker for a Device discovered after Start (e.g.
// on a config reload), without disturbing any already-running worker.
func (r *Runtime) AddDevice(ctx context.Context, dev domain.Device) error {
	if !dev.Enabled {
		return nil
	}
	if _, ok := r.workers.Get(dev.ID); ok {
		return fmt.Errorf("runtime: device %s already running", dev.ID)
	}
	return r.startDevice(ctx, dev)
}

// RemoveDevice stops and forgets the Worker for a Device that has been
// disabled or removed from configuration.
func (r *Runtime) RemoveDevice(deviceID string) {
	w, ok := r.workers.Get(deviceID)
	if !ok {
		return
	}
	w.Stop()
	r.workers.Remove(deviceID)
	r.mu.Lock()
	delete(r.running, deviceID)
	r.mu.Unlock()
}

// WriteValue routes a write request to the named device's worker,
// enqueuing it on that worker's priority inbox (spec §4.2).
func (r *Runtime) WriteValue(ctx context.Context, deviceID string, req driver.WriteRequest, priority int) error {
	r.mu.Lock()
	w, ok := r.running[deviceID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no running worker for device %s", deviceID)
	}
	return w.WriteValue(ctx, req, priority)
}

// Acknowledge routes an operator acknowledgement to the Alarm Evaluator.
func (r *Runtime) Acknowledge(ruleID string, target domain.PointID, by string) error {
	return r.alarms.Acknowledge(ruleID, target, by)
}

// Shelve routes an operator shelve request to the Alarm Evaluator,
// silencing an occurrence's notifications until it expires.
func (r *Runtime) Shelve(ruleID string, target domain.PointID, until time.Time, by string) error {
	return r.alarms.Shelve(ruleID, target, until, by)
}

// Suppress routes an operator suppression request to the Alarm Evaluator.
func (r *Runtime) Suppress(ruleID string, target domain.PointID, by string) error {
	return r.alarms.Suppress(ruleID, target, by)
}

// Clear routes an operator-initiated clear to the Alarm Evaluator, closing
// an occurrence regardless of its rule's AutoClear setting.
func (r *Runtime) Clear(ruleID string, target domain.PointID, by, comment string) error {
	return r.alarms.Clear(ruleID, target, by, comment)
}

// Stop halts every running Worker, the virtual-point engine, housekeeping,
// the introspection server, and drains the pipeline and historian, in that
// order so no in-flight sample is lost mid-shutdown.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.RemoveDevice(id)
	}

	r.virtuals.Stop()
	r.house.Stop()
	_ = r.intro.Close()
	r.wg.Wait()

	r.pipe.Stop()
	_ = r.cache.Close()
	return r.hist.Close()
}

// Cache exposes the Live Value Cache for read-only callers (tests,
// integration code embedding the Runtime).
func (r *Runtime) Cache() *cache.Cache { return r.cache }

// Alarms exposes the Alarm Evaluator for read-only callers.
func (r *Runtime) Alarms() *alarm.Engine { return r.alarms }

// Events exposes the operational event bus.
func (r *Runtime) Events() events.Bus { return r.events }

// Health returns the current rolled-up health snapshot.
func (r *Runtime) Health(ctx context.Context) health.Snapshot { return r.health.Evaluate(ctx) }

// DeviceIDs returns the IDs of every currently running Worker.
func (r *Runtime) DeviceIDs() []string { return r.workers.List() }
