// Package pipeline fans out Device Worker samples to the Live Value Cache
// and Rule Engine synchronously, and to the Historian Buffer through a
// bounded async mailbox, so a slow historian never backs up polling.
// Grounded on internal/pipeline/pipeline.go's multi-stage worker-pool
// architecture, narrowed from four stages to one fan-out stage since
// PulseOne has no discovery/extraction/processing/output split — one
// sample goes to three sinks instead of flowing through four queues.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/worker"
)

// RuleSink receives samples for alarm/virtual-point evaluation.
type RuleSink interface {
	Accept(domain.PointID, domain.CurrentValue)
}

// CacheSink receives samples for the Live Value Cache.
type CacheSink interface {
	Put(ctx context.Context, cv domain.CurrentValue) bool
}

// HistorianSink receives samples for durable storage. Record reports
// whether the sample was actually accepted (false when the sink dropped it
// under backpressure).
type HistorianSink interface {
	Record(point domain.PointID, cv domain.CurrentValue) bool
}

// Metrics is a snapshot of fan-out throughput, mirroring the teacher's
// PipelineMetrics/StageMetrics shape narrowed to one stage.
type Metrics struct {
	Delivered      uint64
	HistorianDrops uint64
}

// Config wires the three sinks a sample fans out to.
type Config struct {
	Cache     CacheSink
	Rules     RuleSink
	Historian HistorianSink
	Workers   int // concurrent fan-out workers draining the mailbox
	QueueSize int
}

// Pipeline is the fan-out conveyor between Device Workers and the
// downstream consumers.
type Pipeline struct {
	cfg Config

	inbox chan worker.Sample

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered      uint64
	historianDrops uint64
	closed         atomic.Bool
}

func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{cfg: cfg, inbox: make(chan worker.Sample, cfg.QueueSize), ctx: ctx, cancel: cancel}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.fanOutLoop()
	}
	return p
}

// Accept implements worker.Sink; Device Workers call this directly after
// filtering a sample worth reporting.
func (p *Pipeline) Accept(s worker.Sample) {
	if p.closed.Load() {
		return
	}
	select {
	case p.inbox <- s:
	case <-p.ctx.Done():
	}
}

func (p *Pipeline) fanOutLoop() {
	defer p.wg.Done()
	for {
		select {
		case s, ok := <-p.inbox:
			if !ok {
				return
			}
			p.deliver(s)
		case <-p.ctx.Done():
			for s := range p.inbox {
				p.deliver(s)
			}
			return
		}
	}
}

func (p *Pipeline) deliver(s worker.Sample) {
	if p.cfg.Cache != nil {
		p.cfg.Cache.Put(p.ctx, s.Value)
	}
	if p.cfg.Rules != nil {
		p.cfg.Rules.Accept(s.Point, s.Value)
	}
	// Only samples that passed the Worker's log/deadband policy go to the
	// Historian; the Cache and Rule Engine above always see every sample,
	// skipped-for-logging or not (spec §4.2 step 4, scenario S1).
	if p.cfg.Historian != nil && s.Loggable {
		if !p.cfg.Historian.Record(s.Point, s.Value) {
			atomic.AddUint64(&p.historianDrops, 1)
		}
	}
	atomic.AddUint64(&p.delivered, 1)
}

func (p *Pipeline) Metrics() Metrics {
	return Metrics{
		Delivered:      atomic.LoadUint64(&p.delivered),
		HistorianDrops: atomic.LoadUint64(&p.historianDrops),
	}
}

// Stop drains the inbox and halts all fan-out workers.
func (p *Pipeline) Stop() {
	p.closed.Store(true)
	p.cancel()
	close(p.inbox)
	p.wg.Wait()
}
