// Package virtual implements the Virtual-Point Evaluator: a dependency
// graph over other points with load-time cycle detection, timer/on-change/
// event/on-demand triggers, and script/formula/aggregate/reference
// executors. The cron-expression timer path rides on
// github.com/robfig/cron/v3 (sourced from r3e-network-service_layer); the
// sub-second timer path uses a small hierarchical time wheel, grounded on
// resources/manager.go's container/list-based LRU for the list bookkeeping
// idiom.
package virtual

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/robfig/cron/v3"

	"github.com/pulseone/collector/domain"
)

// Source supplies current values for a virtual point's dependencies.
type Source interface {
	Get(domain.PointID) (domain.CurrentValue, bool)
}

// Sink receives computed virtual point values.
type Sink interface {
	Accept(domain.PointID, domain.CurrentValue)
}

// Engine is the Virtual-Point Evaluator.
type Engine struct {
	mu     sync.Mutex
	points map[string]*domain.VirtualPoint
	last   map[string]domain.CurrentValue

	source Source
	sink   Sink

	wheel *timeWheel
	cron  *cron.Cron

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine builds the dependency graph for points, returning
// domain.ErrVirtualPointCycle if any dependency chain cycles.
func NewEngine(points []domain.VirtualPoint, source Source, sink Sink) (*Engine, error) {
	e := &Engine{
		points: make(map[string]*domain.VirtualPoint, len(points)),
		last:   make(map[string]domain.CurrentValue),
		source: source,
		sink:   sink,
		wheel:  newTimeWheel(100 * time.Millisecond),
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
	for i := range points {
		vp := &points[i]
		e.points[vp.ID] = vp
	}
	if err := e.detectCycles(); err != nil {
		return nil, err
	}
	return e, nil
}

// detectCycles runs a DFS over the virtual-point dependency graph, only
// following edges that themselves target other virtual points (a
// dependency on a DataPoint is always a leaf).
func (e *Engine) detectCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(e.points))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return domain.ErrVirtualPointCycle
		case black:
			return nil
		}
		color[id] = gray
		vp, ok := e.points[id]
		if ok {
			for _, dep := range vp.Dependencies {
				if dep.Kind != domain.PointKindVirtual {
					continue
				}
				if err := visit(dep.ID); err != nil {
					return fmt.Errorf("virtual point %s: %w", id, err)
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range e.points {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Start arms every timer and cron trigger and begins the evaluation loop.
func (e *Engine) Start() {
	for _, vp := range e.points {
		vp := vp
		switch vp.Trigger {
		case domain.VirtualTriggerTimer:
			if vp.CronExpr != "" {
				_, _ = e.cron.AddFunc(vp.CronExpr, func() { e.Evaluate(vp.ID) })
			} else if vp.TimerPeriod > 0 {
				e.wheel.Schedule(vp.ID, vp.TimerPeriod, func() { e.Evaluate(vp.ID) })
			}
		}
	}
	e.cron.Start()
	e.wg.Add(1)
	go e.wheel.Run(e.stopCh, &e.wg)
}

func (e *Engine) Stop() {
	e.cron.Stop()
	close(e.stopCh)
	e.wg.Wait()
}

// SetSink wires (or rewires) the destination for computed virtual-point
// samples. Separated from NewEngine so a runtime composition root can build
// the engine before its eventual sink (typically the same Pipeline the
// engine itself feeds into) exists.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Accept implements pipeline.RuleSink for on-change triggered virtual
// points: any point update is checked against every virtual point that
// lists it as a dependency.
func (e *Engine) Accept(point domain.PointID, cv domain.CurrentValue) {
	e.mu.Lock()
	var toEval []string
	for id, vp := range e.points {
		if vp.Trigger != domain.VirtualTriggerOnChange {
			continue
		}
		for _, dep := range vp.Dependencies {
			if dep == point {
				toEval = append(toEval, id)
				break
			}
		}
	}
	e.mu.Unlock()
	for _, id := range toEval {
		e.Evaluate(id)
	}
}

// Evaluate recomputes one virtual point's value and forwards the result to
// the sink, applying the point's ErrorPolicy if evaluation fails (spec S5).
func (e *Engine) Evaluate(id string) {
	e.mu.Lock()
	vp, ok := e.points[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	pid := domain.PointID{Kind: domain.PointKindVirtual, ID: id}
	value, quality, err := e.compute(vp)
	if err != nil {
		value, quality = e.applyErrorPolicy(vp)
		if value == nil {
			return
		}
	}

	cv := domain.CurrentValue{Point: pid, Value: *value, Quality: quality, Timestamp: time.Now()}
	e.mu.Lock()
	e.last[id] = cv
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink.Accept(pid, cv)
	}
}

// applyErrorPolicy decides the substitute value and quality to emit when
// compute fails (spec §4.5 error policies, scenario S5). return_last is the
// one policy that reuses a previously *good-or-not* reading rather than a
// policy-chosen constant, so its quality is tagged uncertain rather than
// bad — the value itself may still be accurate, it is the staleness of
// reusing it that is in question, not its correctness.
func (e *Engine) applyErrorPolicy(vp *domain.VirtualPoint) (*float64, domain.Quality) {
	switch vp.ErrorPolicy {
	case domain.VirtualErrorReturnNull:
		return nil, domain.QualityBad
	case domain.VirtualErrorReturnLast:
		e.mu.Lock()
		last, ok := e.last[vp.ID]
		e.mu.Unlock()
		if !ok {
			return nil, domain.QualityBad
		}
		v := last.Value
		return &v, domain.QualityUncertain
	case domain.VirtualErrorReturnZero:
		v := 0.0
		return &v, domain.QualityBad
	case domain.VirtualErrorReturnDefault:
		v := vp.DefaultValue
		return &v, domain.QualityBad
	default:
		return nil, domain.QualityBad
	}
}

func (e *Engine) compute(vp *domain.VirtualPoint) (*float64, domain.Quality, error) {
	switch vp.Executor {
	case domain.VirtualExecutorScript:
		return e.computeScript(vp)
	case domain.VirtualExecutorFormula:
		return e.computeFormula(vp)
	case domain.VirtualExecutorAggregate:
		return e.computeAggregate(vp)
	case domain.VirtualExecutorReference:
		return e.computeReference(vp)
	default:
		return nil, domain.QualityBad, fmt.Errorf("virtual: unknown executor for %s", vp.ID)
	}
}

// depValues reads every dependency's current value, returning the worst
// quality seen across them alongside the plain values: a virtual point is
// only as trustworthy as its least trustworthy input (spec §4.5 "quality
// determined by inputs' worst quality").
func (e *Engine) depValues(vp *domain.VirtualPoint) (map[string]float64, domain.Quality, error) {
	vals := make(map[string]float64, len(vp.Dependencies))
	quality := domain.QualityGood
	for _, dep := range vp.Dependencies {
		cv, ok := e.source.Get(dep)
		if !ok {
			return nil, domain.QualityBad, fmt.Errorf("virtual: dependency %s has no value", dep)
		}
		vals[dep.ID] = cv.Value
		quality = domain.WorstQuality(quality, cv.Quality)
	}
	return vals, quality, nil
}

func (e *Engine) computeScript(vp *domain.VirtualPoint) (*float64, domain.Quality, error) {
	vals, quality, err := e.depValues(vp)
	if err != nil {
		return nil, domain.QualityBad, err
	}
	vm := goja.New()
	for k, v := range vals {
		if err := vm.Set(k, v); err != nil {
			return nil, domain.QualityBad, err
		}
	}
	result, err := vm.RunString(vp.Script)
	if err != nil {
		return nil, domain.QualityBad, err
	}
	v := result.ToFloat()
	return &v, quality, nil
}

func (e *Engine) computeFormula(vp *domain.VirtualPoint) (*float64, domain.Quality, error) {
	// Formula executor delegates to the same goja runtime as scripts; a
	// formula is just a script without statements, e.g. "a + b * 2".
	return e.computeScript(vp)
}

func (e *Engine) computeAggregate(vp *domain.VirtualPoint) (*float64, domain.Quality, error) {
	vals, quality, err := e.depValues(vp)
	if err != nil {
		return nil, domain.QualityBad, err
	}
	if len(vals) == 0 {
		return nil, domain.QualityBad, fmt.Errorf("virtual: no dependency values for aggregate %s", vp.ID)
	}
	var sum, max, min float64
	first := true
	for _, v := range vals {
		sum += v
		if first || v > max {
			max = v
		}
		if first || v < min {
			min = v
		}
		first = false
	}
	var out float64
	switch vp.Aggregate {
	case "sum":
		out = sum
	case "avg":
		out = sum / float64(len(vals))
	case "max":
		out = max
	case "min":
		out = min
	default:
		return nil, domain.QualityBad, fmt.Errorf("virtual: unknown aggregate %q", vp.Aggregate)
	}
	return &out, quality, nil
}

func (e *Engine) computeReference(vp *domain.VirtualPoint) (*float64, domain.Quality, error) {
	if len(vp.Dependencies) != 1 {
		return nil, domain.QualityBad, fmt.Errorf("virtual: reference executor requires exactly one dependency")
	}
	cv, ok := e.source.Get(vp.Dependencies[0])
	if !ok {
		return nil, domain.QualityBad, fmt.Errorf("virtual: reference target has no value")
	}
	v := cv.Value
	return &v, cv.Quality, nil
}
