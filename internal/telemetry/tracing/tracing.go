// Package tracing provides a minimal span tracer for correlating log lines
// and events across a device poll -> pipeline fan-out -> sink chain.
// Grounded on internal/telemetry/tracing/tracing.go's hand-rolled span
// context propagated through context.Context. A third mode delegates to the
// OpenTelemetry SDK for deployments that already run an OTel collector
// alongside the otel-backed metrics.Provider.
package tracing

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool                          { return true }
func (noopSpan) End()                                  {}
func (noopSpan) SetAttribute(key string, value any)    {}
func (noopSpan) Context() SpanContext                  { return SpanContext{} }
func (noopSpan) IsEnded() bool                         { return true }

type simpleTracer struct{ enabled bool }

// adaptiveTracer samples traces only when no parent trace already exists,
// at the rate policyFn returns (0-100), to bound tracing overhead on a
// collector polling thousands of points per second.
type adaptiveTracer struct{ policyFn func() float64 }

type simpleSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{enabled: true}
}

func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	return &adaptiveTracer{policyFn: percentFn}
}

func (t simpleTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{ctx: SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.ctx.SpanID, Start: time.Now()}, attrs: make(map[string]any)}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	return ctx, sp
}
func (t simpleTracer) Noop() bool { return !t.enabled }

func (a *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		pct := a.policyFn()
		if pct <= 0 || rand.Float64()*100 > pct {
			return ctx, noopSpan{}
		}
		traceID = newID(16)
	}
	sp := &simpleSpan{ctx: SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.ctx.SpanID, Start: time.Now()}, attrs: make(map[string]any)}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	return ctx, sp
}
func (a *adaptiveTracer) Noop() bool { return false }

func (s *simpleSpan) End() {
	s.mu.Lock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
	s.mu.Unlock()
}
func (s *simpleSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
	s.mu.Unlock()
}
func (s *simpleSpan) Context() SpanContext { return s.ctx }
func (s *simpleSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// otelTracer delegates span creation to the OpenTelemetry SDK's global
// TracerProvider, set up by whatever exporter the process wired (typically
// alongside metrics.NewOTelProvider). Trace/span IDs surfaced through
// ExtractIDs come straight from the OTel SpanContext, so log lines stay
// correlated with whatever backend the OTel exporter ships to.
type otelTracer struct{ tr oteltrace.Tracer }

// NewOTelTracer returns a Tracer backed by the OpenTelemetry SDK, registered
// under tracerName (conventionally the instrumentation package name).
func NewOTelTracer(tracerName string) Tracer {
	return otelTracer{tr: otel.Tracer(tracerName)}
}

func (t otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, span := t.tr.Start(ctx, name)
	return spanCtx, &otelSpan{span: span}
}
func (t otelTracer) Noop() bool { return false }

type otelSpan struct {
	span  oteltrace.Span
	mu    sync.Mutex
	ended bool
}

func (s *otelSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprint(value)))
}

func (s *otelSpan) Context() SpanContext {
	sc := s.span.SpanContext()
	return SpanContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

func (s *otelSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spanKey struct{}

func SpanFromContext(ctx context.Context) *simpleSpan {
	if ctx == nil {
		return &simpleSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs returns the trace/span IDs of the active span in ctx, if any.
// It recognizes both the package's own hand-rolled span and one started by
// an otelTracer, since either may be live on a given request's context.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String(), sc.SpanID().String()
	}
	sp := SpanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
