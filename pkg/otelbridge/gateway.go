// Package otelbridge adapts an OpenTelemetry tracer to the coordinator's
// Gateway interface, so an application that already owns an OTel
// TracerProvider keeps its exporter, sampler and propagator stack and only
// hands the coordinator a tracer.
package otelbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracetap/tracetap/pkg/coordinator"
)

// Gateway implements coordinator.Gateway over the OpenTelemetry API.
type Gateway struct {
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPropagator replaces the default W3C trace-context propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(g *Gateway) {
		if p != nil {
			g.prop = p
		}
	}
}

// New returns a Gateway over the given tracer.
func New(tracer trace.Tracer, opts ...Option) *Gateway {
	g := &Gateway{
		tracer: tracer,
		prop:   propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ExtractOrCreate starts a server span for the request, parented on the
// trace context the propagator finds in the headers.
func (g *Gateway) ExtractOrCreate(r *http.Request, name string) (coordinator.SpanRef, bool) {
	ctx := g.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	hadParent := trace.SpanContextFromContext(ctx).IsValid()

	ctx, span := g.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.String("http.host", r.Host),
		),
	)

	return &otelSpan{ctx: ctx, span: span, root: !hadParent}, hadParent
}

// Context returns a context carrying the span for downstream parenting.
func (g *Gateway) Context(ctx context.Context, span coordinator.SpanRef) context.Context {
	os, ok := span.(*otelSpan)
	if !ok {
		return ctx
	}
	return trace.ContextWithSpan(ctx, os.span)
}

// Finalize records the outcome on the span and ends it. The SDK only hands
// ended spans to the exporter, so this is the single reporting point.
func (g *Gateway) Finalize(span coordinator.SpanRef, status int, err error) {
	os, ok := span.(*otelSpan)
	if !ok || !os.claim() {
		return
	}
	s := os.span

	if status > 0 {
		s.SetAttributes(attribute.Int("http.status_code", status))
	}
	switch {
	case err != nil:
		s.RecordError(err)
		s.SetStatus(codes.Error, err.Error())
	case status >= 400:
		s.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	default:
		s.SetStatus(codes.Ok, "")
	}
	s.End()
}

// Abandon discards the span. It is never ended, and a span that never ends
// never reaches the exporter.
func (g *Gateway) Abandon(span coordinator.SpanRef) {
	if os, ok := span.(*otelSpan); ok {
		os.claim()
	}
}

// otelSpan wraps trace.Span behind the coordinator's SpanRef. The terminal
// flag keeps finalize-after-abandon (and the reverse) from reporting a span
// whose disposition was already settled.
type otelSpan struct {
	ctx  context.Context
	span trace.Span
	root bool

	mu       sync.Mutex
	terminal bool
}

// claim marks the span terminal and reports whether this caller won.
func (s *otelSpan) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return false
	}
	s.terminal = true
	return true
}

func (s *otelSpan) TraceID() string {
	return s.span.SpanContext().TraceID().String()
}

func (s *otelSpan) SpanID() string {
	return s.span.SpanContext().SpanID().String()
}

func (s *otelSpan) Root() bool {
	return s.root
}

func (s *otelSpan) SetTag(key, value string) {
	s.mu.Lock()
	terminal := s.terminal
	s.mu.Unlock()
	if terminal {
		return
	}
	s.span.SetAttributes(attribute.String(key, value))
}
