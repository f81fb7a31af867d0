package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Tracer creates spans and manages span lifecycle.
type Tracer struct {
	serviceName string
	exporter    Exporter
	sampler     Sampler
	mu          sync.Mutex
	spans       []*Span
	batchSize   int
	wg          sync.WaitGroup // tracks in-flight exports
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithExporter sets the exporter for the tracer.
func WithExporter(e Exporter) TracerOption {
	return func(t *Tracer) {
		t.exporter = e
	}
}

// WithSampler sets the sampler for the tracer.
func WithSampler(s Sampler) TracerOption {
	return func(t *Tracer) {
		t.sampler = s
	}
}

// WithBatchSize sets the batch size for span export.
func WithBatchSize(size int) TracerOption {
	return func(t *Tracer) {
		t.batchSize = size
	}
}

// Sampler decides whether a span should be recorded.
type Sampler interface {
	ShouldSample(traceID string) bool
}

// AlwaysSample is a sampler that always samples.
type AlwaysSample struct{}

// ShouldSample always returns true.
func (AlwaysSample) ShouldSample(string) bool { return true }

// NeverSample is a sampler that never samples.
type NeverSample struct{}

// ShouldSample always returns false.
func (NeverSample) ShouldSample(string) bool { return false }

// RatioSampler samples a percentage of traces.
type RatioSampler struct {
	ratio float64
}

// NewRatioSampler creates a sampler that samples the given ratio of traces.
func NewRatioSampler(ratio float64) *RatioSampler {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return &RatioSampler{ratio: ratio}
}

// ShouldSample returns true if the trace should be sampled based on trace ID.
// The decision is deterministic per trace ID, so every span of a trace lands
// on the same side.
func (s *RatioSampler) ShouldSample(traceID string) bool {
	if s.ratio >= 1 {
		return true
	}
	if s.ratio <= 0 {
		return false
	}
	if len(traceID) < 16 {
		return true
	}
	b, err := hex.DecodeString(traceID[:16])
	if err != nil {
		return true
	}
	var val uint64
	for i := 0; i < 8; i++ {
		val = (val << 8) | uint64(b[i])
	}
	threshold := uint64(s.ratio * float64(^uint64(0)))
	return val < threshold
}

// NewTracer creates a new Tracer with the given service name.
func NewTracer(serviceName string, opts ...TracerOption) *Tracer {
	t := &Tracer{
		serviceName: serviceName,
		sampler:     AlwaysSample{},
		batchSize:   100,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start creates a new span with the given name.
//
// If the context carries a span, the new span is its child. If the context
// carries an extracted SpanContext (from Extract), the new span continues
// that trace as a child of the remote span. Otherwise the span is a root:
// new trace ID, no parent.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	var traceID, parentID string

	if parent := SpanFromContext(ctx); parent != nil {
		traceID = parent.TraceID
		parentID = parent.SpanID
	} else if sc := SpanContextFromContext(ctx); sc.IsValid() {
		traceID = sc.TraceID
		parentID = sc.SpanID
	}

	if traceID == "" {
		traceID = generateTraceID()
	}

	if !t.sampler.ShouldSample(traceID) {
		// Non-recording span: ended at birth so no operation records and
		// no terminal action exports it.
		span := &Span{
			TraceID:   traceID,
			SpanID:    generateSpanID(),
			ParentID:  parentID,
			Name:      name,
			StartTime: time.Now(),
			ended:     true,
		}
		return contextWithSpan(ctx, span), span
	}

	span := &Span{
		TraceID:    traceID,
		SpanID:     generateSpanID(),
		ParentID:   parentID,
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]string),
		tracer:     t,
	}
	span.Attributes["service.name"] = t.serviceName

	return contextWithSpan(ctx, span), span
}

// ServiceName returns the tracer's service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	spans := t.spans
	t.spans = nil
	t.mu.Unlock()

	if t.exporter == nil {
		return nil
	}
	if len(spans) > 0 {
		if err := t.exporter.Export(spans); err != nil {
			return err
		}
	}
	return t.exporter.Shutdown(ctx)
}

// exportSpan adds a span to the batch and exports if the batch is full.
func (t *Tracer) exportSpan(span *Span) {
	if t.exporter == nil {
		return
	}

	t.mu.Lock()
	t.spans = append(t.spans, span)
	if len(t.spans) >= t.batchSize {
		spans := t.spans
		t.spans = nil
		t.wg.Add(1)
		t.mu.Unlock()

		// Export in background to avoid blocking the request path
		go func() {
			defer t.wg.Done()
			_ = t.exporter.Export(spans)
		}()
		return
	}
	t.mu.Unlock()
}

// Flush exports any buffered spans immediately and waits for in-flight exports.
func (t *Tracer) Flush() error {
	t.wg.Wait()

	t.mu.Lock()
	spans := t.spans
	t.spans = nil
	t.mu.Unlock()

	if t.exporter != nil && len(spans) > 0 {
		return t.exporter.Export(spans)
	}
	return nil
}

// generateTraceID generates a random 16-byte trace ID as a hex string.
func generateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// generateSpanID generates a random 8-byte span ID as a hex string.
func generateSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Context key types for storing span information.
type spanContextKey struct{}
type spanContextValueKey struct{}

// contextWithSpan returns a new context with the span stored in it.
func contextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// ContextWithSpan returns a new context carrying the span, so downstream
// handlers parent their own spans under it.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return contextWithSpan(ctx, span)
}

// SpanFromContext returns the current span from the context, or nil if none.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanContextKey{}).(*Span); ok {
		return span
	}
	return nil
}

// contextWithSpanContext returns a context with the SpanContext stored in it.
func contextWithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, spanContextValueKey{}, sc)
}

// SpanContextFromContext returns the SpanContext from the context.
func SpanContextFromContext(ctx context.Context) SpanContext {
	if sc, ok := ctx.Value(spanContextValueKey{}).(SpanContext); ok {
		return sc
	}
	return SpanContext{}
}
