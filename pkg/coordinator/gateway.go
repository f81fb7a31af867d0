package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tracetap/tracetap/pkg/tracing"
)

// SpanRef is the coordinator's handle on a backend span. The coordinator
// never touches backend types directly; everything it needs from a span fits
// in four methods.
type SpanRef interface {
	// TraceID returns the hex trace ID.
	TraceID() string
	// SpanID returns the hex span ID.
	SpanID() string
	// Root reports whether the span started its trace.
	Root() bool
	// SetTag sets a key-value tag. Tags set after the span reached a
	// terminal state are dropped by the backend.
	SetTag(key, value string)
}

// Gateway adapts a tracing backend to the three verbs the coordinator
// needs. Implementations exist for the built-in backend (BackendGateway) and
// for OpenTelemetry (pkg/otelbridge).
type Gateway interface {
	// ExtractOrCreate starts a server span for the request, continuing the
	// trace found in the request headers when one is present. hadParent
	// reports whether the wire carried a usable trace context.
	ExtractOrCreate(r *http.Request, name string) (span SpanRef, hadParent bool)

	// Context returns a context carrying the span, so handlers can parent
	// their own work under it.
	Context(ctx context.Context, span SpanRef) context.Context

	// Finalize records the response outcome on the span and reports it.
	// Finalizing a span that already reached a terminal state is a no-op in
	// the backend.
	Finalize(span SpanRef, status int, err error)

	// Abandon discards the span without reporting it.
	Abandon(span SpanRef)
}

// BackendGateway adapts the built-in tracing backend.
type BackendGateway struct {
	tracer *tracing.Tracer
}

// NewBackendGateway returns a Gateway over the given tracer.
func NewBackendGateway(t *tracing.Tracer) *BackendGateway {
	return &BackendGateway{tracer: t}
}

// ExtractOrCreate starts a server span, continuing a W3C traceparent from
// the request headers when present.
func (g *BackendGateway) ExtractOrCreate(r *http.Request, name string) (SpanRef, bool) {
	ctx := tracing.Extract(r.Context(), r.Header)
	hadParent := tracing.SpanContextFromContext(ctx).IsValid()

	_, span := g.tracer.Start(ctx, name)
	span.SetKind(tracing.SpanKindServer)

	span.SetAttribute("http.method", r.Method)
	span.SetAttribute("http.url", r.URL.String())
	span.SetAttribute("http.target", r.URL.Path)
	span.SetAttribute("http.host", r.Host)
	if r.TLS != nil {
		span.SetAttribute("http.scheme", "https")
	} else {
		span.SetAttribute("http.scheme", "http")
	}
	if ua := r.UserAgent(); ua != "" {
		span.SetAttribute("http.user_agent", ua)
	}
	if r.ContentLength > 0 {
		span.SetAttribute("http.request_content_length", strconv.FormatInt(r.ContentLength, 10))
	}

	return &backendSpan{span: span}, hadParent
}

// Context stores the span in the context for downstream parenting.
func (g *BackendGateway) Context(ctx context.Context, span SpanRef) context.Context {
	bs, ok := span.(*backendSpan)
	if !ok {
		return ctx
	}
	return tracing.ContextWithSpan(ctx, bs.span)
}

// Finalize records the status code and failure on the span and ends it.
func (g *BackendGateway) Finalize(span SpanRef, status int, err error) {
	bs, ok := span.(*backendSpan)
	if !ok {
		return
	}
	s := bs.span

	if status > 0 {
		s.SetAttribute("http.status_code", strconv.Itoa(status))
	}
	switch {
	case err != nil:
		s.SetStatus(tracing.StatusError, err.Error())
	case status >= 500:
		s.SetStatus(tracing.StatusError, fmt.Sprintf("HTTP server error: %d", status))
	case status >= 400:
		s.SetStatus(tracing.StatusError, fmt.Sprintf("HTTP client error: %d", status))
	default:
		s.SetStatus(tracing.StatusOK, "")
	}
	s.End()
}

// Abandon discards the span without reporting it.
func (g *BackendGateway) Abandon(span SpanRef) {
	if bs, ok := span.(*backendSpan); ok {
		bs.span.Abandon()
	}
}

type backendSpan struct {
	span *tracing.Span
}

func (s *backendSpan) TraceID() string { return s.span.TraceID }
func (s *backendSpan) SpanID() string  { return s.span.SpanID }
func (s *backendSpan) Root() bool      { return s.span.IsRoot() }

func (s *backendSpan) SetTag(key, value string) {
	s.span.SetAttribute(key, value)
}
