// Package tracing is the built-in span backend for the request lifecycle
// coordinator.
//
// It implements W3C Trace Context propagation and span recording without any
// external dependencies, using only the standard library, and speaks OTLP
// (OpenTelemetry Protocol) over HTTP for export. Installations that already
// run an OpenTelemetry SDK can use the otelbridge package instead; both
// satisfy the coordinator's Gateway contract.
//
// Key properties:
//   - W3C Trace Context format (traceparent header) for distributed tracing
//   - Context propagation via context.Context
//   - Exactly-once terminal state per span: End reports it, Abandon discards
//     it, and whichever happens first wins
//   - Multiple exporters: stdout (for debugging), OTLP HTTP, and noop
//   - Thread-safe span operations
//
// Usage:
//
//	tracer := tracing.NewTracer("my-service",
//	    tracing.WithExporter(tracing.NewStdoutExporter()),
//	)
//
//	ctx, span := tracer.Start(ctx, "HTTP GET /api/users")
//	defer span.End()
//
//	span.SetAttribute("http.method", "GET")
//
//	if err != nil {
//	    span.SetStatus(tracing.StatusError, err.Error())
//	}
//
// Context propagation:
//
//	// Extract trace context from an incoming HTTP request
//	ctx := tracing.Extract(ctx, req.Header)
//
//	// Inject trace context into an outgoing HTTP request
//	tracing.Inject(ctx, outReq.Header)
//
// The package follows the W3C Trace Context specification:
// https://www.w3.org/TR/trace-context/
//
// Trace ID format: 32 hex characters (16 bytes)
// Span ID format: 16 hex characters (8 bytes)
// Traceparent format: {version}-{trace-id}-{parent-id}-{flags}
// Example: 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01
package tracing
