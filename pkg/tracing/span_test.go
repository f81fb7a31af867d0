package tracing

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSpanCreation(t *testing.T) {
	t.Run("creates span with trace and span IDs", func(t *testing.T) {
		tracer := NewTracer("test-service")
		ctx, span := tracer.Start(context.Background(), "test-operation")
		defer span.End()

		if span.TraceID == "" {
			t.Error("TraceID should not be empty")
		}
		if len(span.TraceID) != 32 {
			t.Errorf("TraceID should be 32 chars, got %d", len(span.TraceID))
		}
		if span.SpanID == "" {
			t.Error("SpanID should not be empty")
		}
		if len(span.SpanID) != 16 {
			t.Errorf("SpanID should be 16 chars, got %d", len(span.SpanID))
		}
		if span.Name != "test-operation" {
			t.Errorf("expected name 'test-operation', got '%s'", span.Name)
		}
		if span.StartTime.IsZero() {
			t.Error("StartTime should not be zero")
		}
		if span.Attributes["service.name"] != "test-service" {
			t.Errorf("expected service.name 'test-service', got '%s'", span.Attributes["service.name"])
		}

		// Verify span is in context
		ctxSpan := SpanFromContext(ctx)
		if ctxSpan != span {
			t.Error("span should be stored in context")
		}
	})

	t.Run("span without parent is root", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")
		defer span.End()

		if !span.IsRoot() {
			t.Error("span started from a bare context should be root")
		}
	})

	t.Run("child span inherits trace ID and is not root", func(t *testing.T) {
		tracer := NewTracer("test-service")
		ctx, parent := tracer.Start(context.Background(), "parent")
		defer parent.End()

		_, child := tracer.Start(ctx, "child")
		defer child.End()

		if child.TraceID != parent.TraceID {
			t.Error("child should have same trace ID as parent")
		}
		if child.ParentID != parent.SpanID {
			t.Error("child's parent ID should be parent's span ID")
		}
		if child.SpanID == parent.SpanID {
			t.Error("child should have different span ID than parent")
		}
		if child.IsRoot() {
			t.Error("child span should not be root")
		}
	})
}

func TestSpanEnd(t *testing.T) {
	t.Run("sets end time", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")

		if !span.EndTime.IsZero() {
			t.Error("EndTime should be zero before End()")
		}

		span.End()

		if span.EndTime.IsZero() {
			t.Error("EndTime should be set after End()")
		}
		if span.EndTime.Before(span.StartTime) {
			t.Error("EndTime should be after StartTime")
		}
	})

	t.Run("end is idempotent", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")

		span.End()
		firstEndTime := span.EndTime

		time.Sleep(10 * time.Millisecond)
		span.End() // Second call should be no-op

		if span.EndTime != firstEndTime {
			t.Error("second End() should not change EndTime")
		}
	})
}

func TestSpanAbandon(t *testing.T) {
	t.Run("abandoned span is never exported", func(t *testing.T) {
		exporter := &captureExporter{}
		tracer := NewTracer("test-service", WithExporter(exporter), WithBatchSize(1))
		_, span := tracer.Start(context.Background(), "test")

		span.Abandon()
		span.End() // no-op after Abandon

		if err := tracer.Flush(); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if n := exporter.count(); n != 0 {
			t.Errorf("abandoned span should not be exported, got %d spans", n)
		}
		if !span.Abandoned() {
			t.Error("Abandoned() should report true")
		}
		if span.IsRecording() {
			t.Error("abandoned span should not be recording")
		}
	})

	t.Run("abandon after end is a no-op", func(t *testing.T) {
		exporter := &captureExporter{}
		tracer := NewTracer("test-service", WithExporter(exporter), WithBatchSize(1))
		_, span := tracer.Start(context.Background(), "test")

		span.End()
		span.Abandon()

		if err := tracer.Flush(); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if n := exporter.count(); n != 1 {
			t.Errorf("ended span should remain exported, got %d spans", n)
		}
		if span.Abandoned() {
			t.Error("Abandon after End should not mark the span abandoned")
		}
	})

	t.Run("mutators are no-ops after abandon", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")
		span.Abandon()

		span.SetAttribute("ignored", "value")
		span.SetStatus(StatusError, "ignored")
		span.AddEvent("ignored")

		if _, ok := span.Attributes["ignored"]; ok {
			t.Error("attribute set after Abandon() should be ignored")
		}
		if span.Status != StatusUnset {
			t.Error("status set after Abandon() should be ignored")
		}
		if len(span.Events) != 0 {
			t.Error("events added after Abandon() should be ignored")
		}
	})
}

func TestSpanAttributes(t *testing.T) {
	t.Run("set attribute", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")
		defer span.End()

		span.SetAttribute("http.method", "GET")
		span.SetAttribute("http.target", "/api/users")

		if span.Attributes["http.method"] != "GET" {
			t.Errorf("expected http.method 'GET', got '%s'", span.Attributes["http.method"])
		}
		if span.Attributes["http.target"] != "/api/users" {
			t.Errorf("expected http.target '/api/users', got '%s'", span.Attributes["http.target"])
		}
	})

	t.Run("attributes after end are ignored", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")
		span.End()

		span.SetAttribute("ignored", "value")
		if _, ok := span.Attributes["ignored"]; ok {
			t.Error("attribute set after End() should be ignored")
		}
	})
}

func TestSpanEvents(t *testing.T) {
	t.Run("add event", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")
		defer span.End()

		span.AddEvent("processing started")
		span.AddEvent("item processed", "item_id", "123", "status", "success")

		if len(span.Events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(span.Events))
		}

		if span.Events[0].Name != "processing started" {
			t.Errorf("expected event name 'processing started', got '%s'", span.Events[0].Name)
		}
		if span.Events[0].Timestamp.IsZero() {
			t.Error("event timestamp should not be zero")
		}
		if span.Events[1].Attrs["item_id"] != "123" {
			t.Errorf("expected item_id '123', got '%s'", span.Events[1].Attrs["item_id"])
		}
	})

	t.Run("events after end are ignored", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")
		span.End()

		span.AddEvent("ignored")
		if len(span.Events) != 0 {
			t.Error("events after End() should be ignored")
		}
	})
}

func TestSpanStatus(t *testing.T) {
	t.Run("set status", func(t *testing.T) {
		tracer := NewTracer("test-service")
		_, span := tracer.Start(context.Background(), "test")
		defer span.End()

		span.SetStatus(StatusError, "something went wrong")

		if span.Status != StatusError {
			t.Errorf("expected status ERROR, got %s", span.Status.String())
		}
		if span.StatusMessage != "something went wrong" {
			t.Errorf("expected message 'something went wrong', got '%s'", span.StatusMessage)
		}
	})

	t.Run("status string values", func(t *testing.T) {
		tests := []struct {
			status   SpanStatus
			expected string
		}{
			{StatusUnset, "UNSET"},
			{StatusOK, "OK"},
			{StatusError, "ERROR"},
		}
		for _, tt := range tests {
			if got := tt.status.String(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		}
	})
}

func TestSpanContextValidity(t *testing.T) {
	t.Run("valid span context", func(t *testing.T) {
		sc := SpanContext{
			TraceID: "0af7651916cd43dd8448eb211c80319c",
			SpanID:  "b7ad6b7169203331",
		}
		if !sc.IsValid() {
			t.Error("span context with trace and span ID should be valid")
		}
	})

	t.Run("missing trace ID", func(t *testing.T) {
		sc := SpanContext{SpanID: "b7ad6b7169203331"}
		if sc.IsValid() {
			t.Error("span context without trace ID should be invalid")
		}
	})

	t.Run("missing span ID", func(t *testing.T) {
		sc := SpanContext{TraceID: "0af7651916cd43dd8448eb211c80319c"}
		if sc.IsValid() {
			t.Error("span context without span ID should be invalid")
		}
	})
}

func TestSpanSpanContext(t *testing.T) {
	tracer := NewTracer("test-service")
	_, span := tracer.Start(context.Background(), "test")
	defer span.End()

	sc := span.SpanContext()
	if sc.TraceID != span.TraceID {
		t.Errorf("expected trace ID '%s', got '%s'", span.TraceID, sc.TraceID)
	}
	if sc.SpanID != span.SpanID {
		t.Errorf("expected span ID '%s', got '%s'", span.SpanID, sc.SpanID)
	}
	if !sc.Sampled {
		t.Error("sampled should be true for recording span")
	}
}

func TestConcurrentSpanOperations(t *testing.T) {
	tracer := NewTracer("test-service")
	_, span := tracer.Start(context.Background(), "test")
	defer span.End()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			span.SetAttribute("key", "value")
			span.AddEvent("event")
			span.SetStatus(StatusOK, "ok")
		}()
	}
	wg.Wait()

	// Should not panic or produce corrupt data
	if len(span.Events) < 1 {
		t.Error("expected at least one event")
	}
}

// captureExporter records exported spans for assertions.
type captureExporter struct {
	mu    sync.Mutex
	spans []*Span
}

func (e *captureExporter) Export(spans []*Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *captureExporter) Shutdown(context.Context) error { return nil }

func (e *captureExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.spans)
}
