package tracing

import (
	"sync"
	"time"
)

// SpanStatus represents the status of a span.
type SpanStatus int

const (
	// StatusUnset is the default status.
	StatusUnset SpanStatus = iota
	// StatusOK indicates the operation completed successfully.
	StatusOK
	// StatusError indicates the operation failed.
	StatusError
)

// String returns the string representation of the status.
func (s SpanStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

// SpanKind describes the relationship between the Span, its parents and children.
type SpanKind int

const (
	// SpanKindUnspecified is the default, unspecified span kind.
	SpanKindUnspecified SpanKind = 0
	// SpanKindInternal indicates an internal operation.
	SpanKindInternal SpanKind = 1
	// SpanKindServer indicates a server-side handling of an RPC or HTTP request.
	SpanKindServer SpanKind = 2
	// SpanKindClient indicates a client-side RPC or HTTP request.
	SpanKindClient SpanKind = 3
)

// SpanEvent represents an event that occurred during a span.
type SpanEvent struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Attrs     map[string]string `json:"attributes,omitempty"`
}

// Span represents a single operation within a trace.
//
// A span reaches exactly one terminal state: End reports it to the tracer's
// exporter, Abandon discards it without reporting. Whichever is called first
// wins; the other becomes a no-op, as do all mutators.
type Span struct {
	TraceID       string            `json:"traceId"`
	SpanID        string            `json:"spanId"`
	ParentID      string            `json:"parentId,omitempty"`
	Name          string            `json:"name"`
	Kind          SpanKind          `json:"kind,omitempty"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime,omitempty"`
	Status        SpanStatus        `json:"status"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Events        []SpanEvent       `json:"events,omitempty"`

	mu        sync.Mutex
	tracer    *Tracer
	ended     bool
	abandoned bool
}

// End marks the span as ended and exports it.
// Calling End more than once, or after Abandon, has no effect.
func (s *Span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.EndTime = time.Now()
	s.mu.Unlock()

	if s.tracer != nil {
		s.tracer.exportSpan(s)
	}
}

// Abandon discards the span without reporting it. The span is never exported
// and all later operations on it, End included, are no-ops. Used when
// reporting responsibility has been handed to a different code path, so the
// backend does not record two overlapping spans for one logical request.
func (s *Span) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.abandoned = true
}

// Abandoned reports whether the span was discarded via Abandon.
func (s *Span) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

// IsRoot reports whether the span has no parent in its trace.
func (s *Span) IsRoot() bool {
	return s.ParentID == ""
}

// SetAttribute sets a key-value attribute on the span.
func (s *Span) SetAttribute(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// AddEvent adds a timestamped event to the span.
func (s *Span) AddEvent(name string, attrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}

	event := SpanEvent{
		Name:      name,
		Timestamp: time.Now(),
	}

	// Parse variadic attrs as key-value pairs
	if len(attrs) > 0 {
		event.Attrs = make(map[string]string)
		for i := 0; i+1 < len(attrs); i += 2 {
			event.Attrs[attrs[i]] = attrs[i+1]
		}
	}

	s.Events = append(s.Events, event)
}

// SetKind sets the kind of the span. This should be called before End().
func (s *Span) SetKind(kind SpanKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.Kind = kind
}

// SetStatus sets the status of the span.
func (s *Span) SetStatus(status SpanStatus, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.Status = status
	s.StatusMessage = message
}

// IsRecording returns true if the span is recording events.
func (s *Span) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// SpanContext returns the context values needed for propagation.
func (s *Span) SpanContext() SpanContext {
	return SpanContext{
		TraceID:  s.TraceID,
		SpanID:   s.SpanID,
		ParentID: s.ParentID,
		Sampled:  true,
	}
}

// SpanContext holds the trace context for propagation.
type SpanContext struct {
	TraceID  string
	SpanID   string
	ParentID string
	Sampled  bool
}

// IsValid returns true if the span context has valid trace and span IDs.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID != "" && sc.SpanID != ""
}
