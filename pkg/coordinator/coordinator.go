// Package coordinator manages the lifecycle of one tracing span per HTTP
// request. It continues a span across re-dispatches of the same request,
// survives handler panics, and guarantees the span reaches exactly one
// terminal state: reported once, or deliberately discarded.
//
// The coordinator is a standard net/http middleware. It owns no tracing
// backend of its own; a Gateway adapts whichever backend is in use.
package coordinator

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tracetap/tracetap/pkg/lifecycle"
	"github.com/tracetap/tracetap/pkg/logging"
	"github.com/tracetap/tracetap/pkg/reqctx"
)

// Response headers carrying the request's trace identity back to the
// caller, enabled by WithTraceResponseHeaders.
const (
	TraceIDHeader = "X-Trace-ID"
	SpanIDHeader  = "X-Span-ID"
)

// Outcome describes how one dispatch of a request left its span.
type Outcome struct {
	Time     time.Time            `json:"time"`
	Method   string               `json:"method"`
	Path     string               `json:"path"`
	Status   int                  `json:"status"`
	TraceID  string               `json:"traceId"`
	SpanID   string               `json:"spanId"`
	State    reqctx.DispatchState `json:"-"`
	Verdict  lifecycle.Verdict    `json:"-"`
	Reason   lifecycle.Reason     `json:"-"`
	Failed   bool                 `json:"failed"`
	Duration time.Duration        `json:"duration"`
}

// Observer receives the outcome of every traced dispatch.
type Observer interface {
	ObserveDispatch(Outcome)
}

// Coordinator wraps HTTP handlers with span lifecycle management.
type Coordinator struct {
	gateway      Gateway
	log          *slog.Logger
	skipper      Skipper
	namer        func(*http.Request) string
	handlerCheck func() bool
	observer     Observer
	traceHeaders bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSkipper replaces the default skipper. Pass nil to trace every
// request, infrastructure paths included.
func WithSkipper(s Skipper) Option {
	return func(c *Coordinator) {
		c.skipper = s
	}
}

// WithSpanNamer replaces the default "HTTP GET /path" span naming.
func WithSpanNamer(namer func(*http.Request) string) Option {
	return func(c *Coordinator) {
		if namer != nil {
			c.namer = namer
		}
	}
}

// WithErrorHandlerCheck tells the coordinator whether a dedicated error
// handler will re-dispatch failed requests. When the check returns true,
// a span whose handler panicked is left open (or handed off) for the error
// dispatch to finish; when false, the coordinator finishes it on the spot.
func WithErrorHandlerCheck(check func() bool) Option {
	return func(c *Coordinator) {
		if check != nil {
			c.handlerCheck = check
		}
	}
}

// WithObserver registers an observer for dispatch outcomes.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// WithTraceResponseHeaders makes the coordinator echo the trace and span
// IDs on the response in X-Trace-ID and X-Span-ID.
func WithTraceResponseHeaders() Option {
	return func(c *Coordinator) {
		c.traceHeaders = true
	}
}

// New returns a Coordinator over the given gateway.
func New(gw Gateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway:      gw,
		log:          logging.Nop(),
		skipper:      defaultSkipper(),
		namer:        defaultNamer,
		handlerCheck: func() bool { return false },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultNamer(r *http.Request) string {
	return fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)
}

// Middleware wraps an HTTP handler with span lifecycle management.
//
// On the first dispatch of a request it starts a span, continuing the trace
// carried by the request headers when one is present. A re-dispatch of the
// same request (same context, same recorder) continues the span instead of
// starting a second one. When a re-dispatch arrives with a failed status,
// the coordinator runs the error epilogue: the handler renders the error
// response, then the span is finalized with the failure recorded on it.
//
// Panics are never swallowed here. A panicking handler has its failure
// recorded for the span and the panic continues unwinding to the server.
func (c *Coordinator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c.skipper != nil && c.skipper.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, store := reqctx.Ensure(r.Context())
			r = r.WithContext(ctx)
			rec := NewStatusRecorder(w)

			// A span left behind by an earlier dispatch is continued,
			// never replaced.
			span, _ := store.ActiveSpan().(SpanRef)
			var sc *scope
			if span != nil {
				store.MarkContinued()
				sc = openScope(store, span)
			}

			// A re-dispatch arriving with a failed status is the error
			// dispatch. It renders the error response and finishes the
			// span; the normal lifecycle does not run.
			if span != nil && !lifecycle.Successful(rec.Status()) {
				c.errorDispatch(rec, r, next, store, span, sc)
				return
			}

			state := store.State()

			if span == nil {
				var hadParent bool
				span, hadParent = c.gateway.ExtractOrCreate(r, c.namer(r))
				if !hadParent {
					store.MarkSpanWithoutParent()
				}
				store.SetActiveSpan(span)
				sc = openScope(store, span)
			}

			if c.traceHeaders {
				rec.Header().Set(TraceIDHeader, span.TraceID())
				rec.Header().Set(SpanIDHeader, span.SpanID())
			}

			start := time.Now()
			var failure error

			// Registered first so it runs last, after the recovery defer
			// below has recorded any panic.
			defer func() {
				defer sc.Release()
				snap := lifecycle.Snapshot{
					Status:            rec.Status(),
					Failed:            failure != nil,
					Async:             store.Async(),
					Root:              span.Root(),
					SpanCurrent:       store.CurrentSpan() == span,
					CloseRequested:    store.CloseRequested(),
					ErrorDispatched:   store.ErrorHandled(),
					AlreadyFinalized:  store.Finalized(),
					HandlerRegistered: c.handlerCheck(),
				}
				d := lifecycle.Decide(snap)
				c.apply(d, span, store, rec)
				c.observe(r, rec, span, state, d.Verdict, d.Reason, failure != nil, time.Since(start))
			}()

			defer func() {
				if v := recover(); v != nil {
					err := panicError(v)
					failure = err
					store.SetPendingError(err)
					if v != http.ErrAbortHandler {
						c.log.Error("uncaught panic in handler",
							"method", r.Method,
							"path", r.URL.Path,
							"trace_id", span.TraceID(),
							"panic", fmt.Sprint(v))
					}
					panic(v)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(c.gateway.Context(ctx, span)))
		})
	}
}

// apply carries out a lifecycle decision.
func (c *Coordinator) apply(d lifecycle.Decision, span SpanRef, store *reqctx.Store, rec *StatusRecorder) {
	if d.TagStatus {
		span.SetTag("http.status_code", strconv.Itoa(rec.Status()))
	}

	switch d.Verdict {
	case lifecycle.VerdictFinalize:
		if store.Finalized() {
			c.log.Warn("span already finalized, finalizing again",
				"trace_id", span.TraceID(),
				"span_id", span.SpanID(),
				"reason", d.Reason.String())
		}
		c.gateway.Finalize(span, rec.Status(), store.TakePendingError())
		store.MarkFinalized()
	case lifecycle.VerdictAbandon:
		// The error dispatch owns reporting now; this handle must not
		// produce a second span for the same request.
		c.gateway.Abandon(span)
	case lifecycle.VerdictDefer:
		// Left open for a later dispatch.
	}

	if d.ClearSpan {
		store.ClearActiveSpan()
	}
}

// errorDispatch runs the error handler for a request whose first dispatch
// failed, then finishes the span. The span is finalized here only if no
// collaborator finalized it during the dispatch; either way the request is
// marked error-handled so a further dispatch leaves the span alone.
func (c *Coordinator) errorDispatch(rec *StatusRecorder, r *http.Request, next http.Handler, store *reqctx.Store, span SpanRef, sc *scope) {
	start := time.Now()

	defer func() {
		store.MarkErrorHandled()

		perr := store.TakePendingError()
		verdict := lifecycle.VerdictDefer
		if !store.Finalized() {
			c.gateway.Finalize(span, rec.Status(), perr)
			store.MarkFinalized()
			verdict = lifecycle.VerdictFinalize
		}
		sc.Release()

		c.observe(r, rec, span, reqctx.StateErrorHandled, verdict,
			lifecycle.ReasonErrorDispatchDone, perr != nil, time.Since(start))
	}()

	next.ServeHTTP(rec, r.WithContext(c.gateway.Context(r.Context(), span)))
}

func (c *Coordinator) observe(r *http.Request, rec *StatusRecorder, span SpanRef, state reqctx.DispatchState, verdict lifecycle.Verdict, reason lifecycle.Reason, failed bool, dur time.Duration) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveDispatch(Outcome{
		Time:     time.Now(),
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   rec.Status(),
		TraceID:  span.TraceID(),
		SpanID:   span.SpanID(),
		State:    state,
		Verdict:  verdict,
		Reason:   reason,
		Failed:   failed,
		Duration: dur,
	})
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
