package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tracetap/tracetap/pkg/coordinator"
	"github.com/tracetap/tracetap/pkg/journal"
	"github.com/tracetap/tracetap/pkg/logging"
	"github.com/tracetap/tracetap/pkg/reqctx"
)

// ErrorHandler renders the response for a request whose first dispatch
// failed. It runs as a second dispatch through the tracing middleware,
// over the same request context and response state as the first, so the
// span started for the request is finished with the failure attached.
type ErrorHandler interface {
	ServeError(w http.ResponseWriter, r *http.Request, err error)
}

// ErrorHandlerFunc adapts a plain function to ErrorHandler.
type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)

// ServeError calls f(w, r, err).
func (f ErrorHandlerFunc) ServeError(w http.ResponseWriter, r *http.Request, err error) {
	f(w, r, err)
}

// Pipeline assembles the tracing middleware around an application handler
// and plays the host role in the two-dispatch error protocol: it recovers
// panics the middleware re-raises, reflects the failure on the response
// status, and re-dispatches the request to the registered error handler
// through the same middleware.
type Pipeline struct {
	gateway   coordinator.Gateway
	coord     *coordinator.Coordinator
	chain     func(http.Handler) http.Handler
	journal   journal.Store
	log       *slog.Logger
	coordOpts []coordinator.Option

	mu           sync.RWMutex
	errorHandler ErrorHandler
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger for the pipeline and its coordinator.
func WithPipelineLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithPipelineJournal records every dispatch outcome in the given journal.
func WithPipelineJournal(store journal.Store) PipelineOption {
	return func(p *Pipeline) {
		p.journal = store
	}
}

// WithPipelineErrorHandler registers the error handler at construction.
func WithPipelineErrorHandler(h ErrorHandler) PipelineOption {
	return func(p *Pipeline) {
		p.errorHandler = h
	}
}

// WithPipelineCoordinatorOptions appends extra coordinator options. They
// are applied after the pipeline's own, so they win on conflicts.
func WithPipelineCoordinatorOptions(opts ...coordinator.Option) PipelineOption {
	return func(p *Pipeline) {
		p.coordOpts = append(p.coordOpts, opts...)
	}
}

// NewPipeline builds a pipeline over the given gateway. Extra coordinator
// options are appended after the ones the pipeline wires itself, so they
// can override the defaults but not the error-handler check or observer.
func NewPipeline(gw coordinator.Gateway, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		gateway: gw,
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	copts := []coordinator.Option{
		coordinator.WithLogger(p.log),
		coordinator.WithErrorHandlerCheck(p.HasErrorHandler),
	}
	if p.journal != nil {
		copts = append(copts, coordinator.WithObserver(journalObserver{p.journal}))
	}
	p.coord = coordinator.New(gw, copts...)
	p.chain = p.coord.Middleware()
	return p
}

// Coordinator returns the coordinator the pipeline dispatches through.
func (p *Pipeline) Coordinator() *coordinator.Coordinator {
	return p.coord
}

// Journal returns the journal dispatch outcomes are recorded in, or nil.
func (p *Pipeline) Journal() journal.Store {
	return p.journal
}

// RegisterErrorHandler installs h as the dedicated error handler. Failed
// requests are re-dispatched to it after the first pass; without one the
// pipeline writes a plain error response itself.
func (p *Pipeline) RegisterErrorHandler(h ErrorHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorHandler = h
}

// HasErrorHandler reports whether an error handler is registered.
func (p *Pipeline) HasErrorHandler() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.errorHandler != nil
}

func (p *Pipeline) currentErrorHandler() ErrorHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.errorHandler
}

type pipelineKey struct{}

// pipelineFromContext returns the pipeline that dispatched the request.
func pipelineFromContext(ctx context.Context) *Pipeline {
	p, _ := ctx.Value(pipelineKey{}).(*Pipeline)
	return p
}

// Wrap returns the full request pipeline around next: per-request store,
// status recorder, tracing middleware, and host-level failure handling.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	traced := p.chain(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, store := reqctx.Ensure(r.Context())
		ctx = context.WithValue(ctx, pipelineKey{}, p)
		r = r.WithContext(ctx)
		rec := coordinator.NewStatusRecorder(w)

		panicked := p.dispatch(traced, rec, r)

		// The middleware never recovers failures itself; the host decides
		// what the client sees. A failed or error-flagged request goes to
		// the error handler when one exists, through the same middleware
		// so the span bookkeeping sees the second dispatch.
		needsErrorDispatch := panicked || (rec.Status() >= http.StatusInternalServerError && !rec.Committed())
		if !needsErrorDispatch {
			return
		}

		eh := p.currentErrorHandler()
		if eh == nil {
			if !rec.Committed() {
				status := rec.Status()
				if panicked {
					status = http.StatusInternalServerError
				}
				http.Error(rec, http.StatusText(status), status)
			}
			return
		}

		if panicked {
			rec.MarkStatus(http.StatusInternalServerError)
		}
		p.errorDispatch(eh, rec, r, store)

		if !rec.Committed() {
			http.Error(rec, http.StatusText(rec.Status()), rec.Status())
		}
	})
}

// dispatch runs one pass through the traced chain, converting a panic
// into a return value. The coordinator has already recorded the failure
// on the request store by the time the panic reaches here.
func (p *Pipeline) dispatch(traced http.Handler, rec *coordinator.StatusRecorder, r *http.Request) (panicked bool) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			panicked = true
		}
	}()
	traced.ServeHTTP(rec, r)
	return false
}

// errorDispatch runs the registered error handler as a second dispatch of
// the same request. The handler sees the failure the first pass recorded;
// the middleware's error epilogue finishes the span afterwards. A panic
// from the error handler itself is contained here.
func (p *Pipeline) errorDispatch(eh ErrorHandler, rec *coordinator.StatusRecorder, r *http.Request, store *reqctx.Store) {
	errChain := p.chain(http.HandlerFunc(func(w http.ResponseWriter, rq *http.Request) {
		eh.ServeError(w, rq, store.PendingError())
	}))

	defer func() {
		if v := recover(); v != nil {
			p.log.Error("error handler panicked",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", fmt.Sprint(v))
		}
	}()
	errChain.ServeHTTP(rec, r)
}

// journalObserver records coordinator outcomes as journal entries.
type journalObserver struct {
	store journal.Store
}

func (o journalObserver) ObserveDispatch(out coordinator.Outcome) {
	o.store.Record(&journal.Entry{
		Timestamp:  out.Time,
		Method:     out.Method,
		Path:       out.Path,
		Status:     out.Status,
		TraceID:    out.TraceID,
		SpanID:     out.SpanID,
		State:      out.State.String(),
		Verdict:    out.Verdict.String(),
		Reason:     out.Reason.String(),
		Failed:     out.Failed,
		DurationMs: out.Duration.Milliseconds(),
	})
}
