package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/tracetap/tracetap/pkg/coordinator"
	"github.com/tracetap/tracetap/pkg/reqctx"
)

// ErrNotTraced is returned by Detach when the request carries no span,
// either because it never passed through a pipeline or because its path
// is excluded from tracing.
var ErrNotTraced = errors.New("engine: request is not traced")

// Detach hands the span of an in-flight request to a background
// continuation. The dispatch that is currently unwinding leaves the span
// open; the returned Completion finishes it. Call Detach from the handler,
// before it returns, then call Finish from the continuation goroutine once
// the outcome is known. A Completion that is never finished leaks its span.
func Detach(r *http.Request) (*Completion, error) {
	ctx := r.Context()
	store := reqctx.From(ctx)
	p := pipelineFromContext(ctx)
	if store == nil || p == nil || store.ActiveSpan() == nil {
		return nil, ErrNotTraced
	}
	store.MarkAsync()
	return &Completion{
		pipeline: p,
		store:    store,
		req:      r.Clone(context.WithoutCancel(ctx)),
	}, nil
}

// Completion finishes a span that Detach left open. It re-enters the
// tracing middleware with the final status, so the span goes through the
// same lifecycle decision as a synchronous request and is finalized
// exactly once. Finish is safe to call more than once; only the first
// call does anything.
type Completion struct {
	pipeline *Pipeline
	store    *reqctx.Store
	req      *http.Request
	once     sync.Once
}

// Finish records the continuation's outcome on the detached span and
// finalizes it. A non-nil err is attached to the span as its failure.
func (c *Completion) Finish(status int, err error) {
	c.once.Do(func() {
		if status == 0 {
			status = http.StatusOK
		}
		c.store.ClearAsync()
		c.store.RequestClose()
		if err != nil {
			c.store.SetPendingError(err)
		}

		// The response went to the client long ago; this dispatch exists
		// only for the span bookkeeping.
		rec := coordinator.NewStatusRecorder(discardWriter{header: make(http.Header)})
		rec.MarkStatus(status)

		done := c.pipeline.chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		done.ServeHTTP(rec, c.req)
	})
}

type discardWriter struct {
	header http.Header
}

func (d discardWriter) Header() http.Header         { return d.header }
func (d discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (d discardWriter) WriteHeader(int)             {}
