package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetap/tracetap/pkg/lifecycle"
	"github.com/tracetap/tracetap/pkg/reqctx"
)

// fakeSpan records the tags set on it.
type fakeSpan struct {
	traceID string
	spanID  string
	root    bool
	name    string

	mu   sync.Mutex
	tags map[string]string
}

func (s *fakeSpan) TraceID() string { return s.traceID }
func (s *fakeSpan) SpanID() string  { return s.spanID }
func (s *fakeSpan) Root() bool      { return s.root }

func (s *fakeSpan) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags == nil {
		s.tags = make(map[string]string)
	}
	s.tags[key] = value
}

func (s *fakeSpan) tag(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[key]
}

type finalizeCall struct {
	span   *fakeSpan
	status int
	err    error
}

// fakeGateway records every verb the coordinator applies.
type fakeGateway struct {
	mu        sync.Mutex
	created   []*fakeSpan
	finalized []finalizeCall
	abandoned []*fakeSpan
}

func (g *fakeGateway) ExtractOrCreate(r *http.Request, name string) (SpanRef, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hadParent := r.Header.Get("traceparent") != ""
	span := &fakeSpan{
		traceID: fmt.Sprintf("trace-%d", len(g.created)),
		spanID:  fmt.Sprintf("span-%d", len(g.created)),
		root:    !hadParent,
		name:    name,
	}
	g.created = append(g.created, span)
	return span, hadParent
}

func (g *fakeGateway) Context(ctx context.Context, span SpanRef) context.Context {
	return ctx
}

func (g *fakeGateway) Finalize(span SpanRef, status int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalized = append(g.finalized, finalizeCall{span: span.(*fakeSpan), status: status, err: err})
}

func (g *fakeGateway) Abandon(span SpanRef) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abandoned = append(g.abandoned, span.(*fakeSpan))
}

func (g *fakeGateway) finalizeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.finalized)
}

// captureObserver collects dispatch outcomes.
type captureObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *captureObserver) ObserveDispatch(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
}

// newRequest returns a request that already carries a store, the way the
// pipeline prepares requests before they reach the coordinator.
func newRequest(method, target string) (*http.Request, *reqctx.Store) {
	req := httptest.NewRequest(method, target, nil)
	ctx, store := reqctx.Ensure(req.Context())
	return req.WithContext(ctx), store
}

func TestCoordinator_SuccessfulRequest(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req, store := newRequest("GET", "/api/users")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, gw.created, 1)
	require.Len(t, gw.finalized, 1)
	assert.Empty(t, gw.abandoned)

	call := gw.finalized[0]
	assert.Equal(t, http.StatusOK, call.status)
	assert.NoError(t, call.err)
	assert.Equal(t, "HTTP GET /api/users", call.span.name)

	// The span attribute is cleared so a later dispatch starts fresh.
	assert.Nil(t, store.ActiveSpan())
	assert.True(t, store.Finalized())

	// Root spans carry the response status as a tag.
	assert.Equal(t, "200", call.span.tag("http.status_code"))
}

func TestCoordinator_ImplicitStatus(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok")) // no WriteHeader: implicit 200
	}))

	req, _ := newRequest("GET", "/")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, gw.finalized, 1)
	assert.Equal(t, http.StatusOK, gw.finalized[0].status)
}

func TestCoordinator_ContinuedTrace(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req, store := newRequest("GET", "/api/users")
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, gw.created, 1)
	assert.False(t, gw.created[0].root)
	assert.False(t, store.SpanWithoutParent())

	// Child spans are not tagged with the status.
	require.Len(t, gw.finalized, 1)
	assert.Empty(t, gw.finalized[0].span.tag("http.status_code"))
}

func TestCoordinator_FreshRequestMarksSpanWithoutParent(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req, store := newRequest("GET", "/")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, store.SpanWithoutParent())
}

func TestCoordinator_UnsuccessfulRootSpan(t *testing.T) {
	gw := &fakeGateway{}
	obs := &captureObserver{}
	coord := New(gw, WithObserver(obs))

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	req, store := newRequest("GET", "/missing")
	h.ServeHTTP(httptest.NewRecorder(), req)

	// The root span is finalized even though the status is unsuccessful,
	// and it still carries the status tag.
	require.Len(t, gw.finalized, 1)
	assert.Equal(t, http.StatusNotFound, gw.finalized[0].status)
	assert.Equal(t, "404", gw.finalized[0].span.tag("http.status_code"))

	// The root rule finalizes without clearing the attribute.
	assert.NotNil(t, store.ActiveSpan())

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, lifecycle.VerdictFinalize, obs.outcomes[0].Verdict)
	assert.Equal(t, lifecycle.ReasonRootSpan, obs.outcomes[0].Reason)
}

func TestCoordinator_PanicWithoutErrorHandler(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	boom := errors.New("boom")
	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(boom)
	}))

	req, store := newRequest("GET", "/panic")

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()

	// The panic is propagated unmodified.
	assert.Equal(t, boom, recovered)

	// Without an error handler the span is finalized immediately, carrying
	// the failure. The status is still the default 200 because nothing was
	// written before the handler unwound.
	require.Len(t, gw.finalized, 1)
	assert.Equal(t, http.StatusOK, gw.finalized[0].status)
	assert.ErrorIs(t, gw.finalized[0].err, boom)
	assert.Nil(t, store.ActiveSpan())
}

func TestCoordinator_PanicWithErrorHandler(t *testing.T) {
	gw := &fakeGateway{}
	obs := &captureObserver{}
	coord := New(gw,
		WithErrorHandlerCheck(func() bool { return true }),
		WithObserver(obs))

	boom := errors.New("boom")
	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(boom)
	}))

	req, store := newRequest("GET", "/panic")
	rec := NewStatusRecorder(httptest.NewRecorder())

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		h.ServeHTTP(rec, req)
	}()
	require.Equal(t, boom, recovered)

	// The span is left open for the error dispatch.
	assert.Zero(t, gw.finalizeCount())
	assert.Empty(t, gw.abandoned)
	assert.NotNil(t, store.ActiveSpan())
	assert.Error(t, store.PendingError())

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, lifecycle.VerdictDefer, obs.outcomes[0].Verdict)
	assert.Equal(t, lifecycle.ReasonAwaitErrorDispatch, obs.outcomes[0].Reason)

	// The pipeline reflects the failure on the recorder and re-dispatches
	// to the error handler through the same middleware.
	rec.MarkStatus(http.StatusInternalServerError)
	errorChain := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	errorChain.ServeHTTP(rec, req)

	// The error dispatch finalized the span with the original failure.
	require.Len(t, gw.finalized, 1)
	assert.Equal(t, http.StatusInternalServerError, gw.finalized[0].status)
	assert.ErrorIs(t, gw.finalized[0].err, boom)

	assert.True(t, store.ErrorHandled())
	assert.True(t, store.Finalized())
	assert.Nil(t, store.PendingError())

	require.Len(t, obs.outcomes, 2)
	assert.Equal(t, lifecycle.VerdictFinalize, obs.outcomes[1].Verdict)
	assert.Equal(t, lifecycle.ReasonErrorDispatchDone, obs.outcomes[1].Reason)
	assert.Equal(t, reqctx.StateErrorHandled, obs.outcomes[1].State)
}

func TestCoordinator_ThirdDispatchDoesNotRefinalize(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw, WithErrorHandlerCheck(func() bool { return true }))

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req, store := newRequest("GET", "/panic")
	rec := NewStatusRecorder(httptest.NewRecorder())

	func() {
		defer func() { _ = recover() }()
		h.ServeHTTP(rec, req)
	}()

	rec.MarkStatus(http.StatusInternalServerError)
	errorChain := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	errorChain.ServeHTTP(rec, req)
	require.Equal(t, 1, gw.finalizeCount())

	// A stray further dispatch of the same request must not report the
	// span a second time.
	errorChain.ServeHTTP(rec, req)
	assert.Equal(t, 1, gw.finalizeCount())
	assert.True(t, store.ErrorHandled())
}

func TestCoordinator_ChildSpanHandedToErrorHandler(t *testing.T) {
	gw := &fakeGateway{}
	obs := &captureObserver{}
	coord := New(gw,
		WithErrorHandlerCheck(func() bool { return true }),
		WithObserver(obs))

	// The handler commits a failed status before panicking, so the success
	// rule cannot claim the span.
	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		panic("downstream broke")
	}))

	req, store := newRequest("GET", "/proxy")
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	rec := NewStatusRecorder(httptest.NewRecorder())

	func() {
		defer func() { _ = recover() }()
		h.ServeHTTP(rec, req)
	}()

	// A failed child span is abandoned: the error dispatch owns reporting.
	require.Len(t, gw.abandoned, 1)
	assert.Zero(t, gw.finalizeCount())
	assert.NotNil(t, store.ActiveSpan())

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, lifecycle.VerdictAbandon, obs.outcomes[0].Verdict)
	assert.Equal(t, lifecycle.ReasonHandedToErrorHandler, obs.outcomes[0].Reason)

	// The error dispatch still closes out the request exactly once.
	errorChain := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	errorChain.ServeHTTP(rec, req)
	assert.Equal(t, 1, gw.finalizeCount())
}

func TestCoordinator_CloseRequested(t *testing.T) {
	gw := &fakeGateway{}
	obs := &captureObserver{}
	coord := New(gw, WithObserver(obs))

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqctx.From(r.Context()).RequestClose()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req, store := newRequest("GET", "/drain")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, gw.finalized, 1)
	assert.Equal(t, http.StatusServiceUnavailable, gw.finalized[0].status)
	assert.Nil(t, store.ActiveSpan())

	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, lifecycle.ReasonCloseRequested, obs.outcomes[0].Reason)
}

func TestCoordinator_AsyncDetachAndCompletion(t *testing.T) {
	gw := &fakeGateway{}
	obs := &captureObserver{}
	coord := New(gw, WithObserver(obs))

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqctx.From(r.Context()).MarkAsync()
	}))

	req, store := newRequest("GET", "/slow")
	rec := NewStatusRecorder(httptest.NewRecorder())
	h.ServeHTTP(rec, req)

	// Detached: the span survives the dispatch untouched.
	assert.Zero(t, gw.finalizeCount())
	assert.NotNil(t, store.ActiveSpan())
	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, lifecycle.ReasonAsync, obs.outcomes[0].Reason)

	// Completion re-enters the coordinator with the async flag cleared and
	// a close request set.
	store.ClearAsync()
	store.RequestClose()
	completion := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	completion.ServeHTTP(rec, req)

	require.Equal(t, 1, gw.finalizeCount())
	assert.Nil(t, store.ActiveSpan())
	assert.True(t, store.Finalized())
}

func TestCoordinator_StaleScopeSkipsRootRule(t *testing.T) {
	gw := &fakeGateway{}
	obs := &captureObserver{}
	coord := New(gw, WithObserver(obs))

	// The handler leaks a scope of its own, so the request's span is no
	// longer the current one when the decision runs.
	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqctx.From(r.Context()).SwapCurrentSpan("intruder")
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req, _ := newRequest("GET", "/leaky")
	h.ServeHTTP(httptest.NewRecorder(), req)

	// The span is still reported, but through the catch-all rule rather
	// than the root rule.
	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, lifecycle.ReasonUnsuccessful, obs.outcomes[0].Reason)
	assert.Equal(t, 1, gw.finalizeCount())
}

func TestCoordinator_RepeatFinalizeWarns(t *testing.T) {
	gw := &fakeGateway{}
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	coord := New(gw, WithLogger(log))

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req, store := newRequest("GET", "/twice")
	rec := NewStatusRecorder(httptest.NewRecorder())
	h.ServeHTTP(rec, req)
	require.Equal(t, 1, gw.finalizeCount())

	// Force a second pass over the same request with a close request; the
	// coordinator obeys but says so.
	store.RequestClose()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 2, gw.finalizeCount())
	assert.Contains(t, buf.String(), "already finalized")
}

func TestCoordinator_SkipsInfrastructurePaths(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	var served bool
	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
	}))

	for _, path := range []string{"/healthz", "/metrics", "/__tracetap/journal"} {
		served = false
		req, _ := newRequest("GET", path)
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.True(t, served, "handler should run for %s", path)
	}

	assert.Empty(t, gw.created)
	assert.Zero(t, gw.finalizeCount())
}

func TestCoordinator_NilSkipperTracesEverything(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw, WithSkipper(nil))

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req, _ := newRequest("GET", "/healthz")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Len(t, gw.created, 1)
}

func TestCoordinator_TraceResponseHeaders(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw, WithTraceResponseHeaders())

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req, _ := newRequest("GET", "/")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "trace-0", rr.Header().Get(TraceIDHeader))
	assert.Equal(t, "span-0", rr.Header().Get(SpanIDHeader))
}

func TestCoordinator_CustomSpanNamer(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw, WithSpanNamer(func(r *http.Request) string {
		return "custom " + r.URL.Path
	}))

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req, _ := newRequest("GET", "/api/users")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, gw.created, 1)
	assert.Equal(t, "custom /api/users", gw.created[0].name)
}

func TestCoordinator_ScopeReleasedAfterDispatch(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store := reqctx.From(r.Context())
		assert.NotNil(t, store.CurrentSpan(), "span should be current during the dispatch")
	}))

	req, store := newRequest("GET", "/")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Nil(t, store.CurrentSpan(), "scope should be released after the dispatch")
}

func TestCoordinator_PanicValueIsNotWrapped(t *testing.T) {
	gw := &fakeGateway{}
	coord := New(gw)

	h := coord.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("plain string")
	}))

	req, store := newRequest("GET", "/")

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()

	assert.Equal(t, "plain string", recovered)
	require.Len(t, gw.finalized, 1)
	assert.EqualError(t, gw.finalized[0].err, "panic: plain string")
	assert.Nil(t, store.PendingError(), "finalize should consume the pending error")
}
