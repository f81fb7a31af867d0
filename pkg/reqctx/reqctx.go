// Package reqctx carries span bookkeeping across the dispatches of a single
// HTTP request. A request may traverse the coordinator more than once (the
// initial dispatch plus an error re-dispatch after a panic), and the servlet
// notion of request attributes is the only state that survives the hop. The
// Store is that attribute bag: it travels in the request context and outlives
// handler panics, handler swaps, and response writer wrapping.
package reqctx

import (
	"context"
	"sync"
)

// Attribute keys. They are exported so collaborating handlers (error pages,
// async completion hooks) can interoperate with the coordinator without
// importing its internals.
const (
	KeyActiveSpan        = "tracetap/active-span"
	KeySpanContinued     = "tracetap/span-continued"
	KeyErrorHandled      = "tracetap/error-handled"
	KeyShouldCloseSpan   = "tracetap/should-close-span"
	KeySpanWithoutParent = "tracetap/span-without-parent"
	KeyPendingError      = "tracetap/pending-error"
	KeyAlreadyFinalized  = "tracetap/already-finalized"
)

// DispatchState classifies which dispatch of the request the coordinator is
// looking at.
type DispatchState int

const (
	// StateFresh is the first time the coordinator sees the request.
	StateFresh DispatchState = iota
	// StateContinued is a re-dispatch of a request that already owns a span.
	StateContinued
	// StateErrorHandled is a dispatch after the error epilogue has run.
	StateErrorHandled
)

func (s DispatchState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateContinued:
		return "continued"
	case StateErrorHandled:
		return "error-handled"
	default:
		return "unknown"
	}
}

// Store is a mutex-guarded attribute map scoped to one HTTP request. The
// zero value is not usable; call New.
//
// The current-span slot is held separately from the attribute map. It plays
// the role of the tracer's ambient "current span" for this request, and scope
// handles swap it rather than mutating global state.
type Store struct {
	mu      sync.Mutex
	attrs   map[string]any
	current any
}

// New returns an empty store.
func New() *Store {
	return &Store{attrs: make(map[string]any)}
}

// Set stores an arbitrary attribute.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

// Get returns the attribute for key, or nil.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[key]
}

// Delete removes the attribute for key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs, key)
}

// SetActiveSpan records the span owned by this request.
func (s *Store) SetActiveSpan(span any) {
	s.Set(KeyActiveSpan, span)
}

// ActiveSpan returns the span owned by this request, or nil.
func (s *Store) ActiveSpan() any {
	return s.Get(KeyActiveSpan)
}

// ClearActiveSpan removes the span attribute. Later dispatches will see the
// request as fresh.
func (s *Store) ClearActiveSpan() {
	s.Delete(KeyActiveSpan)
}

// MarkContinued records that a dispatch resumed an existing span rather than
// creating one.
func (s *Store) MarkContinued() {
	s.Set(KeySpanContinued, true)
}

// Continued reports whether any dispatch of this request resumed an existing
// span.
func (s *Store) Continued() bool {
	v, _ := s.Get(KeySpanContinued).(bool)
	return v
}

// MarkErrorHandled records that the error epilogue ran for this request.
func (s *Store) MarkErrorHandled() {
	s.Set(KeyErrorHandled, true)
}

// ErrorHandled reports whether the error epilogue already ran.
func (s *Store) ErrorHandled() bool {
	v, _ := s.Get(KeyErrorHandled).(bool)
	return v
}

// RequestClose asks the coordinator to finalize the span on the current
// dispatch even if it would otherwise defer. Async completion hooks set this
// before re-entering the coordinator.
func (s *Store) RequestClose() {
	s.Set(KeyShouldCloseSpan, true)
}

// CloseRequested reports whether a collaborator asked for the span to be
// closed on this dispatch.
func (s *Store) CloseRequested() bool {
	v, _ := s.Get(KeyShouldCloseSpan).(bool)
	return v
}

// MarkSpanWithoutParent records that the request's span started a new trace
// instead of continuing one from the wire.
func (s *Store) MarkSpanWithoutParent() {
	s.Set(KeySpanWithoutParent, true)
}

// SpanWithoutParent reports whether the request's span is the root of its
// trace.
func (s *Store) SpanWithoutParent() bool {
	v, _ := s.Get(KeySpanWithoutParent).(bool)
	return v
}

// SetPendingError stashes the failure that unwound the handler so the error
// dispatch can attach it to the span.
func (s *Store) SetPendingError(err error) {
	s.Set(KeyPendingError, err)
}

// PendingError returns the stashed failure without consuming it.
func (s *Store) PendingError() error {
	err, _ := s.Get(KeyPendingError).(error)
	return err
}

// TakePendingError returns the stashed failure and removes it, so it is
// reported at most once.
func (s *Store) TakePendingError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, _ := s.attrs[KeyPendingError].(error)
	delete(s.attrs, KeyPendingError)
	return err
}

// MarkFinalized records that the span has been reported. A second finalize
// for the same request is a protocol violation that the coordinator logs.
func (s *Store) MarkFinalized() {
	s.Set(KeyAlreadyFinalized, true)
}

// Finalized reports whether the span was already reported.
func (s *Store) Finalized() bool {
	v, _ := s.Get(KeyAlreadyFinalized).(bool)
	return v
}

// MarkAsync flags the request as detached for asynchronous completion. The
// coordinator leaves the span open when the flag is set.
func (s *Store) MarkAsync() {
	s.Set(keyAsync, true)
}

// Async reports whether the request was detached for asynchronous
// completion.
func (s *Store) Async() bool {
	v, _ := s.Get(keyAsync).(bool)
	return v
}

// ClearAsync removes the async flag. The completion hook clears it before
// the closing re-dispatch so the lifecycle sees a synchronous pass.
func (s *Store) ClearAsync() {
	s.Delete(keyAsync)
}

// keyAsync is internal: collaborators detach through engine.Detach, not by
// poking the attribute.
const keyAsync = "tracetap/async"

// CurrentSpan returns the span currently in scope for this request, or nil.
func (s *Store) CurrentSpan() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SwapCurrentSpan installs span as the in-scope span and returns the
// previous occupant.
func (s *Store) SwapCurrentSpan(span any) (prev any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.current
	s.current = span
	return prev
}

// State derives the dispatch state from the attributes.
func (s *Store) State() DispatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, _ := s.attrs[KeyErrorHandled].(bool); v {
		return StateErrorHandled
	}
	if s.attrs[KeyActiveSpan] != nil {
		return StateContinued
	}
	return StateFresh
}

type ctxKey struct{}

// With returns a context carrying the store.
func With(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From returns the store carried by ctx, or nil.
func From(ctx context.Context) *Store {
	s, _ := ctx.Value(ctxKey{}).(*Store)
	return s
}

// Ensure returns the store carried by ctx, installing a fresh one (and
// returning the derived context) when none is present.
func Ensure(ctx context.Context) (context.Context, *Store) {
	if s := From(ctx); s != nil {
		return ctx, s
	}
	s := New()
	return With(ctx, s), s
}
