package coordinator

import "github.com/tracetap/tracetap/pkg/reqctx"

// scope marks a span as the request's current span for the duration of a
// dispatch. It is the request-local stand-in for a tracer's ambient
// current-span state: opening a scope swaps the span into the store's
// current slot, releasing it restores the previous occupant.
//
// The lifecycle decision uses the slot to detect staleness. If a handler
// opened scopes of its own and leaked one, the slot no longer holds the
// request's span and the coordinator must not assume it owns the current
// position.
type scope struct {
	store    *reqctx.Store
	prev     any
	released bool
}

func openScope(store *reqctx.Store, span SpanRef) *scope {
	return &scope{store: store, prev: store.SwapCurrentSpan(span)}
}

// Release restores the previous current span. Releasing twice, or releasing
// a nil scope, is a no-op.
func (s *scope) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	s.store.SwapCurrentSpan(s.prev)
}
