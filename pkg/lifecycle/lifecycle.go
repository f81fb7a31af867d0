// Package lifecycle decides the terminal action for a request span.
//
// The decision is a pure function from a snapshot of per-request state to a
// three-way verdict: finalize the span (report it to the backend), abandon it
// (discard without reporting), or defer (leave it open for a later invocation
// to settle). The rules are order-sensitive; first match wins. Keeping the
// table free of I/O lets it be tested exhaustively without a server or a
// tracer.
package lifecycle

// Verdict is the terminal action chosen for the active span.
type Verdict int

const (
	// VerdictDefer leaves the span open; a later invocation, the error
	// dispatch, or the async continuation owns completion.
	VerdictDefer Verdict = iota
	// VerdictFinalize reports the span to the tracing backend.
	VerdictFinalize
	// VerdictAbandon discards the span without reporting it.
	VerdictAbandon
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictFinalize:
		return "finalize"
	case VerdictAbandon:
		return "abandon"
	default:
		return "defer"
	}
}

// Reason identifies the rule that produced a decision. It is carried into
// logs and journal entries so a disposition can be traced back to the exact
// branch that chose it.
type Reason int

const (
	// ReasonAsync: the request is continuing asynchronously; completion
	// responsibility passes to the continuation.
	ReasonAsync Reason = iota
	// ReasonSuccess: successful response, not previously finalized.
	ReasonSuccess
	// ReasonAwaitErrorDispatch: a failure occurred and a dedicated error
	// handler is registered; its re-dispatch will settle the span.
	ReasonAwaitErrorDispatch
	// ReasonErrorDispatchDone: the error re-dispatch already ran and no
	// close was requested; the span is left exactly as it was.
	ReasonErrorDispatchDone
	// ReasonCloseRequested: collaborating instrumentation requested an
	// explicit close.
	ReasonCloseRequested
	// ReasonRootSpan: the span is a root span still current for this
	// request, closed on the unsuccessful path.
	ReasonRootSpan
	// ReasonUnsuccessful: unsuccessful response with no error handler to
	// take over reporting.
	ReasonUnsuccessful
	// ReasonHandedToErrorHandler: unsuccessful response with a captured
	// failure and a registered error handler; the span is abandoned so the
	// error dispatch does not produce two overlapping reports.
	ReasonHandedToErrorHandler
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonAsync:
		return "async"
	case ReasonSuccess:
		return "success"
	case ReasonAwaitErrorDispatch:
		return "await-error-dispatch"
	case ReasonErrorDispatchDone:
		return "error-dispatch-done"
	case ReasonCloseRequested:
		return "close-requested"
	case ReasonRootSpan:
		return "root-span"
	case ReasonUnsuccessful:
		return "unsuccessful"
	case ReasonHandedToErrorHandler:
		return "handed-to-error-handler"
	default:
		return "unknown"
	}
}

// Snapshot is the per-request state the decision is computed from. The
// coordinator assembles it after the downstream handler returns or panics.
type Snapshot struct {
	// Status is the response status code; 0 means nothing was written.
	Status int
	// Failed reports whether a downstream failure was captured during this
	// invocation.
	Failed bool
	// Async reports whether the request is continuing asynchronously.
	Async bool
	// Root reports whether the span was created without a parent.
	Root bool
	// SpanCurrent reports whether the request's span is still the current
	// span of its activation slot. False means nested or asynchronous
	// processing swapped it out underneath us.
	SpanCurrent bool
	// CloseRequested reports whether an explicit close was requested via
	// the context store.
	CloseRequested bool
	// ErrorDispatched reports whether the error re-dispatch already ran
	// for this request.
	ErrorDispatched bool
	// AlreadyFinalized reports whether a previous invocation (or
	// collaborating instrumentation) finalized the span.
	AlreadyFinalized bool
	// HandlerRegistered reports whether the host registers a dedicated
	// error-handling component.
	HandlerRegistered bool
}

// Decision is the outcome of evaluating the rules against a Snapshot.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	// ClearSpan removes the stored active-span attribute so no later
	// invocation can reuse it.
	ClearSpan bool
	// TagStatus records the numeric response status on the span before the
	// terminal action. Only root spans with a written status and no
	// captured failure are tagged, keeping the per-span tag set bounded.
	TagStatus bool
}

// Successful reports whether the status code counts as a successful
// response: 2xx or 3xx. A zero status means nothing has been written yet and
// is not successful.
func Successful(status int) bool {
	return status >= 200 && status <= 399
}

// Decide evaluates the decision table against the snapshot. Rules are
// evaluated in order and the first match wins:
//
//  1. Async continuation: defer, ownership passes to the continuation.
//  2. Successful response not yet finalized: finalize and clear, unless a
//     failure was captured and an error handler is registered, in which
//     case the error dispatch will settle it.
//  3. Error dispatch already ran and no close requested: leave untouched.
//  4. Close requested, or root span, while the span is still current:
//     finalize; clear only on an explicit close request.
//  5. Otherwise (unsuccessful): without an error handler, finalize and
//     clear; with one, abandon if a failure was captured, else finalize
//     without clearing.
func Decide(s Snapshot) Decision {
	if s.Async {
		return Decision{Verdict: VerdictDefer, Reason: ReasonAsync}
	}

	// The status tag is applied on every synchronous pass so the rule-3
	// no-op path keeps whatever the error dispatch recorded; a terminal
	// span ignores late tags.
	tag := !s.Failed && s.Root && s.Status >= 100

	if Successful(s.Status) && !s.AlreadyFinalized {
		if s.Failed && s.HandlerRegistered {
			return Decision{Verdict: VerdictDefer, Reason: ReasonAwaitErrorDispatch, TagStatus: tag}
		}
		return Decision{Verdict: VerdictFinalize, Reason: ReasonSuccess, ClearSpan: true, TagStatus: tag}
	}

	if s.ErrorDispatched && !s.CloseRequested {
		return Decision{Verdict: VerdictDefer, Reason: ReasonErrorDispatchDone, TagStatus: tag}
	}

	if (s.CloseRequested || s.Root) && s.SpanCurrent {
		reason := ReasonRootSpan
		if s.CloseRequested {
			reason = ReasonCloseRequested
		}
		return Decision{Verdict: VerdictFinalize, Reason: reason, ClearSpan: s.CloseRequested, TagStatus: tag}
	}

	clear := !s.HandlerRegistered
	if s.Failed && s.HandlerRegistered {
		return Decision{Verdict: VerdictAbandon, Reason: ReasonHandedToErrorHandler, ClearSpan: clear, TagStatus: tag}
	}
	return Decision{Verdict: VerdictFinalize, Reason: ReasonUnsuccessful, ClearSpan: clear, TagStatus: tag}
}
