package coordinator

import "net/http"

// StatusRecorder wraps http.ResponseWriter and tracks the response status.
// Like the underlying server, the status starts at 200: a handler that
// writes a body without calling WriteHeader has still answered 200. The
// lifecycle decision reads the recorded status, so the error dispatch can
// steer it with MarkStatus before re-entering the coordinator, even after
// the handler unwound without writing anything.
type StatusRecorder struct {
	http.ResponseWriter
	status        int
	headerWritten bool
	bytesWritten  int64
}

// NewStatusRecorder wraps w. If w is already a StatusRecorder it is
// returned as is, so a re-dispatch keeps the first dispatch's state.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status returns the recorded response status.
func (r *StatusRecorder) Status() int {
	return r.status
}

// Committed reports whether the header has been written to the wire.
func (r *StatusRecorder) Committed() bool {
	return r.headerWritten
}

// BytesWritten returns the number of body bytes written so far.
func (r *StatusRecorder) BytesWritten() int64 {
	return r.bytesWritten
}

// MarkStatus records a status without writing the header. The error
// dispatch uses it to reflect a failure that unwound the handler before any
// write. It does nothing once the header is committed.
func (r *StatusRecorder) MarkStatus(code int) {
	if !r.headerWritten {
		r.status = code
	}
}

// WriteHeader records the status code on the first call and forwards it.
func (r *StatusRecorder) WriteHeader(code int) {
	if !r.headerWritten {
		r.status = code
		r.headerWritten = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Write commits the implicit 200 when the handler skips WriteHeader.
func (r *StatusRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.status = http.StatusOK
		r.headerWritten = true
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (r *StatusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
