// Package proxy forwards traced requests to the configured upstream. The
// Forwarder is the application handler the sidecar mounts behind the
// coordinator: by the time a request reaches it, the span already exists,
// so the upstream service gains tracing without code changes.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/tracetap/tracetap/pkg/logging"
	"github.com/tracetap/tracetap/pkg/reqctx"
)

// ErrBadUpstream is returned by NewForwarder for an upstream URL that cannot
// be forwarded to.
var ErrBadUpstream = errors.New("proxy: invalid upstream URL")

// Forwarder is a single-host reverse proxy to the upstream service.
type Forwarder struct {
	target *url.URL
	rp     *httputil.ReverseProxy
	log    *slog.Logger
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithLogger sets the logger for upstream failures.
func WithLogger(log *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if log != nil {
			f.log = log
		}
	}
}

// WithTransport replaces the default upstream transport.
func WithTransport(rt http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.rp.Transport = rt
	}
}

// NewForwarder builds a forwarder for the given upstream base URL.
func NewForwarder(upstream string, opts ...ForwarderOption) (*Forwarder, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpstream, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrBadUpstream, target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrBadUpstream, upstream)
	}

	f := &Forwarder{
		target: target,
		rp:     httputil.NewSingleHostReverseProxy(target),
		log:    logging.Nop(),
	}
	// Streaming responses (SSE and the like) must not sit in the proxy
	// buffer until the upstream closes.
	f.rp.FlushInterval = 100 * time.Millisecond

	for _, opt := range opts {
		opt(f)
	}

	f.rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		f.log.Error("upstream request failed",
			"upstream", f.target.String(),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		if store := reqctx.From(r.Context()); store != nil {
			store.SetPendingError(fmt.Errorf("upstream %s: %w", f.target.Host, err))
		}
		// Behind the pipeline, record the failure without committing the
		// response so the host can run its error dispatch. Standalone,
		// answer 502 directly.
		if rec, ok := w.(interface{ MarkStatus(int) }); ok {
			rec.MarkStatus(http.StatusBadGateway)
			return
		}
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	return f, nil
}

// Target returns the upstream base URL.
func (f *Forwarder) Target() *url.URL {
	return f.target
}

// ServeHTTP forwards the request to the upstream.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.rp.ServeHTTP(w, r)
}
