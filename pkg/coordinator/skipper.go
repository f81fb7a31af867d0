package coordinator

import (
	"fmt"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
)

// Skipper decides which requests bypass tracing entirely.
type Skipper interface {
	Skip(r *http.Request) bool
}

// SkipperFunc adapts a function to the Skipper interface.
type SkipperFunc func(r *http.Request) bool

// Skip calls f.
func (f SkipperFunc) Skip(r *http.Request) bool { return f(r) }

// DefaultSkipPatterns lists the infrastructure paths that would create
// noise in trace data: health checks, metrics endpoints, and the
// coordinator's own introspection surface.
var DefaultSkipPatterns = []string{
	"/metrics",
	"/health",
	"/healthz",
	"/ready",
	"/readyz",
	"/livez",
	"/_/health",
	"/_/ready",
	"/__health",
	"/favicon.ico",
	"/__tracetap/**",
}

// PathSkipper skips requests whose URL path matches any of a set of glob
// patterns. Patterns use doublestar syntax, so "/static/**" covers a whole
// subtree.
type PathSkipper struct {
	patterns []string
}

// NewPathSkipper validates the patterns and returns a skipper for them.
func NewPathSkipper(patterns ...string) (*PathSkipper, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid skip pattern %q", p)
		}
	}
	return &PathSkipper{patterns: patterns}, nil
}

// Skip reports whether the request path matches any pattern.
func (s *PathSkipper) Skip(r *http.Request) bool {
	for _, p := range s.patterns {
		if ok, _ := doublestar.Match(p, r.URL.Path); ok {
			return true
		}
	}
	return false
}

func defaultSkipper() *PathSkipper {
	s, err := NewPathSkipper(DefaultSkipPatterns...)
	if err != nil {
		panic(err)
	}
	return s
}
