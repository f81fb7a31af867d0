package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Tracing backends selectable in SidecarConfiguration.
const (
	BackendStdout = "stdout"
	BackendOTLP   = "otlp"
	BackendOTel   = "otel"
	BackendNone   = "none"
)

// SidecarConfiguration defines the sidecar runtime settings and operational
// parameters: where to listen, where to forward, and how spans are sampled,
// exported and journaled.
type SidecarConfiguration struct {
	// Version is the config format version (e.g., "1.0")
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// HTTPPort is the port the traced listener binds
	HTTPPort int `json:"httpPort,omitempty" yaml:"httpPort,omitempty"`
	// Upstream is the base URL traced requests are forwarded to
	// (e.g., "http://localhost:8080"). Empty disables the built-in proxy;
	// the pipeline then serves the application handler wired in code.
	Upstream string `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	// ReadTimeout is the HTTP read timeout in seconds
	ReadTimeout int `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	// WriteTimeout is the HTTP write timeout in seconds
	WriteTimeout int `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	// TraceResponseHeaders echoes X-Trace-ID and X-Span-ID on responses
	TraceResponseHeaders bool `json:"traceResponseHeaders,omitempty" yaml:"traceResponseHeaders,omitempty"`
	// SkipPaths replaces the default list of untraced paths. Entries are
	// doublestar glob patterns (e.g., "/static/**"). The introspection
	// subtree is always skipped regardless of this list.
	SkipPaths []string `json:"skipPaths,omitempty" yaml:"skipPaths,omitempty"`
	// Tracing configures span creation and export
	Tracing *TracingConfiguration `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	// Journal configures the dispatch journal
	Journal *JournalConfiguration `json:"journal,omitempty" yaml:"journal,omitempty"`
	// Logging configures operational logging
	Logging *LoggingConfiguration `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// TracingConfiguration defines how spans are sampled and exported.
type TracingConfiguration struct {
	// ServiceName is reported on every exported span. Default: "tracetap"
	ServiceName string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	// Backend selects the span exporter: "stdout", "otlp" (built-in
	// OTLP/HTTP exporter), "otel" (OpenTelemetry SDK over gRPC), or "none"
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	// SampleRatio is the fraction of root spans kept, 0.0 to 1.0.
	// Unset means sample everything. Continued traces keep their
	// parent's sampling decision either way.
	SampleRatio *float64 `json:"sampleRatio,omitempty" yaml:"sampleRatio,omitempty"`
	// Endpoint is the collector endpoint for the otlp and otel backends
	// (e.g., "http://localhost:4318/v1/traces" or "localhost:4317")
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	// Insecure disables TLS towards the otel backend's collector
	Insecure bool `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	// Pretty indents the stdout backend's JSON output
	Pretty bool `json:"pretty,omitempty" yaml:"pretty,omitempty"`
	// BatchSize is the number of spans buffered before an export flush
	BatchSize int `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
}

// JournalConfiguration defines the in-memory dispatch journal settings.
type JournalConfiguration struct {
	// Enabled turns the journal on. Default: true
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// MaxEntries is the number of entries retained before eviction
	MaxEntries int `json:"maxEntries,omitempty" yaml:"maxEntries,omitempty"`
}

// LoggingConfiguration defines operational logging settings.
type LoggingConfiguration struct {
	// Level is the minimum level: "debug", "info", "warn", "error"
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Format is "text" or "json"
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// LokiURL, when set, also ships logs to a Loki push endpoint
	// (e.g., "http://localhost:3100/loki/api/v1/push")
	LokiURL string `json:"lokiUrl,omitempty" yaml:"lokiUrl,omitempty"`
}

// DefaultSidecarConfiguration returns a SidecarConfiguration with sensible
// defaults.
func DefaultSidecarConfiguration() *SidecarConfiguration {
	ratio := 1.0
	enabled := true
	return &SidecarConfiguration{
		Version:      "1.0",
		HTTPPort:     4180,
		ReadTimeout:  30,
		WriteTimeout: 30,
		Tracing: &TracingConfiguration{
			ServiceName: "tracetap",
			Backend:     BackendStdout,
			SampleRatio: &ratio,
			BatchSize:   100,
		},
		Journal: &JournalConfiguration{
			Enabled:    &enabled,
			MaxEntries: 1000,
		},
		Logging: &LoggingConfiguration{
			Level:  "info",
			Format: "text",
		},
	}
}

// JournalEnabled reports whether the journal should be created, treating an
// unset flag as enabled.
func (c *SidecarConfiguration) JournalEnabled() bool {
	if c.Journal == nil || c.Journal.Enabled == nil {
		return true
	}
	return *c.Journal.Enabled
}

// Validate checks the configuration for values that cannot work.
func (c *SidecarConfiguration) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("httpPort %d out of range", c.HTTPPort)
	}
	if c.ReadTimeout < 0 {
		return errors.New("readTimeout cannot be negative")
	}
	if c.WriteTimeout < 0 {
		return errors.New("writeTimeout cannot be negative")
	}

	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil {
			return fmt.Errorf("upstream is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("upstream has no host")
		}
	}

	for _, p := range c.SkipPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("skip path %q must start with /", p)
		}
	}

	if t := c.Tracing; t != nil {
		switch t.Backend {
		case "", BackendStdout, BackendOTLP, BackendOTel, BackendNone:
		default:
			return fmt.Errorf("unknown tracing backend %q", t.Backend)
		}
		if (t.Backend == BackendOTLP || t.Backend == BackendOTel) && t.Endpoint == "" {
			return fmt.Errorf("tracing backend %q requires an endpoint", t.Backend)
		}
		if t.SampleRatio != nil && (*t.SampleRatio < 0 || *t.SampleRatio > 1) {
			return fmt.Errorf("sampleRatio %v out of range [0,1]", *t.SampleRatio)
		}
		if t.BatchSize < 0 {
			return errors.New("batchSize cannot be negative")
		}
	}

	if j := c.Journal; j != nil && j.MaxEntries < 0 {
		return errors.New("journal maxEntries cannot be negative")
	}

	if l := c.Logging; l != nil {
		switch l.Level {
		case "", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("unknown log level %q", l.Level)
		}
		switch l.Format {
		case "", "text", "json":
		default:
			return fmt.Errorf("unknown log format %q", l.Format)
		}
	}

	return nil
}
