package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tracetap/tracetap/pkg/config"
	"github.com/tracetap/tracetap/pkg/coordinator"
	"github.com/tracetap/tracetap/pkg/journal"
	"github.com/tracetap/tracetap/pkg/logging"
	"github.com/tracetap/tracetap/pkg/proxy"
	"github.com/tracetap/tracetap/pkg/tracing"
)

// findFreePort finds a free port starting from the given port.
// It checks up to 100 ports from the starting port.
func findFreePort(startPort int) int {
	for port := startPort; port < startPort+100; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			_ = listener.Close()
			return port
		}
	}
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return startPort
	}
	defer func() { _ = listener.Close() }()
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return startPort
	}
	return tcpAddr.Port
}

// Server hosts the traced listener: the pipeline-wrapped application (or
// upstream forwarder) plus the introspection endpoints under /__tracetap/.
type Server struct {
	cfg          *config.SidecarConfiguration
	app          http.Handler
	pipeline     *Pipeline
	gateway      coordinator.Gateway
	journalStore journal.Store
	errorHandler ErrorHandler
	log          *slog.Logger
	httpServer   *http.Server
	ownedTracer  *tracing.Tracer
	port         int
	mu           sync.RWMutex
	running      bool
	startTime    time.Time
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the operational logger for the server and its pipeline.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithGateway sets the tracing gateway. Without it the server builds the
// built-in backend from cfg.Tracing and owns its lifecycle.
func WithGateway(gw coordinator.Gateway) ServerOption {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithJournal replaces the journal built from cfg.Journal.
func WithJournal(store journal.Store) ServerOption {
	return func(s *Server) {
		s.journalStore = store
	}
}

// WithErrorHandler registers the dedicated error handler at construction.
func WithErrorHandler(h ErrorHandler) ServerOption {
	return func(s *Server) {
		s.errorHandler = h
	}
}

// NewServer creates a new Server with the given configuration. The app
// handler is what the pipeline dispatches to; pass nil to forward traced
// requests to cfg.Upstream instead.
func NewServer(cfg *config.SidecarConfiguration, app http.Handler, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = config.DefaultSidecarConfiguration()
	}

	s := &Server{
		cfg: cfg,
		app: app,
		log: logging.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.journalStore == nil && cfg.JournalEnabled() {
		maxEntries := 1000
		if cfg.Journal != nil && cfg.Journal.MaxEntries > 0 {
			maxEntries = cfg.Journal.MaxEntries
		}
		s.journalStore = journal.NewInMemory(maxEntries)
	}

	return s
}

// Pipeline returns the request pipeline. It is nil until Start.
func (s *Server) Pipeline() *Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// Journal returns the journal dispatch outcomes are recorded in, or nil.
func (s *Server) Journal() journal.Store {
	return s.journalStore
}

// RegisterErrorHandler installs the dedicated error handler. Safe to call
// before or after Start.
func (s *Server) RegisterErrorHandler(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = h
	if s.pipeline != nil {
		s.pipeline.RegisterErrorHandler(h)
	}
}

// Start builds the pipeline and starts the HTTP listener.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	app := s.app
	if app == nil {
		if s.cfg.Upstream == "" {
			return fmt.Errorf("no application handler and no upstream configured")
		}
		fwd, err := proxy.NewForwarder(s.cfg.Upstream, proxy.WithLogger(s.log))
		if err != nil {
			return fmt.Errorf("failed to build upstream forwarder: %w", err)
		}
		app = fwd
	}

	gw := s.gateway
	if gw == nil {
		tracer, err := s.buildTracer()
		if err != nil {
			return err
		}
		s.ownedTracer = tracer
		gw = coordinator.NewBackendGateway(tracer)
	}

	copts, err := s.coordinatorOptions()
	if err != nil {
		return err
	}

	popts := []PipelineOption{
		WithPipelineLogger(s.log),
		WithPipelineCoordinatorOptions(copts...),
	}
	if s.journalStore != nil {
		popts = append(popts, WithPipelineJournal(s.journalStore))
	}
	if s.errorHandler != nil {
		popts = append(popts, WithPipelineErrorHandler(s.errorHandler))
	}
	s.pipeline = NewPipeline(gw, popts...)

	mux := http.NewServeMux()
	s.registerIntrospection(mux)
	mux.Handle("/", s.pipeline.Wrap(app))

	port := s.cfg.HTTPPort
	if port == 0 {
		port = findFreePort(4180)
	}
	s.port = port

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.log.Info("starting traced listener", "port", port, "upstream", s.cfg.Upstream)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.running = true
	s.startTime = time.Now()
	return nil
}

// buildTracer constructs the built-in backend from cfg.Tracing.
func (s *Server) buildTracer() (*tracing.Tracer, error) {
	tc := s.cfg.Tracing
	if tc == nil {
		tc = config.DefaultSidecarConfiguration().Tracing
	}

	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "tracetap"
	}

	var topts []tracing.TracerOption

	switch tc.Backend {
	case "", config.BackendStdout:
		var sopts []tracing.StdoutOption
		if tc.Pretty {
			sopts = append(sopts, tracing.WithPrettyPrint())
		}
		topts = append(topts, tracing.WithExporter(tracing.NewStdoutExporter(sopts...)))
	case config.BackendOTLP:
		topts = append(topts, tracing.WithExporter(tracing.NewOTLPExporter(tc.Endpoint)))
	case config.BackendNone:
		topts = append(topts, tracing.WithExporter(tracing.NewNoopExporter()))
	case config.BackendOTel:
		return nil, fmt.Errorf("tracing backend %q needs an externally built gateway", tc.Backend)
	default:
		return nil, fmt.Errorf("unknown tracing backend %q", tc.Backend)
	}

	if tc.SampleRatio != nil && *tc.SampleRatio < 1 {
		topts = append(topts, tracing.WithSampler(tracing.NewRatioSampler(*tc.SampleRatio)))
	}
	if tc.BatchSize > 0 {
		topts = append(topts, tracing.WithBatchSize(tc.BatchSize))
	}

	return tracing.NewTracer(serviceName, topts...), nil
}

func (s *Server) coordinatorOptions() ([]coordinator.Option, error) {
	var copts []coordinator.Option

	if len(s.cfg.SkipPaths) > 0 {
		patterns := append([]string{}, s.cfg.SkipPaths...)
		patterns = append(patterns, "/__tracetap/**")
		skipper, err := coordinator.NewPathSkipper(patterns...)
		if err != nil {
			return nil, fmt.Errorf("invalid skip pattern: %w", err)
		}
		copts = append(copts, coordinator.WithSkipper(skipper))
	}

	if s.cfg.TraceResponseHeaders {
		copts = append(copts, coordinator.WithTraceResponseHeaders())
	}

	return copts, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}

	// Spans buffered by an engine-owned backend must reach the exporter
	// before the process goes away.
	if s.ownedTracer != nil {
		if err := s.ownedTracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		s.ownedTracer = nil
	}

	s.running = false

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime in seconds.
func (s *Server) Uptime() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return int(time.Since(s.startTime).Seconds())
}

// Port returns the port the listener is bound to. Before Start it returns
// the configured port.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.port != 0 {
		return s.port
	}
	return s.cfg.HTTPPort
}

// Config returns the server configuration.
func (s *Server) Config() *config.SidecarConfiguration {
	return s.cfg
}
