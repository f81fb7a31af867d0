package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracetap/tracetap/pkg/config"
	"github.com/tracetap/tracetap/pkg/coordinator"
	"github.com/tracetap/tracetap/pkg/engine"
	"github.com/tracetap/tracetap/pkg/httputil"
	"github.com/tracetap/tracetap/pkg/logging"
	"github.com/tracetap/tracetap/pkg/otelbridge"
)

// shutdownTimeout is the maximum time to wait for graceful shutdown.
const shutdownTimeout = 30 * time.Second

// serveFlags holds the flag values for the serve command. Flags the user
// actually set override the configuration file.
type serveFlags struct {
	configPath   string
	port         int
	upstream     string
	backend      string
	endpoint     string
	insecure     bool
	sampleRatio  float64
	serviceName  string
	skipPaths    []string
	traceHeaders bool
	pretty       bool
	journalSize  int
	lokiURL      string
}

var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracing sidecar in the foreground",
	Long: `Run the traced listener. Requests are forwarded to the upstream with a
span attached; span lifecycle outcomes are recorded in the journal,
inspectable at /__tracetap/journal on the same listener.`,
	Example: `  # Trace a local service, spans to stdout
  tracetap serve --upstream http://localhost:8080

  # Ship spans to an OTLP/HTTP collector
  tracetap serve --upstream http://localhost:8080 \
    --backend otlp --endpoint http://localhost:4318/v1/traces

  # Use the OpenTelemetry SDK with an OTLP/gRPC collector
  tracetap serve --upstream http://localhost:8080 \
    --backend otel --endpoint localhost:4317 --insecure

  # From a configuration file, flags winning on conflict
  tracetap serve --config tracetap.yaml --port 9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveServeConfig(cmd, &serveFlagVals)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

// registerServeFlags binds the serve flag set to the given target.
func registerServeFlags(cmd *cobra.Command, flags *serveFlags) {
	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Configuration file (YAML or JSON)")
	f.IntVarP(&flags.port, "port", "p", 0, "Port for the traced listener (default 4180)")
	f.StringVarP(&flags.upstream, "upstream", "u", "", "Base URL traced requests are forwarded to")
	f.StringVar(&flags.backend, "backend", "", "Span exporter: stdout, otlp, otel, or none")
	f.StringVar(&flags.endpoint, "endpoint", "", "Collector endpoint for the otlp and otel backends")
	f.BoolVar(&flags.insecure, "insecure", false, "Disable TLS towards the otel collector")
	f.Float64Var(&flags.sampleRatio, "sample-ratio", 1.0, "Fraction of new traces to keep, 0.0 to 1.0")
	f.StringVar(&flags.serviceName, "service-name", "", "Service name reported on exported spans")
	f.StringArrayVar(&flags.skipPaths, "skip-path", nil, "Glob pattern for paths to leave untraced (repeatable)")
	f.BoolVar(&flags.traceHeaders, "trace-response-headers", false, "Echo X-Trace-ID and X-Span-ID on responses")
	f.BoolVar(&flags.pretty, "pretty", false, "Indent the stdout backend's JSON output")
	f.IntVar(&flags.journalSize, "journal-size", 0, "Journal capacity; 0 keeps the default")
	f.StringVar(&flags.lokiURL, "loki-endpoint", "", "Also ship sidecar logs to this Loki push endpoint")
}

func init() {
	registerServeFlags(serveCmd, &serveFlagVals)
	rootCmd.AddCommand(serveCmd)
}

// resolveServeConfig merges the configuration file with the flags the user
// set. Flags win; unset flags keep the file's (or default) values.
func resolveServeConfig(cmd *cobra.Command, flags *serveFlags) (*config.SidecarConfiguration, error) {
	var cfg *config.SidecarConfiguration
	if flags.configPath != "" {
		loaded, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultSidecarConfiguration()
	}

	if cfg.Tracing == nil {
		cfg.Tracing = &config.TracingConfiguration{}
	}
	if cfg.Journal == nil {
		cfg.Journal = &config.JournalConfiguration{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.LoggingConfiguration{}
	}

	set := cmd.Flags().Changed
	if set("port") {
		cfg.HTTPPort = flags.port
	}
	if set("upstream") {
		cfg.Upstream = flags.upstream
	}
	if set("backend") {
		cfg.Tracing.Backend = flags.backend
	}
	if set("endpoint") {
		cfg.Tracing.Endpoint = flags.endpoint
	}
	if set("insecure") {
		cfg.Tracing.Insecure = flags.insecure
	}
	if set("sample-ratio") {
		ratio := flags.sampleRatio
		cfg.Tracing.SampleRatio = &ratio
	}
	if set("service-name") {
		cfg.Tracing.ServiceName = flags.serviceName
	}
	if set("skip-path") {
		cfg.SkipPaths = flags.skipPaths
	}
	if set("trace-response-headers") {
		cfg.TraceResponseHeaders = flags.traceHeaders
	}
	if set("pretty") {
		cfg.Tracing.Pretty = flags.pretty
	}
	if set("journal-size") {
		cfg.Journal.MaxEntries = flags.journalSize
	}
	if set("loki-endpoint") {
		cfg.Logging.LokiURL = flags.lokiURL
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildLogger assembles the sidecar's own logger from the logging section,
// fanning out to Loki when an endpoint is configured.
func buildLogger(cfg *config.SidecarConfiguration) (*slog.Logger, func()) {
	lc := cfg.Logging
	if lc == nil {
		lc = &config.LoggingConfiguration{}
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(lc.Level),
		Format: logging.ParseFormat(lc.Format),
	})
	cleanup := func() {}

	if lc.LokiURL != "" {
		loki := logging.NewLokiHandler(lc.LokiURL,
			logging.WithLokiLabels(map[string]string{
				"service": "tracetap",
				"port":    strconv.Itoa(cfg.HTTPPort),
			}),
			logging.WithLokiLevel(logging.ParseLevel(lc.Level)),
		)
		log = slog.New(logging.NewMultiHandler(log.Handler(), loki))
		cleanup = func() { _ = loki.Close() }
		log.Info("log aggregation enabled", "endpoint", lc.LokiURL)
	}

	return log, cleanup
}

func runServe(ctx context.Context, cfg *config.SidecarConfiguration) error {
	log, logCleanup := buildLogger(cfg)
	defer logCleanup()

	opts := []engine.ServerOption{
		engine.WithLogger(log),
		engine.WithErrorHandler(upstreamErrorHandler()),
	}

	// The otel backend swaps the built-in tracer for the OpenTelemetry SDK;
	// the engine builds the built-in backend itself for everything else.
	var provider interface {
		Shutdown(context.Context) error
	}
	if tc := cfg.Tracing; tc != nil && tc.Backend == config.BackendOTel {
		serviceName := tc.ServiceName
		if serviceName == "" {
			serviceName = "tracetap"
		}
		tp, err := otelbridge.NewProvider(ctx, otelbridge.ProviderConfig{
			ServiceName:    serviceName,
			ServiceVersion: Version,
			Endpoint:       tc.Endpoint,
			Insecure:       tc.Insecure,
			SampleRatio:    tc.SampleRatio,
		})
		if err != nil {
			return err
		}
		provider = tp
		opts = append(opts, engine.WithGateway(otelbridge.New(tp.Tracer("tracetap"))))
	}

	srv := engine.NewServer(cfg, nil, opts...)
	if err := srv.Start(); err != nil {
		return err
	}

	log.Info("tracetap is up",
		"port", srv.Port(),
		"upstream", cfg.Upstream,
		"version", Version)

	// Wait for a shutdown signal.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Stop()
	if provider != nil {
		if perr := provider.Shutdown(shutdownCtx); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// upstreamErrorHandler renders the response for requests whose first
// dispatch failed, as the second dispatch of the two-pass error protocol.
func upstreamErrorHandler() engine.ErrorHandler {
	return engine.ErrorHandlerFunc(func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusInternalServerError
		if rec, ok := w.(*coordinator.StatusRecorder); ok && rec.Status() >= http.StatusInternalServerError {
			status = rec.Status()
		}
		message := http.StatusText(status)
		if err != nil {
			message = err.Error()
		}
		httputil.WriteError(w, status, "upstream_error", message)
	})
}
