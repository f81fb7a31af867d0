package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetap/tracetap/pkg/config"
)

func testConfig() *config.SidecarConfiguration {
	cfg := config.DefaultSidecarConfiguration()
	cfg.HTTPPort = 0 // pick a free port
	cfg.Tracing.Backend = config.BackendNone
	return cfg
}

func TestServer_StartStop(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := NewServer(testConfig(), app, WithGateway(&fakeGateway{}))

	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	assert.True(t, srv.IsRunning())
	assert.NotZero(t, srv.Port())
	assert.NotNil(t, srv.Pipeline())

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())

	// Stopping twice is harmless.
	assert.NoError(t, srv.Stop())
}

func TestServer_StartTwiceFails(t *testing.T) {
	srv := NewServer(testConfig(), http.NotFoundHandler(), WithGateway(&fakeGateway{}))
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	assert.Error(t, srv.Start())
}

func TestServer_NeedsAppOrUpstream(t *testing.T) {
	srv := NewServer(testConfig(), nil, WithGateway(&fakeGateway{}))
	assert.Error(t, srv.Start())
}

func TestServer_OTelBackendNeedsExternalGateway(t *testing.T) {
	cfg := testConfig()
	cfg.Tracing.Backend = config.BackendOTel
	cfg.Tracing.Endpoint = "localhost:4317"

	srv := NewServer(cfg, http.NotFoundHandler())
	assert.Error(t, srv.Start())
}

func TestServer_TracedRequestsAndIntrospection(t *testing.T) {
	gw := &fakeGateway{}
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := NewServer(testConfig(), app, WithGateway(gw))
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	handler := srv.httpServer.Handler

	// A traced request produces a span and a journal entry.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/orders", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, gw.finalizeCount())

	// Healthz reports the running server and the journal size.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", HealthzPath, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var health HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Journaled)

	// The journal lists the traced dispatch.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", JournalPath, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var list JournalListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "/api/orders", list.Entries[0].Path)
	assert.Equal(t, "finalize", list.Entries[0].Verdict)

	// Single-entry lookup by ID.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", JournalPath+"/"+list.Entries[0].ID, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", JournalPath+"/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Clearing empties the journal.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("DELETE", JournalPath, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, srv.Journal().Count())

	// Introspection requests never produced spans of their own.
	assert.Len(t, gw.created, 1)
}

func TestServer_JournalFilterByVerdict(t *testing.T) {
	gw := &fakeGateway{}
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := NewServer(testConfig(), app, WithGateway(gw))
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	handler := srv.httpServer.Handler
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/good", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/bad", nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", JournalPath+"?reason=success", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var list JournalListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "/good", list.Entries[0].Path)
	assert.Equal(t, 2, list.Total)
}

func TestServer_JournalDisabled(t *testing.T) {
	cfg := testConfig()
	disabled := false
	cfg.Journal.Enabled = &disabled

	srv := NewServer(cfg, http.NotFoundHandler(), WithGateway(&fakeGateway{}))
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	assert.Nil(t, srv.Journal())

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest("GET", JournalPath, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_SkipPathsFromConfig(t *testing.T) {
	gw := &fakeGateway{}
	cfg := testConfig()
	cfg.SkipPaths = []string{"/static/**"}

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := NewServer(cfg, app, WithGateway(gw))
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	handler := srv.httpServer.Handler
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/static/app.css", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/orders", nil))

	// Only the API request was traced.
	assert.Len(t, gw.created, 1)
}

func TestServer_TraceResponseHeadersFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TraceResponseHeaders = true

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := NewServer(cfg, app, WithGateway(&fakeGateway{}))
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api", nil))

	assert.Equal(t, "trace-0", rr.Header().Get("X-Trace-ID"))
	assert.Equal(t, "span-0", rr.Header().Get("X-Span-ID"))
}
