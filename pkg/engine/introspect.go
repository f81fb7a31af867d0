package engine

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tracetap/tracetap/pkg/httputil"
	"github.com/tracetap/tracetap/pkg/journal"
)

// Introspection endpoints, mounted under /__tracetap/ on the pipeline
// server. The default skip rules exclude this subtree from tracing, so
// polling them never produces spans.
const (
	HealthzPath = "/__tracetap/healthz"
	JournalPath = "/__tracetap/journal"
)

// HealthzResponse is the body of GET /__tracetap/healthz.
type HealthzResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Journaled     int       `json:"journaled"`
}

// JournalListResponse is the body of GET /__tracetap/journal.
type JournalListResponse struct {
	Entries []*journal.Entry `json:"entries"`
	Count   int              `json:"count"`
	Total   int              `json:"total"`
}

func (s *Server) registerIntrospection(mux *http.ServeMux) {
	mux.HandleFunc("GET "+HealthzPath, s.handleHealthz)
	mux.HandleFunc("GET "+JournalPath, s.handleListJournal)
	mux.HandleFunc("GET "+JournalPath+"/{id}", s.handleGetJournalEntry)
	mux.HandleFunc("DELETE "+JournalPath, s.handleClearJournal)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(s.Uptime()),
	}
	if store := s.pipeline.Journal(); store != nil {
		resp.Journaled = store.Count()
	}
	if !s.IsRunning() {
		resp.Status = "stopped"
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	store := s.pipeline.Journal()
	if store == nil {
		httputil.WriteError(w, http.StatusNotFound, "no_journal", "journal is not enabled")
		return
	}

	filter := &journal.Filter{
		Limit: 100, // default
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if v := r.URL.Query().Get("method"); v != "" {
		filter.Method = v
	}
	if v := r.URL.Query().Get("path"); v != "" {
		filter.Path = v
	}
	if v := r.URL.Query().Get("traceId"); v != "" {
		filter.TraceID = v
	}
	if v := r.URL.Query().Get("verdict"); v != "" {
		filter.Verdict = v
	}
	if v := r.URL.Query().Get("reason"); v != "" {
		filter.Reason = v
	}
	if v := r.URL.Query().Get("failed"); v != "" {
		if failed, err := strconv.ParseBool(v); err == nil {
			filter.Failed = &failed
		}
	}

	entries := store.List(filter)
	httputil.WriteJSON(w, http.StatusOK, JournalListResponse{
		Entries: entries,
		Count:   len(entries),
		Total:   store.Count(),
	})
}

func (s *Server) handleGetJournalEntry(w http.ResponseWriter, r *http.Request) {
	store := s.pipeline.Journal()
	if store == nil {
		httputil.WriteError(w, http.StatusNotFound, "no_journal", "journal is not enabled")
		return
	}
	entry := store.Get(r.PathValue("id"))
	if entry == nil {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "journal entry not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleClearJournal(w http.ResponseWriter, r *http.Request) {
	store := s.pipeline.Journal()
	if store == nil {
		httputil.WriteError(w, http.StatusNotFound, "no_journal", "journal is not enabled")
		return
	}
	cleared := store.Count()
	store.Clear()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"cleared": cleared,
		"message": "journal cleared",
	})
}
