package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/localanalytics/localanalytics/pkg/admin"
	"github.com/localanalytics/localanalytics/pkg/record"
)

// RegisterAdminRoutes registers the read-only query routes on mux.
func (s *Server) RegisterAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/counts", s.handleCounts)
	mux.HandleFunc("GET /api/v1/tables/{table}", s.handleTable)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/v1/service-errors/{service}", s.handleServiceErrors)
}

// GET /api/v1/counts
func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.api.GetEventCounts(r.Context()))
}

// GET /api/v1/tables/{table}?limit=100
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	recs, err := s.api.GetEvents(r.Context(), r.PathValue("table"), parseIntParam(r, "limit", 0))
	if errors.Is(err, admin.ErrUnknownTable) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

// GET /api/v1/events?name=<event>&limit=100
// GET /api/v1/events?session=<id>            session_recordings
// GET /api/v1/events?url=<page url>          page_analytics
// GET /api/v1/events?workspace=<id>|user=<id>&table=analytics_events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(r, "limit", 0)

	switch {
	case q.Get("name") != "":
		writeJSON(w, s.api.EventsByName(r.Context(), q.Get("name"), limit))
		return
	case q.Get("session") != "":
		writeJSON(w, s.api.RecordingsBySession(r.Context(), q.Get("session"), limit))
		return
	case q.Get("url") != "":
		writeJSON(w, s.api.PageViewsByURL(r.Context(), q.Get("url"), limit))
		return
	}

	table := q.Get("table")
	if table == "" {
		table = string(record.TableAnalyticsEvents)
	}

	var recs []record.Record
	var err error
	switch {
	case q.Get("workspace") != "":
		recs, err = s.api.EventsByWorkspace(r.Context(), table, q.Get("workspace"), limit)
	case q.Get("user") != "":
		recs, err = s.api.EventsByUser(r.Context(), table, q.Get("user"), limit)
	default:
		recs, err = s.api.GetEvents(r.Context(), table, limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, recs)
}

// GET /api/v1/dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.api.Dashboard(r.Context()))
}

// GET /api/v1/service-errors/{service}?limit=100
// GET /api/v1/service-errors/{service}?format=export
func (s *Server) handleServiceErrors(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")

	if r.URL.Query().Get("format") == "export" {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="`+service+`-errors.json"`)
		if err := s.api.ExportServiceErrors(service, w); err != nil {
			serviceError(w, err)
		}
		return
	}

	reports, err := s.api.GetServiceErrors(service, parseIntParam(r, "limit", 0))
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, reports)
}

func serviceError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, admin.ErrInvalidService) {
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
