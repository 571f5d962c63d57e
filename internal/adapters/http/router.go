package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

// BackendStatus reports whether the compute backend connection is up.
type BackendStatus interface {
	Connected() bool
}

type Router struct {
	records ports.RecordReader
	backend BackendStatus
	metrics http.Handler
	wrap    func(http.Handler) http.Handler
}

// NewRouter builds the admin surface. metricsHandler and instrument may be nil.
func NewRouter(records ports.RecordReader, backend BackendStatus, metricsHandler http.Handler, instrument func(http.Handler) http.Handler) *Router {
	return &Router{
		records: records,
		backend: backend,
		metrics: metricsHandler,
		wrap:    instrument,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/records", rt.listRecords)
	mux.HandleFunc("/v1/records/lookup", rt.lookupRecord)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics)
	}

	var handler http.Handler = mux
	if rt.wrap != nil {
		handler = rt.wrap(handler)
	}
	return requestLogMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	if rt.backend != nil && !rt.backend.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "backend": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) listRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var states []domain.FileState
	for _, raw := range strings.Split(r.URL.Query().Get("state"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		state := domain.FileState(raw)
		if !state.IsActive() && !state.IsTerminal() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown state " + raw})
			return
		}
		states = append(states, state)
	}

	recs, err := rt.records.ListByState(r.Context(), states...)
	if err != nil {
		loggerFrom(r.Context()).Error("records_list_failed", "error", err)
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []domain.FileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (rt *Router) lookupRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}

	rec, err := rt.records.Get(r.Context(), path)
	if err != nil {
		if mapErrorToHTTPStatus(err) >= http.StatusInternalServerError {
			loggerFrom(r.Context()).Error("record_lookup_failed", "path", path, "error", err)
		}
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
