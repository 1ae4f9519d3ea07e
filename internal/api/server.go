// Package api is the ops HTTP surface of the control plane: telemetry
// ingestion, incident and recovery queries, the health snapshot, and the
// Prometheus metrics endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiresense/tiresense/internal/clock"
	"github.com/tiresense/tiresense/internal/domain"
	"github.com/tiresense/tiresense/internal/health"
	"github.com/tiresense/tiresense/internal/pipeline"
	"github.com/tiresense/tiresense/internal/scaler"
)

// maxIngestBatch bounds one POST /api/readings payload.
const maxIngestBatch = 1000

// Server wires the control plane's read models behind a chi router.
type Server struct {
	version  string
	started  time.Time
	store    domain.Store
	pipe     *pipeline.Pipeline
	monitor  *health.Monitor
	ledger   *clock.CooldownLedger
	scaler   *scaler.Scaler
	ingest   func(batch []domain.Reading) (accepted, rejected int)
	chaosOff func() time.Time
}

// NewServer creates a server. Optional collaborators may be nil; their
// routes degrade to 503 or are omitted from /status.
func NewServer(version string, store domain.Store, pipe *pipeline.Pipeline, monitor *health.Monitor) *Server {
	return &Server{
		version: version,
		started: time.Now(),
		store:   store,
		pipe:    pipe,
		monitor: monitor,
	}
}

// SetIngest installs the reading sink used by POST /api/readings.
func (s *Server) SetIngest(fn func(batch []domain.Reading) (accepted, rejected int)) { s.ingest = fn }

// SetLedger exposes cooldown state on /status.
func (s *Server) SetLedger(l *clock.CooldownLedger) { s.ledger = l }

// SetScaler exposes the current load forecast on /status.
func (s *Server) SetScaler(sc *scaler.Scaler) { s.scaler = sc }

// SetChaosStatus exposes the chaos disabled-until instant on /status.
func (s *Server) SetChaosStatus(fn func() time.Time) { s.chaosOff = fn }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/readings", s.handleIngest)
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/{id}/readings", s.handleDeviceReadings)
		r.Get("/incidents", s.handleIncidents)
		r.Get("/incidents/{id}/recoveries", s.handleIncidentRecoveries)
		r.Get("/recoveries", s.handleRecoveries)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// handleHealth serves the cached snapshot, recomputing from open incidents
// on a cache miss so the endpoint stays truthful during cache outages.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "health monitor not running")
		return
	}
	if snap, err := s.monitor.Cached(r.Context()); err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	open, err := s.store.QueryIncidents(r.Context(), domain.IncidentFilter{Unresolved: true})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Compute(open))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.pipe != nil {
		status["pipeline"] = s.pipe.Stats()
	}
	if s.ledger != nil {
		cooldowns := map[string]time.Time{}
		for k, dl := range s.ledger.Snapshot() {
			cooldowns[k.Target+"/"+k.Kind] = dl
		}
		status["cooldowns"] = cooldowns
	}
	if s.scaler != nil {
		status["predicted_load"] = s.scaler.Predict()
	}
	if s.chaosOff != nil {
		if until := s.chaosOff(); !until.IsZero() {
			status["chaos_disabled_until"] = until
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleIngest accepts a JSON array of readings and forwards it to the
// ingest worker. Per-reading validation outcomes are summarized, not fatal.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not running")
		return
	}
	var batch []domain.Reading
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid reading batch: "+err.Error())
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "empty reading batch")
		return
	}
	if len(batch) > maxIngestBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds limit")
		return
	}
	accepted, rejected := s.ingest(batch)
	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	if s.pipe == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.pipe.Devices()})
}

func (s *Server) handleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	f := domain.ReadingFilter{DeviceID: chi.URLParam(r, "id")}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since: "+err.Error())
			return
		}
		f.Since = t
	}
	readings, err := s.store.QueryReadings(r.Context(), f, parseLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.IncidentFilter{
		Subject:    q.Get("subject"),
		Kind:       domain.IncidentKind(q.Get("kind")),
		Unresolved: q.Get("unresolved") == "true",
	}
	incidents, err := s.store.QueryIncidents(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleIncidentRecoveries(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.QueryRecoveries(r.Context(), domain.RecoveryFilter{
		IncidentID: chi.URLParam(r, "id"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recoveries": records})
}

func (s *Server) handleRecoveries(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.QueryRecoveries(r.Context(), domain.RecoveryFilter{
		Target: r.URL.Query().Get("target"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recoveries": records})
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	var n int
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 || n > 10000 {
		return def
	}
	return n
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg},
	})
}
