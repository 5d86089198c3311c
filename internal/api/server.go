// Package api serves the read-only HTTP interface of the fusion engine:
// engine status, recent alerts, the loaded rules and Prometheus metrics.
package api

import (
	"NetFusion/internal/engine/orchestrator"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Engine is the view of the fusion engine the API reports on.
type Engine interface {
	Status() orchestrator.Status
	Rules() []string
	Detectors() []string
}

// AlertReader returns recent alerts, newest first.
type AlertReader interface {
	Recent(ctx context.Context, n int) ([]*model.Alert, error)
}

// EntityReader returns recent alerts raised for one address.
type EntityReader interface {
	ForEntity(ctx context.Context, addr netip.Addr, n int) ([]*model.Alert, error)
}

// Server is the HTTP front of the engine.
type Server struct {
	engine  Engine
	alerts  AlertReader
	metrics *metrics.Metrics
	router  *mux.Router
	server  *http.Server
}

// NewServer wires the routes. alerts and m may be nil.
func NewServer(addr string, engine Engine, alerts AlertReader, m *metrics.Metrics) *Server {
	s := &Server{engine: engine, alerts: alerts, metrics: m, router: mux.NewRouter()}

	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.rulesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.alertsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{addr}", s.entityAlertsHandler).Methods(http.MethodGet)
	if m != nil {
		s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("API server starting")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.server.Addr).Msg("API server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("API server shutting down...")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) rulesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"detectors": s.engine.Detectors(),
		"rules":     s.engine.Rules(),
	})
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, []*model.Alert{})
		return
	}
	alerts, err := s.alerts.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read alerts: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) entityAlertsHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := netip.ParseAddr(mux.Vars(r)["addr"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, []*model.Alert{})
		return
	}

	var alerts []*model.Alert
	if er, ok := s.alerts.(EntityReader); ok {
		alerts, err = er.ForEntity(r.Context(), addr, limit)
	} else {
		alerts, err = s.filterRecent(r.Context(), addr, limit)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read alerts: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) filterRecent(ctx context.Context, addr netip.Addr, limit int) ([]*model.Alert, error) {
	all, err := s.alerts.Recent(ctx, maxLimit)
	if err != nil {
		return nil, err
	}
	var out []*model.Alert
	for _, a := range all {
		if a.Address == addr {
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}

func nonNil(alerts []*model.Alert) []*model.Alert {
	if alerts == nil {
		return []*model.Alert{}
	}
	return alerts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write API response")
	}
}
