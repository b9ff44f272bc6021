// Package web serves a read-only status API for the bridge plus a WebSocket
// stream of bridge events.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"airzone-ha-bridge/internal/bridge"
	"airzone-ha-bridge/internal/model"
)

// Controller exposes the engine operations the API serves.
type Controller interface {
	Snapshot(ctx context.Context) ([]bridge.SystemSnapshot, error)
	RemoveZone(ctx context.Context, systemID, zoneID string) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP status server.
type Server struct {
	source         Controller
	events         *bridge.EventBus
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	startedAt      time.Time
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the status server and starts its WebSocket hub.
func NewServer(source Controller, events *bridge.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		source:    source,
		events:    events,
		logger:    logger,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if events != nil {
		s.unsubEvents = events.OnAll(func(event bridge.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop unsubscribes from bridge events and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/systems", s.handleListSystems)
	s.mux.HandleFunc("GET /api/systems/{system}", s.handleGetSystem)
	s.mux.HandleFunc("GET /api/zones", s.handleListZones)
	s.mux.HandleFunc("GET /api/systems/{system}/zones/{zone}", s.handleGetZone)
	s.mux.HandleFunc("DELETE /api/systems/{system}/zones/{zone}", s.handleRemoveZone)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying API key auth to /api/ routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	id := r.PathValue("system")
	for _, sys := range snap {
		if sys.ID == id {
			s.writeJSON(w, http.StatusOK, sys)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "system not found"})
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	zones := []model.Zone{}
	for _, sys := range snap {
		zones = append(zones, sys.Zones...)
	}
	s.writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleRemoveZone(w http.ResponseWriter, r *http.Request) {
	systemID := r.PathValue("system")
	zoneID := r.PathValue("zone")
	if err := s.source.RemoveZone(r.Context(), systemID, zoneID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "zone not found"})
			return
		}
		s.logger.Error("remove zone", "err", err, "system", systemID, "zone", zoneID)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	systemID := r.PathValue("system")
	zoneID := r.PathValue("zone")
	for _, sys := range snap {
		if sys.ID != systemID {
			continue
		}
		for _, z := range sys.Zones {
			if z.ID == zoneID {
				s.writeJSON(w, http.StatusOK, z)
				return
			}
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "zone not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}
