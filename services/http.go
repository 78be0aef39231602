package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"puclima/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StateReader is the read side of the device store used by the HTTP server
type StateReader interface {
	ReadState(ctx context.Context, key string) (*models.DeviceState, error)
	Ping(ctx context.Context) error
}

// ActivitySnapshotter lists the last known activity of every device
type ActivitySnapshotter interface {
	Snapshot() []models.DeviceHealth
}

// HTTPServer exposes health, readiness, metrics and device state endpoints
type HTTPServer struct {
	httpServer *http.Server
	store      StateReader
	activity   ActivitySnapshotter
	logger     *zap.Logger
}

// NewHTTPServer creates the server. activity may be nil.
func NewHTTPServer(addr string, store StateReader, activity ActivitySnapshotter, logger *zap.Logger) *HTTPServer {
	mux := http.NewServeMux()

	s := &HTTPServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		store:    store,
		activity: activity,
		logger:   logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /devices/{key}", s.handleDevice)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *HTTPServer) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type deviceActivity struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

func (s *HTTPServer) handleDevices(w http.ResponseWriter, _ *http.Request) {
	out := []deviceActivity{}
	if s.activity != nil {
		for _, h := range s.activity.Snapshot() {
			out = append(out, deviceActivity{
				Key:      h.Device.Key,
				Label:    h.Device.Label,
				Status:   string(h.Status),
				LastSeen: h.LastSeen.UTC().Format(time.RFC3339),
			})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	state, err := s.store.ReadState(r.Context(), key)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	case err != nil:
		s.logger.Error("Failed to read device state", zap.String("device_key", key), zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}
