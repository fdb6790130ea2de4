package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/vcambridge/internal/capture"
	"github.com/bryanchriswhite/vcambridge/internal/config"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
	"github.com/bryanchriswhite/vcambridge/internal/session"
	"github.com/bryanchriswhite/vcambridge/internal/vsource"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// Controller is the session surface exposed over HTTP.
type Controller interface {
	Status() session.Status
	Initialize(selector capture.Selector) error
	Pause() error
	Resume() error
	Lifecycle() *vsource.Lifecycle
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	session   Controller
	configMgr *config.Manager
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server. configMgr may be nil.
func NewServer(sess Controller, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		session:   sess,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Session state and control
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/capture", s.handleInitializeCapture).Methods("POST")
	api.HandleFunc("/lifecycle/stream", s.handleLifecycleStream)
	api.HandleFunc("/virtual-source/start", s.handleVirtualSourceStart).Methods("POST")
	api.HandleFunc("/virtual-source/stop", s.handleVirtualSourceStop).Methods("POST")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Run serves on port until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	log := logger.WithComponent("api")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", port).Msgf("Starting server on http://localhost:%d", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleInitializeCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selector string `json:"selector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	selector, err := capture.ParseSelector(req.Selector)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.session.Initialize(selector); err != nil {
		logger.WithComponent("api").Warn().Err(err).Str("selector", string(selector)).Msg("Capture initialization failed")
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrBindingFailed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleVirtualSourceStart(w http.ResponseWriter, r *http.Request) {
	s.selectVirtualSource(w, "start", s.session.Resume)
}

func (s *Server) handleVirtualSourceStop(w http.ResponseWriter, r *http.Request) {
	s.selectVirtualSource(w, "stop", s.session.Pause)
}

func (s *Server) selectVirtualSource(w http.ResponseWriter, action string, fn func() error) {
	if err := fn(); err != nil {
		logger.WithComponent("api").Warn().Err(err).Str("action", action).Msg("Virtual source request failed")
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoVirtualSource) || errors.Is(err, session.ErrNotRunning) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleLifecycleStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	lifecycle := s.session.Lifecycle()
	updates := lifecycle.Subscribe()
	defer lifecycle.Unsubscribe(updates)

	// Send the current state first
	snap := lifecycle.Snapshot()
	initial := vsource.Transition{Event: "snapshot", From: snap.State, To: snap.State, At: time.Now()}
	if snap.Handle != nil {
		initial.DeviceID = snap.Handle.ID
		initial.Category = snap.Handle.Category
	}
	if err := conn.WriteJSON(initial); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	// The client sends nothing; reading detects when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case t, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(t); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}
