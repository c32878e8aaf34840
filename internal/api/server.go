// Package api exposes a loopback-only control and status HTTP server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"siphon/internal/pipeline"
	"siphon/internal/storage"
)

// Store is the read/admin surface the API exposes.
type Store interface {
	GetAllVideos() ([]storage.Video, error)
	GetActiveChannels() ([]storage.Channel, error)
	SaveChannel(name, url string, checkIntervalMinutes int) error
}

// Snapshotter yields the live pipeline view.
type Snapshotter interface {
	Snapshot() pipeline.Snapshot
}

// Server binds to 127.0.0.1 only; this is an operator's local control plane,
// not a public surface.
type Server struct {
	store       Store
	pipe        Snapshotter
	triggerScan func(full bool)
	logger      *slog.Logger
	http        *http.Server

	// defaultIntervalMinutes is applied to created channels that do not
	// specify their own check interval.
	defaultIntervalMinutes int
}

func NewServer(port int, store Store, pipe Snapshotter, triggerScan func(full bool), defaultCheckInterval time.Duration, logger *slog.Logger) *Server {
	defaultMinutes := int(defaultCheckInterval.Minutes())
	if defaultMinutes <= 0 {
		defaultMinutes = 60
	}
	s := &Server{
		store:                  store,
		pipe:                   pipe,
		triggerScan:            triggerScan,
		logger:                 logger,
		defaultIntervalMinutes: defaultMinutes,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/videos", s.handleVideos)
		r.Get("/channels", s.handleChannels)
		r.Post("/channels", s.handleSaveChannel)
		r.Post("/scan", s.handleScan)
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves in a goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("control API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control API failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Snapshot())
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.store.GetAllVideos()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.GetActiveChannels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type saveChannelRequest struct {
	Name                 string `json:"name"`
	URL                  string `json:"url"`
	CheckIntervalMinutes int    `json:"check_interval_minutes"`
}

func (s *Server) handleSaveChannel(w http.ResponseWriter, r *http.Request) {
	var req saveChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed body: %w", err))
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("name and url are required"))
		return
	}
	if req.CheckIntervalMinutes <= 0 {
		req.CheckIntervalMinutes = s.defaultIntervalMinutes
	}
	if err := s.store.SaveChannel(req.Name, req.URL, req.CheckIntervalMinutes); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

type scanRequest struct {
	Full bool `json:"full"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.triggerScan == nil {
		writeError(w, http.StatusConflict, errors.New("automation loop not running"))
		return
	}
	// Body is optional; an empty body means a regular monitoring scan.
	var req scanRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.triggerScan(req.Full)

	status := "scan requested"
	if req.Full {
		status = "full scan requested"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
