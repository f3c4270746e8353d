// Package server exposes the dashboard HTTP API: run control, session
// history, live status, and the streaming run log.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coxswain-dev/coxswain/internal/broadcast"
	"github.com/coxswain-dev/coxswain/internal/session"
	"github.com/coxswain-dev/coxswain/internal/supervisor"
)

//go:embed web
var webFS embed.FS

const keepaliveInterval = 15 * time.Second

// RunController is the supervisor surface the server drives.
type RunController interface {
	Start(req supervisor.StartRequest) (*session.Record, error)
	Stop() error
	CurrentStatus() supervisor.Status
}

// SessionLister reads the persisted session history.
type SessionLister interface {
	ListAll() []session.Record
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
}

// Server wires the HTTP surface to the supervisor, registry, and
// broadcaster.
type Server struct {
	cfg      Config
	runs     RunController
	sessions SessionLister
	bus      *broadcast.Broadcaster
	logger   *log.Logger
}

// New creates a server with required dependencies.
func New(cfg Config, runs RunController, sessions SessionLister, bus *broadcast.Broadcaster, logger *log.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, errors.New("listen address is required")
	}
	if runs == nil {
		return nil, errors.New("run controller is required")
	}
	if sessions == nil {
		return nil, errors.New("session lister is required")
	}
	if bus == nil {
		return nil, errors.New("broadcaster is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Server{cfg: cfg, runs: runs, sessions: sessions, bus: bus, logger: logger}, nil
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.NoCache)

	router.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Post("/runs/stop", s.handleStopRun)
		r.Get("/status", s.handleStatus)
		r.Get("/sessions", s.handleSessions)
		r.Get("/logs/stream", s.handleLogStream)
	})
	router.Get("/healthz", s.handleHealthz)

	webRoot, err := fs.Sub(webFS, "web")
	if err != nil {
		// The subtree is embedded at build time; a failure here is a
		// packaging bug.
		panic(fmt.Sprintf("embedded web assets: %v", err))
	}
	router.Handle("/*", http.FileServer(http.FS(webRoot)))

	return router
}

// Start serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.With("addr", s.cfg.ListenAddr).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

type startRunRequest struct {
	Goal            string `json:"goal"`
	MaxIterations   int    `json:"maxIterations"`
	Workdir         string `json:"workdir"`
	CreateIfMissing bool   `json:"createIfMissing"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request payload: %w", err))
		return
	}

	record, err := s.runs.Start(supervisor.StartRequest{
		Goal:            req.Goal,
		MaxIterations:   req.MaxIterations,
		Workdir:         req.Workdir,
		CreateIfMissing: req.CreateIfMissing,
	})
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, supervisor.ErrWorkdirBusy):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, supervisor.ErrWorkdirNotFound):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.With("session_id", record.ID).Info("run started via api")
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.CurrentStatus())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	records := s.sessions.ListAll()
	// Newest first for the dashboard.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	writeJSON(w, http.StatusOK, records)
}

// handleLogStream streams the run log as server-sent events: the full
// backlog first, then live lines, with keepalive comments while quiet.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	ping := time.NewTicker(keepaliveInterval)
	defer ping.Stop()

	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case line, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(line)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
