// Package debugapi serves a localhost-only HTTP surface for inspecting
// the bridge: configured servers, registered tools, provider health,
// and a live stream of supervisor status transitions.
//
// It never exposes tool arguments or results. Names, states, and error
// codes only.
package debugapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/harborlab/bridge/internal/buildinfo"
	"github.com/harborlab/bridge/internal/host"
	"github.com/harborlab/bridge/internal/llm"
	"github.com/harborlab/bridge/internal/runner"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the debug HTTP server. It binds to the loopback interface
// only.
type Server struct {
	port      int
	host      *host.Host
	providers *llm.Registry
	logger    *slog.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
}

// NewServer creates a debug server on 127.0.0.1:port.
func NewServer(port int, h *host.Host, providers *llm.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:      port,
		host:      h,
		providers: providers,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/servers", s.handleServers)
	r.Get("/v1/servers/{id}", s.handleServerByID)
	r.Get("/v1/tools", s.handleTools)
	r.Get("/v1/providers", s.handleProviders)
	r.Post("/v1/providers/probe", s.handleProbeProviders)
	r.Get("/events", s.handleEvents)
	return r
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}

	s.logger.Info("starting debug API", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("debug request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	servers, herr := s.host.ListServers()
	if herr != nil {
		s.writeError(w, http.StatusInternalServerError, herr)
		return
	}
	writeJSON(w, map[string]any{"servers": servers}, s.logger)
}

func (s *Server) handleServerByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, herr := s.host.ServerSnapshot(id)
	if herr != nil {
		s.writeError(w, http.StatusNotFound, herr)
		return
	}
	writeJSON(w, info, s.logger)
}

// toolView is the wire shape for one registered tool. The input schema
// is included; it is part of the tool's public contract, not call data.
type toolView struct {
	Key         string         `json:"key"`
	ServerID    string         `json:"server_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.host.KnownToolNames()
	views := make([]toolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, toolView{
			Key:         t.Key,
			ServerID:    t.ServerID,
			Name:        t.RawName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	writeJSON(w, map[string]any{"tools": views}, s.logger)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"providers": s.providers.Statuses()}, s.logger)
}

func (s *Server) handleProbeProviders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	writeJSON(w, map[string]any{"providers": s.providers.ProbeAll(ctx)}, s.logger)
}

// statusEvent is one supervisor transition on the /events stream.
type statusEvent struct {
	ServerID string            `json:"server_id"`
	Status   runner.StatusKind `json:"status"`
	Data     map[string]any    `json:"data,omitempty"`
	At       time.Time         `json:"at"`
}

// handleEvents upgrades to a websocket and relays supervisor status
// transitions until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.host.Subscribe()
	defer cancel()

	// Reader goroutine detects client disconnect.
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
		case st := <-events:
			ev := statusEvent{
				ServerID: st.ServerID,
				Status:   st.Status,
				Data:     st.Data,
				At:       time.Now(),
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, herr *host.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": herr}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}
