// Package api serves the discovered tool list, the rendered system
// prompt and discovery diagnostics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/devkit/internal/buildinfo"
	"github.com/nugget/devkit/internal/events"
	"github.com/nugget/devkit/internal/ledger"
	"github.com/nugget/devkit/internal/prompts"
	"github.com/nugget/devkit/internal/skills"
	"github.com/nugget/devkit/internal/toolcache"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here usually mean the client went away mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ToolSource is the tool cache as seen by the API.
type ToolSource interface {
	Tools(ctx context.Context) []string
	Status() toolcache.Status
}

// SkillSource supplies skill descriptors for the system prompt.
type SkillSource interface {
	Load() ([]skills.Skill, error)
}

// History supplies recorded discovery attempts.
type History interface {
	Recent(ctx context.Context, limit int) ([]ledger.Attempt, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	tools   ToolSource
	skills  SkillSource
	history History
	events  *events.Bus
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates an API server backed by the tool cache.
func NewServer(address string, port int, tools ToolSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		tools:   tools,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// SetSkills configures the skill source used by /v1/prompt.
func (s *Server) SetSkills(src SkillSource) {
	s.skills = src
}

// SetHistory configures the attempt history shown by /v1/discovery.
func (s *Server) SetHistory(h History) {
	s.history = h
}

// SetEventBus configures the bus streamed by /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.events = bus
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/prompt", s.handlePrompt)
	mux.HandleFunc("GET /v1/discovery", s.handleDiscovery)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // first /v1/tools call waits on discovery
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
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
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// ToolsResponse is the body of GET /v1/tools.
type ToolsResponse struct {
	Tools []string `json:"tools"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ToolsResponse{Tools: s.tools.Tools(r.Context())}, s.logger)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	tools := s.tools.Tools(r.Context())

	var loaded []skills.Skill
	if s.skills != nil {
		var err error
		if loaded, err = s.skills.Load(); err != nil {
			s.logger.Warn("failed to load skills, rendering prompt without them", "error", err)
			loaded = nil
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(prompts.SystemPrompt(tools, loaded))); err != nil {
		s.logger.Debug("failed to write prompt", "error", err)
	}
}

// DiscoveryResponse is the body of GET /v1/discovery.
type DiscoveryResponse struct {
	Cache    toolcache.Status `json:"cache"`
	Attempts []ledger.Attempt `json:"attempts,omitempty"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	resp := DiscoveryResponse{Cache: s.tools.Status()}

	if s.history != nil {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		attempts, err := s.history.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Error("failed to read discovery history", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to read discovery history")
			return
		}
		resp.Attempts = attempts
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
