package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/internal/logger"
)

// HealthChecker is satisfied by the message store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsSource reports connection and room counts.
type StatsSource interface {
	Stats() map[string]int
}

// OnlineSource reports the distinct online identities.
type OnlineSource interface {
	Online() []string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer is a read-only window onto the
// engine. Chat traffic itself flows over the websocket route.
type Server struct {
	store     HealthChecker
	stats     StatsSource
	presence  OnlineSource
	websocket http.Handler
	metrics   http.Handler
	log       *zap.Logger
	started   time.Time
	router    *http.ServeMux
}

// Handlers groups the routes the server mounts. Nil handlers are not mounted.
type Handlers struct {
	WebSocket http.Handler
	Metrics   http.Handler
}

func NewServer(store HealthChecker, stats StatsSource, presence OnlineSource, handlers Handlers, log *zap.Logger) *Server {
	s := &Server{
		store:     store,
		stats:     stats,
		presence:  presence,
		websocket: handlers.WebSocket,
		metrics:   handlers.Metrics,
		log:       logger.Or(log),
		started:   time.Now(),
		router:    http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStats))))
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}
	// No middleware: the upgrade writes its own headers.
	if s.websocket != nil {
		s.router.Handle("/ws", s.websocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Store     string    `json:"store"`
	Uptime    string    `json:"uptime"`
}

type StatsResponse struct {
	Connections   int            `json:"connections"`
	Authenticated int            `json:"authenticated"`
	Online        int            `json:"online"`
	Rooms         map[string]int `json:"rooms"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health pings the store; 503 when it is down.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Store:     "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}

	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		s.log.Warn("health_check_failed", zap.Error(err))
		response.Status = "unhealthy"
		response.Store = fmt.Sprintf("error: %v", err)
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// FUNCTIONAL DISCOVERY: GET /api/stats folds registry counts and presence
// into one document.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := s.stats.Stats()
	response := StatsResponse{
		Connections:   raw["total_connections"],
		Authenticated: raw["authenticated_connections"],
		Online:        len(s.presence.Online()),
		Rooms:         make(map[string]int),
	}
	for key, count := range raw {
		if room, ok := strings.CutPrefix(key, "room_"); ok {
			response.Rooms[room] = count
		}
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
