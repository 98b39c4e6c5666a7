// Package api implements the HTTP API browser and native clients use
// to follow live sensor readings and control devices.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/fradomos/domos/internal/buildinfo"
	"github.com/fradomos/domos/internal/devices"
	"github.com/fradomos/domos/internal/events"
	"github.com/fradomos/domos/internal/sensor"
	"github.com/fradomos/domos/internal/session"
)

// SessionView is the read side of the sensor session.
type SessionView interface {
	Reading() (sensor.Reading, bool)
	Status() session.Status
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sess     SessionView
	dir      *devices.Directory
	ctrl     *devices.Controller
	bus      *events.Bus
	origins  []string
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. bus may be nil, in which case
// streams only deliver the current reading.
func NewServer(address string, port int, sess SessionView, dir *devices.Directory, ctrl *devices.Controller, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		sess:    sess,
		dir:     dir,
		ctrl:    ctrl,
		bus:     bus,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetAllowedOrigins restricts browser origins for CORS and the
// WebSocket stream. Empty allows any origin.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.origins = origins
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	// Sensor endpoints
	mux.HandleFunc("GET /v1/reading", s.handleReading)
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	// Device endpoints
	mux.HandleFunc("GET /v1/rooms", s.handleRooms)
	mux.HandleFunc("GET /v1/rooms/{room}/devices", s.handleRoomDevices)
	mux.HandleFunc("POST /v1/rooms/{room}/devices/{device}/commands", s.handleCommand)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(false),
	)

	return s.withLogging(recovery(cors(mux)))
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
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
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Domos",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Running(), s.logger)
}

// healthResponse is the /health body.
type healthResponse struct {
	Status  string         `json:"status"`
	Session session.Status `json:"session"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.sess.Status()
	resp := healthResponse{Status: "healthy", Session: st}
	code := http.StatusOK
	if st.State != session.Connected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

// readingResponse is the /v1/reading body.
type readingResponse struct {
	Available  bool           `json:"available"`
	Reading    sensor.Reading `json:"reading"`
	Text       string         `json:"text"`
	ReceivedAt *time.Time     `json:"received_at,omitempty"`
}

func (s *Server) currentReading() readingResponse {
	r, ok := s.sess.Reading()
	resp := readingResponse{Available: ok, Reading: r, Text: r.Format()}
	if ok {
		resp.ReceivedAt = s.sess.Status().LastReadingAt
	}
	return resp
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.currentReading(), s.logger)
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
