package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"tritonnet/internal/climate"

	"go.uber.org/zap"
)

// Rooms gives the server access to the running entities.
type Rooms interface {
	Entities() []*climate.Entity
	Entity(roomKey string) (*climate.Entity, bool)
}

// ReloadFunc re-reads the configuration file and imports it. It returns
// the import result.
type ReloadFunc func(ctx context.Context) (string, error)

// Server provides HTTP API endpoints for the climate integration
type Server struct {
	rooms   Rooms
	reload  ReloadFunc
	metrics http.Handler
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a new API server. reload and metrics may be nil.
func NewServer(rooms Rooms, reload ReloadFunc, metrics http.Handler, logger *zap.Logger, port int) *Server {
	s := &Server{
		rooms:   rooms,
		reload:  reload,
		metrics: metrics,
		logger:  logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/rooms", s.handleListRooms)
	mux.HandleFunc("/api/rooms/", s.handleRoom)
	mux.HandleFunc("/api/reload", s.handleReload)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ErrorResponse is the body of every 4xx and 5xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ReloadResponse is the body of a successful reload
type ReloadResponse struct {
	Result string `json:"result"`
}

// Command bodies
type (
	hvacModeBody struct {
		HVACMode string `json:"hvac_mode"`
	}
	fanModeBody struct {
		FanMode string `json:"fan_mode"`
	}
	presetModeBody struct {
		PresetMode string `json:"preset_mode"`
	}
	swingModeBody struct {
		SwingMode string `json:"swing_mode"`
	}
)

// handleListRooms returns every room snapshot in configuration order
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entities := s.rooms.Entities()
	snapshots := make([]climate.Snapshot, 0, len(entities))
	for _, e := range entities {
		snapshots = append(snapshots, e.Snapshot())
	}

	s.writeJSON(w, http.StatusOK, snapshots)
}

// handleRoom serves /api/rooms/<key> and /api/rooms/<key>/<command>
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms/"), "/")
	key, command, _ := strings.Cut(rest, "/")
	if key == "" || strings.Contains(command, "/") {
		http.NotFound(w, r)
		return
	}

	entity, ok := s.rooms.Entity(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown room %q", key))
		return
	}

	if command == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.writeJSON(w, http.StatusOK, entity.Snapshot())
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.runCommand(r, entity, command)
	if err != nil {
		s.logger.Warn("Room command failed",
			zap.String("room", key),
			zap.String("command", command),
			zap.Error(err))
		s.writeError(w, status, err.Error())
		return
	}

	s.logger.Debug("Room command served",
		zap.String("room", key),
		zap.String("command", command),
		zap.String("remote_addr", r.RemoteAddr))
	s.writeJSON(w, http.StatusOK, entity.Snapshot())
}

// runCommand applies command to entity. The returned status is only
// meaningful with a non-nil error.
func (s *Server) runCommand(r *http.Request, entity *climate.Entity, command string) (int, error) {
	ctx := r.Context()

	var err error
	switch command {
	case "hvac_mode":
		var body hvacModeBody
		if err := decodeBody(r, &body); err != nil {
			return http.StatusBadRequest, err
		}
		if body.HVACMode == "" {
			return http.StatusBadRequest, errors.New("hvac_mode is required")
		}
		err = entity.SetMode(ctx, climate.HVACMode(body.HVACMode))

	case "temperature":
		var body climate.TemperatureRequest
		if err := decodeBody(r, &body); err != nil {
			return http.StatusBadRequest, err
		}
		err = entity.SetTemperature(ctx, body)

	case "fan_mode":
		var body fanModeBody
		if err := decodeBody(r, &body); err != nil {
			return http.StatusBadRequest, err
		}
		err = entity.SetFanMode(ctx, body.FanMode)

	case "preset_mode":
		var body presetModeBody
		if err := decodeBody(r, &body); err != nil {
			return http.StatusBadRequest, err
		}
		err = entity.SetPresetMode(ctx, body.PresetMode)

	case "swing_mode":
		var body swingModeBody
		if err := decodeBody(r, &body); err != nil {
			return http.StatusBadRequest, err
		}
		err = entity.SetSwingMode(ctx, body.SwingMode)

	case "turn_on":
		err = entity.TurnOn(ctx)

	case "turn_off":
		err = entity.TurnOff(ctx)

	default:
		return http.StatusNotFound, fmt.Errorf("unknown command %q", command)
	}

	switch {
	case err == nil:
		return http.StatusOK, nil
	case errors.Is(err, climate.ErrUnknownMode):
		return http.StatusBadRequest, err
	default:
		// The room state was updated; the controller did not accept it.
		return http.StatusBadGateway, err
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleReload re-reads the configuration file
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reload == nil {
		s.writeError(w, http.StatusNotImplemented, "reload not available")
		return
	}

	result, err := s.reload(r.Context())
	if err != nil {
		s.logger.Error("Reload failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Configuration reloaded", zap.String("result", result))
	s.writeJSON(w, http.StatusOK, ReloadResponse{Result: result})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/rooms", Method: "GET", Description: "State of every room"},
	{Path: "/api/rooms/<key>", Method: "GET", Description: "State of one room"},
	{Path: "/api/rooms/<key>/hvac_mode", Method: "POST", Description: "Set the mode: {\"hvac_mode\": \"heat\"}"},
	{Path: "/api/rooms/<key>/temperature", Method: "POST", Description: "Set setpoints: {\"temperature\": 22} or {\"target_temp_low\": 19, \"target_temp_high\": 24}"},
	{Path: "/api/rooms/<key>/fan_mode", Method: "POST", Description: "Set the fan: {\"fan_mode\": \"low\"}"},
	{Path: "/api/rooms/<key>/preset_mode", Method: "POST", Description: "Set the preset: {\"preset_mode\": \"eco\"}"},
	{Path: "/api/rooms/<key>/swing_mode", Method: "POST", Description: "Set swing: {\"swing_mode\": \"on\"}"},
	{Path: "/api/rooms/<key>/turn_on", Method: "POST", Description: "Switch the room to heat_cool"},
	{Path: "/api/rooms/<key>/turn_off", Method: "POST", Description: "Switch the room off"},
	{Path: "/api/reload", Method: "POST", Description: "Re-read the configuration file"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.Contains(accept, "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>TritonNET Climate API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        h2 { color: #569cd6; margin-top: 30px; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>TritonNET Climate API</h1>
    <h2>Available Endpoints</h2>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, html.EscapeString(ep.Path), html.EscapeString(ep.Description))
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "TritonNET Climate API\n")
		fmt.Fprintf(w, "=====================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-30s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl -X POST -d '{\"hvac_mode\":\"cool\"}' http://localhost:8081/api/rooms/bedroom/hvac_mode\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
