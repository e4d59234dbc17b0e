// Package hatest provides an in-process Home Assistant WebSocket server for
// tests. It answers get_config, get_states, call_service and the entity
// registry commands the climate service issues.
package hatest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// RegistryEntry represents an entity registry entry
type RegistryEntry struct {
	EntityID string `json:"entity_id"`
	UniqueID string `json:"unique_id"`
	Platform string `json:"platform"`
}

// ServiceCall records a service call for verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

type message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	AccessToken string                 `json:"access_token"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
	EntityID    string                 `json:"entity_id"`
	NewEntityID string                 `json:"new_entity_id"`
}

// Server simulates a Home Assistant WebSocket endpoint
type Server struct {
	server *httptest.Server
	token  string

	mu           sync.Mutex
	unit         string
	states       map[string]*EntityState
	registry     map[string]*RegistryEntry
	serviceCalls []ServiceCall
	connections  []*connWrapper
	silent       map[string]bool
}

// NewServer starts a server that accepts token.
func NewServer(token string) *Server {
	s := &Server{
		token:    token,
		unit:     "°C",
		states:   make(map[string]*EntityState),
		registry: make(map[string]*RegistryEntry),
		silent:   make(map[string]bool),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.connections
	s.connections = nil
	s.mu.Unlock()

	for _, w := range conns {
		w.conn.Close()
	}
}

// ConnectionCount returns the number of authenticated connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// SetTemperatureUnit sets the unit reported by get_config.
func (s *Server) SetTemperatureUnit(unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unit = unit
}

// SetSilent makes the server never answer commands of type msgType.
func (s *Server) SetSilent(msgType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[msgType] = true
}

// SetState sets the state of an entity.
func (s *Server) SetState(entityID, state string, attributes map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(entityID, state, attributes)
}

func (s *Server) setStateLocked(entityID, state string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	now := time.Now()
	s.states[entityID] = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetState returns the state of an entity, or nil.
func (s *Server) GetState(entityID string) *EntityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[entityID]
}

// AddRegistryEntry registers an entity.
func (s *Server) AddRegistryEntry(entityID, uniqueID, platform string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[entityID] = &RegistryEntry{EntityID: entityID, UniqueID: uniqueID, Platform: platform}
}

// RegistryEntry returns the registry entry for entityID, or nil.
func (s *Server) RegistryEntry(entityID string) *RegistryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry[entityID]
}

// GetServiceCalls returns all service calls received so far.
func (s *Server) GetServiceCalls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// handleWebSocket runs the auth handshake and the command loop
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wrapper := &connWrapper{conn: conn}
	wrapper.write(message{Type: "auth_required"})

	var auth request
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Type != "auth" || auth.AccessToken != s.token {
		wrapper.write(message{Type: "auth_invalid"})
		return
	}
	wrapper.write(message{Type: "auth_ok"})

	s.mu.Lock()
	s.connections = append(s.connections, wrapper)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		s.mu.Lock()
		silent := s.silent[req.Type]
		s.mu.Unlock()
		if silent {
			continue
		}

		wrapper.write(s.handle(req))
	}
}

func (s *Server) handle(req request) message {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type {
	case "get_config":
		return result(req.ID, map[string]interface{}{
			"location_name": "Test Home",
			"version":       "2024.1.0",
			"unit_system":   map[string]string{"temperature": s.unit, "length": "km"},
		})

	case "get_states":
		states := make([]*EntityState, 0, len(s.states))
		for _, st := range s.states {
			states = append(states, st)
		}
		sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
		return result(req.ID, states)

	case "call_service":
		s.serviceCalls = append(s.serviceCalls, ServiceCall{
			Timestamp:   time.Now(),
			Domain:      req.Domain,
			Service:     req.Service,
			ServiceData: req.ServiceData,
		})
		entityID, _ := req.ServiceData["entity_id"].(string)
		if old, ok := s.states[entityID]; ok && req.Domain == "cover" {
			state := "closed"
			if req.Service == "open_cover" {
				state = "open"
			}
			s.setStateLocked(entityID, state, old.Attributes)
		}
		return result(req.ID, nil)

	case "config/entity_registry/list":
		entries := make([]*RegistryEntry, 0, len(s.registry))
		for _, e := range s.registry {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].EntityID < entries[j].EntityID })
		return result(req.ID, entries)

	case "config/entity_registry/update":
		entry, ok := s.registry[req.EntityID]
		if !ok {
			return failure(req.ID, "not_found", "Entity not found")
		}
		if _, taken := s.registry[req.NewEntityID]; taken {
			return failure(req.ID, "invalid_info", "Entity with this ID is already registered")
		}
		delete(s.registry, req.EntityID)
		entry.EntityID = req.NewEntityID
		s.registry[req.NewEntityID] = entry
		return result(req.ID, map[string]interface{}{"entity_entry": entry})
	}

	return failure(req.ID, "unknown_command", "Unknown command.")
}

func result(id int, v interface{}) message {
	success := true
	msg := message{ID: id, Type: "result", Success: &success}
	if v != nil {
		msg.Result, _ = json.Marshal(v)
	}
	return msg
}

func failure(id int, code, text string) message {
	success := false
	return message{ID: id, Type: "result", Success: &success, Error: &errorBody{Code: code, Message: text}}
}
