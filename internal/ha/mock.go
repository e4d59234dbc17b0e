package ha

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Method names accepted by MockClient.SetError.
const (
	MethodConnect            = "Connect"
	MethodGetConfig          = "GetConfig"
	MethodGetAllStates       = "GetAllStates"
	MethodCallService        = "CallService"
	MethodListEntityRegistry = "ListEntityRegistry"
	MethodUpdateEntityID     = "UpdateEntityID"
)

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// EntityIDUpdate records a registry rename for testing
type EntityIDUpdate struct {
	EntityID    string
	NewEntityID string
}

// MockClient implements HAClient interface for testing
type MockClient struct {
	mu           sync.RWMutex
	connected    bool
	config       Config
	states       map[string]*State
	registry     map[string]*EntityRegistryEntry
	serviceCalls []ServiceCall
	updates      []EntityIDUpdate
	errors       map[string]error
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		config:   Config{LocationName: "Home", UnitSystem: UnitSystem{Temperature: "°C"}},
		states:   make(map[string]*State),
		registry: make(map[string]*EntityRegistryEntry),
		errors:   make(map[string]error),
	}
}

// SetError makes method fail with err. A nil err clears the failure.
func (m *MockClient) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, method)
		return
	}
	m.errors[method] = err
}

func (m *MockClient) errorFor(method string) error {
	return m.errors[method]
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errorFor(MethodConnect); err != nil {
		return err
	}
	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetTemperatureUnit sets the unit reported by GetConfig
func (m *MockClient) SetTemperatureUnit(unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.UnitSystem.Temperature = unit
}

// GetConfig returns the mock core configuration
func (m *MockClient) GetConfig(context.Context) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errorFor(MethodGetConfig); err != nil {
		return nil, err
	}
	cfg := m.config
	return &cfg, nil
}

// SetState sets a mock state (for testing)
func (m *MockClient) SetState(entityID, stateValue string, attributes map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(entityID, stateValue, attributes)
}

func (m *MockClient) setStateLocked(entityID, stateValue string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetState returns the mock state of entityID, or nil
func (m *MockClient) GetState(entityID string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[entityID]
}

// GetAllStates retrieves all mock states sorted by entity id
func (m *MockClient) GetAllStates(context.Context) ([]*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errorFor(MethodGetAllStates); err != nil {
		return nil, err
	}

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	return states, nil
}

// CallService records a service call and applies it to cover and climate
// states the mock knows about
func (m *MockClient) CallService(_ context.Context, domain, service string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})

	if err := m.errorFor(MethodCallService); err != nil {
		return err
	}

	entityID, _ := data["entity_id"].(string)
	old, ok := m.states[entityID]
	if !ok {
		return nil
	}

	switch {
	case domain == "cover" && service == "open_cover":
		m.setStateLocked(entityID, "open", old.Attributes)
	case domain == "cover" && service == "close_cover":
		m.setStateLocked(entityID, "closed", old.Attributes)
	case domain == "climate" && service == "set_hvac_mode":
		if mode, ok := data["hvac_mode"].(string); ok {
			m.setStateLocked(entityID, mode, old.Attributes)
		}
	case domain == "climate" && service == "turn_off":
		m.setStateLocked(entityID, "off", old.Attributes)
	}
	return nil
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceCalls = nil
}

// AddRegistryEntry adds or replaces an entity registry entry
func (m *MockClient) AddRegistryEntry(entry EntityRegistryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[entry.EntityID] = &entry
}

// ListEntityRegistry returns the mock registry sorted by entity id
func (m *MockClient) ListEntityRegistry(context.Context) ([]*EntityRegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errorFor(MethodListEntityRegistry); err != nil {
		return nil, err
	}

	entries := make([]*EntityRegistryEntry, 0, len(m.registry))
	for _, entry := range m.registry {
		e := *entry
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EntityID < entries[j].EntityID })
	return entries, nil
}

// UpdateEntityID renames a registry entry. It fails like Home Assistant
// when the new id is already registered.
func (m *MockClient) UpdateEntityID(_ context.Context, entityID, newEntityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errorFor(MethodUpdateEntityID); err != nil {
		return err
	}

	entry, ok := m.registry[entityID]
	if !ok {
		return &Error{Code: "not_found", Message: "Entity not found"}
	}
	if _, taken := m.registry[newEntityID]; taken {
		return &Error{Code: "invalid_info", Message: "Entity with this ID is already registered"}
	}

	delete(m.registry, entityID)
	entry.EntityID = newEntityID
	m.registry[newEntityID] = entry
	m.updates = append(m.updates, EntityIDUpdate{EntityID: entityID, NewEntityID: newEntityID})
	return nil
}

// GetEntityIDUpdates returns every successful rename
func (m *MockClient) GetEntityIDUpdates() []EntityIDUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	updates := make([]EntityIDUpdate, len(m.updates))
	copy(updates, m.updates)
	return updates
}
