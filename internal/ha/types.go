package ha

import (
	"encoding/json"
	"time"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return "HA error: " + e.Code + " - " + e.Message
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Config is the subset of get_config the service reads.
type Config struct {
	LocationName string     `json:"location_name"`
	Version      string     `json:"version"`
	UnitSystem   UnitSystem `json:"unit_system"`
}

// UnitSystem holds the units Home Assistant displays values in.
type UnitSystem struct {
	Temperature string `json:"temperature"`
	Length      string `json:"length,omitempty"`
}

// EntityRegistryEntry is one row of config/entity_registry/list.
type EntityRegistryEntry struct {
	EntityID     string `json:"entity_id"`
	UniqueID     string `json:"unique_id"`
	Platform     string `json:"platform"`
	Name         string `json:"name,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
	DisabledBy   string `json:"disabled_by,omitempty"`
}

// request is implemented by every outgoing command.
type request interface {
	messageID() int
}

// CommandRequest is a command without arguments (get_states, get_config,
// config/entity_registry/list).
type CommandRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

func (r *CommandRequest) messageID() int { return r.ID }

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

func (r *CallServiceRequest) messageID() int { return r.ID }

// EntityRegistryUpdateRequest renames a registry entry.
type EntityRegistryUpdateRequest struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	EntityID    string `json:"entity_id"`
	NewEntityID string `json:"new_entity_id"`
}

func (r *EntityRegistryUpdateRequest) messageID() int { return r.ID }
