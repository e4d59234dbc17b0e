package mqtt

import (
	"tritonnet/internal/climate"
)

const (
	// BaseTopic prefixes every state, command and availability topic.
	BaseTopic = "tritonnet/climate"

	// NodeID is the node segment of every discovery topic.
	NodeID = "tritonnet"
)

// Command topic suffixes.
const (
	CommandMode            = "mode"
	CommandTemperature     = "temperature"
	CommandTemperatureLow  = "temperature_low"
	CommandTemperatureHigh = "temperature_high"
	CommandFanMode         = "fan_mode"
	CommandPresetMode      = "preset_mode"
	CommandSwingMode       = "swing_mode"
	CommandPower           = "power"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every room entity so they are grouped under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewDeviceInfo returns the device block of the integration.
func NewDeviceInfo(version string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{climate.DeviceID},
		Name:         "TritonNET Climate",
		Manufacturer: "TritonNET",
		Model:        "Controller",
		SWVersion:    version,
	}
}

// ClimateConfig is the JSON payload of an MQTT climate discovery message.
type ClimateConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	ObjectID          string     `json:"object_id"`
	DefaultEntityID   string     `json:"default_entity_id"`
	Device            DeviceInfo `json:"device"`
	AvailabilityTopic string     `json:"availability_topic"`

	Modes       []string `json:"modes"`
	FanModes    []string `json:"fan_modes"`
	PresetModes []string `json:"preset_modes"`
	SwingModes  []string `json:"swing_modes"`

	ModeCommandTopic  string `json:"mode_command_topic"`
	ModeStateTopic    string `json:"mode_state_topic"`
	ModeStateTemplate string `json:"mode_state_template"`

	TemperatureCommandTopic  string `json:"temperature_command_topic"`
	TemperatureStateTopic    string `json:"temperature_state_topic"`
	TemperatureStateTemplate string `json:"temperature_state_template"`

	TemperatureLowCommandTopic  string `json:"temperature_low_command_topic"`
	TemperatureLowStateTopic    string `json:"temperature_low_state_topic"`
	TemperatureLowStateTemplate string `json:"temperature_low_state_template"`

	TemperatureHighCommandTopic  string `json:"temperature_high_command_topic"`
	TemperatureHighStateTopic    string `json:"temperature_high_state_topic"`
	TemperatureHighStateTemplate string `json:"temperature_high_state_template"`

	FanModeCommandTopic  string `json:"fan_mode_command_topic"`
	FanModeStateTopic    string `json:"fan_mode_state_topic"`
	FanModeStateTemplate string `json:"fan_mode_state_template"`

	PresetModeCommandTopic  string `json:"preset_mode_command_topic"`
	PresetModeStateTopic    string `json:"preset_mode_state_topic"`
	PresetModeValueTemplate string `json:"preset_mode_value_template"`

	SwingModeCommandTopic  string `json:"swing_mode_command_topic"`
	SwingModeStateTopic    string `json:"swing_mode_state_topic"`
	SwingModeStateTemplate string `json:"swing_mode_state_template"`

	PowerCommandTopic string `json:"power_command_topic"`

	JSONAttributesTopic    string `json:"json_attributes_topic"`
	JSONAttributesTemplate string `json:"json_attributes_template"`

	TemperatureUnit string  `json:"temperature_unit"`
	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
	Precision       float64 `json:"precision"`
	Optimistic      bool    `json:"optimistic"`
}

// --- Topic helpers ---

// AvailabilityTopic is shared by every room entity.
func AvailabilityTopic() string {
	return BaseTopic + "/availability"
}

// StateTopic carries the JSON snapshot of a room.
func StateTopic(roomKey string) string {
	return BaseTopic + "/" + roomKey + "/state"
}

// CommandTopic is where Home Assistant sends field changes for a room.
func CommandTopic(roomKey, field string) string {
	return BaseTopic + "/" + roomKey + "/set/" + field
}

// CommandFilter matches every command topic of a room.
func CommandFilter(roomKey string) string {
	return CommandTopic(roomKey, "+")
}

// DiscoveryTopic is the retained config topic of a room entity.
func DiscoveryTopic(prefix, roomKey string) string {
	return prefix + "/climate/" + NodeID + "/" + roomKey + "/config"
}

// NewClimateConfig builds the discovery payload for a room.
func NewClimateConfig(room climate.Room, unit climate.TemperatureUnit, device DeviceInfo) ClimateConfig {
	state := StateTopic(room.Key)
	cmd := func(field string) string { return CommandTopic(room.Key, field) }

	return ClimateConfig{
		Name:              room.Name,
		UniqueID:          climate.UniqueID(room.Key),
		ObjectID:          climate.ObjectID(room.Key),
		DefaultEntityID:   climate.EntityID(room.Key),
		Device:            device,
		AvailabilityTopic: AvailabilityTopic(),

		Modes:       toStrings(climate.HVACModes),
		FanModes:    toStrings(climate.FanModes),
		PresetModes: toStrings(climate.PresetModes),
		SwingModes:  toStrings(climate.SwingModes),

		ModeCommandTopic:  cmd(CommandMode),
		ModeStateTopic:    state,
		ModeStateTemplate: "{{ value_json.hvac_mode }}",

		TemperatureCommandTopic:  cmd(CommandTemperature),
		TemperatureStateTopic:    state,
		TemperatureStateTemplate: "{{ value_json.temperature }}",

		TemperatureLowCommandTopic:  cmd(CommandTemperatureLow),
		TemperatureLowStateTopic:    state,
		TemperatureLowStateTemplate: "{{ value_json.target_temp_low }}",

		TemperatureHighCommandTopic:  cmd(CommandTemperatureHigh),
		TemperatureHighStateTopic:    state,
		TemperatureHighStateTemplate: "{{ value_json.target_temp_high }}",

		FanModeCommandTopic:  cmd(CommandFanMode),
		FanModeStateTopic:    state,
		FanModeStateTemplate: "{{ value_json.fan_mode }}",

		PresetModeCommandTopic:  cmd(CommandPresetMode),
		PresetModeStateTopic:    state,
		PresetModeValueTemplate: "{{ value_json.preset_mode }}",

		SwingModeCommandTopic:  cmd(CommandSwingMode),
		SwingModeStateTopic:    state,
		SwingModeStateTemplate: "{{ value_json.swing_mode }}",

		PowerCommandTopic: cmd(CommandPower),

		JSONAttributesTopic:    state,
		JSONAttributesTemplate: "{{ {'room_key': value_json.room_key, 'cover': value_json.cover} | tojson }}",

		TemperatureUnit: unit.Letter(),
		MinTemp:         climate.MinTemperature,
		MaxTemp:         climate.MaxTemperature,
		Precision:       0.1,
	}
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
