package climate

// HVACMode is the operating mode of a room.
type HVACMode string

const (
	ModeOff      HVACMode = "off"
	ModeHeat     HVACMode = "heat"
	ModeCool     HVACMode = "cool"
	ModeHeatCool HVACMode = "heat_cool"
	ModeDry      HVACMode = "dry"
	ModeFanOnly  HVACMode = "fan_only"
)

// HVACModes lists every mode in the order Home Assistant displays them.
var HVACModes = []HVACMode{ModeOff, ModeHeat, ModeCool, ModeHeatCool, ModeDry, ModeFanOnly}

// ParseHVACMode maps s to a mode. The second result is false for anything
// that is not one of HVACModes.
func ParseHVACMode(s string) (HVACMode, bool) {
	for _, m := range HVACModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// FanMode is the fan speed requested for a room.
type FanMode string

const (
	FanAuto   FanMode = "auto"
	FanLow    FanMode = "low"
	FanMedium FanMode = "medium"
	FanHigh   FanMode = "high"
)

var FanModes = []FanMode{FanAuto, FanLow, FanMedium, FanHigh}

// ParseFanMode maps s to a fan mode.
func ParseFanMode(s string) (FanMode, bool) {
	for _, m := range FanModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// PresetMode is the comfort preset requested for a room.
type PresetMode string

const (
	PresetEco     PresetMode = "eco"
	PresetAway    PresetMode = "away"
	PresetComfort PresetMode = "comfort"
)

var PresetModes = []PresetMode{PresetEco, PresetAway, PresetComfort}

// ParsePresetMode maps s to a preset.
func ParsePresetMode(s string) (PresetMode, bool) {
	for _, m := range PresetModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// SwingMode toggles louvre swing.
type SwingMode string

const (
	SwingOff SwingMode = "off"
	SwingOn  SwingMode = "on"
)

var SwingModes = []SwingMode{SwingOff, SwingOn}

// ParseSwingMode maps s to a swing mode.
func ParseSwingMode(s string) (SwingMode, bool) {
	for _, m := range SwingModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// TemperatureUnit is the unit every setpoint of an entity is expressed in.
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "°C"
	Fahrenheit TemperatureUnit = "°F"
)

// ParseTemperatureUnit accepts Home Assistant's unit strings ("°C", "°F")
// as well as the bare letters MQTT discovery uses.
func ParseTemperatureUnit(s string) (TemperatureUnit, bool) {
	switch s {
	case "°C", "C":
		return Celsius, true
	case "°F", "F":
		return Fahrenheit, true
	}
	return "", false
}

// Letter returns "C" or "F".
func (u TemperatureUnit) Letter() string {
	if u == Fahrenheit {
		return "F"
	}
	return "C"
}
