// Package climate implements the per-room virtual thermostat. An Entity
// keeps the desired state of one room, reports it to the host through a
// Publisher, and forwards it to the shared controller after every change.
package climate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tritonnet/internal/clock"
	"tritonnet/pkg/controller"

	"go.uber.org/zap"
)

const (
	DefaultTemperature = 21.0
	MinTemperature     = 7.0
	MaxTemperature     = 30.0
)

// ErrUnknownMode is returned by SetMode for a mode outside HVACModes.
var ErrUnknownMode = errors.New("unknown hvac mode")

// Room is the configuration of one room.
type Room struct {
	Key   string
	Name  string
	Cover string
}

// Publisher surfaces entity state to the host.
type Publisher interface {
	PublishState(ctx context.Context, snap Snapshot) error
}

// Observer is told about accepted and ignored commands.
type Observer interface {
	StateChanged(snap Snapshot)
	CommandIgnored(roomKey, command, value string)
}

// Snapshot is the externally visible state of an entity. Setpoints that the
// current mode does not use are nil.
type Snapshot struct {
	RoomKey        string          `json:"room_key"`
	Name           string          `json:"name"`
	Cover          string          `json:"cover"`
	EntityID       string          `json:"entity_id"`
	UniqueID       string          `json:"unique_id"`
	HVACMode       HVACMode        `json:"hvac_mode"`
	Temperature    *float64        `json:"temperature"`
	TargetTempLow  *float64        `json:"target_temp_low"`
	TargetTempHigh *float64        `json:"target_temp_high"`
	FanMode        FanMode         `json:"fan_mode"`
	PresetMode     PresetMode      `json:"preset_mode"`
	SwingMode      SwingMode       `json:"swing_mode"`
	Unit           TemperatureUnit `json:"temperature_unit"`
	MinTemp        float64         `json:"min_temp"`
	MaxTemp        float64         `json:"max_temp"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TemperatureRequest carries the optional arguments of SetTemperature.
// An empty HVACMode means no mode change.
type TemperatureRequest struct {
	HVACMode    HVACMode `json:"hvac_mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TargetLow   *float64 `json:"target_temp_low,omitempty"`
	TargetHigh  *float64 `json:"target_temp_high,omitempty"`
}

// Options holds the collaborators of an Entity.
type Options struct {
	Controller controller.Controller
	Unit       TemperatureUnit
	Clock      clock.Clock
	Logger     *zap.Logger
	Observer   Observer
}

type roomState struct {
	mode        HVACMode
	temperature float64
	low         *float64
	high        *float64
	fan         FanMode
	preset      PresetMode
	swing       SwingMode
	updatedAt   time.Time
}

// Entity is the virtual thermostat of one room.
type Entity struct {
	room       Room
	unit       TemperatureUnit
	controller controller.Controller
	clock      clock.Clock
	logger     *zap.Logger
	observer   Observer

	// opMu serializes commands end to end; mu guards state, publisher and
	// controller.
	opMu      sync.Mutex
	mu        sync.RWMutex
	state     roomState
	publisher Publisher
}

// NewEntity creates the entity for room with default state.
func NewEntity(room Room, opts Options) *Entity {
	unit := opts.Unit
	if unit == "" {
		unit = Celsius
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Entity{
		room:       room,
		unit:       unit,
		controller: opts.Controller,
		clock:      clk,
		logger:     logger.Named("climate").With(zap.String("room", room.Key)),
		observer:   opts.Observer,
		state: roomState{
			mode:        ModeOff,
			temperature: DefaultTemperature,
			fan:         FanAuto,
			preset:      PresetComfort,
			swing:       SwingOff,
			updatedAt:   clk.Now(),
		},
	}
}

// Room returns the configuration the entity was built from.
func (e *Entity) Room() Room { return e.room }

// Key returns the room key.
func (e *Entity) Key() string { return e.room.Key }

// EntityID returns the canonical entity id.
func (e *Entity) EntityID() string { return EntityID(e.room.Key) }

// UniqueID returns the registry unique id.
func (e *Entity) UniqueID() string { return UniqueID(e.room.Key) }

// Unit returns the temperature unit.
func (e *Entity) Unit() TemperatureUnit { return e.unit }

// Controller returns the controller the entity forwards to.
func (e *Entity) Controller() controller.Controller {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.controller
}

// SetController replaces the controller once any command in flight has
// finished. State is kept.
func (e *Entity) SetController(c controller.Controller) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.controller = c
}

// Attach makes p the host publisher for subsequent state changes.
func (e *Entity) Attach(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
}

// Detach stops publishing state to the host.
func (e *Entity) Detach() {
	e.Attach(nil)
}

// HVACMode returns the current mode.
func (e *Entity) HVACMode() HVACMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.mode
}

// TargetTemperature returns the single setpoint, or nil in heat_cool mode.
func (e *Entity) TargetTemperature() *float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state.mode == ModeHeatCool {
		return nil
	}
	t := e.state.temperature
	return &t
}

// TargetTemperatureLow returns the lower band edge, or nil outside heat_cool.
func (e *Entity) TargetTemperatureLow() *float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state.mode != ModeHeatCool {
		return nil
	}
	return copyFloat(e.state.low)
}

// TargetTemperatureHigh returns the upper band edge, or nil outside heat_cool.
func (e *Entity) TargetTemperatureHigh() *float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state.mode != ModeHeatCool {
		return nil
	}
	return copyFloat(e.state.high)
}

// FanMode returns the current fan mode.
func (e *Entity) FanMode() FanMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.fan
}

// PresetMode returns the current preset.
func (e *Entity) PresetMode() PresetMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.preset
}

// SwingMode returns the current swing mode.
func (e *Entity) SwingMode() SwingMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.swing
}

// Snapshot returns the current visible state.
func (e *Entity) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// SetMode changes the HVAC mode. An empty mode means off.
func (e *Entity) SetMode(ctx context.Context, mode HVACMode) error {
	mode, err := normalizeMode(mode)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.setModeLocked(ctx, mode)
}

func normalizeMode(mode HVACMode) (HVACMode, error) {
	if mode == "" {
		return ModeOff, nil
	}
	if _, ok := ParseHVACMode(string(mode)); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return mode, nil
}

// setModeLocked runs with opMu held.
func (e *Entity) setModeLocked(ctx context.Context, mode HVACMode) error {
	return e.applyLocked(ctx, "hvac_mode", func(s *roomState) bool {
		s.mode = mode
		return true
	})
}

// TurnOn switches the room to heat_cool.
func (e *Entity) TurnOn(ctx context.Context) error {
	return e.SetMode(ctx, ModeHeatCool)
}

// TurnOff switches the room off.
func (e *Entity) TurnOff(ctx context.Context) error {
	return e.SetMode(ctx, ModeOff)
}

// SetTemperature applies the mode first, if given, then the setpoints that
// belong to the resulting mode. Nothing is published or pushed when no
// setpoint was applied.
func (e *Entity) SetTemperature(ctx context.Context, req TemperatureRequest) error {
	var mode HVACMode
	if req.HVACMode != "" {
		var err error
		if mode, err = normalizeMode(req.HVACMode); err != nil {
			return err
		}
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if mode != "" {
		if err := e.setModeLocked(ctx, mode); err != nil {
			return err
		}
	}

	return e.applyLocked(ctx, "temperature", func(s *roomState) bool {
		updated := false
		if s.mode == ModeHeatCool {
			if req.TargetHigh != nil {
				s.high = copyFloat(req.TargetHigh)
				updated = true
			}
			if req.TargetLow != nil {
				s.low = copyFloat(req.TargetLow)
				updated = true
			}
		} else if req.Temperature != nil {
			s.temperature = *req.Temperature
			updated = true
		}
		return updated
	})
}

// SetFanMode changes the fan mode. Unknown values are ignored.
func (e *Entity) SetFanMode(ctx context.Context, value string) error {
	fan, ok := ParseFanMode(value)
	if !ok {
		e.ignore("fan_mode", value)
		return nil
	}
	return e.apply(ctx, "fan_mode", func(s *roomState) bool {
		s.fan = fan
		return true
	})
}

// SetPresetMode changes the preset. Unknown values are ignored.
func (e *Entity) SetPresetMode(ctx context.Context, value string) error {
	preset, ok := ParsePresetMode(value)
	if !ok {
		e.ignore("preset_mode", value)
		return nil
	}
	return e.apply(ctx, "preset_mode", func(s *roomState) bool {
		s.preset = preset
		return true
	})
}

// SetSwingMode changes the swing mode. Unknown values are ignored.
func (e *Entity) SetSwingMode(ctx context.Context, value string) error {
	swing, ok := ParseSwingMode(value)
	if !ok {
		e.ignore("swing_mode", value)
		return nil
	}
	return e.apply(ctx, "swing_mode", func(s *roomState) bool {
		s.swing = swing
		return true
	})
}

// Publish re-sends the current state to the host without touching the
// controller. Hosts call it after a reconnect.
func (e *Entity) Publish(ctx context.Context) {
	e.mu.RLock()
	p := e.publisher
	snap := e.snapshotLocked()
	e.mu.RUnlock()

	e.publish(ctx, p, snap)
}

// apply runs mutate under the state lock, then publishes and pushes the
// result if mutate reported a change.
func (e *Entity) apply(ctx context.Context, command string, mutate func(*roomState) bool) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.applyLocked(ctx, command, mutate)
}

// applyLocked is apply with opMu already held.
func (e *Entity) applyLocked(ctx context.Context, command string, mutate func(*roomState) bool) error {
	e.mu.Lock()
	if !mutate(&e.state) {
		e.mu.Unlock()
		e.logger.Debug("Command changed nothing", zap.String("command", command))
		return nil
	}
	e.state.updatedAt = e.clock.Now()
	snap := e.snapshotLocked()
	req := e.requestLocked()
	p := e.publisher
	ctrl := e.controller
	e.mu.Unlock()

	e.logger.Debug("Room state changed",
		zap.String("command", command),
		zap.String("hvac_mode", string(snap.HVACMode)))

	e.publish(ctx, p, snap)
	if e.observer != nil {
		e.observer.StateChanged(snap)
	}

	return e.push(ctx, ctrl, req)
}

func (e *Entity) publish(ctx context.Context, p Publisher, snap Snapshot) {
	if p == nil {
		return
	}
	if err := p.PublishState(ctx, snap); err != nil {
		e.logger.Warn("Failed to publish room state", zap.Error(err))
	}
}

func (e *Entity) push(ctx context.Context, ctrl controller.Controller, req controller.Request) error {
	if ctrl == nil {
		return nil
	}
	if err := ctrl.SetClimate(ctx, req); err != nil {
		e.logger.Error("Controller rejected climate request",
			zap.String("controller", ctrl.Name()),
			zap.Error(err))
		return fmt.Errorf("push climate for room %s: %w", e.room.Key, err)
	}
	return nil
}

func (e *Entity) ignore(command, value string) {
	e.logger.Debug("Ignoring unsupported value",
		zap.String("command", command),
		zap.String("value", value))
	if e.observer != nil {
		e.observer.CommandIgnored(e.room.Key, command, value)
	}
}

func (e *Entity) snapshotLocked() Snapshot {
	snap := Snapshot{
		RoomKey:    e.room.Key,
		Name:       e.room.Name,
		Cover:      e.room.Cover,
		EntityID:   EntityID(e.room.Key),
		UniqueID:   UniqueID(e.room.Key),
		HVACMode:   e.state.mode,
		FanMode:    e.state.fan,
		PresetMode: e.state.preset,
		SwingMode:  e.state.swing,
		Unit:       e.unit,
		MinTemp:    MinTemperature,
		MaxTemp:    MaxTemperature,
		UpdatedAt:  e.state.updatedAt,
	}
	if e.state.mode == ModeHeatCool {
		snap.TargetTempLow = copyFloat(e.state.low)
		snap.TargetTempHigh = copyFloat(e.state.high)
	} else {
		t := e.state.temperature
		snap.Temperature = &t
	}
	return snap
}

// requestLocked builds the controller request from the unmasked state.
func (e *Entity) requestLocked() controller.Request {
	t := e.state.temperature
	return controller.Request{
		RoomKey:     e.room.Key,
		HVACMode:    string(e.state.mode),
		Temperature: &t,
		TargetLow:   copyFloat(e.state.low),
		TargetHigh:  copyFloat(e.state.high),
		FanMode:     string(e.state.fan),
		PresetMode:  string(e.state.preset),
		SwingMode:   string(e.state.swing),
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
