package controllers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tritonnet/pkg/controller"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ForwardName is the registry name of the forwarding controller.
const ForwardName = "forward"

// ErrNoServices is returned when the forwarding controller is created
// without a Home Assistant connection.
var ErrNoServices = errors.New("forward controller requires a Home Assistant connection")

// serviceCall is one Home Assistant service invocation.
type serviceCall struct {
	domain  string
	service string
	data    map[string]interface{}
}

// ForwardController drives the shared air conditioner and the per-room
// covers through Home Assistant service calls.
type ForwardController struct {
	mainAC   string
	covers   map[string]string
	services controller.ServiceCaller
	logger   *zap.Logger
	readOnly bool

	mu    sync.Mutex
	modes map[string]string
}

// NewForwardController creates a forwarding controller. covers maps room
// keys to cover entity ids.
func NewForwardController(mainAC string, covers map[string]string, services controller.ServiceCaller, logger *zap.Logger, readOnly bool) (*ForwardController, error) {
	if services == nil {
		return nil, ErrNoServices
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &ForwardController{
		mainAC:   mainAC,
		covers:   make(map[string]string, len(covers)),
		services: services,
		logger:   logger.Named("controller"),
		readOnly: readOnly,
		modes:    make(map[string]string),
	}
	for room, cover := range covers {
		c.covers[room] = cover
	}
	return c, nil
}

func (c *ForwardController) Name() string { return ForwardName }

// SetClimate translates req into service calls and runs them in order. All
// calls are attempted; their errors are combined.
func (c *ForwardController) SetClimate(ctx context.Context, req controller.Request) error {
	c.logger.Info("Set climate", requestFields(c.mainAC, req)...)

	calls := c.plan(req)
	if len(calls) == 0 {
		return nil
	}

	if c.readOnly {
		for _, call := range calls {
			c.logger.Info("READ-ONLY: Would call service",
				zap.String("room", req.RoomKey),
				zap.String("domain", call.domain),
				zap.String("service", call.service),
				zap.Any("data", call.data))
		}
		return nil
	}

	var err error
	for _, call := range calls {
		if callErr := c.services.CallService(ctx, call.domain, call.service, call.data); callErr != nil {
			c.logger.Error("Service call failed",
				zap.String("room", req.RoomKey),
				zap.String("domain", call.domain),
				zap.String("service", call.service),
				zap.Error(callErr))
			err = multierr.Append(err, fmt.Errorf("%s.%s: %w", call.domain, call.service, callErr))
		}
	}
	return err
}

// UpdateCovers replaces the room to cover mapping. Rooms missing from
// covers are no longer configured, so their last mode is dropped too.
func (c *ForwardController) UpdateCovers(covers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.covers = make(map[string]string, len(covers))
	for room, cover := range covers {
		c.covers[room] = cover
	}
	for room := range c.modes {
		if _, ok := c.covers[room]; !ok {
			delete(c.modes, room)
		}
	}
}

// SeedModes replaces the remembered room modes, so that a controller built
// while rooms are already running knows which of them keep the main AC on.
func (c *ForwardController) SeedModes(modes map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.modes = make(map[string]string, len(modes))
	for room, mode := range modes {
		if mode == "" {
			mode = "off"
		}
		c.modes[room] = mode
	}
}

// ActiveRooms returns the rooms last seen in a mode other than off, sorted.
func (c *ForwardController) ActiveRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// plan records the room's mode and returns the calls that bring the
// devices in line with req.
func (c *ForwardController) plan(req controller.Request) []serviceCall {
	mode := req.HVACMode
	if mode == "" {
		mode = "off"
	}

	c.mu.Lock()
	c.modes[req.RoomKey] = mode
	active := c.activeLocked()
	cover := c.covers[req.RoomKey]
	c.mu.Unlock()

	var calls []serviceCall

	if cover != "" {
		service := "open_cover"
		if mode == "off" {
			service = "close_cover"
		}
		calls = append(calls, serviceCall{
			domain:  "cover",
			service: service,
			data:    map[string]interface{}{"entity_id": cover},
		})
	}

	if c.mainAC == "" {
		return calls
	}

	if mode == "off" {
		if len(active) == 0 {
			calls = append(calls, serviceCall{
				domain:  "climate",
				service: "turn_off",
				data:    map[string]interface{}{"entity_id": c.mainAC},
			})
		} else {
			c.logger.Debug("Main AC kept on for other rooms",
				zap.String("room", req.RoomKey),
				zap.Strings("active_rooms", active))
		}
		return calls
	}

	calls = append(calls, serviceCall{
		domain:  "climate",
		service: "set_hvac_mode",
		data:    map[string]interface{}{"entity_id": c.mainAC, "hvac_mode": mode},
	})

	if temp := temperatureData(mode, req); temp != nil {
		temp["entity_id"] = c.mainAC
		calls = append(calls, serviceCall{domain: "climate", service: "set_temperature", data: temp})
	}
	if req.FanMode != "" {
		calls = append(calls, serviceCall{
			domain:  "climate",
			service: "set_fan_mode",
			data:    map[string]interface{}{"entity_id": c.mainAC, "fan_mode": req.FanMode},
		})
	}
	if req.SwingMode != "" {
		calls = append(calls, serviceCall{
			domain:  "climate",
			service: "set_swing_mode",
			data:    map[string]interface{}{"entity_id": c.mainAC, "swing_mode": req.SwingMode},
		})
	}

	return calls
}

func (c *ForwardController) activeLocked() []string {
	var active []string
	for room, mode := range c.modes {
		if mode != "off" {
			active = append(active, room)
		}
	}
	sort.Strings(active)
	return active
}

// temperatureData returns the set_temperature payload for mode, or nil when
// req carries no setpoint usable in that mode.
func temperatureData(mode string, req controller.Request) map[string]interface{} {
	if mode == "heat_cool" {
		if req.TargetLow == nil || req.TargetHigh == nil {
			return nil
		}
		return map[string]interface{}{
			"target_temp_low":  *req.TargetLow,
			"target_temp_high": *req.TargetHigh,
		}
	}
	if req.Temperature == nil {
		return nil
	}
	return map[string]interface{}{"temperature": *req.Temperature}
}
