// Package controllers holds the controllers shipped with the service. Each
// one registers itself with the pkg/controller registry from init().
package controllers

import (
	"context"

	"tritonnet/pkg/controller"

	"go.uber.org/zap"
)

// LogName is the registry name of the logging controller.
const LogName = "log"

// LogController records every request it receives and accepts it. It does
// not touch any device.
type LogController struct {
	mainAC string
	logger *zap.Logger
}

// NewLogController creates a logging controller for mainAC.
func NewLogController(mainAC string, logger *zap.Logger) *LogController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogController{
		mainAC: mainAC,
		logger: logger.Named("controller"),
	}
}

func (c *LogController) Name() string { return LogName }

// MainAC returns the entity id of the shared air conditioner.
func (c *LogController) MainAC() string { return c.mainAC }

// SetClimate logs req and returns nil.
func (c *LogController) SetClimate(_ context.Context, req controller.Request) error {
	c.logger.Info("Set climate", requestFields(c.mainAC, req)...)
	return nil
}

// requestFields renders every field of req, absent ones included.
func requestFields(mainAC string, req controller.Request) []zap.Field {
	return []zap.Field{
		zap.String("room", req.RoomKey),
		zap.String("hvac_mode", req.HVACMode),
		zap.Float64p("target_temp", req.Temperature),
		zap.Float64p("target_temp_low", req.TargetLow),
		zap.Float64p("target_temp_high", req.TargetHigh),
		zap.String("fan_mode", req.FanMode),
		zap.String("preset_mode", req.PresetMode),
		zap.String("swing_mode", req.SwingMode),
		zap.Float64p("humidity", req.Humidity),
		zap.String("main_ac", mainAC),
	}
}
