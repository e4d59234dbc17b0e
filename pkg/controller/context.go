package controller

import (
	"go.uber.org/zap"
)

// Context provides dependencies to controller factories.
type Context struct {
	// MainAC is the entity id of the air conditioner every room shares.
	MainAC string

	// Covers maps a room key to the cover (damper, vent) serving that room.
	Covers map[string]string

	// Services performs Home Assistant service calls. It is nil when the
	// service runs without a Home Assistant connection.
	Services ServiceCaller

	// Logger is a structured logger for the controller to use.
	// Controllers should use logger.Named("controller") for namespacing.
	Logger *zap.Logger

	// ReadOnly indicates that controllers must log what they would do
	// without touching any device.
	ReadOnly bool
}

// NewContext creates a new controller context with all required dependencies.
func NewContext(
	mainAC string,
	covers map[string]string,
	services ServiceCaller,
	logger *zap.Logger,
	readOnly bool,
) *Context {
	return &Context{
		MainAC:   mainAC,
		Covers:   covers,
		Services: services,
		Logger:   logger,
		ReadOnly: readOnly,
	}
}
