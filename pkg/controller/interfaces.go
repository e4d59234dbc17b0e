// Package controller provides the public contract between room climate
// entities and the component that actually drives the air conditioning.
// Implementations register themselves with the global registry from init()
// functions, so a private build can replace a public controller by
// registering the same name with PriorityOverride.
package controller

import "context"

// Request is the desired climate for one room. Every field except RoomKey
// is optional: an absent string is "" and an absent number is nil.
type Request struct {
	RoomKey     string
	HVACMode    string
	Temperature *float64
	TargetLow   *float64
	TargetHigh  *float64
	FanMode     string
	PresetMode  string
	SwingMode   string
	Humidity    *float64
}

// Controller receives the desired state of every room.
type Controller interface {
	// Name returns the registry name the controller was created under.
	Name() string

	// SetClimate forwards the desired state of one room. A nil error means
	// the request was accepted. Implementations must accept any combination
	// of present and absent fields.
	SetClimate(ctx context.Context, req Request) error
}

// ServiceCaller performs Home Assistant service calls. The internal
// WebSocket client satisfies it.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) error
}

// Factory creates a controller from the shared context.
type Factory func(ctx *Context) (Controller, error)

// CoverUpdater is implemented by controllers that drive room covers. The
// integration calls it on reload instead of rebuilding the controller.
// covers maps every configured room key to its cover entity id.
type CoverUpdater interface {
	UpdateCovers(covers map[string]string)
}

// ModeSeeder is implemented by controllers that remember the last mode of
// every room. SeedModes replaces that memory with modes, keyed by room.
type ModeSeeder interface {
	SeedModes(modes map[string]string)
}

// Wrapper is implemented by decorators around a Controller.
type Wrapper interface {
	Unwrap() Controller
}

// As walks the Unwrap chain of c and returns the first controller that
// implements T.
func As[T any](c Controller) (T, bool) {
	for c != nil {
		if t, ok := c.(T); ok {
			return t, true
		}
		w, ok := c.(Wrapper)
		if !ok {
			break
		}
		c = w.Unwrap()
	}
	var zero T
	return zero, false
}
