// Package integration owns the running climate integration: the shared
// controller, one entity per configured room, and their registration with
// the host.
package integration

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"tritonnet/internal/climate"
	"tritonnet/internal/clock"
	"tritonnet/internal/config"
	"tritonnet/internal/ha"
	"tritonnet/internal/metrics"
	"tritonnet/pkg/controller"

	"go.uber.org/zap"
)

// Result tells whether Import set up the integration or updated it.
type Result string

const (
	ResultCreated           Result = "created"
	ResultAlreadyConfigured Result = "already_configured"
)

// ErrNotConfigured is returned when no configuration has been imported.
var ErrNotConfigured = errors.New("integration not configured")

// Host surfaces entities to the user.
type Host interface {
	AddEntities(ctx context.Context, entities []*climate.Entity) error
	RemoveEntities(ctx context.Context, entities []*climate.Entity) error
}

// Options holds the collaborators of a Manager. HA and Metrics may be nil.
type Options struct {
	Host           Host
	HA             ha.HAClient
	Metrics        *metrics.Collector
	ControllerName string
	ReadOnly       bool
	Clock          clock.Clock
	Logger         *zap.Logger
}

// runtime is the state of a set-up integration.
type runtime struct {
	config     *config.ClimateConfig
	unit       climate.TemperatureUnit
	controller controller.Controller
	entities   map[string]*climate.Entity
	order      []string
}

// Manager sets up, reloads and unloads the integration. Only one instance
// exists per process; later imports update it in place.
type Manager struct {
	opts   Options
	logger *zap.Logger

	// importMu serializes Import and Unload; mu guards rt.
	importMu sync.Mutex
	mu       sync.RWMutex
	rt       *runtime
}

// NewManager creates a manager. ControllerName defaults to "log".
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.ControllerName == "" {
		opts.ControllerName = config.DefaultController
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.Named("integration"),
	}
}

// Import sets the integration up from cfg, or updates the running one.
func (m *Manager) Import(ctx context.Context, cfg *config.ClimateConfig) (Result, error) {
	if cfg == nil {
		return "", fmt.Errorf("import: nil configuration")
	}

	m.importMu.Lock()
	defer m.importMu.Unlock()

	m.mu.RLock()
	current := m.rt
	m.mu.RUnlock()

	if current == nil {
		if err := m.setup(ctx, cfg); err != nil {
			return "", err
		}
		return ResultCreated, nil
	}

	if err := m.reload(ctx, current, cfg); err != nil {
		return "", err
	}
	return ResultAlreadyConfigured, nil
}

func (m *Manager) setup(ctx context.Context, cfg *config.ClimateConfig) error {
	m.logger.Info("Setting up climate integration",
		zap.String("main_ac", cfg.MainAC),
		zap.Int("rooms", len(cfg.Rooms)),
		zap.String("controller", m.opts.ControllerName))

	ctrl, err := m.createController(cfg)
	if err != nil {
		return err
	}

	rt := &runtime{
		config:     cfg,
		unit:       m.detectUnit(ctx),
		controller: ctrl,
		entities:   make(map[string]*climate.Entity, len(cfg.Rooms)),
	}

	entities := make([]*climate.Entity, 0, len(cfg.Rooms))
	for _, room := range cfg.Rooms {
		e := m.newEntity(room, rt)
		rt.entities[room.Key] = e
		rt.order = append(rt.order, room.Key)
		entities = append(entities, e)
	}

	m.reconcileEntityIDs(ctx, entities)
	m.checkReferences(ctx, cfg)

	m.mu.Lock()
	m.rt = rt
	m.mu.Unlock()

	m.record(entities)
	if err := m.opts.Host.AddEntities(ctx, entities); err != nil {
		m.logger.Warn("Host did not accept every entity", zap.Error(err))
	}

	m.logger.Info("Climate integration set up", zap.Strings("rooms", rt.order))
	return nil
}

func (m *Manager) reload(ctx context.Context, current *runtime, cfg *config.ClimateConfig) error {
	m.logger.Info("Reloading climate integration",
		zap.String("main_ac", cfg.MainAC),
		zap.Int("rooms", len(cfg.Rooms)))

	ctrl := current.controller
	rebuild := cfg.MainAC != current.config.MainAC
	if rebuild {
		var err error
		if ctrl, err = m.createController(cfg); err != nil {
			return err
		}
		m.logger.Info("Controller rebuilt", zap.String("main_ac", cfg.MainAC))
	}

	next := &runtime{
		config:     cfg,
		unit:       current.unit,
		controller: ctrl,
		entities:   make(map[string]*climate.Entity, len(cfg.Rooms)),
	}

	var added, kept, replaced []*climate.Entity
	for _, room := range cfg.Rooms {
		old, exists := current.entities[room.Key]
		if exists {
			if prev, _ := current.config.Room(room.Key); prev == room {
				next.entities[room.Key] = old
				next.order = append(next.order, room.Key)
				kept = append(kept, old)
				continue
			}
			replaced = append(replaced, old)
		}

		e := m.newEntity(room, next)
		next.entities[room.Key] = e
		next.order = append(next.order, room.Key)
		added = append(added, e)
	}

	var removed []*climate.Entity
	for _, key := range current.order {
		if _, ok := next.entities[key]; !ok {
			removed = append(removed, current.entities[key])
		}
	}

	if rebuild {
		// The new controller must know which kept rooms are running before
		// any of them can reach it.
		seedModes(ctrl, next)
		for _, e := range kept {
			e.SetController(ctrl)
		}
	} else {
		if !maps.Equal(cfg.Covers(), current.config.Covers()) {
			if u, ok := controller.As[controller.CoverUpdater](ctrl); ok {
				u.UpdateCovers(cfg.Covers())
			}
		}
		if len(added) > 0 || len(removed) > 0 {
			seedModes(ctrl, next)
		}
	}

	m.reconcileEntityIDs(ctx, append(append([]*climate.Entity{}, kept...), added...))
	m.checkReferences(ctx, cfg)

	m.mu.Lock()
	m.rt = next
	m.mu.Unlock()

	if len(removed) > 0 {
		if err := m.opts.Host.RemoveEntities(ctx, removed); err != nil {
			m.logger.Warn("Host did not withdraw every entity", zap.Error(err))
		}
	}
	m.forget(removed)
	m.forget(replaced)
	m.record(added)

	if len(added) > 0 {
		if err := m.opts.Host.AddEntities(ctx, added); err != nil {
			m.logger.Warn("Host did not accept every entity", zap.Error(err))
		}
	}

	m.logger.Info("Climate integration reloaded",
		zap.Int("kept", len(kept)),
		zap.Int("added", len(added)),
		zap.Int("replaced", len(replaced)),
		zap.Int("removed", len(removed)),
		zap.Bool("controller_rebuilt", rebuild))
	return nil
}

// seedModes hands the current mode of every room to controllers that
// remember room modes.
func seedModes(ctrl controller.Controller, rt *runtime) {
	seeder, ok := controller.As[controller.ModeSeeder](ctrl)
	if !ok {
		return
	}
	modes := make(map[string]string, len(rt.entities))
	for key, e := range rt.entities {
		modes[key] = string(e.HVACMode())
	}
	seeder.SeedModes(modes)
}

// Unload withdraws every entity and drops the controller.
func (m *Manager) Unload(ctx context.Context) error {
	m.importMu.Lock()
	defer m.importMu.Unlock()

	m.mu.Lock()
	rt := m.rt
	m.rt = nil
	m.mu.Unlock()

	if rt == nil {
		return ErrNotConfigured
	}

	entities := rt.list()
	m.forget(entities)
	if err := m.opts.Host.RemoveEntities(ctx, entities); err != nil {
		return fmt.Errorf("unload: %w", err)
	}

	m.logger.Info("Climate integration unloaded")
	return nil
}

// Configured reports whether the integration is set up.
func (m *Manager) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rt != nil
}

// Config returns the configuration in effect, or nil.
func (m *Manager) Config() *config.ClimateConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rt == nil {
		return nil
	}
	return m.rt.config
}

// Controller returns the shared controller, or nil.
func (m *Manager) Controller() controller.Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rt == nil {
		return nil
	}
	return m.rt.controller
}

// Entities returns the room entities in configuration order.
func (m *Manager) Entities() []*climate.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rt == nil {
		return nil
	}
	return m.rt.list()
}

// Entity returns the entity of a room.
func (m *Manager) Entity(roomKey string) (*climate.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rt == nil {
		return nil, false
	}
	e, ok := m.rt.entities[roomKey]
	return e, ok
}

func (rt *runtime) list() []*climate.Entity {
	out := make([]*climate.Entity, 0, len(rt.order))
	for _, key := range rt.order {
		out = append(out, rt.entities[key])
	}
	return out
}

func (m *Manager) createController(cfg *config.ClimateConfig) (controller.Controller, error) {
	var services controller.ServiceCaller
	if m.opts.HA != nil {
		services = m.opts.HA
	}

	ctrl, err := controller.Create(m.opts.ControllerName, controller.NewContext(
		cfg.MainAC,
		cfg.Covers(),
		services,
		m.opts.Logger,
		m.opts.ReadOnly,
	))
	if err != nil {
		return nil, err
	}

	if m.opts.Metrics != nil {
		ctrl = m.opts.Metrics.InstrumentController(ctrl, m.opts.Clock)
	}
	return ctrl, nil
}

func (m *Manager) newEntity(room config.RoomConfig, rt *runtime) *climate.Entity {
	opts := climate.Options{
		Controller: rt.controller,
		Unit:       rt.unit,
		Clock:      m.opts.Clock,
		Logger:     m.opts.Logger,
	}
	if m.opts.Metrics != nil {
		opts.Observer = m.opts.Metrics
	}
	return climate.NewEntity(climate.Room{Key: room.Key, Name: room.Name, Cover: room.Cover}, opts)
}

// record reports the initial state of new entities to metrics.
func (m *Manager) record(entities []*climate.Entity) {
	if m.opts.Metrics == nil {
		return
	}
	for _, e := range entities {
		m.opts.Metrics.StateChanged(e.Snapshot())
	}
}

func (m *Manager) forget(entities []*climate.Entity) {
	if m.opts.Metrics == nil {
		return
	}
	for _, e := range entities {
		m.opts.Metrics.Forget(e.Key())
	}
}

// detectUnit reads Home Assistant's temperature unit, falling back to °C.
func (m *Manager) detectUnit(ctx context.Context) climate.TemperatureUnit {
	if m.opts.HA == nil {
		return climate.Celsius
	}

	cfg, err := m.opts.HA.GetConfig(ctx)
	if err != nil {
		m.logger.Warn("Could not read Home Assistant unit system, using °C", zap.Error(err))
		return climate.Celsius
	}

	unit, ok := climate.ParseTemperatureUnit(cfg.UnitSystem.Temperature)
	if !ok {
		m.logger.Warn("Unknown temperature unit, using °C", zap.String("unit", cfg.UnitSystem.Temperature))
		return climate.Celsius
	}
	return unit
}
