package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tritonnet/internal/climate"
	"tritonnet/internal/clock"
	"tritonnet/internal/config"
	_ "tritonnet/internal/controllers"
	"tritonnet/internal/ha"
	"tritonnet/internal/metrics"
	"tritonnet/pkg/controller"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeHost records every entity handed to it
type fakeHost struct {
	mu      sync.Mutex
	added   [][]*climate.Entity
	removed [][]*climate.Entity
	addErr  error
}

func (h *fakeHost) AddEntities(_ context.Context, entities []*climate.Entity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added = append(h.added, entities)
	return h.addErr
}

func (h *fakeHost) RemoveEntities(_ context.Context, entities []*climate.Entity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, entities)
	return nil
}

func keys(entities []*climate.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Key())
	}
	return out
}

func float(v float64) *float64 { return &v }

func testConfig() *config.ClimateConfig {
	return &config.ClimateConfig{
		MainAC: "climate.main_ac",
		Rooms: []config.RoomConfig{
			{Key: "living_room", Name: "Living Room", Cover: "cover.living_room_damper"},
			{Key: "bedroom", Name: "Bedroom", Cover: "cover.bedroom_damper"},
		},
	}
}

func newTestManager(t *testing.T, client ha.HAClient) (*Manager, *fakeHost) {
	t.Helper()
	host := &fakeHost{}
	m := NewManager(Options{
		Host:   host,
		HA:     client,
		Clock:  clock.NewMockClock(clock.NewRealClock().Now()),
		Logger: zap.NewNop(),
	})
	return m, host
}

func TestManager_ImportCreates(t *testing.T) {
	client := ha.NewMockClient()
	client.SetTemperatureUnit("°F")
	m, host := newTestManager(t, client)

	result, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)
	assert.True(t, m.Configured())

	require.Len(t, host.added, 1)
	assert.Equal(t, []string{"living_room", "bedroom"}, keys(host.added[0]))
	assert.Equal(t, []string{"living_room", "bedroom"}, keys(m.Entities()))

	for _, e := range m.Entities() {
		assert.Equal(t, climate.Fahrenheit, e.Unit())
		assert.Same(t, m.Controller(), e.Controller())
	}

	require.NotNil(t, m.Controller())
	assert.Equal(t, "log", m.Controller().Name())
	assert.Equal(t, "climate.main_ac", m.Config().MainAC)

	e, ok := m.Entity("bedroom")
	require.True(t, ok)
	assert.Equal(t, "climate.tritonnet_bedroom", e.EntityID())

	_, ok = m.Entity("kitchen")
	assert.False(t, ok)
}

func TestManager_ImportWithoutHomeAssistant(t *testing.T) {
	m, _ := newTestManager(t, nil)

	result, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)

	for _, e := range m.Entities() {
		assert.Equal(t, climate.Celsius, e.Unit())
	}
}

func TestManager_UnitFallsBackToCelsius(t *testing.T) {
	client := ha.NewMockClient()
	client.SetError(ha.MethodGetConfig, errors.New("boom"))
	m, _ := newTestManager(t, client)

	_, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, climate.Celsius, m.Entities()[0].Unit())

	client2 := ha.NewMockClient()
	client2.SetTemperatureUnit("K")
	m2, _ := newTestManager(t, client2)
	_, err = m2.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, climate.Celsius, m2.Entities()[0].Unit())
}

func TestManager_ImportNil(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.Import(context.Background(), nil)
	assert.Error(t, err)
	assert.False(t, m.Configured())
}

func TestManager_UnknownController(t *testing.T) {
	m := NewManager(Options{Host: &fakeHost{}, ControllerName: "nope"})

	_, err := m.Import(context.Background(), testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown controller")
	assert.False(t, m.Configured())
	assert.Nil(t, m.Entities())
	assert.Nil(t, m.Controller())
	assert.Nil(t, m.Config())
}

func TestManager_ForwardNeedsHomeAssistant(t *testing.T) {
	m := NewManager(Options{Host: &fakeHost{}, ControllerName: "forward"})
	_, err := m.Import(context.Background(), testConfig())
	assert.Error(t, err)

	m = NewManager(Options{Host: &fakeHost{}, HA: ha.NewMockClient(), ControllerName: "forward"})
	_, err = m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, "forward", m.Controller().Name())
}

func TestManager_HostErrorDoesNotAbortSetup(t *testing.T) {
	host := &fakeHost{addErr: errors.New("broker down")}
	m := NewManager(Options{Host: host})

	result, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)
	assert.Len(t, m.Entities(), 2)
}

func TestManager_SecondImportIsAlreadyConfigured(t *testing.T) {
	m, host := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)
	before := m.Entities()
	ctrl := m.Controller()

	result, err := m.Import(ctx, testConfig())
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyConfigured, result)

	after := m.Entities()
	require.Len(t, after, 2)
	assert.Same(t, before[0], after[0])
	assert.Same(t, before[1], after[1])
	assert.Same(t, ctrl, m.Controller())

	assert.Len(t, host.added, 1)
	assert.Empty(t, host.removed)
}

func TestManager_ReloadKeepsUnchangedRooms(t *testing.T) {
	m, host := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)

	living, _ := m.Entity("living_room")
	bedroom, _ := m.Entity("bedroom")
	require.NoError(t, living.SetMode(ctx, climate.ModeHeat))
	ctrl := m.Controller()

	cfg := testConfig()
	cfg.Rooms = []config.RoomConfig{
		cfg.Rooms[0],
		{Key: "office", Name: "Office", Cover: "cover.office_damper"},
	}

	result, err := m.Import(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyConfigured, result)

	assert.Equal(t, []string{"living_room", "office"}, keys(m.Entities()))
	assert.Same(t, ctrl, m.Controller())
	for _, e := range m.Entities() {
		assert.Same(t, ctrl, e.Controller())
	}

	kept, ok := m.Entity("living_room")
	require.True(t, ok)
	assert.Same(t, living, kept)
	assert.Equal(t, climate.ModeHeat, kept.HVACMode())

	require.Len(t, host.added, 2)
	assert.Equal(t, []string{"office"}, keys(host.added[1]))
	require.Len(t, host.removed, 1)
	require.Len(t, host.removed[0], 1)
	assert.Same(t, bedroom, host.removed[0][0])
}

func TestManager_ReloadRebuildsChangedRoom(t *testing.T) {
	m, host := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)
	old, _ := m.Entity("bedroom")
	require.NoError(t, old.SetMode(ctx, climate.ModeCool))

	cfg := testConfig()
	cfg.Rooms[1].Name = "Main Bedroom"

	_, err = m.Import(ctx, cfg)
	require.NoError(t, err)

	rebuilt, ok := m.Entity("bedroom")
	require.True(t, ok)
	assert.NotSame(t, old, rebuilt)
	assert.Equal(t, "Main Bedroom", rebuilt.Room().Name)
	assert.Equal(t, climate.ModeOff, rebuilt.HVACMode())

	require.Len(t, host.added, 2)
	assert.Equal(t, []string{"bedroom"}, keys(host.added[1]))
	assert.Empty(t, host.removed)
}

func TestManager_ReloadSwapsControllerOnMainACChange(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)
	oldCtrl := m.Controller()
	living, _ := m.Entity("living_room")
	require.NoError(t, living.SetMode(ctx, climate.ModeHeat))

	cfg := testConfig()
	cfg.MainAC = "climate.hallway_ac"
	_, err = m.Import(ctx, cfg)
	require.NoError(t, err)

	newCtrl := m.Controller()
	assert.NotSame(t, oldCtrl, newCtrl)

	kept, _ := m.Entity("living_room")
	assert.Same(t, living, kept)
	assert.Same(t, newCtrl, kept.Controller())
	assert.Equal(t, climate.ModeHeat, kept.HVACMode())

	withMainAC, ok := newCtrl.(interface{ MainAC() string })
	require.True(t, ok)
	assert.Equal(t, "climate.hallway_ac", withMainAC.MainAC())
}

func TestManager_ReloadFailureKeepsRunningInstance(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)
	ctrl := m.Controller()

	m.opts.ControllerName = "missing"
	cfg := testConfig()
	cfg.MainAC = "climate.other"
	_, err = m.Import(ctx, cfg)
	require.Error(t, err)

	assert.Same(t, ctrl, m.Controller())
	assert.Equal(t, "climate.main_ac", m.Config().MainAC)
}

func TestManager_Unload(t *testing.T) {
	m, host := newTestManager(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, m.Unload(ctx), ErrNotConfigured)

	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Unload(ctx))
	assert.False(t, m.Configured())
	assert.Nil(t, m.Entities())
	require.Len(t, host.removed, 1)
	assert.Equal(t, []string{"living_room", "bedroom"}, keys(host.removed[0]))

	assert.ErrorIs(t, m.Unload(ctx), ErrNotConfigured)

	result, err := m.Import(ctx, testConfig())
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)
}

func TestManager_RenamesLegacyEntityIDs(t *testing.T) {
	client := ha.NewMockClient()
	client.AddRegistryEntry(ha.EntityRegistryEntry{
		EntityID: "climate.living_room",
		UniqueID: "tritonnet_climate_living_room",
		Platform: RegistryPlatform,
	})
	client.AddRegistryEntry(ha.EntityRegistryEntry{
		EntityID: "climate.tritonnet_bedroom",
		UniqueID: "tritonnet_climate_bedroom",
		Platform: RegistryPlatform,
	})
	m, _ := newTestManager(t, client)

	_, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, []ha.EntityIDUpdate{
		{EntityID: "climate.living_room", NewEntityID: "climate.tritonnet_living_room"},
	}, client.GetEntityIDUpdates())
}

func TestManager_KeepsLegacyIDWhenCanonicalTaken(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := ha.NewMockClient()
	client.AddRegistryEntry(ha.EntityRegistryEntry{
		EntityID: "climate.bedroom_2",
		UniqueID: "tritonnet_climate_bedroom",
		Platform: RegistryPlatform,
	})
	client.AddRegistryEntry(ha.EntityRegistryEntry{
		EntityID: "climate.tritonnet_bedroom",
		UniqueID: "something_else",
		Platform: "template",
	})
	client.AddRegistryEntry(ha.EntityRegistryEntry{
		EntityID: "climate.old_living_room",
		UniqueID: "tritonnet_climate_living_room",
		Platform: "template",
	})

	m := NewManager(Options{Host: &fakeHost{}, HA: client, Logger: zap.New(core)})
	_, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)

	assert.Empty(t, client.GetEntityIDUpdates())
	assert.Equal(t, 1, logs.FilterMessage("Canonical entity id is taken, keeping legacy entity id").Len())
}

func TestManager_RegistryFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := ha.NewMockClient()
	client.SetError(ha.MethodListEntityRegistry, errors.New("unauthorized"))

	m := NewManager(Options{Host: &fakeHost{}, HA: client, Logger: zap.New(core)})
	result, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)
	assert.Equal(t, 1, logs.FilterMessage("Could not list entity registry, skipping entity id reconciliation").Len())
}

func TestManager_RenameFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := ha.NewMockClient()
	client.AddRegistryEntry(ha.EntityRegistryEntry{
		EntityID: "climate.living_room",
		UniqueID: "tritonnet_climate_living_room",
		Platform: RegistryPlatform,
	})
	client.SetError(ha.MethodUpdateEntityID, errors.New("denied"))

	m := NewManager(Options{Host: &fakeHost{}, HA: client, Logger: zap.New(core)})
	_, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Failed to rename entity").Len())
}

func TestManager_WarnsAboutMissingReferences(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := ha.NewMockClient()
	client.SetState("climate.main_ac", "off", nil)
	client.SetState("cover.living_room_damper", "closed", nil)

	m := NewManager(Options{Host: &fakeHost{}, HA: client, Logger: zap.New(core)})
	_, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)

	missing := logs.FilterMessage("Configured entity not found in Home Assistant").All()
	require.Len(t, missing, 1)
	assert.Equal(t, "cover.bedroom_damper", missing[0].ContextMap()["entity_id"])
	assert.Equal(t, "bedroom", missing[0].ContextMap()["used_by"])
}

func TestMissingReferences(t *testing.T) {
	cfg := testConfig()
	got := missingReferences(cfg, map[string]bool{"cover.bedroom_damper": true})
	assert.Equal(t, []reference{
		{entityID: "climate.main_ac", usedBy: "main_ac"},
		{entityID: "cover.living_room_damper", usedBy: "living_room"},
	}, got)
}

func TestManager_InstrumentsController(t *testing.T) {
	collector := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, collector.Register(reg))

	m := NewManager(Options{Host: &fakeHost{}, Metrics: collector})
	ctx := context.Background()
	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)

	unwrapper, ok := m.Controller().(interface{ Unwrap() controller.Controller })
	require.True(t, ok)
	assert.Equal(t, "log", unwrapper.Unwrap().Name())

	living, _ := m.Entity("living_room")
	require.NoError(t, living.SetMode(ctx, climate.ModeHeat))

	count, err := testutil.GatherAndCount(reg, "tritonnet_controller_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cfg := testConfig()
	cfg.Rooms = cfg.Rooms[1:]
	_, err = m.Import(ctx, cfg)
	require.NoError(t, err)

	// Only bedroom is left: one series per mode.
	count, err = testutil.GatherAndCount(reg, "tritonnet_room_hvac_mode")
	require.NoError(t, err)
	assert.Equal(t, len(climate.HVACModes), count)
}

func newForwardManager(t *testing.T) (*Manager, *ha.MockClient) {
	t.Helper()
	client := ha.NewMockClient()
	m := NewManager(Options{Host: &fakeHost{}, HA: client, ControllerName: "forward"})
	_, err := m.Import(context.Background(), testConfig())
	require.NoError(t, err)
	return m, client
}

func mainACTurnedOff(client *ha.MockClient) bool {
	for _, c := range client.GetServiceCalls() {
		if c.Domain == "climate" && c.Service == "turn_off" {
			return true
		}
	}
	return false
}

func TestManager_ReloadKeepsControllerWhenCoversChange(t *testing.T) {
	m, client := newForwardManager(t)
	ctx := context.Background()
	ctrl := m.Controller()

	cfg := testConfig()
	cfg.Rooms[1].Cover = "cover.bedroom_vent"
	_, err := m.Import(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, ctrl, m.Controller())

	bedroom, _ := m.Entity("bedroom")
	assert.Same(t, ctrl, bedroom.Controller())

	client.ClearServiceCalls()
	require.NoError(t, bedroom.SetMode(ctx, climate.ModeHeat))
	calls := client.GetServiceCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "open_cover", calls[0].Service)
	assert.Equal(t, "cover.bedroom_vent", calls[0].Data["entity_id"])
}

func TestManager_ReloadKeepsMainACOnForRunningRooms(t *testing.T) {
	m, client := newForwardManager(t)
	ctx := context.Background()

	living, _ := m.Entity("living_room")
	require.NoError(t, living.SetMode(ctx, climate.ModeHeat))
	bedroom, _ := m.Entity("bedroom")
	require.NoError(t, bedroom.SetMode(ctx, climate.ModeCool))

	cfg := testConfig()
	cfg.Rooms = append(cfg.Rooms, config.RoomConfig{Key: "office", Name: "Office", Cover: "cover.office_damper"})
	_, err := m.Import(ctx, cfg)
	require.NoError(t, err)

	client.ClearServiceCalls()
	require.NoError(t, bedroom.TurnOff(ctx))
	assert.False(t, mainACTurnedOff(client), "main AC turned off while living_room heats")

	require.NoError(t, living.TurnOff(ctx))
	assert.True(t, mainACTurnedOff(client))
}

func TestManager_RebuiltControllerKnowsRunningRooms(t *testing.T) {
	m, client := newForwardManager(t)
	ctx := context.Background()

	living, _ := m.Entity("living_room")
	require.NoError(t, living.SetMode(ctx, climate.ModeHeat))
	bedroom, _ := m.Entity("bedroom")
	require.NoError(t, bedroom.SetMode(ctx, climate.ModeHeat))
	old := m.Controller()

	cfg := testConfig()
	cfg.MainAC = "climate.hallway_ac"
	_, err := m.Import(ctx, cfg)
	require.NoError(t, err)
	require.NotSame(t, old, m.Controller())

	client.ClearServiceCalls()
	require.NoError(t, bedroom.TurnOff(ctx))
	assert.False(t, mainACTurnedOff(client), "new controller forgot that living_room heats")
}

func TestManager_ReloadDropsStaleModeOfRebuiltRoom(t *testing.T) {
	m, client := newForwardManager(t)
	ctx := context.Background()

	bedroom, _ := m.Entity("bedroom")
	require.NoError(t, bedroom.SetMode(ctx, climate.ModeHeat))

	// Renaming rebuilds bedroom in its default off state.
	cfg := testConfig()
	cfg.Rooms[1].Name = "Main Bedroom"
	cfg.Rooms = append(cfg.Rooms, config.RoomConfig{Key: "office", Name: "Office", Cover: "cover.office_damper"})
	_, err := m.Import(ctx, cfg)
	require.NoError(t, err)

	living, _ := m.Entity("living_room")
	require.NoError(t, living.SetMode(ctx, climate.ModeCool))
	client.ClearServiceCalls()
	require.NoError(t, living.TurnOff(ctx))
	assert.True(t, mainACTurnedOff(client))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue series
				}
			}
			return metric.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestManager_MetricsFollowEntityLifecycle(t *testing.T) {
	collector := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, collector.Register(reg))

	m := NewManager(Options{Host: &fakeHost{}, Metrics: collector})
	ctx := context.Background()
	_, err := m.Import(ctx, testConfig())
	require.NoError(t, err)

	// Initial state is exported before any command.
	v, ok := gaugeValue(t, reg, "tritonnet_room_hvac_mode", map[string]string{"room": "bedroom", "mode": "off"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
	v, ok = gaugeValue(t, reg, "tritonnet_room_target_temperature", map[string]string{"room": "bedroom", "setpoint": "temperature"})
	require.True(t, ok)
	assert.Equal(t, climate.DefaultTemperature, v)

	bedroom, _ := m.Entity("bedroom")
	require.NoError(t, bedroom.SetTemperature(ctx, climate.TemperatureRequest{HVACMode: climate.ModeHeat, Temperature: float(25)}))
	v, _ = gaugeValue(t, reg, "tritonnet_room_hvac_mode", map[string]string{"room": "bedroom", "mode": "heat"})
	assert.Equal(t, 1.0, v)

	cfg := testConfig()
	cfg.Rooms[1].Name = "Main Bedroom"
	cfg.Rooms = append(cfg.Rooms, config.RoomConfig{Key: "office", Name: "Office", Cover: "cover.office_damper"})
	_, err = m.Import(ctx, cfg)
	require.NoError(t, err)

	// The rebuilt bedroom reports its default state, not the old one.
	v, _ = gaugeValue(t, reg, "tritonnet_room_hvac_mode", map[string]string{"room": "bedroom", "mode": "heat"})
	assert.Equal(t, 0.0, v)
	v, _ = gaugeValue(t, reg, "tritonnet_room_hvac_mode", map[string]string{"room": "bedroom", "mode": "off"})
	assert.Equal(t, 1.0, v)
	v, _ = gaugeValue(t, reg, "tritonnet_room_target_temperature", map[string]string{"room": "bedroom", "setpoint": "temperature"})
	assert.Equal(t, climate.DefaultTemperature, v)

	_, ok = gaugeValue(t, reg, "tritonnet_room_hvac_mode", map[string]string{"room": "office", "mode": "off"})
	assert.True(t, ok)
}
