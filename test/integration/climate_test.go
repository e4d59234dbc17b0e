package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"tritonnet/internal/climate"
	"tritonnet/internal/config"
	_ "tritonnet/internal/controllers"
	"tritonnet/internal/ha"
	"tritonnet/internal/ha/hatest"
	"tritonnet/internal/integration"
	"tritonnet/internal/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "test_token_12345"

const climateYAML = `
tritonnet_climate:
  main_ac: climate.main_ac
  rooms:
    living_room:
      name: Living Room
      cover: cover.living_room_damper
    bedroom:
      name: Bedroom
      cover: cover.bedroom_damper
`

// memoryBroker keeps the last retained payload per topic
type memoryBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     map[string]bool
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{retained: make(map[string][]byte), subs: make(map[string]bool)}
}

func (b *memoryBroker) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retain {
		b.retained[topic] = append([]byte(nil), payload...)
	}
	return nil
}

func (b *memoryBroker) Subscribe(_ context.Context, filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[filter] = true
	return nil
}

func (b *memoryBroker) Unsubscribe(_ context.Context, filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, filter)
	return nil
}

func (b *memoryBroker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

func (b *memoryBroker) Subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[filter]
}

type harness struct {
	server  *hatest.Server
	client  *ha.Client
	broker  *memoryBroker
	bridge  *mqtt.Bridge
	manager *integration.Manager
}

func setupTest(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	server := hatest.NewServer(testToken)
	server.SetTemperatureUnit("°F")
	server.SetState("climate.main_ac", "off", nil)
	server.SetState("cover.living_room_damper", "closed", nil)
	server.SetState("cover.bedroom_damper", "closed", nil)
	server.AddRegistryEntry("climate.living_room", "tritonnet_climate_living_room", "mqtt")

	client := ha.NewClient(server.URL(), testToken, logger)
	require.NoError(t, client.Connect(context.Background()))

	broker := newMemoryBroker()
	bridge := mqtt.NewBridge(broker, config.DefaultDiscoveryPrefix, mqtt.NewDeviceInfo("test"), logger)
	manager := integration.NewManager(integration.Options{
		Host:           bridge,
		HA:             client,
		ControllerName: "forward",
		Logger:         logger,
	})

	t.Cleanup(func() {
		client.Disconnect()
		server.Close()
	})

	return &harness{server: server, client: client, broker: broker, bridge: bridge, manager: manager}
}

func (h *harness) importYAML(t *testing.T, doc string) integration.Result {
	t.Helper()
	cfg, err := config.ParseClimate([]byte(doc))
	require.NoError(t, err)
	result, err := h.manager.Import(context.Background(), cfg)
	require.NoError(t, err)
	return result
}

func (h *harness) state(t *testing.T, room string) climate.Snapshot {
	t.Helper()
	payload, ok := h.broker.Retained(mqtt.StateTopic(room))
	require.True(t, ok, "no retained state for %s", room)
	var snap climate.Snapshot
	require.NoError(t, json.Unmarshal(payload, &snap))
	return snap
}

func TestClimateSetup(t *testing.T) {
	h := setupTest(t)
	assert.Equal(t, integration.ResultCreated, h.importYAML(t, climateYAML))

	t.Run("discovery", func(t *testing.T) {
		for _, room := range []string{"living_room", "bedroom"} {
			payload, ok := h.broker.Retained(mqtt.DiscoveryTopic(config.DefaultDiscoveryPrefix, room))
			require.True(t, ok, room)

			var cfg mqtt.ClimateConfig
			require.NoError(t, json.Unmarshal(payload, &cfg))
			assert.Equal(t, climate.UniqueID(room), cfg.UniqueID)
			assert.Equal(t, "F", cfg.TemperatureUnit)
			assert.Equal(t, []string{climate.DeviceID}, cfg.Device.Identifiers)
			assert.True(t, h.broker.Subscribed(mqtt.CommandFilter(room)))
		}
	})

	t.Run("legacy entity id renamed", func(t *testing.T) {
		assert.Nil(t, h.server.RegistryEntry("climate.living_room"))
		entry := h.server.RegistryEntry("climate.tritonnet_living_room")
		require.NotNil(t, entry)
		assert.Equal(t, "tritonnet_climate_living_room", entry.UniqueID)
	})

	t.Run("second import", func(t *testing.T) {
		assert.Equal(t, integration.ResultAlreadyConfigured, h.importYAML(t, climateYAML))
		assert.Len(t, h.bridge.Entities(), 2)
	})
}

func TestClimateCommandsReachHomeAssistant(t *testing.T) {
	h := setupTest(t)
	h.importYAML(t, climateYAML)
	ctx := context.Background()

	h.bridge.HandleMessage(ctx, mqtt.CommandTopic("living_room", mqtt.CommandMode), []byte("cool"))

	snap := h.state(t, "living_room")
	assert.Equal(t, climate.ModeCool, snap.HVACMode)
	require.NotNil(t, snap.Temperature)
	assert.Equal(t, climate.DefaultTemperature, *snap.Temperature)

	calls := h.server.GetServiceCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "cover", calls[0].Domain)
	assert.Equal(t, "open_cover", calls[0].Service)
	assert.Equal(t, "cover.living_room_damper", calls[0].ServiceData["entity_id"])
	assert.Equal(t, "open", h.server.GetState("cover.living_room_damper").State)

	services := make([]string, 0, len(calls))
	for _, c := range calls {
		services = append(services, c.Domain+"."+c.Service)
	}
	assert.Equal(t, []string{
		"cover.open_cover",
		"climate.set_hvac_mode",
		"climate.set_temperature",
		"climate.set_fan_mode",
		"climate.set_swing_mode",
	}, services)

	h.bridge.HandleMessage(ctx, mqtt.CommandTopic("living_room", mqtt.CommandPower), []byte("OFF"))
	assert.Equal(t, climate.ModeOff, h.state(t, "living_room").HVACMode)
	assert.Equal(t, "closed", h.server.GetState("cover.living_room_damper").State)

	calls = h.server.GetServiceCalls()
	last := calls[len(calls)-1]
	assert.Equal(t, "climate", last.Domain)
	assert.Equal(t, "turn_off", last.Service)
}

func TestClimateUnsupportedValueLeavesStateAlone(t *testing.T) {
	h := setupTest(t)
	h.importYAML(t, climateYAML)
	ctx := context.Background()

	h.bridge.HandleMessage(ctx, mqtt.CommandTopic("bedroom", mqtt.CommandFanMode), []byte("high"))
	before := len(h.server.GetServiceCalls())
	assert.Equal(t, climate.FanHigh, h.state(t, "bedroom").FanMode)

	h.bridge.HandleMessage(ctx, mqtt.CommandTopic("bedroom", mqtt.CommandFanMode), []byte("turbo"))
	assert.Equal(t, climate.FanHigh, h.state(t, "bedroom").FanMode)
	assert.Len(t, h.server.GetServiceCalls(), before)
}

func TestClimateReloadRemovesRoom(t *testing.T) {
	h := setupTest(t)
	h.importYAML(t, climateYAML)
	ctx := context.Background()

	h.bridge.HandleMessage(ctx, mqtt.CommandTopic("living_room", mqtt.CommandMode), []byte("heat"))

	result := h.importYAML(t, `
tritonnet_climate:
  main_ac: climate.main_ac
  rooms:
    living_room:
      name: Living Room
      cover: cover.living_room_damper
`)
	assert.Equal(t, integration.ResultAlreadyConfigured, result)

	payload, ok := h.broker.Retained(mqtt.DiscoveryTopic(config.DefaultDiscoveryPrefix, "bedroom"))
	require.True(t, ok)
	assert.Empty(t, payload)
	assert.False(t, h.broker.Subscribed(mqtt.CommandFilter("bedroom")))

	entities := h.bridge.Entities()
	require.Len(t, entities, 1)
	assert.Equal(t, climate.ModeHeat, entities[0].HVACMode())
}
