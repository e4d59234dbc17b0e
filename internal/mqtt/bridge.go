package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tritonnet/internal/climate"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CommandTimeout bounds the handling of one command from Home Assistant.
const CommandTimeout = 15 * time.Second

// Broker is the part of a broker connection the bridge uses.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Subscribe(ctx context.Context, filter string) error
	Unsubscribe(ctx context.Context, filter string) error
}

// Bridge registers room entities with Home Assistant and routes commands
// from their command topics to them. It implements climate.Publisher.
type Bridge struct {
	broker Broker
	prefix string
	device DeviceInfo
	logger *zap.Logger

	mu       sync.RWMutex
	entities map[string]*climate.Entity
	order    []string
}

// NewBridge creates a bridge publishing discovery under prefix.
func NewBridge(broker Broker, prefix string, device DeviceInfo, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		broker:   broker,
		prefix:   prefix,
		device:   device,
		logger:   logger.Named("bridge"),
		entities: make(map[string]*climate.Entity),
	}
}

// Entities returns the registered entities in registration order.
func (b *Bridge) Entities() []*climate.Entity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*climate.Entity, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.entities[key])
	}
	return out
}

// PublishState publishes snap as the retained state of its room.
func (b *Bridge) PublishState(ctx context.Context, snap climate.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state of room %s: %w", snap.RoomKey, err)
	}
	return b.broker.Publish(ctx, StateTopic(snap.RoomKey), payload, true)
}

// AddEntities announces every entity to Home Assistant, subscribes to its
// commands and publishes its current state. An entity already registered
// under the same room key is replaced. Broker failures are returned
// together after every entity was processed.
func (b *Bridge) AddEntities(ctx context.Context, entities []*climate.Entity) error {
	var errs error
	for _, e := range entities {
		b.mu.Lock()
		if old, ok := b.entities[e.Key()]; ok && old != e {
			old.Detach()
		} else if !ok {
			b.order = append(b.order, e.Key())
		}
		b.entities[e.Key()] = e
		b.mu.Unlock()

		e.Attach(b)
		errs = multierr.Append(errs, b.announce(ctx, e))

		b.logger.Info("Room entity registered",
			zap.String("room", e.Key()),
			zap.String("entity_id", e.EntityID()))
	}
	return errs
}

// RemoveEntities withdraws every entity from Home Assistant.
func (b *Bridge) RemoveEntities(ctx context.Context, entities []*climate.Entity) error {
	var errs error
	for _, e := range entities {
		key := e.Key()

		b.mu.Lock()
		if current, ok := b.entities[key]; ok && current == e {
			delete(b.entities, key)
			for i, k := range b.order {
				if k == key {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()

		e.Detach()
		errs = multierr.Append(errs, b.broker.Unsubscribe(ctx, CommandFilter(key)))
		errs = multierr.Append(errs, b.broker.Publish(ctx, DiscoveryTopic(b.prefix, key), nil, true))
		errs = multierr.Append(errs, b.broker.Publish(ctx, StateTopic(key), nil, true))

		b.logger.Info("Room entity removed", zap.String("room", key))
	}
	return errs
}

// Republish re-announces every entity. The connection calls it after
// every (re-)connect.
func (b *Bridge) Republish(ctx context.Context) {
	for _, e := range b.Entities() {
		if err := b.announce(ctx, e); err != nil {
			b.logger.Warn("Failed to republish room entity",
				zap.String("room", e.Key()),
				zap.Error(err))
		}
	}
}

func (b *Bridge) announce(ctx context.Context, e *climate.Entity) error {
	payload, err := json.Marshal(NewClimateConfig(e.Room(), e.Unit(), b.device))
	if err != nil {
		return fmt.Errorf("marshal discovery of room %s: %w", e.Key(), err)
	}

	var errs error
	errs = multierr.Append(errs, b.broker.Publish(ctx, DiscoveryTopic(b.prefix, e.Key()), payload, true))
	errs = multierr.Append(errs, b.broker.Subscribe(ctx, CommandFilter(e.Key())))
	errs = multierr.Append(errs, b.PublishState(ctx, e.Snapshot()))
	return errs
}

// HandleMessage applies a command received on a room's command topic.
// Malformed commands are logged and dropped.
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) {
	roomKey, field, ok := parseCommandTopic(topic)
	if !ok {
		b.logger.Debug("Ignoring message on unexpected topic", zap.String("topic", topic))
		return
	}

	b.mu.RLock()
	e, ok := b.entities[roomKey]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debug("Ignoring command for unknown room",
			zap.String("room", roomKey),
			zap.String("topic", topic))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	value := strings.TrimSpace(string(payload))
	if err := b.apply(ctx, e, field, value); err != nil {
		b.logger.Warn("Command failed",
			zap.String("room", roomKey),
			zap.String("command", field),
			zap.String("value", value),
			zap.Error(err))
	}
}

func (b *Bridge) apply(ctx context.Context, e *climate.Entity, field, value string) error {
	switch field {
	case CommandMode:
		return e.SetMode(ctx, climate.HVACMode(value))
	case CommandTemperature, CommandTemperatureLow, CommandTemperatureHigh:
		t, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid temperature %q", value)
		}
		var req climate.TemperatureRequest
		switch field {
		case CommandTemperature:
			req.Temperature = &t
		case CommandTemperatureLow:
			req.TargetLow = &t
		default:
			req.TargetHigh = &t
		}
		return e.SetTemperature(ctx, req)
	case CommandFanMode:
		return e.SetFanMode(ctx, value)
	case CommandPresetMode:
		return e.SetPresetMode(ctx, value)
	case CommandSwingMode:
		return e.SetSwingMode(ctx, value)
	case CommandPower:
		switch strings.ToUpper(value) {
		case "ON":
			return e.TurnOn(ctx)
		case "OFF":
			return e.TurnOff(ctx)
		}
		return fmt.Errorf("invalid power payload %q", value)
	}
	return fmt.Errorf("unknown command %q", field)
}

// parseCommandTopic splits "tritonnet/climate/<room>/set/<field>".
func parseCommandTopic(topic string) (roomKey, field string, ok bool) {
	rest, found := strings.CutPrefix(topic, BaseTopic+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "set" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}
