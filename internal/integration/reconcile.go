package integration

import (
	"context"

	"tritonnet/internal/climate"
	"tritonnet/internal/config"

	"go.uber.org/zap"
)

// RegistryPlatform is the platform Home Assistant files MQTT-discovered
// entities under.
const RegistryPlatform = "mqtt"

// reconcileEntityIDs renames registry entries that carry a room's unique id
// under a legacy entity id. A canonical id already taken by another entity
// is left alone.
func (m *Manager) reconcileEntityIDs(ctx context.Context, entities []*climate.Entity) {
	if m.opts.HA == nil || len(entities) == 0 {
		return
	}

	entries, err := m.opts.HA.ListEntityRegistry(ctx)
	if err != nil {
		m.logger.Warn("Could not list entity registry, skipping entity id reconciliation", zap.Error(err))
		return
	}

	byUniqueID := make(map[string]string)
	registered := make(map[string]bool, len(entries))
	for _, entry := range entries {
		registered[entry.EntityID] = true
		if entry.Platform == RegistryPlatform && entry.UniqueID != "" {
			byUniqueID[entry.UniqueID] = entry.EntityID
		}
	}

	for _, e := range entities {
		current, ok := byUniqueID[e.UniqueID()]
		canonical := e.EntityID()
		if !ok || current == canonical {
			continue
		}

		logger := m.logger.With(
			zap.String("room", e.Key()),
			zap.String("entity_id", current),
			zap.String("canonical_entity_id", canonical))

		if registered[canonical] {
			logger.Warn("Canonical entity id is taken, keeping legacy entity id")
			continue
		}

		if err := m.opts.HA.UpdateEntityID(ctx, current, canonical); err != nil {
			logger.Warn("Failed to rename entity", zap.Error(err))
			continue
		}

		delete(registered, current)
		registered[canonical] = true
		logger.Info("Renamed entity to canonical id")
	}
}

// checkReferences warns about configured entity ids Home Assistant does not
// know.
func (m *Manager) checkReferences(ctx context.Context, cfg *config.ClimateConfig) {
	if m.opts.HA == nil {
		return
	}

	states, err := m.opts.HA.GetAllStates(ctx)
	if err != nil {
		m.logger.Warn("Could not read Home Assistant states, skipping reference check", zap.Error(err))
		return
	}

	known := make(map[string]bool, len(states))
	for _, s := range states {
		known[s.EntityID] = true
	}

	for _, missing := range missingReferences(cfg, known) {
		m.logger.Warn("Configured entity not found in Home Assistant",
			zap.String("entity_id", missing.entityID),
			zap.String("used_by", missing.usedBy))
	}
}

type reference struct {
	entityID string
	usedBy   string
}

func missingReferences(cfg *config.ClimateConfig, known map[string]bool) []reference {
	var missing []reference
	if !known[cfg.MainAC] {
		missing = append(missing, reference{entityID: cfg.MainAC, usedBy: "main_ac"})
	}
	for _, room := range cfg.Rooms {
		if room.Cover != "" && !known[room.Cover] {
			missing = append(missing, reference{entityID: room.Cover, usedBy: room.Key})
		}
	}
	return missing
}
