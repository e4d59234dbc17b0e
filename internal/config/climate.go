// Package config loads the room configuration file and the process
// settings taken from the environment.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// SectionKey is the top-level key holding the climate configuration.
const SectionKey = "tritonnet_climate"

var (
	// ErrMissingSection is returned when the file has no SectionKey block.
	ErrMissingSection = errors.New("missing " + SectionKey + " section")

	slugPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)
)

// RoomConfig is one entry of the rooms mapping.
type RoomConfig struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Cover string `json:"cover"`
}

// ClimateConfig is the validated climate section. Rooms keep file order.
type ClimateConfig struct {
	MainAC string       `json:"main_ac"`
	Rooms  []RoomConfig `json:"rooms"`
}

// Room returns the room with key, if configured.
func (c *ClimateConfig) Room(key string) (RoomConfig, bool) {
	for _, r := range c.Rooms {
		if r.Key == key {
			return r, true
		}
	}
	return RoomConfig{}, false
}

// Covers maps every room key to its cover entity id.
func (c *ClimateConfig) Covers() map[string]string {
	covers := make(map[string]string, len(c.Rooms))
	for _, r := range c.Rooms {
		covers[r.Key] = r.Cover
	}
	return covers
}

// IsSlug reports whether s is a valid room key.
func IsSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// IsEntityID reports whether s is a valid "domain.object_id".
func IsEntityID(s string) bool {
	domain, object, ok := strings.Cut(s, ".")
	return ok && IsSlug(domain) && IsSlug(object)
}

// ParseClimate decodes and validates the climate section of a YAML
// document. Every validation problem is reported in the returned error.
func ParseClimate(data []byte) (*ClimateConfig, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, ErrMissingSection
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping at the top level")
	}

	// Other integrations' keys may share the file
	section := lookup(root, SectionKey)
	if section == nil {
		return nil, ErrMissingSection
	}

	return parseSection(section)
}

func parseSection(node *yaml.Node) (*ClimateConfig, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: expected a mapping", SectionKey)
	}

	cfg := &ClimateConfig{}
	var errs error
	seenMainAC, seenRooms := false, false

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "main_ac":
			seenMainAC = true
			id, err := entityID(value)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.main_ac: %w", SectionKey, err))
				continue
			}
			cfg.MainAC = id
		case "rooms":
			seenRooms = true
			rooms, err := parseRooms(value)
			errs = multierr.Append(errs, err)
			cfg.Rooms = rooms
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: extra key %q not allowed", SectionKey, key))
		}
	}

	if !seenMainAC {
		errs = multierr.Append(errs, fmt.Errorf("%s: required key main_ac missing", SectionKey))
	}
	if !seenRooms {
		errs = multierr.Append(errs, fmt.Errorf("%s: required key rooms missing", SectionKey))
	}

	if errs != nil {
		return nil, errs
	}
	return cfg, nil
}

func parseRooms(node *yaml.Node) ([]RoomConfig, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s.rooms: expected a mapping", SectionKey)
	}

	var (
		rooms []RoomConfig
		errs  error
	)
	seen := make(map[string]bool)

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		path := fmt.Sprintf("%s.rooms.%s", SectionKey, key)

		if !IsSlug(key) {
			errs = multierr.Append(errs, fmt.Errorf("%s: room key must be a slug", path))
			continue
		}
		if seen[key] {
			errs = multierr.Append(errs, fmt.Errorf("%s: duplicate room", path))
			continue
		}
		seen[key] = true

		room, err := parseRoom(key, path, node.Content[i+1])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, errs
}

func parseRoom(key, path string, node *yaml.Node) (RoomConfig, error) {
	if node.Kind != yaml.MappingNode {
		return RoomConfig{}, fmt.Errorf("%s: expected a mapping", path)
	}

	room := RoomConfig{Key: key}
	var errs error
	seenName, seenCover := false, false

	for i := 0; i+1 < len(node.Content); i += 2 {
		field, value := node.Content[i].Value, node.Content[i+1]
		switch field {
		case "name":
			seenName = true
			if value.Kind != yaml.ScalarNode || value.Tag == "!!null" || strings.TrimSpace(value.Value) == "" {
				errs = multierr.Append(errs, fmt.Errorf("%s.name: expected a non-empty string", path))
				continue
			}
			room.Name = value.Value
		case "cover":
			seenCover = true
			id, err := entityID(value)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s.cover: %w", path, err))
				continue
			}
			room.Cover = id
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: extra key %q not allowed", path, field))
		}
	}

	if !seenName {
		errs = multierr.Append(errs, fmt.Errorf("%s: required key name missing", path))
	}
	if !seenCover {
		errs = multierr.Append(errs, fmt.Errorf("%s: required key cover missing", path))
	}
	return room, errs
}

// entityID validates a scalar as an entity id, lowercasing it first.
func entityID(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode || node.Tag == "!!null" {
		return "", fmt.Errorf("expected an entity id")
	}
	id := strings.ToLower(strings.TrimSpace(node.Value))
	if !IsEntityID(id) {
		return "", fmt.Errorf("invalid entity id %q", node.Value)
	}
	return id, nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
