package config

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// Defaults for optional settings.
const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultConfigFile      = "config/tritonnet.yaml"
	DefaultAPIPort         = 8081
	DefaultController      = "log"
)

// Settings are the process settings read from the environment.
type Settings struct {
	HAURL           string
	HAToken         string
	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	DiscoveryPrefix string
	ConfigFile      string
	APIPort         int
	Controller      string
	ReadOnly        bool
}

// HAEnabled reports whether a Home Assistant connection is configured.
func (s *Settings) HAEnabled() bool {
	return s.HAURL != "" && s.HAToken != ""
}

// SettingsFromEnv builds Settings from getenv, typically os.Getenv.
func SettingsFromEnv(getenv func(string) string) (*Settings, error) {
	s := &Settings{
		HAURL:           getenv("HA_URL"),
		HAToken:         getenv("HA_TOKEN"),
		MQTTBroker:      getenv("MQTT_BROKER"),
		MQTTUsername:    getenv("MQTT_USERNAME"),
		MQTTPassword:    getenv("MQTT_PASSWORD"),
		DiscoveryPrefix: withDefault(getenv("MQTT_DISCOVERY_PREFIX"), DefaultDiscoveryPrefix),
		ConfigFile:      withDefault(getenv("CONFIG_FILE"), DefaultConfigFile),
		APIPort:         DefaultAPIPort,
		Controller:      withDefault(getenv("CONTROLLER"), DefaultController),
		ReadOnly:        getenv("READ_ONLY") == "true",
	}

	var errs error
	if s.MQTTBroker == "" {
		errs = multierr.Append(errs, fmt.Errorf("MQTT_BROKER must be set"))
	}
	if (s.HAURL == "") != (s.HAToken == "") {
		errs = multierr.Append(errs, fmt.Errorf("HA_URL and HA_TOKEN must be set together"))
	}
	if raw := getenv("API_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			errs = multierr.Append(errs, fmt.Errorf("API_PORT must be a port number, got %q", raw))
		} else {
			s.APIPort = port
		}
	}
	s.DiscoveryPrefix = strings.TrimSuffix(s.DiscoveryPrefix, "/")

	if errs != nil {
		return nil, errs
	}
	return s, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
