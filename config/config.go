// Package config loads and validates the bridge configuration. A single
// YAML (or JSON) file describes the MQTT connection and every humidifier
// to compose; invalid configuration is rejected whole at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tsunglung/humidifier2mqtt/templates"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName        = "Template humidifier"
	DefaultMinHumidity = 40
	DefaultMaxHumidity = 70

	TypeHumidifier   = "humidifier"
	TypeDehumidifier = "dehumidifier"
)

// DefaultModes is the mode vocabulary a configured mode list must be a
// subset of. It is also announced verbatim when a device has the mode
// capability but no explicit list.
var DefaultModes = []string{"auto", "off", "comfort", "config", "dry", "smart"}

// Config is the root YAML structure.
type Config struct {
	Mqtt struct {
		Url             string `yaml:"url" json:"url"`
		TopicPrefix     string `yaml:"topicPrefix" json:"topicPrefix"`
		DiscoveryPrefix string `yaml:"discoveryPrefix" json:"discoveryPrefix"`
	} `yaml:"mqtt" json:"mqtt"`
	Humidifiers []Humidifier `yaml:"humidifiers" json:"humidifiers"`
}

// Humidifier describes one device to compose out of templates and
// actions. Key naming follows Home Assistant's YAML conventions.
type Humidifier struct {
	Name        string   `yaml:"name" json:"name"`
	UniqueId    string   `yaml:"unique_id" json:"unique_id"`
	Type        string   `yaml:"type" json:"type"`
	MinHumidity float64  `yaml:"min_humidity" json:"min_humidity"`
	MaxHumidity float64  `yaml:"max_humidity" json:"max_humidity"`
	Modes       []string `yaml:"modes" json:"modes"`

	StateTemplate           string `yaml:"state_template" json:"state_template"`
	CurrentHumidityTemplate string `yaml:"current_humidity_template" json:"current_humidity_template"`
	TargetHumidityTemplate  string `yaml:"target_humidity_template" json:"target_humidity_template"`
	ModeTemplate            string `yaml:"mode_template" json:"mode_template"`
	ActionTemplate          string `yaml:"action_template" json:"action_template"`
	AvailabilityTemplate    string `yaml:"availability_template" json:"availability_template"`

	SetTargetHumidityAction []ActionStep `yaml:"set_target_humidity_action" json:"set_target_humidity_action"`
	SetModeAction           []ActionStep `yaml:"set_mode_action" json:"set_mode_action"`

	// SwitchTopic receives ON/OFF when the entity is turned on or off.
	SwitchTopic string `yaml:"switch_topic" json:"switch_topic"`

	Device *DeviceInfo `yaml:"device" json:"device"`
}

// ActionStep is one step of an action sequence: exactly one of Publish
// or Delay.
type ActionStep struct {
	Publish *PublishStep `yaml:"publish" json:"publish"`
	Delay   string       `yaml:"delay" json:"delay"`
}

type PublishStep struct {
	Topic   string `yaml:"topic" json:"topic"`
	Payload string `yaml:"payload" json:"payload"`
	Qos     byte   `yaml:"qos" json:"qos"`
	Retain  bool   `yaml:"retain" json:"retain"`
}

// DeviceInfo mirrors the Home Assistant device registry block.
type DeviceInfo struct {
	Identifiers      []string   `yaml:"identifiers" json:"identifiers"`
	Connections      [][]string `yaml:"connections" json:"connections"`
	Manufacturer     string     `yaml:"manufacturer" json:"manufacturer"`
	Model            string     `yaml:"model" json:"model"`
	Name             string     `yaml:"name" json:"name"`
	HwVersion        string     `yaml:"hw_version" json:"hw_version"`
	SerialNumber     string     `yaml:"serial_number" json:"serial_number"`
	SwVersion        string     `yaml:"sw_version" json:"sw_version"`
	ViaDevice        string     `yaml:"via_device" json:"via_device"`
	SuggestedArea    string     `yaml:"suggested_area" json:"suggested_area"`
	ConfigurationUrl string     `yaml:"configuration_url" json:"configuration_url"`
}

// Load reads, parses, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read configuration file")
	}

	var config Config
	if strings.HasSuffix(path, "yaml") || strings.HasSuffix(path, "yml") {
		err = yaml.Unmarshal(data, &config)
	} else if strings.HasSuffix(path, "json") {
		err = json.Unmarshal(data, &config)
	} else {
		err = fmt.Errorf("unknown file extension: %s", path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse configuration file")
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (config *Config) applyDefaults() {
	if config.Mqtt.TopicPrefix == "" {
		config.Mqtt.TopicPrefix = "humidifier2mqtt"
	}
	if config.Mqtt.DiscoveryPrefix == "" {
		config.Mqtt.DiscoveryPrefix = "homeassistant"
	}
	for i := range config.Humidifiers {
		config.Humidifiers[i].applyDefaults()
	}
}

func (h *Humidifier) applyDefaults() {
	if h.Name == "" {
		h.Name = DefaultName
	}
	if h.UniqueId == "" {
		h.UniqueId = "template_humidifier_" + strings.ReplaceAll(strings.ToLower(h.Name), " ", "_")
	}
	if h.Type == "" {
		h.Type = TypeDehumidifier
	}
	if h.MinHumidity == 0 {
		h.MinHumidity = DefaultMinHumidity
	}
	if h.MaxHumidity == 0 {
		h.MaxHumidity = DefaultMaxHumidity
	}
	if len(h.Modes) == 0 && h.HasModeCapability() {
		h.Modes = slices.Clone(DefaultModes)
	}
}

// Validate rejects the configuration with a descriptive error; no
// device is created from a config that fails any check.
func (config *Config) Validate() error {
	if config.Mqtt.Url == "" {
		return eris.New("mqtt.url is required")
	}
	if len(config.Humidifiers) == 0 {
		return eris.New("at least one humidifier must be configured")
	}
	seen := map[string]bool{}
	for i := range config.Humidifiers {
		h := &config.Humidifiers[i]
		if err := h.validate(); err != nil {
			return eris.Wrapf(err, "humidifier %q", h.Name)
		}
		if seen[h.UniqueId] {
			return eris.Errorf("humidifier %q: duplicate uniqueId %q", h.Name, h.UniqueId)
		}
		seen[h.UniqueId] = true
	}
	return nil
}

func (h *Humidifier) validate() error {
	if h.Type != TypeHumidifier && h.Type != TypeDehumidifier {
		return eris.Errorf("type must be %q or %q, got %q", TypeHumidifier, TypeDehumidifier, h.Type)
	}
	if h.MinHumidity > h.MaxHumidity {
		return eris.Errorf("min_humidity %v must not exceed max_humidity %v", h.MinHumidity, h.MaxHumidity)
	}
	for _, mode := range h.Modes {
		if !slices.Contains(DefaultModes, mode) {
			return eris.Errorf("mode %q is not in the supported set %v", mode, DefaultModes)
		}
	}
	for name, src := range map[string]string{
		"state_template":            h.StateTemplate,
		"current_humidity_template": h.CurrentHumidityTemplate,
		"target_humidity_template":  h.TargetHumidityTemplate,
		"mode_template":             h.ModeTemplate,
		"action_template":           h.ActionTemplate,
		"availability_template":     h.AvailabilityTemplate,
	} {
		if src == "" {
			continue
		}
		if _, err := templates.Parse(src); err != nil {
			return eris.Wrapf(err, "%s", name)
		}
	}
	if err := validateSteps(h.SetTargetHumidityAction); err != nil {
		return eris.Wrap(err, "set_target_humidity_action")
	}
	if err := validateSteps(h.SetModeAction); err != nil {
		return eris.Wrap(err, "set_mode_action")
	}
	if h.Device != nil {
		if len(h.Device.Identifiers) == 0 && len(h.Device.Connections) == 0 {
			return eris.New("device must have at least one identifying value in identifiers and/or connections")
		}
		for _, connection := range h.Device.Connections {
			if len(connection) != 2 {
				return eris.Errorf("device connection must be a [type, value] pair, got %v", connection)
			}
		}
	}
	return nil
}

func validateSteps(steps []ActionStep) error {
	for i, step := range steps {
		switch {
		case step.Publish != nil && step.Delay != "":
			return eris.Errorf("step %d: publish and delay are mutually exclusive", i)
		case step.Publish != nil:
			if step.Publish.Topic == "" {
				return eris.Errorf("step %d: publish.topic is required", i)
			}
			if step.Publish.Qos > 2 {
				return eris.Errorf("step %d: qos must be 0, 1 or 2", i)
			}
			if _, err := templates.Parse(step.Publish.Payload); err != nil {
				return eris.Wrapf(err, "step %d: payload", i)
			}
		case step.Delay != "":
			if _, err := time.ParseDuration(step.Delay); err != nil {
				return eris.Errorf("step %d: invalid delay %q", i, step.Delay)
			}
		default:
			return eris.Errorf("step %d: one of publish or delay is required", i)
		}
	}
	return nil
}

// HasModeCapability reports whether the entity exposes modes: a mode
// template or a set-mode action makes the capability present.
func (h *Humidifier) HasModeCapability() bool {
	return h.ModeTemplate != "" || len(h.SetModeAction) > 0
}

// HasTargetHumidityCapability reports whether the entity exposes a
// settable target humidity.
func (h *Humidifier) HasTargetHumidityCapability() bool {
	return h.TargetHumidityTemplate != "" || len(h.SetTargetHumidityAction) > 0
}
