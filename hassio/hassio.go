package hassio

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/tsunglung/humidifier2mqtt/config"
)

// Topics is the fixed topic layout of one composed humidifier entity
// under the bridge topic prefix.
type Topics struct {
	State                 string
	Command               string
	TargetHumidityState   string
	TargetHumidityCommand string
	CurrentHumidity       string
	ModeState             string
	ModeCommand           string
	Action                string
	Availability          string
}

// EntityTopics lays out the state and command topics for one entity.
func EntityTopics(prefix string, uniqueId string) Topics {
	base := fmt.Sprintf("%s/%s", prefix, uniqueId)
	return Topics{
		State:                 base + "/state",
		Command:               base + "/set",
		TargetHumidityState:   base + "/target_humidity/state",
		TargetHumidityCommand: base + "/target_humidity/set",
		CurrentHumidity:       base + "/current_humidity",
		ModeState:             base + "/mode/state",
		ModeCommand:           base + "/mode/set",
		Action:                base + "/action",
		Availability:          base + "/availability",
	}
}

// DiscoveryMessage is the humidifier discovery payload sent to Home
// Assistant. Optional capability topics are present if and only if the
// corresponding template or action is configured.
type DiscoveryMessage struct {
	Name                  string   `json:"name"`
	UniqueID              string   `json:"unique_id"`
	DeviceClass           string   `json:"device_class"`
	StateTopic            string   `json:"state_topic"`
	CommandTopic          string   `json:"command_topic"`
	TargetHumidityState   string   `json:"target_humidity_state_topic,omitempty"`
	TargetHumidityCommand string   `json:"target_humidity_command_topic,omitempty"`
	CurrentHumidityTopic  string   `json:"current_humidity_topic,omitempty"`
	ModeStateTopic        string   `json:"mode_state_topic,omitempty"`
	ModeCommandTopic      string   `json:"mode_command_topic,omitempty"`
	Modes                 []string `json:"modes,omitempty"`
	ActionTopic           string   `json:"action_topic,omitempty"`
	MinHumidity           float64  `json:"min_humidity"`
	MaxHumidity           float64  `json:"max_humidity"`
	AvailabilityTopic     string   `json:"availability_topic"`
	Device                *Device  `json:"device,omitempty"`
}

// Device represents the device registry information for Home Assistant.
type Device struct {
	Identifiers      []string   `json:"identifiers,omitempty"`
	Connections      [][]string `json:"connections,omitempty"`
	Name             string     `json:"name,omitempty"`
	SWVersion        string     `json:"sw_version,omitempty"`
	HWVersion        string     `json:"hw_version,omitempty"`
	SerialNumber     string     `json:"serial_number,omitempty"`
	Model            string     `json:"model,omitempty"`
	Manufacturer     string     `json:"manufacturer,omitempty"`
	ViaDevice        string     `json:"via_device,omitempty"`
	SuggestedArea    string     `json:"suggested_area,omitempty"`
	ConfigurationURL string     `json:"configuration_url,omitempty"`
}

// NewDiscoveryMessage builds the announcement for one configured
// humidifier, applying the capability presence rule.
func NewDiscoveryMessage(h *config.Humidifier, topics Topics, bridgeAvailability string) DiscoveryMessage {
	message := DiscoveryMessage{
		Name:              h.Name,
		UniqueID:          h.UniqueId,
		DeviceClass:       h.Type,
		StateTopic:        topics.State,
		CommandTopic:      topics.Command,
		MinHumidity:       h.MinHumidity,
		MaxHumidity:       h.MaxHumidity,
		AvailabilityTopic: bridgeAvailability,
		Device:            deviceFromConfig(h.Device),
	}
	if h.AvailabilityTemplate != "" {
		message.AvailabilityTopic = topics.Availability
	}
	if h.HasTargetHumidityCapability() {
		message.TargetHumidityState = topics.TargetHumidityState
		message.TargetHumidityCommand = topics.TargetHumidityCommand
	}
	if h.CurrentHumidityTemplate != "" {
		message.CurrentHumidityTopic = topics.CurrentHumidity
	}
	if h.HasModeCapability() {
		message.ModeStateTopic = topics.ModeState
		message.ModeCommandTopic = topics.ModeCommand
		message.Modes = h.Modes
	}
	if h.ActionTemplate != "" {
		message.ActionTopic = topics.Action
	}
	return message
}

func deviceFromConfig(info *config.DeviceInfo) *Device {
	if info == nil {
		return nil
	}
	return &Device{
		Identifiers:      info.Identifiers,
		Connections:      info.Connections,
		Name:             info.Name,
		SWVersion:        info.SwVersion,
		HWVersion:        info.HwVersion,
		SerialNumber:     info.SerialNumber,
		Model:            info.Model,
		Manufacturer:     info.Manufacturer,
		ViaDevice:        info.ViaDevice,
		SuggestedArea:    info.SuggestedArea,
		ConfigurationURL: info.ConfigurationUrl,
	}
}

func (hassioClient *Client) sendMessage(topic string, payload interface{}) (err error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "failed to serialize payload to %s", topic)
	}
	return hassioClient.Publish(topic, 0, true, string(payloadBytes))
}

// SendAvailability marks the bridge online.
func (hassioClient *Client) SendAvailability() (err error) {
	err = hassioClient.Publish(hassioClient.AvailabilityTopic(), 0, true, "online")
	if err != nil {
		return eris.Wrap(err, "failed to send availability message")
	}
	return
}

// SendConfigurationData announces every composed entity to Home
// Assistant's discovery prefix.
func (hassioClient *Client) SendConfigurationData() (err error) {
	for uniqueId, message := range hassioClient.Discovery {
		topic := fmt.Sprintf("%s/humidifier/%s/config", hassioClient.discoveryPrefix, uniqueId)
		if err = hassioClient.sendMessage(topic, message); err != nil {
			return
		}
	}
	return nil
}

// SubscribeToHomeAssistantStatus re-announces availability and discovery
// whenever Home Assistant restarts, then asks the caller to republish
// entity state.
func (hassioClient *Client) SubscribeToHomeAssistantStatus(onOnline func()) (err error) {
	err = hassioClient.Subscribe(fmt.Sprintf("%s/status", hassioClient.discoveryPrefix), func(_ string, payload string) {
		if payload != "online" {
			return
		}
		if err := hassioClient.SendAvailability(); err != nil {
			logger().Error().Err(err).Msg("Failed to send availability")
		}
		if err := hassioClient.SendConfigurationData(); err != nil {
			logger().Error().Err(err).Msg("Failed to send discovery data")
		}
		if onOnline != nil {
			onOnline()
		}
	})
	if err != nil {
		return eris.Wrap(err, "couldn't subscribe to Home Assistant status")
	}
	return
}
