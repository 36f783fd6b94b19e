package hassio_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsunglung/humidifier2mqtt/config"
	"github.com/tsunglung/humidifier2mqtt/hassio"
)

func TestEntityTopics(t *testing.T) {
	topics := hassio.EntityTopics("humidifier2mqtt", "cellar")
	assert.Equal(t, "humidifier2mqtt/cellar/state", topics.State)
	assert.Equal(t, "humidifier2mqtt/cellar/set", topics.Command)
	assert.Equal(t, "humidifier2mqtt/cellar/target_humidity/state", topics.TargetHumidityState)
	assert.Equal(t, "humidifier2mqtt/cellar/target_humidity/set", topics.TargetHumidityCommand)
	assert.Equal(t, "humidifier2mqtt/cellar/current_humidity", topics.CurrentHumidity)
	assert.Equal(t, "humidifier2mqtt/cellar/mode/state", topics.ModeState)
	assert.Equal(t, "humidifier2mqtt/cellar/mode/set", topics.ModeCommand)
	assert.Equal(t, "humidifier2mqtt/cellar/action", topics.Action)
	assert.Equal(t, "humidifier2mqtt/cellar/availability", topics.Availability)
}

func TestNewDiscoveryMessage_MinimalEntity(t *testing.T) {
	h := &config.Humidifier{
		Name:        "Cellar",
		UniqueId:    "cellar",
		Type:        config.TypeDehumidifier,
		MinHumidity: 40,
		MaxHumidity: 70,
	}
	topics := hassio.EntityTopics("humidifier2mqtt", h.UniqueId)
	message := hassio.NewDiscoveryMessage(h, topics, "humidifier2mqtt/availability")

	assert.Equal(t, "Cellar", message.Name)
	assert.Equal(t, "dehumidifier", message.DeviceClass)
	assert.Equal(t, topics.State, message.StateTopic)
	assert.Equal(t, topics.Command, message.CommandTopic)
	assert.Equal(t, "humidifier2mqtt/availability", message.AvailabilityTopic)

	// No mode template and no set-mode action: the entity exposes no
	// mode capability at all.
	payload, err := json.Marshal(message)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "mode_state_topic")
	assert.NotContains(t, string(payload), "mode_command_topic")
	assert.NotContains(t, string(payload), "target_humidity_command_topic")
	assert.NotContains(t, string(payload), "current_humidity_topic")
	assert.NotContains(t, string(payload), "action_topic")
}

func TestNewDiscoveryMessage_CapabilityPresence(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *config.Humidifier)
		check func(t *testing.T, message hassio.DiscoveryMessage, topics hassio.Topics)
	}{
		{
			name: "mode via template",
			setup: func(h *config.Humidifier) {
				h.ModeTemplate = `{{ state "m" }}`
				h.Modes = []string{"auto", "dry"}
			},
			check: func(t *testing.T, message hassio.DiscoveryMessage, topics hassio.Topics) {
				assert.Equal(t, topics.ModeState, message.ModeStateTopic)
				assert.Equal(t, topics.ModeCommand, message.ModeCommandTopic)
				assert.Equal(t, []string{"auto", "dry"}, message.Modes)
			},
		},
		{
			name: "mode via action only",
			setup: func(h *config.Humidifier) {
				h.SetModeAction = []config.ActionStep{{Publish: &config.PublishStep{Topic: "t", Payload: "x"}}}
				h.Modes = []string{"auto"}
			},
			check: func(t *testing.T, message hassio.DiscoveryMessage, topics hassio.Topics) {
				assert.Equal(t, topics.ModeCommand, message.ModeCommandTopic)
			},
		},
		{
			name: "target humidity via template",
			setup: func(h *config.Humidifier) {
				h.TargetHumidityTemplate = `{{ stateFloat "t" }}`
			},
			check: func(t *testing.T, message hassio.DiscoveryMessage, topics hassio.Topics) {
				assert.Equal(t, topics.TargetHumidityState, message.TargetHumidityState)
				assert.Equal(t, topics.TargetHumidityCommand, message.TargetHumidityCommand)
			},
		},
		{
			name: "current humidity",
			setup: func(h *config.Humidifier) {
				h.CurrentHumidityTemplate = `{{ stateFloat "c" }}`
			},
			check: func(t *testing.T, message hassio.DiscoveryMessage, topics hassio.Topics) {
				assert.Equal(t, topics.CurrentHumidity, message.CurrentHumidityTopic)
			},
		},
		{
			name: "action topic",
			setup: func(h *config.Humidifier) {
				h.ActionTemplate = `{{ state "a" }}`
			},
			check: func(t *testing.T, message hassio.DiscoveryMessage, topics hassio.Topics) {
				assert.Equal(t, topics.Action, message.ActionTopic)
			},
		},
		{
			name: "availability template switches topic",
			setup: func(h *config.Humidifier) {
				h.AvailabilityTemplate = `{{ state "o" }}`
			},
			check: func(t *testing.T, message hassio.DiscoveryMessage, topics hassio.Topics) {
				assert.Equal(t, topics.Availability, message.AvailabilityTopic)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &config.Humidifier{
				Name:        "Cellar",
				UniqueId:    "cellar",
				Type:        config.TypeHumidifier,
				MinHumidity: 30,
				MaxHumidity: 60,
			}
			tt.setup(h)
			topics := hassio.EntityTopics("humidifier2mqtt", h.UniqueId)
			tt.check(t, hassio.NewDiscoveryMessage(h, topics, "humidifier2mqtt/availability"), topics)
		})
	}
}

func TestNewDiscoveryMessage_DeviceInfo(t *testing.T) {
	h := &config.Humidifier{
		Name:        "Cellar",
		UniqueId:    "cellar",
		Type:        config.TypeDehumidifier,
		MinHumidity: 40,
		MaxHumidity: 70,
		Device: &config.DeviceInfo{
			Identifiers:   []string{"cellar-dehum-1"},
			Connections:   [][]string{{"mac", "aa:bb:cc:dd:ee:ff"}},
			Manufacturer:  "ACME",
			Model:         "DryBox 3000",
			SuggestedArea: "Cellar",
		},
	}
	topics := hassio.EntityTopics("humidifier2mqtt", h.UniqueId)
	message := hassio.NewDiscoveryMessage(h, topics, "humidifier2mqtt/availability")

	require.NotNil(t, message.Device)
	assert.Equal(t, []string{"cellar-dehum-1"}, message.Device.Identifiers)
	assert.Equal(t, [][]string{{"mac", "aa:bb:cc:dd:ee:ff"}}, message.Device.Connections)
	assert.Equal(t, "ACME", message.Device.Manufacturer)
	assert.Equal(t, "DryBox 3000", message.Device.Model)
	assert.Equal(t, "Cellar", message.Device.SuggestedArea)
}
