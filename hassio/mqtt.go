package hassio

import (
	"fmt"
	"net/url"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var lg *zerolog.Logger

func logger() *zerolog.Logger {
	if lg == nil {
		l := log.Logger.With().Str("logger", "mqtt").Logger()
		lg = &l
	}
	return lg
}

// Client talks to Home Assistant over MQTT: discovery announcements,
// availability, entity state and command topics.
type Client struct {
	client          MQTT.Client
	topicPrefix     string
	discoveryPrefix string

	// Discovery holds the announcement for every composed entity,
	// keyed by unique id. Sent on connect and whenever Home Assistant
	// reports coming online.
	Discovery map[string]DiscoveryMessage
}

func onConnectionLost(_ MQTT.Client, err error) {
	logger().Warn().Err(err).Msg("Connection lost")
}

// ConnectMqtt connects to the broker. Credentials are taken from the
// URL when present. The bridge availability topic carries a retained
// last will so Home Assistant marks every entity unavailable when the
// bridge dies.
func ConnectMqtt(brokerUrl url.URL, topicPrefix string, discoveryPrefix string) (hassioClient *Client, err error) {
	var username, password string
	if brokerUrl.User != nil {
		username = brokerUrl.User.Username()
		password, _ = brokerUrl.User.Password()
	}
	urlCopy := brokerUrl
	urlCopy.User = nil

	hassioClient = &Client{
		topicPrefix:     topicPrefix,
		discoveryPrefix: discoveryPrefix,
		Discovery:       map[string]DiscoveryMessage{},
	}
	if hassioClient.discoveryPrefix == "" {
		hassioClient.discoveryPrefix = "homeassistant"
	}

	var onConnect MQTT.OnConnectHandler = func(_ MQTT.Client) {
		logger().Info().Msg("MQTT connection established")
		if err := hassioClient.SendAvailability(); err != nil {
			logger().Error().Err(err).Msg("Failed to send availability")
			return
		}
		if err := hassioClient.SendConfigurationData(); err != nil {
			logger().Error().Err(err).Msg("Failed to send discovery data")
		}
	}

	logger().Debug().Msgf("Connecting to mqtt server '%s'", urlCopy.String())
	opts := MQTT.NewClientOptions().AddBroker(urlCopy.String()).
		SetClientID(fmt.Sprintf("humidifier2mqtt-%.8s", uuid.NewString())).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionLostHandler(onConnectionLost).
		SetOnConnectHandler(onConnect).
		SetWill(fmt.Sprintf("%s/availability", topicPrefix), "offline", 0, true)
	if username != "" {
		opts.SetUsername(username).SetPassword(password)
	}

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, eris.Wrapf(token.Error(), "failed to connect to %s", urlCopy.String())
	}
	hassioClient.client = client

	logger().Info().Msgf("Connected to mqtt server '%s'", urlCopy.String())
	return
}

// AvailabilityTopic is the bridge-wide availability topic; entities
// without an availability template point their discovery at it.
func (hassioClient *Client) AvailabilityTopic() string {
	return fmt.Sprintf("%s/availability", hassioClient.topicPrefix)
}

// Publish sends a plain string payload.
func (hassioClient *Client) Publish(topic string, qos byte, retained bool, payload string) error {
	token := hassioClient.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return eris.Wrapf(token.Error(), "error publishing to topic %s", topic)
	}
	logger().Debug().Str("payload", payload).Msgf("Message published to topic %s", topic)
	return nil
}

// Subscribe routes every message on topic to handler. Paho invokes the
// handler on its own goroutine.
func (hassioClient *Client) Subscribe(topic string, handler func(topic string, payload string)) error {
	token := hassioClient.client.Subscribe(topic, 0, func(_ MQTT.Client, msg MQTT.Message) {
		handler(msg.Topic(), string(msg.Payload()))
	})
	token.Wait()
	if token.Error() != nil {
		return eris.Wrapf(token.Error(), "failed to subscribe to %s", topic)
	}
	return nil
}

func (hassioClient *Client) Disconnect() {
	_ = hassioClient.Publish(hassioClient.AvailabilityTopic(), 0, true, "offline")
	hassioClient.client.Disconnect(250)
}
