// Package mqtt mirrors readings to an MQTT broker, one topic per channel,
// with optional Home Assistant discovery.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/config"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

const (
	Name = "mqtt"

	// defaults
	DefaultServer      = "tcp://localhost:1883"
	clientIDPrefix     = "tclogger-"
	perChannelTopicFmt = "thermocouple/channel/%d"
	publishTimeout     = 2 * time.Second
	disconnectQuiesce  = 250
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	unitCelsius            = "°C"
	deviceClassTemperature = "temperature"
	stateClassMeasurement  = "measurement"
	valueTemplateTemp      = "{{ value_json.temperature }}"
)

var errNotConnected = errors.New("mqtt client not connected")

type MQTTOutput struct {
	client         mqtt.Client
	stateTopic     string
	discoveryTopic string
}

// New connects to the broker described by cfg and publishes discovery
// entries for the enabled channels.
func New(cfg config.MQTTConfig, channels []config.ChannelConfig, l *logrus.Entry) (*MQTTOutput, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = clientIDPrefix + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID).
		SetAutoReconnect(true).SetConnectTimeout(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return NewWithClient(client, cfg, channels, l), nil
}

// NewWithClient uses an already connected client.
func NewWithClient(client mqtt.Client, cfg config.MQTTConfig, channels []config.ChannelConfig, l *logrus.Entry) *MQTTOutput {
	if l == nil {
		l = logrus.WithField("component", "mqtt")
	}
	m := &MQTTOutput{client: client, stateTopic: cfg.StateTopic, discoveryTopic: cfg.DiscoveryTopic}

	// Publish Home Assistant discovery payload(s) if requested
	if m.discoveryTopic != "" {
		if strings.Contains(m.discoveryTopic, "%d") {
			for _, ch := range channels {
				if !ch.Enabled {
					continue
				}
				dTopic := fmt.Sprintf(m.discoveryTopic, ch.Channel)
				payload := baseDiscoveryPayload(discoveryName(cfg, &ch), formatStateTopic(cfg.StateTopic, ch.Channel), discoveryUniqueID(cfg, &ch))
				if err := publishJSON(client, dTopic, true, payload); err != nil {
					l.WithError(err).WithField("topic", dTopic).Warn("mqtt discovery publish error")
				}
			}
		} else {
			payload := baseDiscoveryPayload(discoveryName(cfg, nil), formatStateTopic(cfg.StateTopic, 0), discoveryUniqueID(cfg, nil))
			if err := publishJSON(client, m.discoveryTopic, true, payload); err != nil {
				l.WithError(err).WithField("topic", m.discoveryTopic).Warn("mqtt discovery publish error")
			}
		}
	}
	return m
}

func (m *MQTTOutput) Name() string { return Name }

func (m *MQTTOutput) Write(r sensor.Reading) error {
	if m.client == nil || !m.client.IsConnected() {
		return errNotConnected
	}
	payload := map[string]interface{}{
		"channel":     r.Channel,
		"temperature": r.Calibrated,
		"raw":         r.Raw,
		"timestamp":   r.Timestamp.Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.PublishRaw(formatStateTopic(m.stateTopic, r.Channel), b, false)
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for discovery messages.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return errNotConnected
	}
	return wait(m.client.Publish(topic, 0, retained, payload))
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish: timed out after %s", publishTimeout)
	}
	return token.Error()
}

// helper: format a state topic for a channel using an optional formatter
func formatStateTopic(base string, ch int) string {
	if base != "" {
		if strings.Contains(base, "%d") {
			return fmt.Sprintf(base, ch)
		}
		return base
	}
	return fmt.Sprintf(perChannelTopicFmt, ch)
}

// helper: build a human-friendly discovery name; if ch != nil append channel
func discoveryName(cfg config.MQTTConfig, ch *config.ChannelConfig) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Thermocouple %s", cfg.ClientID)
	}
	if ch != nil {
		name = fmt.Sprintf("%s ch%d", name, ch.Channel)
	}
	return name
}

// helper: build a unique id for discovery; if ch != nil append channel
func discoveryUniqueID(cfg config.MQTTConfig, ch *config.ChannelConfig) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" && ch != nil {
		uid = fmt.Sprintf("%s_%d", uid, ch.Channel)
	}
	return uid
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   unitCelsius,
		keyDeviceClass:         deviceClassTemperature,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateTemp,
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wait(client.Publish(topic, 0, retained, b))
}
