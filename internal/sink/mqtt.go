// Package sink forwards session events and decoded samples out of the
// process.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/sensor"
)

const (
	maxQoS                = 2
	maxPayloadSize        = 1 << 20
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 1000
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
	ErrNotConnected     = errors.New("mqtt client not connected")
	ErrInvalidTopic     = errors.New("invalid mqtt topic")
	ErrInvalidQoS       = errors.New("invalid mqtt qos")
)

// MQTTConfig selects the broker and the topic namespace.
type MQTTConfig struct {
	Host        string `yaml:"host" default:"127.0.0.1"`
	Port        int    `yaml:"port" default:"1883"`
	ClientID    string `yaml:"client_id" default:"sensorctl"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLS         bool   `yaml:"tls"`
	TopicPrefix string `yaml:"topic_prefix" default:"sensorlink"`
	QoS         int    `yaml:"qos" default:"0"`
}

// MQTTPublisher publishes session events as JSON to
// <prefix>/<address>/<state|error|data>. State messages are retained so
// a late subscriber sees the current connection state.
type MQTTPublisher struct {
	client pahomqtt.Client
	cfg    MQTTConfig
	logger *logrus.Logger
}

// ConnectMQTT dials the broker and returns a ready publisher.
func ConnectMQTT(cfg MQTTConfig, logger *logrus.Logger) (*MQTTPublisher, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQoS, cfg.QoS)
	}

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(60 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newMQTTPublisher(client, cfg, logger), nil
}

func newMQTTPublisher(client pahomqtt.Client, cfg MQTTConfig, logger *logrus.Logger) *MQTTPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &MQTTPublisher{client: client, cfg: cfg, logger: logger}
}

// Topic builds the topic an event of type t from address is published on.
func Topic(prefix, address string, t sensor.EventType) string {
	// '/' and MQTT wildcards are not allowed inside a level
	level := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(address)
	return strings.Join([]string{strings.TrimSuffix(prefix, "/"), level, t.String()}, "/")
}

// Publish sends payload to topic, waiting for the broker within the
// publish timeout.
func (p *MQTTPublisher) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, byte(p.cfg.QoS), retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Tap is a sensor.EventTap. Publish failures are logged, never returned
// to the registry worker.
func (p *MQTTPublisher) Tap(session *sensor.Session, ev sensor.Event) {
	if ev.Type == sensor.EventDeviceList {
		return
	}

	address := ev.Address
	if address == "" && session != nil {
		address = session.Address()
	}

	payload, err := EventPayload(ev)
	if err != nil {
		p.logger.WithError(err).WithField("address", address).Warn("Failed to encode event")
		return
	}

	topic := Topic(p.cfg.TopicPrefix, address, ev.Type)
	if err := p.Publish(topic, payload, ev.Type == sensor.EventStateChanged); err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("Failed to publish event")
	}
}

type statePayload struct {
	State     sensor.ConnectionState `json:"state"`
	Timestamp time.Time              `json:"timestamp"`
}

type errorPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type dataPayload struct {
	Timestamp time.Time          `json:"timestamp"`
	Data      *sensor.SensorData `json:"data"`
}

// EventPayload renders the JSON body published for ev.
func EventPayload(ev sensor.Event) ([]byte, error) {
	now := time.Now().UTC()
	switch ev.Type {
	case sensor.EventStateChanged:
		return json.Marshal(statePayload{State: ev.State, Timestamp: now})
	case sensor.EventError:
		return json.Marshal(errorPayload{Message: ev.Message, Timestamp: now})
	case sensor.EventData:
		return json.Marshal(dataPayload{Timestamp: now, Data: ev.Data})
	default:
		return nil, fmt.Errorf("no payload for %s events", ev.Type)
	}
}

// Close disconnects from the broker. Safe on a nil publisher.
func (p *MQTTPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.client.Disconnect(disconnectQuiesceMs)
	return nil
}
