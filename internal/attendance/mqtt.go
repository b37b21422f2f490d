package attendance

import (
	"context"
	"encoding/json"
)

// MQTTClient is the subset of the MQTT client used for event publishing.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// TopicFunc returns the topic for a device's attendance events.
type TopicFunc func(serial string) string

// MQTTPublisher publishes stored events as JSON.
type MQTTPublisher struct {
	client MQTTClient
	topic  TopicFunc
	qos    byte
	logger Logger
}

// NewMQTTPublisher creates a publisher. Events go to topic(serial) at qos.
func NewMQTTPublisher(client MQTTClient, topic TopicFunc, qos byte, logger Logger) *MQTTPublisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTPublisher{client: client, topic: topic, qos: qos, logger: logger}
}

// Publish implements Publisher.
func (m *MQTTPublisher) Publish(_ context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("marshalling attendance event", "event_id", e.ID, "error", err)
		return
	}
	if err := m.client.Publish(m.topic(e.DeviceSerial), payload, m.qos, false); err != nil {
		m.logger.Warn("publishing attendance event", "event_id", e.ID, "error", err)
	}
}
