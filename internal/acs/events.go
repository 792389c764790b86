package acs

import (
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/mqtt"
)

// EventType names a session lifecycle event.
type EventType string

// Event types.
const (
	EventSessionEnded     EventType = "session.ended"
	EventDeviceFault      EventType = "device.fault"
	EventDeviceRegistered EventType = "device.registered"
)

// Event is published when a session ends.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// EventSink receives session events. Publish must not block for long;
// it runs on the exchange that ended the session.
type EventSink interface {
	Publish(ev Event)
}

// JSONPublisher sends a JSON document to an MQTT topic.
// *mqtt.Client implements it.
type JSONPublisher interface {
	PublishJSON(topic string, v any) error
}

// MQTTSink publishes events under the graylogic/acs/device hierarchy.
type MQTTSink struct {
	pub    JSONPublisher
	logger Logger
}

// NewMQTTSink creates an EventSink backed by pub.
func NewMQTTSink(pub JSONPublisher, logger Logger) *MQTTSink {
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTSink{pub: pub, logger: logger}
}

// Publish sends ev to the topic of its type. Failures are logged.
func (m *MQTTSink) Publish(ev Event) {
	topic, ok := eventTopic(ev)
	if !ok {
		return
	}
	if err := m.pub.PublishJSON(topic, ev); err != nil {
		m.logger.Warn("failed to publish event", "type", ev.Type, "device_id", ev.DeviceID, "error", err)
	}
}

func eventTopic(ev Event) (string, bool) {
	switch ev.Type {
	case EventSessionEnded:
		return mqtt.Topics{}.DeviceSession(ev.DeviceID), true
	case EventDeviceFault:
		return mqtt.Topics{}.DeviceFault(ev.DeviceID), true
	case EventDeviceRegistered:
		return mqtt.Topics{}.DeviceRegistered(ev.DeviceID), true
	default:
		return "", false
	}
}
