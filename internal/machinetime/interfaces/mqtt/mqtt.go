// Package mqtt carries adapter signals in and lifecycle events out over MQTT.
package mqtt

import (
	"strings"
)

// Default topics. The signal topic's single-level wildcard is the equipment id.
const (
	DefaultSignalTopic = "machinetime/+/signals"
	DefaultEventPrefix = "machinetime/events"
)

// MessageHandler receives one broker message.
type MessageHandler func(topic string, payload []byte)

// Client is the broker surface used by the subscriber and the sink.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

// EquipmentFromTopic extracts the equipment id matched by the single-level
// wildcard of pattern, or "" when the topic does not match.
func EquipmentFromTopic(pattern, topic string) string {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return ""
	}
	id := ""
	for i := range want {
		switch want[i] {
		case "+":
			id = got[i]
		case got[i]:
		default:
			return ""
		}
	}
	return id
}

// EventTopic is prefix/<equipment>/<event>.
func EventTopic(prefix, equipmentID, event string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + equipmentID + "/" + event
}
