package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	machinetime "machine-time/internal/machinetime/domain"
)

// EventSink publishes lifecycle events on prefix/<equipment>/<event>.
type EventSink struct {
	client Client
	prefix string
}

// NewEventSink constructs a sink. An empty prefix uses DefaultEventPrefix.
func NewEventSink(client Client, prefix string) (*EventSink, error) {
	if client == nil {
		return nil, errors.New("mqtt sink: nil client")
	}
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	return &EventSink{client: client, prefix: prefix}, nil
}

// Publish sends a lifecycle event at QoS 1. Other event types are ignored.
// Pointer events arrive from the outbox dispatcher.
func (s *EventSink) Publish(ctx context.Context, event any) error {
	_ = ctx
	var evt machinetime.LifecycleEvent
	switch e := event.(type) {
	case machinetime.LifecycleEvent:
		evt = e
	case *machinetime.LifecycleEvent:
		if e == nil {
			return nil
		}
		evt = *e
	default:
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("mqtt sink: marshal: %w", err)
	}
	return s.client.Publish(EventTopic(s.prefix, evt.EquipmentID, evt.Event), 1, false, payload)
}
