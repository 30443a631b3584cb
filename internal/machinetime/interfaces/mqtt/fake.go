package mqtt

import "sync"

// Message is a recorded publish.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient records publishes and lets tests deliver messages to subscribers.
type FakeClient struct {
	mu       sync.Mutex
	handlers map[string]MessageHandler

	// Published contains every message sent through Publish.
	Published []Message

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeClient creates a FakeClient for testing.
func NewFakeClient() *FakeClient {
	return &FakeClient{handlers: make(map[string]MessageHandler)}
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Published = append(f.Published, Message{Topic: topic, QoS: qos, Retained: retained, Payload: append([]byte(nil), payload...)})
	return nil
}

// Subscribe records the handler.
func (f *FakeClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	_ = qos
	f.mu.Lock()
	f.handlers[topic] = handler
	f.mu.Unlock()
	return nil
}

// Unsubscribe drops the handler.
func (f *FakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	delete(f.handlers, topic)
	f.mu.Unlock()
	return nil
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Deliver routes a message to the subscription whose filter matches topic.
// It reports whether any handler received it.
func (f *FakeClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	var matched []MessageHandler
	for filter, handler := range f.handlers {
		if filter == topic || EquipmentFromTopic(filter, topic) != "" {
			matched = append(matched, handler)
		}
	}
	f.mu.Unlock()
	for _, handler := range matched {
		handler(topic, payload)
	}
	return len(matched) > 0
}

// Messages returns a copy of the published messages.
func (f *FakeClient) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.Published...)
}
