package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"

	machinetimeapp "machine-time/internal/machinetime/application"
	signals "machine-time/internal/signals/domain"
)

// SignalIngester processes one raw adapter signal.
type SignalIngester interface {
	Ingest(ctx context.Context, raw signals.RawSignal) (machinetimeapp.IngestResult, error)
}

// SignalSubscriber feeds broker messages into the signal pipeline. A message
// carries one signal or an array; a missing equipmentId is taken from the topic.
type SignalSubscriber struct {
	client   Client
	ingester SignalIngester
	topic    string
	qos      byte
	logger   *log.Logger
	ctx      context.Context
}

// SubscriberOption customizes the subscriber.
type SubscriberOption func(*SignalSubscriber)

// WithSignalTopic overrides the subscription filter.
func WithSignalTopic(topic string) SubscriberOption {
	return func(s *SignalSubscriber) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithSubscriberLogger assigns a logger.
func WithSubscriberLogger(logger *log.Logger) SubscriberOption {
	return func(s *SignalSubscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSignalSubscriber constructs a subscriber.
func NewSignalSubscriber(client Client, ingester SignalIngester, opts ...SubscriberOption) (*SignalSubscriber, error) {
	if client == nil {
		return nil, errors.New("mqtt subscriber: nil client")
	}
	if ingester == nil {
		return nil, errors.New("mqtt subscriber: nil ingester")
	}
	s := &SignalSubscriber{
		client:   client,
		ingester: ingester,
		topic:    DefaultSignalTopic,
		qos:      1,
		logger:   log.Default(),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start subscribes. Messages are ingested with ctx until Stop.
func (s *SignalSubscriber) Start(ctx context.Context) error {
	if ctx != nil {
		s.ctx = ctx
	}
	if err := s.client.Subscribe(s.topic, s.qos, s.handle); err != nil {
		return err
	}
	s.logger.Printf("mqtt subscriber started: topic=%s", s.topic)
	return nil
}

// Stop unsubscribes.
func (s *SignalSubscriber) Stop() error {
	return s.client.Unsubscribe(s.topic)
}

func (s *SignalSubscriber) handle(topic string, payload []byte) {
	raws, err := decodeMessage(payload)
	if err != nil {
		s.logger.Printf("mqtt subscriber decode error: topic=%s err=%v", topic, err)
		return
	}
	fallback := EquipmentFromTopic(s.topic, topic)
	for _, raw := range raws {
		if raw.EquipmentID == "" {
			raw.EquipmentID = fallback
		}
		if _, err := s.ingester.Ingest(s.ctx, raw); err != nil {
			s.logger.Printf("mqtt subscriber ingest error: topic=%s equipment=%s err=%v", topic, raw.EquipmentID, err)
		}
	}
}

func decodeMessage(payload []byte) ([]signals.RawSignal, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] == '[' {
		var raws []signals.RawSignal
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}
	var raw signals.RawSignal
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	return []signals.RawSignal{raw}, nil
}
