package interfaces

import (
	"context"

	"machine-time/internal/eventing"
)

// OutboxPublisher writes lifecycle events to the outbox under the plant id.
type OutboxPublisher struct {
	publisher *eventing.Publisher
	plantID   string
}

// NewOutboxPublisher constructs an outbox publisher.
func NewOutboxPublisher(publisher *eventing.Publisher, plantID string) *OutboxPublisher {
	return &OutboxPublisher{publisher: publisher, plantID: plantID}
}

// Publish writes the event to the outbox.
func (p *OutboxPublisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.publisher == nil {
		return nil
	}
	ctx = eventing.WithPlantID(ctx, p.plantID)
	return p.publisher.Publish(ctx, event)
}
