package eventing

import (
	"context"
	"time"

	"machine-time/internal/observability/metrics"
)

// ProcessedStore provides idempotency checks.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe binds a named consumer to each listed event type. With a store,
// an envelope already handled by this consumer is skipped, so outbox
// redelivery after a partial failure reaches each consumer at most once.
func Subscribe(bus Subscriber, consumerName string, handler EventHandler, store ProcessedStore, eventTypes ...string) {
	if bus == nil || handler == nil {
		return
	}
	wrapped := handler
	if store != nil {
		wrapped = WrapHandler(consumerName, handler, store)
	}
	for _, eventType := range eventTypes {
		bus.Subscribe(eventType, wrapped)
	}
}

// WrapHandler enforces idempotency per consumer. Events published without an
// envelope in context are passed through unchecked.
func WrapHandler(consumerName string, handler EventHandler, store ProcessedStore) EventHandler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		done, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil || done {
			return err
		}
		if lag, ok := consumerLag(env, event); ok {
			metrics.ObserveConsumerLag(consumerName, lag)
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}

func consumerLag(env Envelope, event any) (time.Duration, bool) {
	at := env.OccurredAt
	if at.IsZero() {
		at = extractTimeField(event, "Timestamp", "OccurredAt")
	}
	if at.IsZero() {
		return 0, false
	}
	return time.Since(at), true
}
