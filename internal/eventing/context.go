package eventing

import "context"

type contextKey string

const (
	contextKeyEnvelope contextKey = "eventing.envelope"
	contextKeyPlant    contextKey = "eventing.plant_id"
	contextKeyCorr     contextKey = "eventing.correlation_id"
	contextKeyEventID  contextKey = "eventing.event_id"
)

// WithEnvelope attaches the envelope being dispatched so consumers can read
// its event id.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, contextKeyEnvelope, env)
}

// EnvelopeFromContext returns the envelope being dispatched.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(contextKeyEnvelope).(Envelope)
	return env, ok
}

// WithPlantID scopes published events to a plant.
func WithPlantID(ctx context.Context, plantID string) context.Context {
	return context.WithValue(ctx, contextKeyPlant, plantID)
}

// WithCorrelationID ties published events to a request or command.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// WithEventID pins the event id, making a republish idempotent in the outbox.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// MetaFromContext collects envelope overrides; the plant falls back to defaultPlantID.
func MetaFromContext(ctx context.Context, defaultPlantID string) Meta {
	meta := Meta{
		PlantID:       stringValue(ctx, contextKeyPlant),
		CorrelationID: stringValue(ctx, contextKeyCorr),
		EventID:       stringValue(ctx, contextKeyEventID),
	}
	if meta.PlantID == "" {
		meta.PlantID = defaultPlantID
	}
	return meta
}

func stringValue(ctx context.Context, key contextKey) string {
	value, _ := ctx.Value(key).(string)
	return value
}
