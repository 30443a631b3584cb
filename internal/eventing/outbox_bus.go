package eventing

import (
	"context"
	"log"
	"time"

	"machine-time/internal/observability/metrics"
)

// Publisher writes events to outbox and optionally triggers dispatch.
type Publisher struct {
	outbox   OutboxWriter
	dispatch *Dispatcher
	plantID  string
	sub      Subscriber
	logger   *log.Logger
}

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Subscriber registers handlers.
type Subscriber interface {
	Subscribe(eventType string, handler EventHandler)
}

// PublisherOption customizes the publisher.
type PublisherOption func(*Publisher)

// WithDispatcher triggers a dispatch pass after every insert.
func WithDispatcher(dispatch *Dispatcher) PublisherOption {
	return func(p *Publisher) {
		p.dispatch = dispatch
	}
}

// WithPublisherLogger sets the logger used for slow inserts.
func WithPublisherLogger(logger *log.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher constructs a publisher.
func NewPublisher(outbox OutboxWriter, plantID string, sub Subscriber, opts ...PublisherOption) *Publisher {
	p := &Publisher{outbox: outbox, plantID: plantID, sub: sub, logger: log.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes the event to outbox.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	start := time.Now()
	if p == nil || p.outbox == nil {
		return nil
	}
	meta := MetaFromContext(ctx, p.plantID)
	env, err := BuildEnvelope(event, meta)
	if err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	duration := time.Since(start)
	metrics.ObserveOutboxPublish(metrics.ResultSuccess, duration)
	if duration > 50*time.Millisecond {
		p.logger.Printf("outbox_publish duration_ms=%d event_type=%s", duration.Milliseconds(), env.EventType)
	}
	if p.dispatch != nil {
		if _, err := p.dispatch.Dispatch(ctx, 1); err != nil {
			p.logger.Printf("outbox dispatch after publish: event_id=%s err=%v", env.EventID, err)
		}
	}
	return nil
}

// Subscribe delegates to the underlying subscriber when available.
func (p *Publisher) Subscribe(eventType string, handler EventHandler) {
	if p == nil || p.sub == nil {
		return
	}
	p.sub.Subscribe(eventType, handler)
}
