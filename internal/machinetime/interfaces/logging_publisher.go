package interfaces

import (
	"context"
	"errors"
	"log"

	machinetime "machine-time/internal/machinetime/domain"
)

// LoggingPublisher logs lifecycle events.
type LoggingPublisher struct {
	logger *log.Logger
}

// NewLoggingPublisher constructs a logging publisher.
func NewLoggingPublisher(logger *log.Logger) *LoggingPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggingPublisher{logger: logger}
}

// Publish logs the event.
func (p *LoggingPublisher) Publish(ctx context.Context, event any) error {
	_ = ctx
	if p == nil {
		return errors.New("machinetime publisher: nil publisher")
	}
	if ptr, ok := event.(*machinetime.LifecycleEvent); ok && ptr != nil {
		event = *ptr
	}
	evt, ok := event.(machinetime.LifecycleEvent)
	if !ok {
		p.logger.Printf("machinetime event: type=%T", event)
		return nil
	}
	p.logger.Printf("machinetime event: name=%s equipment=%s entry=%s at=%s", evt.Event, evt.EquipmentID, evt.EntryID, evt.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}

// FanoutPublisher delivers each event to every publisher in order. A failing
// publisher does not stop delivery to the rest.
type FanoutPublisher struct {
	publishers []Publisher
}

// Publisher is the lifecycle event sink contract.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// NewFanoutPublisher constructs a fanout over the non-nil publishers.
func NewFanoutPublisher(publishers ...Publisher) *FanoutPublisher {
	out := &FanoutPublisher{}
	for _, p := range publishers {
		if p != nil {
			out.publishers = append(out.publishers, p)
		}
	}
	return out
}

// Publish delivers the event and joins any errors.
func (f *FanoutPublisher) Publish(ctx context.Context, event any) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
