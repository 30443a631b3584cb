package eventing

import (
	"context"
	"log"
	"time"

	"machine-time/internal/observability/metrics"
)

const defaultDispatchBatch = 50

// EventBus is the minimal publish interface.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// DLQStore records failures.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord represents a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
}

// DispatchResult counts what one dispatch pass did with the claimed records.
type DispatchResult struct {
	Requested int
	Claimed   int
	Sent      int
	Failed    int
	DLQ       int
}

func (r DispatchResult) clean() bool { return r.Failed == 0 }

// Dispatcher drains the outbox into the in-process bus. Lifecycle events
// reach consumers only through it, so a crash between commit and delivery
// is recovered on the next pass.
type Dispatcher struct {
	bus      EventBus
	outbox   OutboxStore
	registry *Registry
	dlq      DLQStore
	batch    int
	logger   *log.Logger
}

// DispatcherOption configures a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchBatch sets the default claim size used when callers pass zero.
func WithDispatchBatch(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithDispatchLogger sets the logger used by Run.
func WithDispatchLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher. A nil dlq drops undeliverable
// records after marking them failed.
func NewDispatcher(bus EventBus, outbox OutboxStore, registry *Registry, dlq DLQStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:      bus,
		outbox:   outbox,
		registry: registry,
		dlq:      dlq,
		batch:    defaultDispatchBatch,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeadLettered
)

// Dispatch claims up to limit records and delivers each one. The first store
// error is returned after the whole batch has been attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	start := time.Now()
	if limit <= 0 {
		limit = defaultDispatchBatch
		if d != nil {
			limit = d.batch
		}
	}
	result := DispatchResult{Requested: limit}
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, nil
	}

	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, err
	}
	result.Claimed = len(records)

	var firstErr error
	for _, record := range records {
		out, err := d.deliver(ctx, record)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		switch out {
		case outcomeSent:
			result.Sent++
		case outcomeDeadLettered:
			result.DLQ++
			result.Failed++
		default:
			result.Failed++
		}
	}

	status := metrics.ResultSuccess
	if firstErr != nil || !result.clean() {
		status = metrics.ResultError
	}
	metrics.ObserveOutboxDispatch(status, time.Since(start), result.Sent, result.Failed, result.DLQ)
	return result, firstErr
}

// deliver decodes and publishes one record. Only outbox store errors are
// returned; decode and handler failures are reported through the outcome.
func (d *Dispatcher) deliver(ctx context.Context, record OutboxRecord) (outcome, error) {
	env := record.Envelope
	payload, err := d.registry.DecodePayload(env)
	if err == nil {
		err = d.bus.Publish(WithEnvelope(ctx, env), payload)
	}
	if err != nil {
		return d.reject(ctx, record, err)
	}
	if err := d.outbox.MarkSent(ctx, record.ID); err != nil {
		return outcomeFailed, err
	}
	return outcomeSent, nil
}

func (d *Dispatcher) reject(ctx context.Context, record OutboxRecord, cause error) (outcome, error) {
	markErr := d.outbox.MarkFailed(ctx, record.ID)
	if d.dlq == nil {
		return outcomeFailed, markErr
	}
	if err := d.dlq.RecordFailure(ctx, record.Envelope, cause); err != nil {
		d.logger.Printf("outbox dlq record failed: event_id=%s equipment=%s err=%v", record.Envelope.EventID, record.Envelope.EquipmentID, err)
		return outcomeFailed, markErr
	}
	return outcomeDeadLettered, markErr
}

// Run dispatches on an interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, batch int, logger *log.Logger) {
	if d == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = d.logger
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := d.Dispatch(ctx, batch)
			if err != nil {
				logger.Printf("outbox dispatch error: err=%v", err)
				continue
			}
			if !result.clean() {
				logger.Printf("outbox dispatch: claimed=%d sent=%d failed=%d dlq=%d", result.Claimed, result.Sent, result.Failed, result.DLQ)
			}
		}
	}
}
