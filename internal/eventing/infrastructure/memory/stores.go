package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"machine-time/internal/eventing"
)

type outboxRow struct {
	record    eventing.OutboxRecord
	status    string
	attempts  int
	createdAt time.Time
}

const defaultMaxAttempts = 5

// OutboxStore is an in-memory outbox used when no database is configured.
type OutboxStore struct {
	mu          sync.Mutex
	rows        []*outboxRow
	byEvt       map[string]bool
	maxAttempts int
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{byEvt: make(map[string]bool), maxAttempts: defaultMaxAttempts}
}

// Insert appends a pending record. Re-inserting an event id is ignored.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	_ = ctx
	if env.EventID == "" {
		return "", errors.New("outbox store: empty event id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := eventing.NewEventID()
	if s.byEvt[env.EventID] {
		return id, nil
	}
	s.byEvt[env.EventID] = true
	s.rows = append(s.rows, &outboxRow{
		record:    eventing.OutboxRecord{ID: id, Envelope: env},
		status:    "pending",
		createdAt: time.Now().UTC(),
	})
	return id, nil
}

// ListPending returns pending records and retryable failures, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventing.OutboxRecord
	for _, row := range s.rows {
		retry := row.status == "failed" && row.attempts < s.maxAttempts
		if row.status != "pending" && !retry {
			continue
		}
		out = append(out, row.record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSent marks a record as sent.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	return s.mark(ctx, id, "sent")
}

// MarkFailed marks a record as failed.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.mark(ctx, id, "failed")
}

// Pending counts pending records.
func (s *OutboxStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.rows {
		if row.status == "pending" {
			count++
		}
	}
	return count
}

func (s *OutboxStore) mark(ctx context.Context, id, status string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.record.ID == id {
			row.status = status
			if status == "failed" {
				row.attempts++
			}
			return nil
		}
	}
	return errors.New("outbox store: record not found")
}

// ProcessedStore records consumed event ids in memory.
type ProcessedStore struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewProcessedStore constructs a processed store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{seen: make(map[string]time.Time)}
}

// HasProcessed checks if event was already processed by the consumer.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	_ = ctx
	if eventID == "" || consumerName == "" {
		return false, errors.New("processed store: invalid arguments")
	}
	s.mu.RLock()
	_, ok := s.seen[consumerName+"|"+eventID]
	s.mu.RUnlock()
	return ok, nil
}

// MarkProcessed records an event as processed.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	_ = ctx
	if eventID == "" || consumerName == "" {
		return errors.New("processed store: invalid arguments")
	}
	s.mu.Lock()
	s.seen[consumerName+"|"+eventID] = time.Now().UTC()
	s.mu.Unlock()
	return nil
}

// DLQEntry is a dead-lettered envelope.
type DLQEntry struct {
	Envelope eventing.Envelope
	Error    string
	Attempts int
}

// DLQStore keeps dead-lettered envelopes in memory.
type DLQStore struct {
	mu      sync.Mutex
	entries map[string]*DLQEntry
}

// NewDLQStore constructs a DLQ store.
func NewDLQStore() *DLQStore {
	return &DLQStore{entries: make(map[string]*DLQEntry)}
}

// RecordFailure inserts or updates a DLQ record.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, err error) error {
	_ = ctx
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[env.EventID]
	if entry == nil {
		entry = &DLQEntry{Envelope: env}
		s.entries[env.EventID] = entry
	}
	entry.Error = message
	entry.Attempts++
	return nil
}

// Entries returns a snapshot of dead-lettered envelopes.
func (s *DLQStore) Entries() []DLQEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DLQEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	return out
}
