package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"machine-time/internal/eventing"
)

const (
	defaultOutboxTable       = "event_outbox"
	defaultOutboxMaxAttempts = 5
	defaultOutboxBatch       = 50
)

var errOutboxNilDB = errors.New("outbox store: nil db")

// OutboxStore persists lifecycle envelopes until the dispatcher delivers
// them. Failed records stay claimable until they reach the attempt limit.
type OutboxStore struct {
	db          *sql.DB
	table       string
	maxAttempts int
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		WithTable(table)(&store.table)
	}
}

// WithMaxAttempts bounds delivery retries of failed records.
func WithMaxAttempts(attempts int) OutboxOption {
	return func(store *OutboxStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{db: db, table: defaultOutboxTable, maxAttempts: defaultOutboxMaxAttempts}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Insert stores an envelope and returns the outbox row id. A repeated event
// id is ignored, which keeps republishing after a retry harmless.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if env.EventID == "" {
		return "", errors.New("outbox store: empty event id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("outbox store: encode %s: %w", env.EventID, err)
	}

	id := eventing.NewEventID()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, event_id, event_type, equipment_id, payload, status, attempts)
VALUES ($1, $2, $3, $4, $5, 'pending', 0)
ON CONFLICT (event_id) DO NOTHING`, s.table),
		id, env.EventID, env.EventType, env.EquipmentID, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns claimable records oldest first. Insertion order is the
// emission order, so events of one equipment reach consumers in sequence.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, payload
FROM %s
WHERE status = 'pending' OR (status = 'failed' AND attempts < $2)
ORDER BY created_at, id
LIMIT $1`, s.table), limit, s.maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]eventing.OutboxRecord, 0, limit)
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkSent marks outbox record as sent.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	return s.update(ctx, `SET status = 'sent', sent_at = $2`, id, time.Now().UTC())
}

// MarkFailed marks outbox record as failed and increments attempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.update(ctx, `SET status = 'failed', attempts = attempts + 1`, id)
}

func (s *OutboxStore) update(ctx context.Context, set, id string, args ...any) error {
	if err := s.ready(); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s %s WHERE id = $1", s.table, set)
	_, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	return err
}

func (s *OutboxStore) ready() error {
	if s == nil || s.db == nil {
		return errOutboxNilDB
	}
	return nil
}

func scanOutboxRecord(rows *sql.Rows) (eventing.OutboxRecord, error) {
	var (
		id      string
		payload []byte
	)
	if err := rows.Scan(&id, &payload); err != nil {
		return eventing.OutboxRecord{}, err
	}
	var env eventing.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return eventing.OutboxRecord{}, fmt.Errorf("outbox store: decode %s: %w", id, err)
	}
	return eventing.OutboxRecord{ID: id, Envelope: env}, nil
}
