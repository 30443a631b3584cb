package machinetime

import (
	"context"

	costing "machine-time/internal/costing/domain"
)

// EquipmentRepository persists equipment. Finders return nil, nil when absent.
type EquipmentRepository interface {
	FindByID(ctx context.Context, id string) (*Equipment, error)
	List(ctx context.Context) ([]*Equipment, error)
	Save(ctx context.Context, equipment *Equipment) error
}

// EntryRepository persists machine time entries. Finders return nil, nil when absent.
type EntryRepository interface {
	FindByID(ctx context.Context, id string) (*Entry, error)
	FindOpenByEquipment(ctx context.Context, equipmentID string) (*Entry, error)
	ListByEquipment(ctx context.Context, equipmentID string) ([]*Entry, error)
	ListOpen(ctx context.Context) ([]*Entry, error)
	Save(ctx context.Context, entry *Entry) error
}

// CostRepository persists cost breakdowns keyed by entry id. Save overwrites.
type CostRepository interface {
	Save(ctx context.Context, breakdown costing.CostBreakdown) error
	FindByEntry(ctx context.Context, entryID string) (*costing.CostBreakdown, error)
}
