package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
)

// EquipmentRepository is an in-memory equipment store.
type EquipmentRepository struct {
	mu   sync.RWMutex
	data map[string]*machinetime.Equipment
}

// NewEquipmentRepository constructs a repository.
func NewEquipmentRepository() *EquipmentRepository {
	return &EquipmentRepository{data: make(map[string]*machinetime.Equipment)}
}

// FindByID loads equipment.
func (r *EquipmentRepository) FindByID(ctx context.Context, id string) (*machinetime.Equipment, error) {
	_ = ctx
	r.mu.RLock()
	eq := r.data[id]
	r.mu.RUnlock()
	if eq == nil {
		return nil, nil
	}
	return eq.Clone(), nil
}

// List returns all equipment ordered by id.
func (r *EquipmentRepository) List(ctx context.Context) ([]*machinetime.Equipment, error) {
	_ = ctx
	r.mu.RLock()
	out := make([]*machinetime.Equipment, 0, len(r.data))
	for _, eq := range r.data {
		out = append(out, eq.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save upserts equipment.
func (r *EquipmentRepository) Save(ctx context.Context, equipment *machinetime.Equipment) error {
	_ = ctx
	if equipment == nil {
		return machinetime.ErrUnknownEquipment
	}
	if equipment.ID == "" {
		return machinetime.ErrEmptyEquipmentID
	}
	r.mu.Lock()
	r.data[equipment.ID] = equipment.Clone()
	r.mu.Unlock()
	return nil
}

// EntryRepository is an in-memory entry store. It rejects a second open
// entry for the same equipment the way the Postgres partial index does.
type EntryRepository struct {
	mu   sync.RWMutex
	data map[string]*machinetime.Entry
}

// NewEntryRepository constructs a repository.
func NewEntryRepository() *EntryRepository {
	return &EntryRepository{data: make(map[string]*machinetime.Entry)}
}

// FindByID loads an entry.
func (r *EntryRepository) FindByID(ctx context.Context, id string) (*machinetime.Entry, error) {
	_ = ctx
	r.mu.RLock()
	entry := r.data[id]
	r.mu.RUnlock()
	if entry == nil {
		return nil, nil
	}
	return entry.Clone(), nil
}

// FindOpenByEquipment loads the ACTIVE or PAUSED entry of an equipment.
func (r *EntryRepository) FindOpenByEquipment(ctx context.Context, equipmentID string) (*machinetime.Entry, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.data {
		if entry.EquipmentID == equipmentID && entry.Open() {
			return entry.Clone(), nil
		}
	}
	return nil, nil
}

// ListByEquipment returns an equipment's entries ordered by start time.
func (r *EntryRepository) ListByEquipment(ctx context.Context, equipmentID string) ([]*machinetime.Entry, error) {
	_ = ctx
	r.mu.RLock()
	var out []*machinetime.Entry
	for _, entry := range r.data {
		if entry.EquipmentID == equipmentID {
			out = append(out, entry.Clone())
		}
	}
	r.mu.RUnlock()
	sortEntries(out)
	return out, nil
}

// ListOpen returns every ACTIVE or PAUSED entry.
func (r *EntryRepository) ListOpen(ctx context.Context) ([]*machinetime.Entry, error) {
	_ = ctx
	r.mu.RLock()
	var out []*machinetime.Entry
	for _, entry := range r.data {
		if entry.Open() {
			out = append(out, entry.Clone())
		}
	}
	r.mu.RUnlock()
	sortEntries(out)
	return out, nil
}

// Save upserts an entry.
func (r *EntryRepository) Save(ctx context.Context, entry *machinetime.Entry) error {
	_ = ctx
	if entry == nil {
		return machinetime.ErrNilEntry
	}
	if entry.EquipmentID == "" {
		return machinetime.ErrEmptyEquipmentID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Open() {
		for id, other := range r.data {
			if id != entry.ID && other.EquipmentID == entry.EquipmentID && other.Open() {
				return fmt.Errorf("%w: entry %s open", machinetime.ErrEquipmentBusy, id)
			}
		}
	}
	r.data[entry.ID] = entry.Clone()
	return nil
}

func sortEntries(entries []*machinetime.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StartTime.Equal(entries[j].StartTime) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
}

// CostRepository is an in-memory cost breakdown store.
type CostRepository struct {
	mu    sync.RWMutex
	data  map[string]costing.CostBreakdown
	saves map[string]int
}

// NewCostRepository constructs a repository.
func NewCostRepository() *CostRepository {
	return &CostRepository{
		data:  make(map[string]costing.CostBreakdown),
		saves: make(map[string]int),
	}
}

// Save overwrites the breakdown of an entry.
func (r *CostRepository) Save(ctx context.Context, breakdown costing.CostBreakdown) error {
	_ = ctx
	if breakdown.EntryID == "" {
		return machinetime.ErrEntryNotFound
	}
	breakdown.Phases = append([]costing.PhaseCost(nil), breakdown.Phases...)
	breakdown.Allocations = append([]costing.Allocation(nil), breakdown.Allocations...)
	r.mu.Lock()
	r.data[breakdown.EntryID] = breakdown
	r.saves[breakdown.EntryID]++
	r.mu.Unlock()
	return nil
}

// FindByEntry loads the breakdown of an entry.
func (r *CostRepository) FindByEntry(ctx context.Context, entryID string) (*costing.CostBreakdown, error) {
	_ = ctx
	r.mu.RLock()
	breakdown, ok := r.data[entryID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &breakdown, nil
}

// Saves returns how many times a breakdown was written for an entry.
func (r *CostRepository) Saves(entryID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves[entryID]
}
