package application

import (
	"context"
	"sort"
	"sync"
	"time"

	machinetime "machine-time/internal/machinetime/domain"
	signalapp "machine-time/internal/signals/application"
	signals "machine-time/internal/signals/domain"
)

// DefaultSlotTimeout bounds how long an operation waits for its equipment.
const DefaultSlotTimeout = 3 * time.Second

// runtimeState is the per-equipment processing state. Every field except
// slot and equipmentID is owned by whoever holds slot.
type runtimeState struct {
	equipmentID string
	slot        chan struct{}

	equipment        *machinetime.Equipment
	state            machinetime.State
	activeEntryID    string
	debounce         *signalapp.DebounceState
	lastActivityAt   time.Time
	lastTransitionAt time.Time
	// retired is set once the equipment is deactivated; callers that
	// resolved the runtime earlier must not act on it after acquiring.
	retired bool
}

func newRuntimeState(equipment *machinetime.Equipment, debounce *signalapp.DebounceState) *runtimeState {
	return &runtimeState{
		equipmentID: equipment.ID,
		slot:        make(chan struct{}, 1),
		equipment:   equipment,
		state:       machinetime.InitialState,
		debounce:    debounce,
	}
}

// acquire takes the equipment slot, giving up after timeout.
func (rt *runtimeState) acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case rt.slot <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rt.slot <- struct{}{}:
		return nil
	case <-timer.C:
		return machinetime.ErrSlotTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *runtimeState) release() {
	<-rt.slot
}

func (rt *runtimeState) transition(to machinetime.State, at time.Time) {
	rt.state = to
	rt.lastTransitionAt = at
}

func (rt *runtimeState) touch(at time.Time) {
	if at.After(rt.lastActivityAt) {
		rt.lastActivityAt = at
	}
}

// RuntimeSnapshot is a read-only view of one equipment's runtime state.
type RuntimeSnapshot struct {
	EquipmentID      string             `json:"equipmentId"`
	State            machinetime.State  `json:"state"`
	ActiveEntryID    string             `json:"activeEntryId,omitempty"`
	StableSignal     signals.SignalType `json:"stableSignal"`
	PendingSignal    signals.SignalType `json:"pendingSignal,omitempty"`
	LastAcceptedAt   time.Time          `json:"lastAcceptedAt"`
	LastActivityAt   time.Time          `json:"lastActivityAt"`
	LastTransitionAt time.Time          `json:"lastTransitionAt"`
	Recent           []signals.Signal   `json:"recent"`
}

func (rt *runtimeState) snapshot() RuntimeSnapshot {
	snap := RuntimeSnapshot{
		EquipmentID:      rt.equipmentID,
		State:            rt.state,
		ActiveEntryID:    rt.activeEntryID,
		StableSignal:     rt.debounce.Stable(),
		LastAcceptedAt:   rt.debounce.LastAccepted(),
		LastActivityAt:   rt.lastActivityAt,
		LastTransitionAt: rt.lastTransitionAt,
		Recent:           rt.debounce.Recent(),
	}
	if pending, ok := rt.debounce.Pending(); ok {
		snap.PendingSignal = pending.Type
	}
	return snap
}

// arena holds runtime state keyed by equipment id. The map lock only guards
// membership; per-equipment work is serialized by each entry's slot.
type arena struct {
	mu    sync.RWMutex
	items map[string]*runtimeState
}

func newArena() *arena {
	return &arena{items: make(map[string]*runtimeState)}
}

func (a *arena) get(equipmentID string) (*runtimeState, bool) {
	a.mu.RLock()
	rt, ok := a.items[equipmentID]
	a.mu.RUnlock()
	return rt, ok
}

// getOrPut returns the existing runtime or installs the given one.
func (a *arena) getOrPut(rt *runtimeState) (*runtimeState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.items[rt.equipmentID]; ok {
		return existing, true
	}
	a.items[rt.equipmentID] = rt
	return rt, false
}

func (a *arena) remove(equipmentID string) {
	a.mu.Lock()
	delete(a.items, equipmentID)
	a.mu.Unlock()
}

func (a *arena) all() []*runtimeState {
	a.mu.RLock()
	out := make([]*runtimeState, 0, len(a.items))
	for _, rt := range a.items {
		out = append(out, rt)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].equipmentID < out[j].equipmentID })
	return out
}
