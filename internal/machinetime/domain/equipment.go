package machinetime

import (
	"fmt"
	"time"

	costing "machine-time/internal/costing/domain"
	signals "machine-time/internal/signals/domain"
)

// DefaultIdleTimeout applies when equipment has no idle policy.
const DefaultIdleTimeout = 10 * time.Minute

// SignalSource binds equipment to the adapter that reports it. StatusMap
// overrides the adapter's vendor table for this equipment only.
type SignalSource struct {
	AdapterID string                        `json:"adapterId"`
	StatusMap map[string]signals.SignalType `json:"statusMap,omitempty"`
}

// Equipment is a billable machine. Identity is immutable; it is never
// deleted, only deactivated.
type Equipment struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Name        string              `json:"name,omitempty"`
	Source      SignalSource        `json:"source"`
	Rates       costing.RateCard    `json:"rates"`
	ShiftRules  []costing.ShiftRule `json:"shiftRules,omitempty"`
	IdleTimeout time.Duration       `json:"idleTimeout"`
	Active      bool                `json:"active"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Validate checks equipment invariants.
func (e *Equipment) Validate() error {
	if e == nil {
		return ErrUnknownEquipment
	}
	if e.ID == "" {
		return ErrEmptyEquipmentID
	}
	if e.IdleTimeout < 0 {
		return fmt.Errorf("machinetime: equipment %s negative idle timeout", e.ID)
	}
	if err := e.Rates.Validate(); err != nil {
		return fmt.Errorf("machinetime: equipment %s rates: %w", e.ID, err)
	}
	return nil
}

// EffectiveIdleTimeout returns the idle policy, falling back to the default.
func (e *Equipment) EffectiveIdleTimeout() time.Duration {
	if e == nil || e.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return e.IdleTimeout
}

// CaptureRates snapshots the rate card for an entry starting at start.
func (e *Equipment) CaptureRates(start time.Time) costing.RateCard {
	return e.Rates.Clone().WithShift(e.ShiftRules, start)
}

// Deactivate retires the equipment.
func (e *Equipment) Deactivate(at time.Time) {
	e.Active = false
	e.UpdatedAt = at.UTC()
}

// Clone returns a detached copy.
func (e *Equipment) Clone() *Equipment {
	if e == nil {
		return nil
	}
	out := *e
	out.Rates = e.Rates.Clone()
	if e.ShiftRules != nil {
		out.ShiftRules = append([]costing.ShiftRule(nil), e.ShiftRules...)
	}
	if e.Source.StatusMap != nil {
		out.Source.StatusMap = make(map[string]signals.SignalType, len(e.Source.StatusMap))
		for code, t := range e.Source.StatusMap {
			out.Source.StatusMap[code] = t
		}
	}
	return &out
}
