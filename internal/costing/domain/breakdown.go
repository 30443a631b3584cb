package costing

import (
	"time"

	"github.com/shopspring/decimal"
)

// PhaseDurations splits an entry's active (unpaused) time into phases.
// Marked is false when no phase boundaries were observed; all time is RUNNING.
type PhaseDurations struct {
	Setup    time.Duration `json:"setup"`
	Running  time.Duration `json:"running"`
	Teardown time.Duration `json:"teardown"`
	Marked   bool          `json:"marked"`
}

// Of returns the duration of a phase.
func (p PhaseDurations) Of(phase Phase) time.Duration {
	switch phase {
	case PhaseSetup:
		return p.Setup
	case PhaseTeardown:
		return p.Teardown
	default:
		return p.Running
	}
}

// Total returns the sum of all phases.
func (p PhaseDurations) Total() time.Duration {
	return p.Setup + p.Running + p.Teardown
}

// Input is everything the calculator prices.
type Input struct {
	EntryID    string
	Duration   time.Duration
	Phases     PhaseDurations
	PartCount  int
	CycleCount int
	SetupCount int
	Rates      RateCard
}

// PhaseCost is the direct cost attributed to one phase.
type PhaseCost struct {
	Phase    Phase         `json:"phase"`
	Duration time.Duration `json:"duration"`
	Labor    Money         `json:"labor"`
	Machine  Money         `json:"machine"`
}

// Allocation is one overhead pool's contribution.
type Allocation struct {
	Pool     string          `json:"pool"`
	Base     AllocationBase  `json:"base"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   Money           `json:"amount"`
}

// CostBreakdown is the auditable cost of a closed (or estimated) entry.
type CostBreakdown struct {
	EntryID      string        `json:"entryId"`
	Model        Model         `json:"model"`
	Duration     time.Duration `json:"duration"`
	LaborCost    Money         `json:"laborCost"`
	MachineCost  Money         `json:"machineCost"`
	DirectCost   Money         `json:"directCost"`
	OverheadCost Money         `json:"overheadCost"`
	TotalCost    Money         `json:"totalCost"`
	Phases       []PhaseCost   `json:"phases,omitempty"`
	Allocations  []Allocation  `json:"allocations,omitempty"`
}

// Hours returns the priced duration in hours for presentation.
func (b CostBreakdown) Hours() float64 {
	return b.Duration.Hours()
}
