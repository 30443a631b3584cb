package costing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Model selects the formula family used to price an entry.
type Model string

const (
	ModelMachineHours Model = "MACHINE_HOURS"
	ModelLaborHours   Model = "LABOR_HOURS"
	ModelBoth         Model = "BOTH"
)

// ParseModel validates a costing model name.
func ParseModel(value string) (Model, bool) {
	switch m := Model(value); m {
	case ModelMachineHours, ModelLaborHours, ModelBoth:
		return m, true
	default:
		return "", false
	}
}

// Phase is a segment of an entry's active time.
type Phase string

const (
	PhaseSetup    Phase = "SETUP"
	PhaseRunning  Phase = "RUNNING"
	PhaseTeardown Phase = "TEARDOWN"
)

// Phases lists phases in pricing order.
var Phases = []Phase{PhaseSetup, PhaseRunning, PhaseTeardown}

// PhaseAllocation weights a phase's time between labor and machine cost.
type PhaseAllocation struct {
	Labor   decimal.Decimal `json:"labor"`
	Machine decimal.Decimal `json:"machine"`
}

// AllocationBase is the activity driver of an overhead pool.
type AllocationBase string

const (
	BaseMachineHours AllocationBase = "MACHINE_HOURS"
	BasePartCount    AllocationBase = "PART_COUNT"
	BaseSetupCount   AllocationBase = "SETUP_COUNT"
	BaseDirectCost   AllocationBase = "DIRECT_COST"
)

// OverheadPool allocates indirect cost by an activity base. Rate is currency
// units per base unit, except DIRECT_COST where it is a fraction of direct cost.
type OverheadPool struct {
	Name string          `json:"name"`
	Base AllocationBase  `json:"base"`
	Rate decimal.Decimal `json:"rate"`
}

// OverheadPolicy lists activity pools and an optional flat plant-wide hourly rate.
type OverheadPolicy struct {
	Pools         []OverheadPool `json:"pools,omitempty"`
	PlantWideRate Money          `json:"plantWideRate,omitempty"`
}

// OvertimeStep applies Multiplier to durations up to UpTo. A zero UpTo marks
// the open-ended tail.
type OvertimeStep struct {
	UpTo       time.Duration   `json:"upTo"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// DefaultOvertime is 1.0x to 8h, 1.25x to 12h, 1.5x beyond.
func DefaultOvertime() []OvertimeStep {
	return []OvertimeStep{
		{UpTo: 8 * time.Hour, Multiplier: decimal.NewFromInt(1)},
		{UpTo: 12 * time.Hour, Multiplier: decimal.RequireFromString("1.25")},
		{Multiplier: decimal.RequireFromString("1.5")},
	}
}

// OvertimeMultiplier picks the step covering the duration.
func OvertimeMultiplier(steps []OvertimeStep, d time.Duration) decimal.Decimal {
	if len(steps) == 0 {
		steps = DefaultOvertime()
	}
	for _, step := range steps {
		if step.UpTo == 0 || d <= step.UpTo {
			return step.Multiplier
		}
	}
	return steps[len(steps)-1].Multiplier
}

// ShiftRule applies a labor multiplier to entries starting in [StartHour, EndHour)
// UTC. EndHour may wrap past midnight.
type ShiftRule struct {
	Name       string          `json:"name"`
	StartHour  int             `json:"startHour"`
	EndHour    int             `json:"endHour"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// ResolveShift returns the multiplier of the first rule covering at, or 1.
func ResolveShift(rules []ShiftRule, at time.Time) decimal.Decimal {
	hour := at.UTC().Hour()
	for _, rule := range rules {
		if rule.StartHour <= rule.EndHour {
			if hour >= rule.StartHour && hour < rule.EndHour {
				return rule.Multiplier
			}
			continue
		}
		if hour >= rule.StartHour || hour < rule.EndHour {
			return rule.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}

// RateCard is the complete pricing input for an entry. It is captured when
// the entry opens so later configuration changes never reprice it.
type RateCard struct {
	Model           Model                     `json:"model"`
	MachineRate     Money                     `json:"machineRate"`
	SetupRate       Money                     `json:"setupRate,omitempty"`
	IdleRate        Money                     `json:"idleRate,omitempty"`
	LaborRate       Money                     `json:"laborRate,omitempty"`
	ShiftMultiplier decimal.Decimal           `json:"shiftMultiplier"`
	SkillMultiplier decimal.Decimal           `json:"skillMultiplier"`
	Overtime        []OvertimeStep            `json:"overtime,omitempty"`
	Allocations     map[Phase]PhaseAllocation `json:"allocations,omitempty"`
	Overhead        OverheadPolicy            `json:"overhead"`
}

// Validate checks the card is internally consistent for its model.
func (c RateCard) Validate() error {
	if _, ok := ParseModel(string(c.Model)); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, c.Model)
	}
	if c.MachineRate < 0 || c.SetupRate < 0 || c.IdleRate < 0 || c.LaborRate < 0 || c.Overhead.PlantWideRate < 0 {
		return fmt.Errorf("%w: negative rate", ErrInvalidAllocation)
	}
	one := decimal.NewFromInt(1)
	for phase, alloc := range c.Allocations {
		if alloc.Labor.IsNegative() || alloc.Machine.IsNegative() || alloc.Labor.GreaterThan(one) || alloc.Machine.GreaterThan(one) {
			return fmt.Errorf("%w: phase %s fractions outside [0,1]", ErrInvalidAllocation, phase)
		}
	}
	if len(c.Overhead.Pools) > 0 && c.Overhead.PlantWideRate > 0 {
		return fmt.Errorf("%w: activity pools and plant-wide rate are exclusive", ErrInvalidAllocation)
	}
	for _, pool := range c.Overhead.Pools {
		switch pool.Base {
		case BaseMachineHours, BasePartCount, BaseSetupCount, BaseDirectCost:
		default:
			return fmt.Errorf("%w: pool %s base %q", ErrUnknownAllocationBase, pool.Name, pool.Base)
		}
		if pool.Rate.IsNegative() {
			return fmt.Errorf("%w: pool %s negative rate", ErrInvalidAllocation, pool.Name)
		}
	}
	return nil
}

// WithShift returns a copy with the shift multiplier resolved for the start time.
func (c RateCard) WithShift(rules []ShiftRule, start time.Time) RateCard {
	if len(rules) > 0 {
		c.ShiftMultiplier = ResolveShift(rules, start)
	}
	return c
}

// Clone returns a deep copy so captured cards never alias configuration.
func (c RateCard) Clone() RateCard {
	out := c
	if c.Overtime != nil {
		out.Overtime = append([]OvertimeStep(nil), c.Overtime...)
	}
	if c.Allocations != nil {
		out.Allocations = make(map[Phase]PhaseAllocation, len(c.Allocations))
		for phase, alloc := range c.Allocations {
			out.Allocations[phase] = alloc
		}
	}
	if c.Overhead.Pools != nil {
		out.Overhead.Pools = append([]OverheadPool(nil), c.Overhead.Pools...)
	}
	return out
}

// EffectiveLaborRate is base × shift × overtime × skill in cents per hour.
// The overtime step is chosen by the total priced duration.
func (c RateCard) EffectiveLaborRate(total time.Duration) decimal.Decimal {
	return decimal.NewFromInt(c.LaborRate.Cents()).
		Mul(multiplierOrOne(c.ShiftMultiplier)).
		Mul(OvertimeMultiplier(c.Overtime, total)).
		Mul(multiplierOrOne(c.SkillMultiplier))
}

// MachineRateFor returns the machine rate in cents per hour for a phase,
// honoring the setup and idle sub-rates when configured.
func (c RateCard) MachineRateFor(phase Phase) Money {
	switch {
	case phase == PhaseSetup && c.SetupRate > 0:
		return c.SetupRate
	case phase == PhaseTeardown && c.IdleRate > 0:
		return c.IdleRate
	default:
		return c.MachineRate
	}
}

// AllocationFor returns the labor/machine weighting of a phase; unconfigured
// phases carry full weight on both sides.
func (c RateCard) AllocationFor(phase Phase) PhaseAllocation {
	if alloc, ok := c.Allocations[phase]; ok {
		return alloc
	}
	one := decimal.NewFromInt(1)
	return PhaseAllocation{Labor: one, Machine: one}
}

func multiplierOrOne(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}
