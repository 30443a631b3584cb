package application

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"machine-time/internal/costing/domain"
)

var (
	hundred    = decimal.NewFromInt(100)
	nanosPerHr = decimal.NewFromInt(int64(time.Hour))
)

// Calculator prices entries. It is a pure function of its input: identical
// inputs always produce identical breakdowns.
type Calculator struct{}

// NewCalculator constructs a calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate computes direct and overhead cost for an entry.
func (c *Calculator) Calculate(in costing.Input) (costing.CostBreakdown, error) {
	rates := in.Rates
	if err := rates.Validate(); err != nil {
		return costing.CostBreakdown{}, err
	}
	if in.Duration < 0 || in.Phases.Setup < 0 || in.Phases.Running < 0 || in.Phases.Teardown < 0 {
		return costing.CostBreakdown{}, costing.ErrNegativeDuration
	}

	phases := in.Phases
	if !phases.Marked {
		phases = costing.PhaseDurations{Running: in.Duration}
	} else if phases.Total() != in.Duration {
		return costing.CostBreakdown{}, fmt.Errorf("%w: phases sum to %s, duration is %s", costing.ErrInvalidAllocation, phases.Total(), in.Duration)
	}

	out := costing.CostBreakdown{
		EntryID:  in.EntryID,
		Model:    rates.Model,
		Duration: in.Duration,
	}

	switch rates.Model {
	case costing.ModelMachineHours:
		if rates.MachineRate <= 0 {
			return costing.CostBreakdown{}, fmt.Errorf("%w: machine rate", costing.ErrRateUnresolved)
		}
		for _, phase := range activePhases(phases) {
			d := phases.Of(phase)
			machine := perHour(decimal.NewFromInt(rates.MachineRateFor(phase).Cents()), d)
			out.Phases = append(out.Phases, costing.PhaseCost{Phase: phase, Duration: d, Machine: machine})
			out.MachineCost += machine
		}
	case costing.ModelLaborHours:
		if rates.LaborRate <= 0 {
			return costing.CostBreakdown{}, fmt.Errorf("%w: labor rate", costing.ErrRateUnresolved)
		}
		out.LaborCost = perHour(rates.EffectiveLaborRate(in.Duration), in.Duration)
	case costing.ModelBoth:
		if rates.MachineRate <= 0 {
			return costing.CostBreakdown{}, fmt.Errorf("%w: machine rate", costing.ErrRateUnresolved)
		}
		if rates.LaborRate <= 0 {
			return costing.CostBreakdown{}, fmt.Errorf("%w: labor rate", costing.ErrRateUnresolved)
		}
		labor := rates.EffectiveLaborRate(in.Duration)
		for _, phase := range activePhases(phases) {
			d := phases.Of(phase)
			alloc := rates.AllocationFor(phase)
			pc := costing.PhaseCost{
				Phase:    phase,
				Duration: d,
				Labor:    perHour(labor.Mul(alloc.Labor), d),
				Machine:  perHour(decimal.NewFromInt(rates.MachineRateFor(phase).Cents()).Mul(alloc.Machine), d),
			}
			out.Phases = append(out.Phases, pc)
			out.LaborCost += pc.Labor
			out.MachineCost += pc.Machine
		}
	default:
		return costing.CostBreakdown{}, fmt.Errorf("%w: %q", costing.ErrUnknownModel, rates.Model)
	}

	out.DirectCost = out.LaborCost + out.MachineCost

	allocations, err := allocateOverhead(rates.Overhead, in, out.DirectCost)
	if err != nil {
		return costing.CostBreakdown{}, err
	}
	out.Allocations = allocations
	for _, a := range allocations {
		out.OverheadCost += a.Amount
	}
	out.TotalCost = out.DirectCost + out.OverheadCost
	return out, nil
}

func allocateOverhead(policy costing.OverheadPolicy, in costing.Input, direct costing.Money) ([]costing.Allocation, error) {
	var out []costing.Allocation
	hours := decimal.NewFromInt(int64(in.Duration)).Div(nanosPerHr).Round(6)

	for _, pool := range policy.Pools {
		a := costing.Allocation{Pool: pool.Name, Base: pool.Base, Rate: pool.Rate}
		switch pool.Base {
		case costing.BaseMachineHours:
			a.Quantity = hours
			a.Amount = perHour(pool.Rate.Mul(hundred), in.Duration)
		case costing.BasePartCount:
			a.Quantity = decimal.NewFromInt(int64(in.PartCount))
			a.Amount = roundCents(a.Quantity.Mul(pool.Rate).Mul(hundred))
		case costing.BaseSetupCount:
			a.Quantity = decimal.NewFromInt(int64(in.SetupCount))
			a.Amount = roundCents(a.Quantity.Mul(pool.Rate).Mul(hundred))
		case costing.BaseDirectCost:
			a.Quantity = direct.Decimal()
			a.Amount = roundCents(decimal.NewFromInt(direct.Cents()).Mul(pool.Rate))
		default:
			return nil, fmt.Errorf("%w: pool %s base %q", costing.ErrUnknownAllocationBase, pool.Name, pool.Base)
		}
		out = append(out, a)
	}

	if policy.PlantWideRate > 0 {
		out = append(out, costing.Allocation{
			Pool:     "plant-wide",
			Base:     costing.BaseMachineHours,
			Quantity: hours,
			Rate:     policy.PlantWideRate.Decimal(),
			Amount:   perHour(decimal.NewFromInt(policy.PlantWideRate.Cents()), in.Duration),
		})
	}
	return out, nil
}

func activePhases(p costing.PhaseDurations) []costing.Phase {
	if !p.Marked {
		return []costing.Phase{costing.PhaseRunning}
	}
	return costing.Phases
}

// perHour prices a duration at a cents-per-hour rate, rounded to whole cents.
func perHour(centsPerHour decimal.Decimal, d time.Duration) costing.Money {
	return roundCents(centsPerHour.Mul(decimal.NewFromInt(int64(d))).Div(nanosPerHr))
}

func roundCents(d decimal.Decimal) costing.Money {
	return costing.Money(d.Round(0).IntPart())
}
