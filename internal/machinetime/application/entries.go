package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
	"machine-time/internal/observability/metrics"
	signals "machine-time/internal/signals/domain"
)

// StartRequest opens an entry. A zero StartTime means now; nil Rates means the
// equipment's configured rate card.
type StartRequest struct {
	EquipmentID string
	WorkOrderID string
	OperationID string
	Source      signals.SourceType
	StartTime   time.Time
	Rates       *costing.RateCard
	Uncertain   bool
}

// Summary is the billing view of a completed (or estimated) entry.
type Summary struct {
	EntryID  string                 `json:"entryId"`
	Duration time.Duration          `json:"duration"`
	Hours    float64                `json:"hours"`
	Total    string                 `json:"total"`
	Cost     *costing.CostBreakdown `json:"cost,omitempty"`
}

// Result is the synchronous outcome of an entry command.
type Result struct {
	Entry            *machinetime.Entry `json:"entry"`
	Summary          *Summary           `json:"summary,omitempty"`
	AlreadyCompleted bool               `json:"alreadyCompleted,omitempty"`
}

func resultFor(entry *machinetime.Entry) Result {
	out := Result{Entry: entry.Clone()}
	if entry.Cost != nil {
		cost := *entry.Cost
		out.Summary = &Summary{
			EntryID:  entry.ID,
			Duration: entry.Duration,
			Hours:    entry.Duration.Hours(),
			Total:    cost.TotalCost.String(),
			Cost:     &cost,
		}
	}
	return out
}

// Start opens an entry for the equipment.
func (s *Service) Start(ctx context.Context, req StartRequest) (Result, error) {
	result, err := s.start(ctx, req)
	s.countCommand("start", err)
	return result, err
}

func (s *Service) start(ctx context.Context, req StartRequest) (Result, error) {
	rt, err := s.runtimeFor(ctx, req.EquipmentID)
	if err != nil {
		return Result{}, err
	}
	if err := s.lock(ctx, rt, "start"); err != nil {
		return Result{}, err
	}
	defer rt.release()

	if req.Source == "" {
		req.Source = signals.SourceManual
	}
	entry, err := s.openEntry(ctx, rt, req)
	if err != nil {
		return Result{}, err
	}
	rt.debounce.Force(signals.SignalStart)
	return resultFor(entry), nil
}

// Stop completes an entry. Stopping a completed entry returns the stored result
// with AlreadyCompleted set and no error.
func (s *Service) Stop(ctx context.Context, entryID string, end *time.Time) (Result, error) {
	result, err := s.stop(ctx, entryID, end)
	s.countCommand("stop", err)
	return result, err
}

func (s *Service) stop(ctx context.Context, entryID string, end *time.Time) (Result, error) {
	entry, err := s.findEntry(ctx, entryID)
	if err != nil {
		return Result{}, err
	}
	if !entry.Open() {
		return completedResult(entry), nil
	}
	rt, err := s.runtimeFor(ctx, entry.EquipmentID)
	if err != nil {
		return Result{}, err
	}
	if err := s.lock(ctx, rt, "stop"); err != nil {
		return Result{}, err
	}
	defer rt.release()

	// Reload under the slot; a concurrent stop or sweep may have won.
	entry, err = s.findEntry(ctx, entryID)
	if err != nil {
		return Result{}, err
	}
	if !entry.Open() {
		return completedResult(entry), nil
	}

	at := s.clock.Now()
	if end != nil {
		at = end.UTC()
	}
	if floor := entry.EarliestEnd(); at.Before(floor) {
		return Result{}, fmt.Errorf("%w: end %s before %s", machinetime.ErrInvalidTimeRange, at.Format(time.RFC3339), floor.Format(time.RFC3339))
	}
	if err := s.closeEntry(ctx, rt, entry, at); err != nil {
		return Result{}, err
	}
	rt.transition(machinetime.StateStopped, at)
	rt.debounce.Force(signals.SignalStop)
	s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventTimeStopped, at, entry, machinetime.StoppedData(entry)))
	return resultFor(entry), nil
}

func completedResult(entry *machinetime.Entry) Result {
	out := resultFor(entry)
	out.AlreadyCompleted = true
	return out
}

// Pause marks an ACTIVE entry PAUSED. A nil at means now.
func (s *Service) Pause(ctx context.Context, entryID string, at *time.Time) (Result, error) {
	result, err := s.pauseOrResume(ctx, entryID, at, true)
	s.countCommand("pause", err)
	return result, err
}

// Resume reactivates a PAUSED entry. A nil at means now.
func (s *Service) Resume(ctx context.Context, entryID string, at *time.Time) (Result, error) {
	result, err := s.pauseOrResume(ctx, entryID, at, false)
	s.countCommand("resume", err)
	return result, err
}

func (s *Service) pauseOrResume(ctx context.Context, entryID string, at *time.Time, pause bool) (Result, error) {
	entry, err := s.findEntry(ctx, entryID)
	if err != nil {
		return Result{}, err
	}
	if !entry.Open() {
		return Result{}, machinetime.ErrEntryAlreadyCompleted
	}
	rt, err := s.runtimeFor(ctx, entry.EquipmentID)
	if err != nil {
		return Result{}, err
	}
	op := "resume"
	if pause {
		op = "pause"
	}
	if err := s.lock(ctx, rt, op); err != nil {
		return Result{}, err
	}
	defer rt.release()

	entry, err = s.findEntry(ctx, entryID)
	if err != nil {
		return Result{}, err
	}
	when := s.clock.Now()
	if at != nil {
		when = at.UTC()
	}
	if pause {
		err = s.pauseEntry(ctx, rt, entry, when)
	} else {
		err = s.resumeEntry(ctx, rt, entry, when)
	}
	if err != nil {
		return Result{}, err
	}
	return resultFor(entry), nil
}

// pauseEntry pauses an entry. The slot must be held.
func (s *Service) pauseEntry(ctx context.Context, rt *runtimeState, entry *machinetime.Entry, at time.Time) error {
	if err := entry.Pause(at); err != nil {
		return err
	}
	if err := s.entries.Save(ctx, entry); err != nil {
		return err
	}
	rt.transition(machinetime.StatePaused, at)
	rt.touch(at)
	rt.debounce.Force(signals.SignalPause)
	s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventTimePaused, at, entry, nil))
	s.logger.Printf("machinetime entry paused: equipment=%s entry=%s", entry.EquipmentID, entry.ID)
	return nil
}

// resumeEntry resumes an entry. The slot must be held.
func (s *Service) resumeEntry(ctx context.Context, rt *runtimeState, entry *machinetime.Entry, at time.Time) error {
	if err := entry.Resume(at); err != nil {
		return err
	}
	if err := s.entries.Save(ctx, entry); err != nil {
		return err
	}
	rt.transition(machinetime.StateRunning, at)
	rt.touch(at)
	rt.debounce.Force(signals.SignalResume)
	s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventTimeResumed, at, entry, map[string]any{
		"pausedDuration": entry.PausedDuration.Seconds(),
	}))
	s.logger.Printf("machinetime entry resumed: equipment=%s entry=%s paused=%s", entry.EquipmentID, entry.ID, entry.PausedDuration)
	return nil
}

// Entry loads one entry.
func (s *Service) Entry(ctx context.Context, entryID string) (*machinetime.Entry, error) {
	return s.findEntry(ctx, entryID)
}

// EntriesForEquipment lists an equipment's entries.
func (s *Service) EntriesForEquipment(ctx context.Context, equipmentID string) ([]*machinetime.Entry, error) {
	if equipmentID == "" {
		return nil, machinetime.ErrEmptyEquipmentID
	}
	return s.entries.ListByEquipment(ctx, equipmentID)
}

// Estimate prices an entry as if it closed at the given time (now when nil)
// without mutating it. Completed entries return their stored cost.
func (s *Service) Estimate(ctx context.Context, entryID string, at *time.Time) (costing.CostBreakdown, error) {
	entry, err := s.findEntry(ctx, entryID)
	if err != nil {
		return costing.CostBreakdown{}, err
	}
	if !entry.Open() && entry.Cost != nil {
		return *entry.Cost, nil
	}
	when := s.clock.Now()
	if at != nil {
		when = at.UTC()
	}
	if entry.EndTime != nil {
		when = *entry.EndTime
	}
	input, err := entry.CostInput(when)
	if err != nil {
		return costing.CostBreakdown{}, err
	}
	return s.calculate(input)
}

// RecomputeCost reprices a completed entry, optionally with a corrected rate
// card. Repeating it with the same inputs stores the same breakdown.
func (s *Service) RecomputeCost(ctx context.Context, entryID string, corrected *costing.RateCard) (Result, error) {
	result, err := s.recompute(ctx, entryID, corrected)
	s.countCommand("recompute", err)
	return result, err
}

func (s *Service) recompute(ctx context.Context, entryID string, corrected *costing.RateCard) (Result, error) {
	entry, err := s.findEntry(ctx, entryID)
	if err != nil {
		return Result{}, err
	}
	if entry.Open() {
		return Result{}, fmt.Errorf("%w: entry %s is %s", machinetime.ErrInvalidTransition, entry.ID, entry.Status)
	}
	if rt, err := s.runtimeFor(ctx, entry.EquipmentID); err == nil {
		if err := s.lock(ctx, rt, "recompute"); err != nil {
			return Result{}, err
		}
		defer rt.release()
		if entry, err = s.findEntry(ctx, entryID); err != nil {
			return Result{}, err
		}
	}

	rates := entry.Rates
	if corrected != nil {
		if err := corrected.Validate(); err != nil {
			return Result{}, err
		}
		rates = corrected.Clone()
	}
	input, err := entry.CostInput(*entry.EndTime)
	if err != nil {
		return Result{}, err
	}
	input.Rates = rates
	breakdown, err := s.calculate(input)
	if err != nil {
		return Result{}, fmt.Errorf("machinetime: entry %s cost: %w", entry.ID, err)
	}
	if err := entry.ApplyCost(rates, breakdown, s.clock.Now()); err != nil {
		return Result{}, err
	}
	if err := s.entries.Save(ctx, entry); err != nil {
		return Result{}, err
	}
	if s.costs != nil {
		if err := s.costs.Save(ctx, breakdown); err != nil {
			return Result{}, err
		}
	}
	s.logger.Printf("machinetime cost recomputed: entry=%s total=%s", entry.ID, breakdown.TotalCost)
	return resultFor(entry), nil
}

// Validate runs a read-only consistency check of an entry.
func (s *Service) Validate(ctx context.Context, entryID string) (machinetime.ValidationReport, error) {
	entry, err := s.findEntry(ctx, entryID)
	if err != nil {
		return machinetime.ValidationReport{}, err
	}
	equipment, err := s.equipment.FindByID(ctx, entry.EquipmentID)
	if err != nil {
		return machinetime.ValidationReport{}, err
	}
	siblings, err := s.entries.ListByEquipment(ctx, entry.EquipmentID)
	if err != nil {
		return machinetime.ValidationReport{}, err
	}
	now := s.clock.Now()
	report := machinetime.ValidateEntry(entry, equipment, siblings, now, s.unusualDuration)
	if s.costs != nil && entry.Status == machinetime.EntryCompleted {
		stored, err := s.costs.FindByEntry(ctx, entry.ID)
		if err != nil {
			return machinetime.ValidationReport{}, err
		}
		if stored == nil {
			report.Findings = append(report.Findings, machinetime.Finding{
				Code:     machinetime.FindingCostMissing,
				Severity: machinetime.SeverityWarning,
				Message:  "no stored cost breakdown",
			})
		}
	}
	return report, nil
}

func (s *Service) findEntry(ctx context.Context, entryID string) (*machinetime.Entry, error) {
	if entryID == "" {
		return nil, machinetime.ErrEntryNotFound
	}
	entry, err := s.entries.FindByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", machinetime.ErrEntryNotFound, entryID)
	}
	return entry, nil
}

func (s *Service) countCommand(command string, err error) {
	result := metrics.ResultSuccess
	if err != nil && !errors.Is(err, machinetime.ErrEntryAlreadyCompleted) {
		result = metrics.ResultError
	}
	metrics.IncCommand(command, result)
}
