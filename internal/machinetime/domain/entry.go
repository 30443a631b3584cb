package machinetime

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	costing "machine-time/internal/costing/domain"
	signals "machine-time/internal/signals/domain"
)

// EntryStatus is the lifecycle status of a machine time entry.
type EntryStatus string

const (
	EntryActive    EntryStatus = "ACTIVE"
	EntryPaused    EntryStatus = "PAUSED"
	EntryCompleted EntryStatus = "COMPLETED"
)

// Flag annotates how an entry was produced or closed.
type Flag string

const (
	FlagErrorStop       Flag = "ERROR_STOP"
	FlagAutoStop        Flag = "AUTO_STOP"
	FlagUncertainSignal Flag = "UNCERTAIN_SIGNAL"
)

// PauseInterval is one pause. End is zero while the pause is open.
type PauseInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

// Open reports whether the pause has not been resumed.
func (p PauseInterval) Open() bool { return p.End.IsZero() }

// NewEntryParams describes an entry to open.
type NewEntryParams struct {
	EquipmentID string
	WorkOrderID string
	OperationID string
	Source      signals.SourceType
	StartTime   time.Time
	Rates       costing.RateCard
}

// Entry is a billable span of machine time. At most one entry per equipment
// may be ACTIVE or PAUSED. Completed entries are immutable apart from
// explicit cost recomputation.
type Entry struct {
	ID             string                 `json:"id"`
	EquipmentID    string                 `json:"equipmentId"`
	WorkOrderID    string                 `json:"workOrderId,omitempty"`
	OperationID    string                 `json:"operationId,omitempty"`
	Source         signals.SourceType     `json:"source"`
	StartTime      time.Time              `json:"startTime"`
	EndTime        *time.Time             `json:"endTime,omitempty"`
	Status         EntryStatus            `json:"status"`
	Pauses         []PauseInterval        `json:"pauses,omitempty"`
	PausedDuration time.Duration          `json:"pausedDuration"`
	Duration       time.Duration          `json:"duration"`
	CycleCount     int                    `json:"cycleCount"`
	PartCount      int                    `json:"partCount"`
	SetupCount     int                    `json:"setupCount"`
	FirstRunningAt time.Time              `json:"firstRunningAt,omitempty"`
	LastCycleAt    time.Time              `json:"lastCycleAt,omitempty"`
	Rates          costing.RateCard       `json:"rates"`
	Flags          []Flag                 `json:"flags,omitempty"`
	Cost           *costing.CostBreakdown `json:"cost,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// NewEntry opens an ACTIVE entry.
func NewEntry(params NewEntryParams) (*Entry, error) {
	if params.EquipmentID == "" {
		return nil, ErrEmptyEquipmentID
	}
	if params.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: zero start time", ErrInvalidTimeRange)
	}
	start := params.StartTime.UTC()
	return &Entry{
		ID:          uuid.NewString(),
		EquipmentID: params.EquipmentID,
		WorkOrderID: params.WorkOrderID,
		OperationID: params.OperationID,
		Source:      params.Source,
		StartTime:   start,
		Status:      EntryActive,
		Rates:       params.Rates.Clone(),
		CreatedAt:   start,
		UpdatedAt:   start,
	}, nil
}

// Open reports whether the entry is ACTIVE or PAUSED.
func (e *Entry) Open() bool {
	return e.Status == EntryActive || e.Status == EntryPaused
}

// Pause marks the entry PAUSED at the given time.
func (e *Entry) Pause(at time.Time) error {
	switch e.Status {
	case EntryCompleted:
		return ErrEntryAlreadyCompleted
	case EntryPaused:
		return fmt.Errorf("%w: entry %s already paused", ErrInvalidTransition, e.ID)
	}
	at = at.UTC()
	if floor := e.EarliestEnd(); at.Before(floor) {
		return fmt.Errorf("%w: pause at %s before %s", ErrInvalidTimeRange, at.Format(time.RFC3339), floor.Format(time.RFC3339))
	}
	e.Pauses = append(e.Pauses, PauseInterval{Start: at})
	e.Status = EntryPaused
	e.UpdatedAt = at
	return nil
}

// Resume reactivates a paused entry and accumulates the pause interval.
func (e *Entry) Resume(at time.Time) error {
	switch e.Status {
	case EntryCompleted:
		return ErrEntryAlreadyCompleted
	case EntryActive:
		return fmt.Errorf("%w: entry %s not paused", ErrInvalidTransition, e.ID)
	}
	at = at.UTC()
	idx := len(e.Pauses) - 1
	if idx < 0 || !e.Pauses[idx].Open() {
		return fmt.Errorf("%w: entry %s has no open pause", ErrInvalidTransition, e.ID)
	}
	if at.Before(e.Pauses[idx].Start) {
		return fmt.Errorf("%w: resume before pause", ErrInvalidTimeRange)
	}
	e.Pauses[idx].End = at
	e.PausedDuration += at.Sub(e.Pauses[idx].Start)
	e.Status = EntryActive
	e.UpdatedAt = at
	return nil
}

// MarkRunning records the first confirmed RUNNING signal, which ends setup.
func (e *Entry) MarkRunning(at time.Time) {
	if !e.Open() || !e.FirstRunningAt.IsZero() {
		return
	}
	at = at.UTC()
	if at.Before(e.StartTime) {
		return
	}
	e.FirstRunningAt = at
	if at.After(e.StartTime) {
		e.SetupCount = 1
	}
	e.UpdatedAt = at
}

// RecordCounter counts a cycle or part completion.
func (e *Entry) RecordCounter(signalType signals.SignalType, at time.Time) {
	if !e.Open() {
		return
	}
	switch signalType {
	case signals.SignalCycleComplete:
		e.CycleCount++
	case signals.SignalPartComplete:
		e.PartCount++
	default:
		return
	}
	at = at.UTC()
	if at.After(e.LastCycleAt) {
		e.LastCycleAt = at
	}
	e.UpdatedAt = at
}

// AddFlag annotates the entry once per flag.
func (e *Entry) AddFlag(flag Flag) {
	if e.HasFlag(flag) {
		return
	}
	e.Flags = append(e.Flags, flag)
}

// HasFlag reports whether the flag is set.
func (e *Entry) HasFlag(flag Flag) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ActiveDuration is (at - start) - paused time, counting an open pause up to at.
func (e *Entry) ActiveDuration(at time.Time) time.Duration {
	if e.EndTime != nil {
		return e.Duration
	}
	paused := e.PausedDuration
	if n := len(e.Pauses); n > 0 && e.Pauses[n-1].Open() && at.After(e.Pauses[n-1].Start) {
		paused += at.Sub(e.Pauses[n-1].Start)
	}
	return at.Sub(e.StartTime) - paused
}

// CostInput builds the calculator input for the entry closed (or estimated) at end.
func (e *Entry) CostInput(end time.Time) (costing.Input, error) {
	end = end.UTC()
	if e.EndTime == nil {
		if err := e.checkEnd(end); err != nil {
			return costing.Input{}, err
		}
	} else if end.Before(e.StartTime) {
		return costing.Input{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidTimeRange, end.Format(time.RFC3339), e.StartTime.Format(time.RFC3339))
	}
	return costing.Input{
		EntryID:    e.ID,
		Duration:   e.ActiveDuration(end),
		Phases:     e.phaseDurations(end),
		PartCount:  e.PartCount,
		CycleCount: e.CycleCount,
		SetupCount: e.SetupCount,
		Rates:      e.Rates,
	}, nil
}

// Complete closes the entry at end with its computed cost.
func (e *Entry) Complete(end time.Time, cost costing.CostBreakdown) error {
	if e.Status == EntryCompleted {
		return ErrEntryAlreadyCompleted
	}
	end = end.UTC()
	if err := e.checkEnd(end); err != nil {
		return err
	}
	if n := len(e.Pauses); n > 0 && e.Pauses[n-1].Open() {
		e.Pauses[n-1].End = end
		e.PausedDuration += end.Sub(e.Pauses[n-1].Start)
	}
	e.EndTime = &end
	e.Duration = end.Sub(e.StartTime) - e.PausedDuration
	e.Status = EntryCompleted
	e.Cost = &cost
	e.UpdatedAt = end
	return nil
}

// ApplyCost replaces the cost of a completed entry after a rate correction.
func (e *Entry) ApplyCost(rates costing.RateCard, cost costing.CostBreakdown, at time.Time) error {
	if e.Status != EntryCompleted {
		return fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, e.ID, e.Status)
	}
	e.Rates = rates.Clone()
	e.Cost = &cost
	e.UpdatedAt = at.UTC()
	return nil
}

// Clone returns a detached copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.EndTime != nil {
		end := *e.EndTime
		out.EndTime = &end
	}
	if e.Pauses != nil {
		out.Pauses = append([]PauseInterval(nil), e.Pauses...)
	}
	if e.Flags != nil {
		out.Flags = append([]Flag(nil), e.Flags...)
	}
	if e.Cost != nil {
		cost := *e.Cost
		cost.Phases = append([]costing.PhaseCost(nil), e.Cost.Phases...)
		cost.Allocations = append([]costing.Allocation(nil), e.Cost.Allocations...)
		out.Cost = &cost
	}
	out.Rates = e.Rates.Clone()
	return &out
}

// EarliestEnd is the first instant the entry may be closed or paused at:
// the start of an open pause, the end of the last closed pause, or the start.
// Earlier ends would subtract pause time that never elapsed.
func (e *Entry) EarliestEnd() time.Time {
	n := len(e.Pauses)
	if n == 0 {
		return e.StartTime
	}
	last := e.Pauses[n-1]
	if last.Open() {
		return last.Start
	}
	return last.End
}

func (e *Entry) checkEnd(end time.Time) error {
	if end.Before(e.StartTime) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidTimeRange, end.Format(time.RFC3339), e.StartTime.Format(time.RFC3339))
	}
	if floor := e.EarliestEnd(); end.Before(floor) {
		return fmt.Errorf("%w: end %s before last pause boundary %s", ErrInvalidTimeRange, end.Format(time.RFC3339), floor.Format(time.RFC3339))
	}
	return nil
}

// phaseDurations splits active time into setup [start, firstRunning),
// running [firstRunning, lastCycle] and teardown (lastCycle, end], each net
// of the pause time that overlaps it.
func (e *Entry) phaseDurations(end time.Time) costing.PhaseDurations {
	if e.FirstRunningAt.IsZero() && e.LastCycleAt.IsZero() {
		return costing.PhaseDurations{}
	}
	setupEnd := clamp(e.FirstRunningAt, e.StartTime, end)
	runEnd := end
	if !e.LastCycleAt.IsZero() {
		runEnd = clamp(e.LastCycleAt, setupEnd, end)
	}
	return costing.PhaseDurations{
		Setup:    e.activeWithin(e.StartTime, setupEnd, end),
		Running:  e.activeWithin(setupEnd, runEnd, end),
		Teardown: e.activeWithin(runEnd, end, end),
		Marked:   true,
	}
}

func (e *Entry) activeWithin(from, to, end time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	d := to.Sub(from)
	for _, p := range e.Pauses {
		pEnd := p.End
		if p.Open() {
			pEnd = end
		}
		start := maxTime(p.Start, from)
		stop := minTime(pEnd, to)
		if stop.After(start) {
			d -= stop.Sub(start)
		}
	}
	return d
}

func clamp(t, lo, hi time.Time) time.Time {
	if t.IsZero() || t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
