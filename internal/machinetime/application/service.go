package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
	"machine-time/internal/observability/metrics"
	signalapp "machine-time/internal/signals/application"
	signals "machine-time/internal/signals/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// EventPublisher emits lifecycle events to external collaborators.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// CostCalculator prices an entry.
type CostCalculator interface {
	Calculate(in costing.Input) (costing.CostBreakdown, error)
}

// Service is the machine time entry manager and the owner of every
// equipment state machine.
type Service struct {
	equipment  machinetime.EquipmentRepository
	entries    machinetime.EntryRepository
	costs      machinetime.CostRepository
	calculator CostCalculator
	normalizer *signalapp.Normalizer
	filter     *signalapp.Filter
	publisher  EventPublisher
	clock      Clock
	logger     *log.Logger

	slotTimeout     time.Duration
	sweepLimit      int
	unusualDuration time.Duration

	arena *arena
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithPublisher assigns the lifecycle event publisher.
func WithPublisher(publisher EventPublisher) ServiceOption {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithCostRepository stores breakdowns separately from entries.
func WithCostRepository(costs machinetime.CostRepository) ServiceOption {
	return func(s *Service) {
		s.costs = costs
	}
}

// WithNormalizer assigns the signal normalizer used by Ingest.
func WithNormalizer(normalizer *signalapp.Normalizer) ServiceOption {
	return func(s *Service) {
		s.normalizer = normalizer
	}
}

// WithFilter assigns the debounce and validation filter.
func WithFilter(filter *signalapp.Filter) ServiceOption {
	return func(s *Service) {
		if filter != nil {
			s.filter = filter
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSlotTimeout bounds the wait for an equipment slot.
func WithSlotTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.slotTimeout = timeout
		}
	}
}

// WithSweepConcurrency bounds how many equipment an idle sweep visits at once.
func WithSweepConcurrency(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.sweepLimit = limit
		}
	}
}

// WithUnusualDuration sets the validation warning threshold.
func WithUnusualDuration(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.unusualDuration = d
		}
	}
}

// NewService constructs the entry manager.
func NewService(equipment machinetime.EquipmentRepository, entries machinetime.EntryRepository, calculator CostCalculator, opts ...ServiceOption) (*Service, error) {
	if equipment == nil {
		return nil, errors.New("machinetime service: nil equipment repo")
	}
	if entries == nil {
		return nil, errors.New("machinetime service: nil entry repo")
	}
	if calculator == nil {
		return nil, errors.New("machinetime service: nil cost calculator")
	}
	filter, err := signalapp.NewFilter(signalapp.FilterConfig{})
	if err != nil {
		return nil, err
	}
	s := &Service{
		equipment:       equipment,
		entries:         entries,
		calculator:      calculator,
		filter:          filter,
		clock:           systemClock{},
		logger:          log.Default(),
		slotTimeout:     DefaultSlotTimeout,
		sweepLimit:      8,
		unusualDuration: machinetime.DefaultUnusualDuration,
		arena:           newArena(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterEquipment adds equipment or updates its configuration. Rate
// changes only apply to entries opened afterwards.
func (s *Service) RegisterEquipment(ctx context.Context, equipment *machinetime.Equipment) (*machinetime.Equipment, error) {
	if err := equipment.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	eq := equipment.Clone()
	existing, err := s.equipment.FindByID(ctx, eq.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		eq.CreatedAt = existing.CreatedAt
	} else {
		eq.CreatedAt = now
	}
	eq.Active = true
	eq.UpdatedAt = now

	if s.normalizer != nil && eq.Source.AdapterID != "" && len(eq.Source.StatusMap) > 0 {
		if err := s.normalizer.RegisterOverride(eq.Source.AdapterID, eq.ID, eq.Source.StatusMap); err != nil {
			return nil, err
		}
	}
	if err := s.equipment.Save(ctx, eq); err != nil {
		return nil, err
	}
	if err := s.install(ctx, eq); err != nil {
		return nil, err
	}
	s.logger.Printf("machinetime equipment registered: equipment=%s type=%s model=%s", eq.ID, eq.Type, eq.Rates.Model)
	return eq.Clone(), nil
}

// DeactivateEquipment retires equipment. Equipment with an open entry is busy.
func (s *Service) DeactivateEquipment(ctx context.Context, equipmentID string) error {
	rt, err := s.runtimeFor(ctx, equipmentID)
	if err != nil {
		return err
	}
	if err := s.lock(ctx, rt, "deactivate"); err != nil {
		return err
	}
	defer rt.release()

	if rt.activeEntryID != "" {
		return fmt.Errorf("%w: entry %s open", machinetime.ErrEquipmentBusy, rt.activeEntryID)
	}
	eq := rt.equipment.Clone()
	eq.Deactivate(s.clock.Now())
	if err := s.equipment.Save(ctx, eq); err != nil {
		return err
	}
	rt.equipment = eq
	rt.retired = true
	s.arena.remove(equipmentID)
	s.logger.Printf("machinetime equipment deactivated: equipment=%s", equipmentID)
	return nil
}

// Restore loads active equipment and their open entries into the arena.
func (s *Service) Restore(ctx context.Context) (int, error) {
	list, err := s.equipment.List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, eq := range list {
		if eq == nil || !eq.Active {
			continue
		}
		if s.normalizer != nil && eq.Source.AdapterID != "" && len(eq.Source.StatusMap) > 0 {
			if err := s.normalizer.RegisterOverride(eq.Source.AdapterID, eq.ID, eq.Source.StatusMap); err != nil {
				return count, err
			}
		}
		if err := s.install(ctx, eq); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Equipment returns the cached configuration of an active equipment.
func (s *Service) Equipment(ctx context.Context, equipmentID string) (*machinetime.Equipment, error) {
	rt, err := s.runtimeFor(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	if err := s.lock(ctx, rt, "equipment"); err != nil {
		return nil, err
	}
	defer rt.release()
	return rt.equipment.Clone(), nil
}

// Snapshot returns the runtime state of an equipment.
func (s *Service) Snapshot(ctx context.Context, equipmentID string) (RuntimeSnapshot, error) {
	rt, err := s.runtimeFor(ctx, equipmentID)
	if err != nil {
		return RuntimeSnapshot{}, err
	}
	if err := s.lock(ctx, rt, "snapshot"); err != nil {
		return RuntimeSnapshot{}, err
	}
	defer rt.release()
	return rt.snapshot(), nil
}

// install creates or refreshes the runtime of an equipment, recovering the
// state implied by its open entry.
func (s *Service) install(ctx context.Context, eq *machinetime.Equipment) error {
	if rt, ok := s.arena.get(eq.ID); ok {
		return s.refresh(ctx, rt, eq)
	}

	fresh := newRuntimeState(eq.Clone(), s.filter.NewState())
	open, err := s.entries.FindOpenByEquipment(ctx, eq.ID)
	if err != nil {
		return err
	}
	if open != nil {
		fresh.activeEntryID = open.ID
		fresh.touch(open.UpdatedAt)
		fresh.lastTransitionAt = open.UpdatedAt
		if open.Status == machinetime.EntryPaused {
			fresh.state = machinetime.StatePaused
			fresh.debounce.Force(signals.SignalPause)
		} else {
			fresh.state = machinetime.StateRunning
			fresh.debounce.Force(signals.SignalRunning)
		}
	}
	if rt, existed := s.arena.getOrPut(fresh); existed {
		return s.refresh(ctx, rt, eq)
	}
	return nil
}

func (s *Service) refresh(ctx context.Context, rt *runtimeState, eq *machinetime.Equipment) error {
	if err := s.lock(ctx, rt, "register"); err != nil {
		return err
	}
	rt.equipment = eq.Clone()
	rt.release()
	return nil
}

func (s *Service) runtimeFor(ctx context.Context, equipmentID string) (*runtimeState, error) {
	if equipmentID == "" {
		return nil, machinetime.ErrEmptyEquipmentID
	}
	if rt, ok := s.arena.get(equipmentID); ok {
		return rt, nil
	}
	eq, err := s.equipment.FindByID(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	if eq != nil && !eq.Active {
		return nil, fmt.Errorf("%w: %s", machinetime.ErrEquipmentInactive, equipmentID)
	}
	return nil, fmt.Errorf("%w: %s", machinetime.ErrUnknownEquipment, equipmentID)
}

func (s *Service) lock(ctx context.Context, rt *runtimeState, operation string) error {
	if err := rt.acquire(ctx, s.slotTimeout); err != nil {
		if errors.Is(err, machinetime.ErrSlotTimeout) {
			metrics.IncSlotTimeout(operation)
			s.logger.Printf("machinetime slot timeout: equipment=%s op=%s timeout=%s", rt.equipmentID, operation, s.slotTimeout)
		}
		return err
	}
	if rt.retired {
		rt.release()
		return fmt.Errorf("%w: %s", machinetime.ErrEquipmentInactive, rt.equipmentID)
	}
	return nil
}

// loadOpenEntry reloads the runtime's active entry. The slot must be held.
func (s *Service) loadOpenEntry(ctx context.Context, rt *runtimeState) (*machinetime.Entry, error) {
	if rt.activeEntryID == "" {
		return nil, nil
	}
	entry, err := s.entries.FindByID(ctx, rt.activeEntryID)
	if err != nil {
		return nil, err
	}
	if entry == nil || !entry.Open() {
		rt.activeEntryID = ""
		return nil, nil
	}
	return entry, nil
}

// openEntry creates an entry. The slot must be held.
func (s *Service) openEntry(ctx context.Context, rt *runtimeState, req StartRequest) (*machinetime.Entry, error) {
	if !rt.equipment.Active {
		return nil, fmt.Errorf("%w: %s", machinetime.ErrEquipmentInactive, rt.equipmentID)
	}
	if rt.activeEntryID != "" {
		return nil, fmt.Errorf("%w: entry %s open", machinetime.ErrEquipmentBusy, rt.activeEntryID)
	}
	open, err := s.entries.FindOpenByEquipment(ctx, rt.equipmentID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		rt.activeEntryID = open.ID
		return nil, fmt.Errorf("%w: entry %s open", machinetime.ErrEquipmentBusy, open.ID)
	}

	start := req.StartTime
	if start.IsZero() {
		start = s.clock.Now()
	}
	rates := rt.equipment.CaptureRates(start)
	if req.Rates != nil {
		if err := req.Rates.Validate(); err != nil {
			return nil, err
		}
		rates = req.Rates.Clone()
	}
	entry, err := machinetime.NewEntry(machinetime.NewEntryParams{
		EquipmentID: rt.equipmentID,
		WorkOrderID: req.WorkOrderID,
		OperationID: req.OperationID,
		Source:      req.Source,
		StartTime:   start,
		Rates:       rates,
	})
	if err != nil {
		return nil, err
	}
	if req.Uncertain {
		entry.AddFlag(machinetime.FlagUncertainSignal)
	}
	if err := s.entries.Save(ctx, entry); err != nil {
		return nil, err
	}

	rt.activeEntryID = entry.ID
	rt.transition(machinetime.StateRunning, entry.StartTime)
	rt.touch(entry.StartTime)
	s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventTimeStarted, entry.StartTime, entry, map[string]any{
		"source":      string(entry.Source),
		"workOrderId": entry.WorkOrderID,
		"operationId": entry.OperationID,
		"machineRate": entry.Rates.MachineRate.String(),
		"model":       string(entry.Rates.Model),
	}))
	s.logger.Printf("machinetime entry started: equipment=%s entry=%s source=%s", entry.EquipmentID, entry.ID, entry.Source)
	return entry, nil
}

// closeEntry prices and completes an entry. The slot must be held. A cost
// failure leaves the entry open.
func (s *Service) closeEntry(ctx context.Context, rt *runtimeState, entry *machinetime.Entry, end time.Time, flags ...machinetime.Flag) error {
	input, err := entry.CostInput(end)
	if err != nil {
		return err
	}
	breakdown, err := s.calculate(input)
	if err != nil {
		s.logger.Printf("machinetime cost failed: equipment=%s entry=%s err=%v", entry.EquipmentID, entry.ID, err)
		return fmt.Errorf("machinetime: entry %s cost: %w", entry.ID, err)
	}
	if err := entry.Complete(end, breakdown); err != nil {
		return err
	}
	for _, flag := range flags {
		entry.AddFlag(flag)
	}
	if err := s.entries.Save(ctx, entry); err != nil {
		return err
	}
	if s.costs != nil {
		if err := s.costs.Save(ctx, breakdown); err != nil {
			s.logger.Printf("machinetime cost save failed: entry=%s err=%v", entry.ID, err)
		}
	}
	if rt != nil && rt.activeEntryID == entry.ID {
		rt.activeEntryID = ""
	}
	s.logger.Printf("machinetime entry completed: equipment=%s entry=%s duration=%s total=%s flags=%v",
		entry.EquipmentID, entry.ID, entry.Duration, breakdown.TotalCost, entry.Flags)
	return nil
}

func (s *Service) calculate(input costing.Input) (costing.CostBreakdown, error) {
	start := time.Now()
	breakdown, err := s.calculator.Calculate(input)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveCost(string(input.Rates.Model), result, time.Since(start))
	return breakdown, err
}

func (s *Service) emit(ctx context.Context, event machinetime.LifecycleEvent) {
	metrics.IncEntryEvent(event.Event)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Printf("machinetime event publish failed: event=%s equipment=%s entry=%s err=%v", event.Event, event.EquipmentID, event.EntryID, err)
	}
}
