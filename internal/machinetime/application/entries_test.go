package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
	signals "machine-time/internal/signals/domain"
)

func TestStartRejectsSecondOpenEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.start(t, baseTime)

	_, err := h.service.Start(ctx, StartRequest{EquipmentID: "cnc-01"})
	if !errors.Is(err, machinetime.ErrEquipmentBusy) {
		t.Fatalf("expected ErrEquipmentBusy, got %v", err)
	}
	open, err := h.entries.FindOpenByEquipment(ctx, "cnc-01")
	if err != nil || open == nil || open.ID != first.ID {
		t.Fatalf("expected first entry to stay open: entry=%v err=%v", open, err)
	}

	_, err = h.service.Start(ctx, StartRequest{EquipmentID: "lathe-9"})
	if !errors.Is(err, machinetime.ErrUnknownEquipment) {
		t.Fatalf("expected ErrUnknownEquipment, got %v", err)
	}
	_, err = h.service.Start(ctx, StartRequest{})
	if !errors.Is(err, machinetime.ErrEmptyEquipmentID) {
		t.Fatalf("expected ErrEmptyEquipmentID, got %v", err)
	}
}

func TestStartDefaultsAndCapturesRates(t *testing.T) {
	h := newHarness(t)
	result, err := h.service.Start(context.Background(), StartRequest{EquipmentID: "cnc-01", WorkOrderID: "WO-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	entry := result.Entry
	if entry.Source != signals.SourceManual {
		t.Fatalf("expected manual source, got %s", entry.Source)
	}
	if !entry.StartTime.Equal(baseTime) {
		t.Fatalf("expected start at clock now, got %s", entry.StartTime)
	}
	if entry.Rates.MachineRate != 12500 {
		t.Fatalf("rates not captured: %+v", entry.Rates)
	}
	started := h.publisher.named(machinetime.EventTimeStarted)
	if len(started) != 1 || started[0].Data["workOrderId"] != "WO-1" || started[0].Data["machineRate"] != "125.00" {
		t.Fatalf("unexpected started event: %+v", started)
	}

	// Re-registering with a new rate does not reprice the open entry.
	_, err = h.service.RegisterEquipment(context.Background(), &machinetime.Equipment{
		ID:     "cnc-01",
		Source: machinetime.SignalSource{AdapterID: testAdapter},
		Rates:  costing.RateCard{Model: costing.ModelMachineHours, MachineRate: 99900},
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	stopped, err := h.service.Stop(context.Background(), entry.ID, ptr(baseTime.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Summary.Total != "250.00" {
		t.Fatalf("expected captured rate pricing, got %s", stopped.Summary.Total)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)
	end := baseTime.Add(4 * time.Hour)

	first, err := h.service.Stop(ctx, entry.ID, &end)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if first.AlreadyCompleted {
		t.Fatalf("first stop reported already completed")
	}
	if first.Summary == nil || first.Summary.Total != "500.00" || first.Summary.Hours != 4 {
		t.Fatalf("unexpected summary: %+v", first.Summary)
	}

	h.clock.Advance(6 * time.Hour)
	second, err := h.service.Stop(ctx, entry.ID, nil)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !second.AlreadyCompleted {
		t.Fatalf("expected already completed")
	}
	if second.Summary.Total != first.Summary.Total || !second.Entry.EndTime.Equal(end) {
		t.Fatalf("second stop changed the entry: %+v", second.Entry)
	}
	if got := h.costs.Saves(entry.ID); got != 1 {
		t.Fatalf("expected one cost save, got %d", got)
	}
	if got := len(h.publisher.named(machinetime.EventTimeStopped)); got != 1 {
		t.Fatalf("expected one stopped event, got %d", got)
	}
}

func TestStopRejectsEndBeforeStart(t *testing.T) {
	h := newHarness(t)
	entry := h.start(t, baseTime)
	_, err := h.service.Stop(context.Background(), entry.ID, ptr(baseTime.Add(-time.Minute)))
	if !errors.Is(err, machinetime.ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
	reloaded, _ := h.service.Entry(context.Background(), entry.ID)
	if !reloaded.Open() {
		t.Fatalf("entry closed by invalid stop")
	}
	_, err = h.service.Stop(context.Background(), "missing", nil)
	if !errors.Is(err, machinetime.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestPauseResumeExcludesPausedTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)

	if _, err := h.service.Pause(ctx, entry.ID, ptr(baseTime.Add(2*time.Hour))); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.service.Pause(ctx, entry.ID, ptr(baseTime.Add(2*time.Hour+time.Minute))); !errors.Is(err, machinetime.ErrInvalidTransition) {
		t.Fatalf("expected double pause to fail, got %v", err)
	}
	resumed, err := h.service.Resume(ctx, entry.ID, ptr(baseTime.Add(2*time.Hour+30*time.Minute)))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Entry.PausedDuration != 30*time.Minute {
		t.Fatalf("paused duration: %s", resumed.Entry.PausedDuration)
	}

	result, err := h.service.Stop(ctx, entry.ID, ptr(baseTime.Add(6*time.Hour)))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.Entry.Duration != 5*time.Hour+30*time.Minute {
		t.Fatalf("duration: %s", result.Entry.Duration)
	}
	if result.Summary.Total != "687.50" {
		t.Fatalf("total: %s", result.Summary.Total)
	}

	names := h.publisher.names()
	want := []string{machinetime.EventTimeStarted, machinetime.EventTimePaused, machinetime.EventTimeResumed, machinetime.EventTimeStopped}
	if len(names) != len(want) {
		t.Fatalf("events: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d: got=%s want=%s", i, names[i], want[i])
		}
	}
	resumedEvt := h.publisher.named(machinetime.EventTimeResumed)[0]
	if resumedEvt.Data["pausedDuration"] != float64(1800) {
		t.Fatalf("resumed data: %+v", resumedEvt.Data)
	}
	stoppedEvt := h.publisher.named(machinetime.EventTimeStopped)[0]
	if stoppedEvt.Data["duration"] != 5.5 || stoppedEvt.Data["cost"] != "687.50" {
		t.Fatalf("stopped data: %+v", stoppedEvt.Data)
	}

	if _, err := h.service.Pause(ctx, entry.ID, nil); !errors.Is(err, machinetime.ErrEntryAlreadyCompleted) {
		t.Fatalf("expected pause on completed to fail, got %v", err)
	}
}

func TestStopWhilePausedClosesPause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)
	if _, err := h.service.Pause(ctx, entry.ID, ptr(baseTime.Add(time.Hour))); err != nil {
		t.Fatalf("pause: %v", err)
	}
	result, err := h.service.Stop(ctx, entry.ID, ptr(baseTime.Add(3*time.Hour)))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result.Entry.Duration != time.Hour {
		t.Fatalf("duration: %s", result.Entry.Duration)
	}
}

func TestStopRejectsEndInsidePause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	closedPause := h.start(t, baseTime)
	if _, err := h.service.Pause(ctx, closedPause.ID, ptr(baseTime.Add(time.Hour))); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.service.Resume(ctx, closedPause.ID, ptr(baseTime.Add(90*time.Minute))); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for _, end := range []time.Time{baseTime.Add(70 * time.Minute), baseTime.Add(30 * time.Minute)} {
		if _, err := h.service.Stop(ctx, closedPause.ID, ptr(end)); !errors.Is(err, machinetime.ErrInvalidTimeRange) {
			t.Fatalf("stop at %s: expected ErrInvalidTimeRange, got %v", end.Format(time.Kitchen), err)
		}
	}
	reloaded, _ := h.service.Entry(ctx, closedPause.ID)
	if !reloaded.Open() || reloaded.EndTime != nil {
		t.Fatalf("entry closed by invalid stop: %+v", reloaded)
	}
	if len(h.publisher.named(machinetime.EventTimeStopped)) != 0 {
		t.Fatalf("stopped event emitted for rejected stop")
	}
	result, err := h.service.Stop(ctx, closedPause.ID, ptr(baseTime.Add(90*time.Minute)))
	if err != nil {
		t.Fatalf("stop at resume: %v", err)
	}
	if result.Entry.Duration != time.Hour {
		t.Fatalf("duration: %s", result.Entry.Duration)
	}

	openPause := h.start(t, baseTime.Add(4*time.Hour))
	if _, err := h.service.Pause(ctx, openPause.ID, ptr(baseTime.Add(5*time.Hour))); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.service.Stop(ctx, openPause.ID, ptr(baseTime.Add(4*time.Hour+30*time.Minute))); !errors.Is(err, machinetime.ErrInvalidTimeRange) {
		t.Fatalf("expected ErrInvalidTimeRange before open pause, got %v", err)
	}
}

func TestConcurrentStartYieldsOneEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, busy := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.Start(ctx, StartRequest{EquipmentID: "cnc-01"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, machinetime.ErrEquipmentBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || busy != 19 {
		t.Fatalf("expected 1 success and 19 busy, got %d/%d", successes, busy)
	}
	open, err := h.entries.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected one open entry, got %d", len(open))
	}
}

func TestSlotTimeout(t *testing.T) {
	h := newHarness(t, WithSlotTimeout(20*time.Millisecond))
	rt, ok := h.service.arena.get("cnc-01")
	if !ok {
		t.Fatalf("runtime not installed")
	}
	rt.slot <- struct{}{}
	defer rt.release()

	_, err := h.service.Start(context.Background(), StartRequest{EquipmentID: "cnc-01"})
	if !errors.Is(err, machinetime.ErrSlotTimeout) {
		t.Fatalf("expected ErrSlotTimeout, got %v", err)
	}
	stopped, err := h.service.AutoStopIdle(context.Background(), time.Second)
	if err != nil || stopped != 0 {
		t.Fatalf("sweep over busy equipment: stopped=%d err=%v", stopped, err)
	}
}

func TestEstimateDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)

	h.clock.Set(baseTime.Add(90 * time.Minute))
	estimate, err := h.service.Estimate(ctx, entry.ID, nil)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate.TotalCost != 18750 {
		t.Fatalf("estimate now: %s", estimate.TotalCost)
	}
	at, err := h.service.Estimate(ctx, entry.ID, ptr(baseTime.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("estimate at: %v", err)
	}
	if at.TotalCost != 25000 {
		t.Fatalf("estimate at: %s", at.TotalCost)
	}
	reloaded, _ := h.service.Entry(ctx, entry.ID)
	if !reloaded.Open() || reloaded.Cost != nil {
		t.Fatalf("estimate mutated entry: %+v", reloaded)
	}
	if h.costs.Saves(entry.ID) != 0 {
		t.Fatalf("estimate stored a breakdown")
	}
}

func TestRecomputeCost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)

	if _, err := h.service.RecomputeCost(ctx, entry.ID, nil); !errors.Is(err, machinetime.ErrInvalidTransition) {
		t.Fatalf("expected recompute of open entry to fail, got %v", err)
	}
	if _, err := h.service.Stop(ctx, entry.ID, ptr(baseTime.Add(2*time.Hour))); err != nil {
		t.Fatalf("stop: %v", err)
	}

	corrected := costing.RateCard{Model: costing.ModelMachineHours, MachineRate: 15000}
	first, err := h.service.RecomputeCost(ctx, entry.ID, &corrected)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	second, err := h.service.RecomputeCost(ctx, entry.ID, &corrected)
	if err != nil {
		t.Fatalf("recompute again: %v", err)
	}
	if first.Summary.Total != "300.00" || second.Summary.Total != first.Summary.Total {
		t.Fatalf("recompute totals: %s %s", first.Summary.Total, second.Summary.Total)
	}
	if second.Entry.Rates.MachineRate != 15000 {
		t.Fatalf("corrected rates not stored: %+v", second.Entry.Rates)
	}
	stored, _ := h.costs.FindByEntry(ctx, entry.ID)
	if stored == nil || stored.TotalCost != 30000 {
		t.Fatalf("stored breakdown: %+v", stored)
	}

	bad := costing.RateCard{Model: "FLAT"}
	if _, err := h.service.RecomputeCost(ctx, entry.ID, &bad); !errors.Is(err, costing.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestValidateEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)
	if _, err := h.service.Stop(ctx, entry.ID, ptr(baseTime.Add(time.Hour))); err != nil {
		t.Fatalf("stop: %v", err)
	}
	report, err := h.service.Validate(ctx, entry.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Valid || len(report.Findings) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	next := h.start(t, baseTime.Add(2*time.Hour))
	h.clock.Set(baseTime.Add(30 * time.Hour))
	report, err = h.service.Validate(ctx, next.ID)
	if err != nil {
		t.Fatalf("validate open: %v", err)
	}
	if !report.Valid || len(report.Findings) != 1 || report.Findings[0].Code != machinetime.FindingUnusualDuration {
		t.Fatalf("expected unusual duration warning: %+v", report)
	}
}

func TestCostFailureKeepsEntryOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rates := costing.RateCard{Model: costing.ModelLaborHours}
	result, err := h.service.Start(ctx, StartRequest{EquipmentID: "cnc-01", StartTime: baseTime, Rates: &rates})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = h.service.Stop(ctx, result.Entry.ID, ptr(baseTime.Add(time.Hour)))
	if !errors.Is(err, costing.ErrRateUnresolved) {
		t.Fatalf("expected ErrRateUnresolved, got %v", err)
	}
	reloaded, _ := h.service.Entry(ctx, result.Entry.ID)
	if !reloaded.Open() {
		t.Fatalf("entry completed without cost")
	}
	if len(h.publisher.named(machinetime.EventTimeStopped)) != 0 {
		t.Fatalf("stopped event emitted for failed close")
	}
}

func TestDeactivateEquipment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)
	if err := h.service.DeactivateEquipment(ctx, "cnc-01"); !errors.Is(err, machinetime.ErrEquipmentBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if _, err := h.service.Stop(ctx, entry.ID, ptr(baseTime.Add(time.Hour))); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.service.DeactivateEquipment(ctx, "cnc-01"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := h.service.Start(ctx, StartRequest{EquipmentID: "cnc-01"}); !errors.Is(err, machinetime.ErrEquipmentInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}
	// History stays readable.
	entries, err := h.service.EntriesForEquipment(ctx, "cnc-01")
	if err != nil || len(entries) != 1 {
		t.Fatalf("history: entries=%d err=%v", len(entries), err)
	}
}

func TestDeactivateRetiresResolvedRuntime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rt, ok := h.service.arena.get("cnc-01")
	if !ok {
		t.Fatalf("runtime not loaded")
	}
	if err := h.service.DeactivateEquipment(ctx, "cnc-01"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	// A caller that resolved the runtime before deactivation is refused
	// once it gets the slot.
	if err := h.service.lock(ctx, rt, "start"); !errors.Is(err, machinetime.ErrEquipmentInactive) {
		t.Fatalf("expected ErrEquipmentInactive, got %v", err)
	}
	if err := rt.acquire(ctx, time.Millisecond); err != nil {
		t.Fatalf("slot left held: %v", err)
	}
	rt.release()

	open, err := h.entries.FindOpenByEquipment(ctx, "cnc-01")
	if err != nil || open != nil {
		t.Fatalf("expected no open entry, got %+v err=%v", open, err)
	}
	if stopped, err := h.service.sweepOne(ctx, rt, time.Minute); err != nil || stopped {
		t.Fatalf("sweep of retired runtime: stopped=%v err=%v", stopped, err)
	}
}

func TestRestoreRecoversOpenEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)
	if _, err := h.service.Pause(ctx, entry.ID, ptr(baseTime.Add(time.Hour))); err != nil {
		t.Fatalf("pause: %v", err)
	}

	restarted, err := NewService(h.service.equipment, h.entries, h.service.calculator, WithClock(h.clock), WithLogger(h.service.logger))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	count, err := restarted.Restore(ctx)
	if err != nil || count != 1 {
		t.Fatalf("restore: count=%d err=%v", count, err)
	}
	snap, err := restarted.Snapshot(ctx, "cnc-01")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != machinetime.StatePaused || snap.ActiveEntryID != entry.ID {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, err := restarted.Start(ctx, StartRequest{EquipmentID: "cnc-01"}); !errors.Is(err, machinetime.ErrEquipmentBusy) {
		t.Fatalf("expected busy after restore, got %v", err)
	}
}
