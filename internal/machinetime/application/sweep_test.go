package application

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
)

func TestAutoStopIdleClosesAtLastActivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry := h.start(t, baseTime)

	h.signal(t, "RUN", baseTime.Add(10*time.Minute))
	h.signal(t, "RUN", baseTime.Add(10*time.Minute+time.Second))
	h.signal(t, "RUN", baseTime.Add(10*time.Minute+2*time.Second))
	lastActive := baseTime.Add(10*time.Minute + 2*time.Second)

	// IDLE confirmations and heartbeats are not activity.
	h.signal(t, "IDLE", baseTime.Add(11*time.Minute))
	h.signal(t, "IDLE", baseTime.Add(11*time.Minute+2*time.Second))
	result := h.signal(t, "IDLE", baseTime.Add(12*time.Minute))
	if result.State != machinetime.StateIdle || result.EntryID != entry.ID {
		t.Fatalf("expected idle with open entry: %+v", result)
	}

	now := baseTime.Add(30 * time.Minute)
	h.clock.Set(now)
	stopped, err := h.service.AutoStopIdle(ctx, 600*time.Second)
	if err != nil || stopped != 1 {
		t.Fatalf("sweep: stopped=%d err=%v", stopped, err)
	}

	closed, _ := h.service.Entry(ctx, entry.ID)
	if closed.Status != machinetime.EntryCompleted || !closed.HasFlag(machinetime.FlagAutoStop) {
		t.Fatalf("expected auto-stopped entry: %+v", closed)
	}
	if !closed.EndTime.Equal(lastActive) {
		t.Fatalf("end time: got=%s want=%s", closed.EndTime, lastActive)
	}

	names := h.publisher.names()
	want := []string{machinetime.EventTimeStarted, machinetime.EventIdleDetected, machinetime.EventTimeStopped}
	if len(names) != len(want) {
		t.Fatalf("events: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d: got=%s want=%s", i, names[i], want[i])
		}
	}
	idle := h.publisher.named(machinetime.EventIdleDetected)[0]
	if !idle.Timestamp.Equal(now) || idle.Data["idleTimeout"] != float64(600) {
		t.Fatalf("unexpected idle event: %+v", idle)
	}
	stoppedEvt := h.publisher.named(machinetime.EventTimeStopped)[0]
	if !stoppedEvt.Timestamp.Equal(lastActive) {
		t.Fatalf("stopped event at %s", stoppedEvt.Timestamp)
	}

	snap, _ := h.service.Snapshot(ctx, "cnc-01")
	if snap.State != machinetime.StateStopped || snap.ActiveEntryID != "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	again, err := h.service.AutoStopIdle(ctx, 600*time.Second)
	if err != nil || again != 0 {
		t.Fatalf("second sweep: stopped=%d err=%v", again, err)
	}
}

func TestAutoStopIdleSkipsRecentActivity(t *testing.T) {
	h := newHarness(t)
	h.register(t, "cnc-02")
	ctx := context.Background()
	h.start(t, baseTime)
	other, err := h.service.Start(ctx, StartRequest{EquipmentID: "cnc-02", StartTime: baseTime.Add(8 * time.Minute)})
	if err != nil {
		t.Fatalf("start cnc-02: %v", err)
	}

	h.clock.Set(baseTime.Add(12 * time.Minute))
	// Zero timeout defers to the equipment default of ten minutes.
	stopped, err := h.service.AutoStopIdle(ctx, 0)
	if err != nil || stopped != 1 {
		t.Fatalf("sweep: stopped=%d err=%v", stopped, err)
	}
	entry, _ := h.service.Entry(ctx, other.Entry.ID)
	if !entry.Open() {
		t.Fatalf("recently started entry was stopped")
	}
}

func TestAutoStopIdleCostFailureEmitsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rates := costing.RateCard{Model: costing.ModelLaborHours}
	result, err := h.service.Start(ctx, StartRequest{EquipmentID: "cnc-01", StartTime: baseTime, Rates: &rates})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.clock.Set(baseTime.Add(time.Hour))
	stopped, err := h.service.AutoStopIdle(ctx, 10*time.Minute)
	if !errors.Is(err, costing.ErrRateUnresolved) || stopped != 0 {
		t.Fatalf("expected cost failure: stopped=%d err=%v", stopped, err)
	}
	entry, _ := h.service.Entry(ctx, result.Entry.ID)
	if !entry.Open() {
		t.Fatalf("entry closed without cost")
	}
	if n := len(h.publisher.named(machinetime.EventIdleDetected)); n != 0 {
		t.Fatalf("idle event emitted for failed auto-stop: %d", n)
	}
	if n := len(h.publisher.named(machinetime.EventTimeStopped)); n != 0 {
		t.Fatalf("stopped event emitted for failed auto-stop: %d", n)
	}
}

func TestSweeperRunOnceAndSchedule(t *testing.T) {
	h := newHarness(t)
	logger := log.New(io.Discard, "", 0)
	if _, err := NewSweeper(h.service, "not a schedule", time.Minute, logger); err == nil {
		t.Fatalf("expected schedule error")
	}
	sweeper, err := NewSweeper(h.service, "", 5*time.Minute, logger)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	h.start(t, baseTime)
	h.clock.Set(baseTime.Add(6 * time.Minute))
	stopped, err := sweeper.RunOnce(context.Background())
	if err != nil || stopped != 1 {
		t.Fatalf("run once: stopped=%d err=%v", stopped, err)
	}

	sweeper.Start(context.Background())
	sweeper.Stop()
}
