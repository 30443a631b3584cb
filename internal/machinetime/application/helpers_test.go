package application

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	costingapp "machine-time/internal/costing/application"
	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
	"machine-time/internal/machinetime/infrastructure/memory"
	signalapp "machine-time/internal/signals/application"
	signals "machine-time/internal/signals/domain"
)

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []machinetime.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event any) error {
	_ = ctx
	evt, ok := event.(machinetime.LifecycleEvent)
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Event)
	}
	return out
}

func (p *recordingPublisher) named(name string) []machinetime.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []machinetime.LifecycleEvent
	for _, evt := range p.events {
		if evt.Event == name {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	service   *Service
	clock     *fakeClock
	publisher *recordingPublisher
	entries   *memory.EntryRepository
	costs     *memory.CostRepository
}

const testAdapter = "fanuc"

func newHarness(t *testing.T, opts ...ServiceOption) *harness {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	normalizer, err := signalapp.NewNormalizer(signals.AdapterConfig{
		ID:         testAdapter,
		SourceType: signals.SourceOPCUA,
		StatusMap: map[string]signals.SignalType{
			"START": signals.SignalStart,
			"RUN":   signals.SignalRunning,
			"STOP":  signals.SignalStop,
			"IDLE":  signals.SignalIdle,
			"ALARM": signals.SignalError,
			"HOLD":  signals.SignalPause,
			"CONT":  signals.SignalResume,
			"PART":  signals.SignalPartComplete,
		},
	})
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	h := &harness{
		clock:     clock,
		publisher: &recordingPublisher{},
		entries:   memory.NewEntryRepository(),
		costs:     memory.NewCostRepository(),
	}
	base := []ServiceOption{
		WithClock(clock),
		WithPublisher(h.publisher),
		WithCostRepository(h.costs),
		WithNormalizer(normalizer),
		WithLogger(log.New(io.Discard, "", 0)),
	}
	service, err := NewService(memory.NewEquipmentRepository(), h.entries, costingapp.NewCalculator(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	h.service = service
	h.register(t, "cnc-01")
	return h
}

func (h *harness) register(t *testing.T, id string) {
	t.Helper()
	_, err := h.service.RegisterEquipment(context.Background(), &machinetime.Equipment{
		ID:     id,
		Type:   "CNC",
		Source: machinetime.SignalSource{AdapterID: testAdapter},
		Rates:  costing.RateCard{Model: costing.ModelMachineHours, MachineRate: 12500},
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

// signal ingests a raw status with the clock moved to its timestamp.
func (h *harness) signal(t *testing.T, status string, at time.Time) IngestResult {
	t.Helper()
	h.clock.Set(at)
	result, err := h.service.Ingest(context.Background(), signals.RawSignal{
		AdapterID:   testAdapter,
		EquipmentID: "cnc-01",
		StatusCode:  status,
		TS:          at.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("ingest %s at %s: %v", status, at.Format(time.RFC3339Nano), err)
	}
	return result
}

func (h *harness) start(t *testing.T, at time.Time) *machinetime.Entry {
	t.Helper()
	result, err := h.service.Start(context.Background(), StartRequest{EquipmentID: "cnc-01", StartTime: at})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return result.Entry
}

func ptr(t time.Time) *time.Time { return &t }
