package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"machine-time/internal/audit"
	"machine-time/internal/auth"
	costingapp "machine-time/internal/costing/application"
	costing "machine-time/internal/costing/domain"
	machinetimeapp "machine-time/internal/machinetime/application"
	machinetime "machine-time/internal/machinetime/domain"
	"machine-time/internal/machinetime/infrastructure/memory"
	signalapp "machine-time/internal/signals/application"
	signals "machine-time/internal/signals/domain"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	service *machinetimeapp.Service
	clock   *fixedClock
	audit   *audit.MemoryLog
	server  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	normalizer, err := signalapp.NewNormalizer(signals.AdapterConfig{
		ID:         "generic",
		SourceType: signals.SourceMQTT,
		StatusMap: map[string]signals.SignalType{
			"RUNNING": signals.SignalRunning,
			"STOP":    signals.SignalStop,
		},
	})
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	service, err := machinetimeapp.NewService(
		memory.NewEquipmentRepository(),
		memory.NewEntryRepository(),
		costingapp.NewCalculator(),
		machinetimeapp.WithCostRepository(memory.NewCostRepository()),
		machinetimeapp.WithNormalizer(normalizer),
		machinetimeapp.WithClock(clock),
		machinetimeapp.WithLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	_, err = service.RegisterEquipment(context.Background(), &machinetime.Equipment{
		ID:     "cnc-01",
		Type:   "CNC",
		Source: machinetime.SignalSource{AdapterID: "generic"},
		Rates:  costing.RateCard{Model: costing.ModelMachineHours, MachineRate: 12500},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	auditLog := audit.NewMemoryLog()
	handler, err := NewHandler(service, auditLog, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return &fixture{service: service, clock: clock, audit: auditLog, server: handler}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	ctx := auth.WithIdentity(req.Context(), auth.Identity{PlantID: "plant-1", Role: auth.RoleOperator, Subject: "op-7"})
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	var resp response
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestHandlerStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now().Add(-4 * time.Hour)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{
		"equipmentId": "cnc-01",
		"workOrderId": "WO-42",
		"startTime":   start,
	})
	if rec.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("start: status=%d body=%s", rec.Code, rec.Body.String())
	}
	entryID := resp.Entry.ID
	if resp.Entry.Source != signals.SourceManual || resp.Entry.Status != machinetime.EntryActive {
		t.Fatalf("unexpected entry: %+v", resp.Entry)
	}

	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{"equipmentId": "cnc-01"})
	if rec.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != "EQUIPMENT_BUSY" {
		t.Fatalf("second start: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/stop", nil)
	if rec.Code != http.StatusOK || resp.Summary == nil {
		t.Fatalf("stop: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if resp.Summary.Total != "500.00" || resp.Summary.Hours != 4 {
		t.Fatalf("unexpected summary: %+v", resp.Summary)
	}

	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/stop", nil)
	if rec.Code != http.StatusOK || !resp.AlreadyCompleted {
		t.Fatalf("repeat stop: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if resp.Summary == nil || resp.Summary.Total != "500.00" {
		t.Fatalf("repeat stop summary changed: %+v", resp.Summary)
	}

	entries := f.audit.Entries()
	if len(entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(entries))
	}
	if entries[0].Action != "entry.start" || entries[0].Actor != "op-7" || entries[0].PlantID != "plant-1" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
	if entries[1].Outcome != "EQUIPMENT_BUSY" {
		t.Fatalf("expected busy outcome, got %s", entries[1].Outcome)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/entries/missing", nil)
	if rec.Code != http.StatusNotFound || resp.Error.Code != "ENTRY_NOT_FOUND" {
		t.Fatalf("missing entry: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{"equipmentId": "ghost"})
	if rec.Code != http.StatusNotFound || resp.Error.Code != "UNKNOWN_EQUIPMENT" {
		t.Fatalf("unknown equipment: status=%d body=%s", rec.Code, rec.Body.String())
	}

	_, resp = f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{"equipmentId": "cnc-01"})
	entryID := resp.Entry.ID
	earlier := f.clock.Now().Add(-time.Hour)
	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/stop", map[string]any{"endTime": earlier})
	if rec.Code != http.StatusUnprocessableEntity || resp.Error.Code != "INVALID_TIME_RANGE" {
		t.Fatalf("invalid range: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/resume", nil)
	if rec.Code != http.StatusConflict || resp.Error.Code != "INVALID_TRANSITION" {
		t.Fatalf("resume active: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/recompute", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("recompute open: status=%d body=%s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/entries", bytes.NewBufferString("{"))
	recorder := httptest.NewRecorder()
	f.server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status=%d", recorder.Code)
	}
}

func TestHandlerPauseResumeEstimateValidate(t *testing.T) {
	f := newFixture(t)
	_, resp := f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{"equipmentId": "cnc-01"})
	entryID := resp.Entry.ID

	f.clock.Advance(time.Hour)
	rec, resp := f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/pause", nil)
	if rec.Code != http.StatusOK || resp.Entry.Status != machinetime.EntryPaused {
		t.Fatalf("pause: status=%d body=%s", rec.Code, rec.Body.String())
	}

	f.clock.Advance(30 * time.Minute)
	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/resume", nil)
	if rec.Code != http.StatusOK || resp.Entry.Status != machinetime.EntryActive {
		t.Fatalf("resume: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if resp.Entry.PausedDuration != 30*time.Minute {
		t.Fatalf("paused duration: %s", resp.Entry.PausedDuration)
	}

	f.clock.Advance(time.Hour)
	rec, resp = f.do(t, http.MethodGet, "/api/v1/entries/"+entryID+"/estimate", nil)
	if rec.Code != http.StatusOK || resp.Cost == nil {
		t.Fatalf("estimate: status=%d body=%s", rec.Code, rec.Body.String())
	}
	// 2h active at 125.00/h
	if resp.Cost.TotalCost != 25000 {
		t.Fatalf("estimate total: %s", resp.Cost.TotalCost)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/v1/entries/"+entryID+"/validate", nil)
	if rec.Code != http.StatusOK || resp.Report == nil || !resp.Report.Valid {
		t.Fatalf("validate: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, resp = f.do(t, http.MethodGet, "/api/v1/equipment/cnc-01/snapshot", nil)
	if rec.Code != http.StatusOK || resp.Snapshot == nil || resp.Snapshot.ActiveEntryID != entryID {
		t.Fatalf("snapshot: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if resp.Snapshot.State != machinetime.StateRunning {
		t.Fatalf("snapshot state: %s", resp.Snapshot.State)
	}
}

func TestHandlerRecomputeWithCorrectedRates(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now().Add(-2 * time.Hour)
	_, resp := f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{"equipmentId": "cnc-01", "startTime": start})
	entryID := resp.Entry.ID
	f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/stop", nil)

	corrected := costing.RateCard{Model: costing.ModelMachineHours, MachineRate: 10000}
	rec, resp := f.do(t, http.MethodPost, "/api/v1/entries/"+entryID+"/recompute", map[string]any{"rates": corrected})
	if rec.Code != http.StatusOK || resp.Summary == nil {
		t.Fatalf("recompute: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if resp.Summary.Total != "200.00" {
		t.Fatalf("recomputed total: %s", resp.Summary.Total)
	}
}

func TestHandlerEquipmentRegisterAndDeactivate(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.do(t, http.MethodPut, "/api/v1/equipment/press-2", map[string]any{
		"type":  "PRESS",
		"rates": map[string]any{"model": "MACHINE_HOURS", "machineRate": 9000},
	})
	if rec.Code != http.StatusOK || resp.Equipment == nil || !resp.Equipment.Active {
		t.Fatalf("register: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, _ = f.do(t, http.MethodPut, "/api/v1/equipment/press-2", map[string]any{"id": "other", "rates": map[string]any{"model": "MACHINE_HOURS"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatched id: status=%d", rec.Code)
	}

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/equipment/press-2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec, resp = f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{"equipmentId": "press-2"})
	if rec.Code != http.StatusConflict || resp.Error.Code != "EQUIPMENT_INACTIVE" {
		t.Fatalf("start on inactive: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandlerAutoStopSweep(t *testing.T) {
	f := newFixture(t)
	_, resp := f.do(t, http.MethodPost, "/api/v1/entries", map[string]any{"equipmentId": "cnc-01"})
	entryID := resp.Entry.ID

	f.clock.Advance(20 * time.Minute)
	rec, resp := f.do(t, http.MethodPost, "/api/v1/sweeps/auto-stop", map[string]any{"idleTimeoutSeconds": 600})
	if rec.Code != http.StatusOK || resp.Stopped == nil || *resp.Stopped != 1 {
		t.Fatalf("sweep: status=%d body=%s", rec.Code, rec.Body.String())
	}
	_, resp = f.do(t, http.MethodGet, "/api/v1/entries/"+entryID, nil)
	if resp.Entry.Status != machinetime.EntryCompleted || !resp.Entry.HasFlag(machinetime.FlagAutoStop) {
		t.Fatalf("expected auto-stopped entry: %+v", resp.Entry)
	}
}

func TestIngestHandlerSingleAndBatch(t *testing.T) {
	f := newFixture(t)
	handler, err := NewIngestHandler(f.service, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("ingest handler: %v", err)
	}

	ts := f.clock.Now().UnixMilli()
	single := map[string]any{"adapterId": "generic", "equipmentId": "cnc-01", "status": "RUNNING", "ts": ts}
	payload, _ := json.Marshal(single)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest/signals", bytes.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("single: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Accepted != 1 || len(out.Results) != 1 || out.Results[0].EquipmentID != "cnc-01" {
		t.Fatalf("unexpected single result: %+v", out)
	}

	batch := map[string]any{"signals": []map[string]any{
		{"adapterId": "generic", "equipmentId": "cnc-01", "status": "RUNNING", "ts": ts + 1000},
		{"adapterId": "unknown", "equipmentId": "cnc-01", "status": "RUNNING", "ts": ts + 2000},
	}}
	payload, _ = json.Marshal(batch)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest/signals", bytes.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("batch: status=%d body=%s", rec.Code, rec.Body.String())
	}
	out = ingestResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Accepted != 1 || out.Rejected != 1 || out.Results[1].Rejected != "unknown_adapter" {
		t.Fatalf("unexpected batch result: %+v", out)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest/signals", bytes.NewBufferString(`[{"adapterId":"generic","status":"RUNNING"}]`)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("all rejected: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ingest/signals", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("get: status=%d", rec.Code)
	}
}
