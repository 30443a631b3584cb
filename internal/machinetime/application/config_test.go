package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	costing "machine-time/internal/costing/domain"
	signals "machine-time/internal/signals/domain"
)

const sampleConfig = `
slot_timeout: 2s
filter:
  max_age: 1m
  stability:
    RUNNING: 1500ms
sweep:
  schedule: "@every 5m"
  idle_timeout: 15m
adapters:
  - id: fanuc-opc
    source_type: opc_ua
    status_map:
      "1": RUNNING
      "0": IDLE
      "9": ERROR
    quality_map:
      "192": GOOD
      "64": UNCERTAIN
equipment:
  - id: cnc-01
    type: CNC
    adapter_id: fanuc-opc
    status_map:
      "7": PAUSE
    idle_timeout: 20m
    rates:
      model: both
      machine_rate: "125.00"
      labor_rate: "40.00"
      skill_multiplier: "1.2"
      allocations:
        setup:
          labor: "1"
          machine: "0.5"
      overhead:
        pools:
          - name: facility
            base: machine_hours
            rate: "12.50"
    shift_rules:
      - name: night
        start_hour: 22
        end_hour: 6
        multiplier: "1.3"
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SlotTimeout != 2*time.Second || cfg.Sweep.IdleTimeout != 15*time.Minute {
		t.Fatalf("durations: %+v", cfg)
	}

	filter, err := cfg.FilterConfig()
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if filter.MaxAge != time.Minute || filter.Stability[signals.SignalRunning] != 1500*time.Millisecond {
		t.Fatalf("filter config: %+v", filter)
	}
	if filter.Stability[signals.SignalStop] != 500*time.Millisecond {
		t.Fatalf("defaults not kept: %+v", filter.Stability)
	}

	adapters, err := cfg.AdapterConfigs()
	if err != nil {
		t.Fatalf("adapters: %v", err)
	}
	if len(adapters) != 1 || adapters[0].SourceType != signals.SourceOPCUA || adapters[0].StatusMap["9"] != signals.SignalError {
		t.Fatalf("unexpected adapters: %+v", adapters)
	}
	if adapters[0].QualityMap["64"] != signals.QualityUncertain {
		t.Fatalf("quality map: %+v", adapters[0].QualityMap)
	}

	equipment, err := cfg.EquipmentList()
	if err != nil {
		t.Fatalf("equipment: %v", err)
	}
	if len(equipment) != 1 {
		t.Fatalf("expected 1 equipment, got %d", len(equipment))
	}
	eq := equipment[0]
	if eq.IdleTimeout != 20*time.Minute || eq.Source.StatusMap["7"] != signals.SignalPause {
		t.Fatalf("unexpected equipment: %+v", eq)
	}
	if eq.Rates.Model != costing.ModelBoth || eq.Rates.MachineRate != 12500 || eq.Rates.LaborRate != 4000 {
		t.Fatalf("unexpected rates: %+v", eq.Rates)
	}
	if alloc := eq.Rates.Allocations[costing.PhaseSetup]; alloc.Machine.String() != "0.5" {
		t.Fatalf("allocation: %+v", alloc)
	}
	if len(eq.Rates.Overhead.Pools) != 1 || eq.Rates.Overhead.Pools[0].Base != costing.BaseMachineHours {
		t.Fatalf("pools: %+v", eq.Rates.Overhead.Pools)
	}
	night := eq.CaptureRates(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))
	if night.ShiftMultiplier.String() != "1.3" {
		t.Fatalf("shift multiplier: %s", night.ShiftMultiplier)
	}
}

func TestParseConfigRejectsBadEquipment(t *testing.T) {
	cases := map[string]string{
		"unknown model": `
equipment:
  - id: x
    rates: {model: flat}
`,
		"bad money": `
equipment:
  - id: x
    rates: {model: machine_hours, machine_rate: "abc"}
`,
		"unknown signal": `
equipment:
  - id: x
    status_map: {"1": SPINNING}
    rates: {model: machine_hours, machine_rate: "10"}
`,
		"duplicate": `
equipment:
  - id: x
    rates: {model: machine_hours, machine_rate: "10"}
  - id: x
    rates: {model: machine_hours, machine_rate: "10"}
`,
	}
	for name, doc := range cases {
		cfg, err := ParseConfig([]byte(doc))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if _, err := cfg.EquipmentList(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machinetime.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MACHINETIME_CONFIG", path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sweep.Schedule != "@every 5m" || cfg.TickInterval != 250*time.Millisecond {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("MACHINETIME_CONFIG", "")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.SlotTimeout != DefaultSlotTimeout || cfg.Sweep.Schedule != DefaultSweepSchedule {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
