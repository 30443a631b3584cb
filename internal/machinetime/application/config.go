package application

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	costing "machine-time/internal/costing/domain"
	machinetime "machine-time/internal/machinetime/domain"
	signalapp "machine-time/internal/signals/application"
	signals "machine-time/internal/signals/domain"
)

// Config is the plant configuration: adapters, equipment and processing knobs.
type Config struct {
	SlotTimeout     time.Duration     `yaml:"slot_timeout"`
	TickInterval    time.Duration     `yaml:"tick_interval"`
	UnusualDuration time.Duration     `yaml:"unusual_duration"`
	Filter          FilterSettings    `yaml:"filter"`
	Sweep           SweepSettings     `yaml:"sweep"`
	Adapters        []AdapterSettings `yaml:"adapters"`
	Equipment       []EquipmentConfig `yaml:"equipment"`
}

// FilterSettings configures debounce. Stability keys are canonical signal types.
type FilterSettings struct {
	MaxAge       time.Duration            `yaml:"max_age"`
	Window       time.Duration            `yaml:"window"`
	RingCapacity int                      `yaml:"ring_capacity"`
	Stability    map[string]time.Duration `yaml:"stability"`
}

// SweepSettings configures the idle sweep.
type SweepSettings struct {
	Schedule    string        `yaml:"schedule"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// AdapterSettings is one adapter's vendor translation table.
type AdapterSettings struct {
	ID         string            `yaml:"id"`
	SourceType string            `yaml:"source_type"`
	StatusMap  map[string]string `yaml:"status_map"`
	QualityMap map[string]string `yaml:"quality_map"`
	TimeLayout string            `yaml:"time_layout"`
	Location   string            `yaml:"location"`
}

// EquipmentConfig is one machine. Money fields are decimal strings.
type EquipmentConfig struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	Name        string            `yaml:"name"`
	AdapterID   string            `yaml:"adapter_id"`
	StatusMap   map[string]string `yaml:"status_map"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
	Rates       RateSettings      `yaml:"rates"`
	ShiftRules  []ShiftSettings   `yaml:"shift_rules"`
}

// RateSettings is the YAML form of a rate card.
type RateSettings struct {
	Model           string                        `yaml:"model"`
	MachineRate     string                        `yaml:"machine_rate"`
	SetupRate       string                        `yaml:"setup_rate"`
	IdleRate        string                        `yaml:"idle_rate"`
	LaborRate       string                        `yaml:"labor_rate"`
	ShiftMultiplier string                        `yaml:"shift_multiplier"`
	SkillMultiplier string                        `yaml:"skill_multiplier"`
	Overtime        []OvertimeSettings            `yaml:"overtime"`
	Allocations     map[string]AllocationSettings `yaml:"allocations"`
	Overhead        OverheadSettings              `yaml:"overhead"`
}

// OvertimeSettings is one overtime step; a zero up_to is the open tail.
type OvertimeSettings struct {
	UpTo       time.Duration `yaml:"up_to"`
	Multiplier string        `yaml:"multiplier"`
}

// AllocationSettings weights a phase between labor and machine.
type AllocationSettings struct {
	Labor   string `yaml:"labor"`
	Machine string `yaml:"machine"`
}

// OverheadSettings lists pools or a plant-wide hourly rate.
type OverheadSettings struct {
	PlantWideRate string         `yaml:"plant_wide_rate"`
	Pools         []PoolSettings `yaml:"pools"`
}

// PoolSettings is one activity-based overhead pool.
type PoolSettings struct {
	Name string `yaml:"name"`
	Base string `yaml:"base"`
	Rate string `yaml:"rate"`
}

// ShiftSettings is a shift labor multiplier window in UTC hours.
type ShiftSettings struct {
	Name       string `yaml:"name"`
	StartHour  int    `yaml:"start_hour"`
	EndHour    int    `yaml:"end_hour"`
	Multiplier string `yaml:"multiplier"`
}

// LoadConfig reads MACHINETIME_CONFIG when set; otherwise returns defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		SlotTimeout:  DefaultSlotTimeout,
		TickInterval: 250 * time.Millisecond,
		Sweep:        SweepSettings{Schedule: DefaultSweepSchedule, Concurrency: 8},
	}
	if path := os.Getenv("MACHINETIME_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("machinetime config %s: %w", path, err)
		}
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = getenvDefault("MACHINETIME_SWEEP_SCHEDULE", DefaultSweepSchedule)
	}
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = DefaultSlotTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	return cfg, nil
}

// ParseConfig decodes a YAML document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FilterConfig builds the debounce filter configuration.
func (c Config) FilterConfig() (signalapp.FilterConfig, error) {
	out := signalapp.FilterConfig{
		MaxAge:       c.Filter.MaxAge,
		Window:       c.Filter.Window,
		RingCapacity: c.Filter.RingCapacity,
	}
	if len(c.Filter.Stability) == 0 {
		return out, nil
	}
	out.Stability = signalapp.DefaultStability()
	for name, d := range c.Filter.Stability {
		t, ok := signals.ParseSignalType(name)
		if !ok {
			return out, fmt.Errorf("machinetime config: stability for unknown signal type %q", name)
		}
		out.Stability[t] = d
	}
	return out, nil
}

// AdapterConfigs builds the normalizer translation tables.
func (c Config) AdapterConfigs() ([]signals.AdapterConfig, error) {
	out := make([]signals.AdapterConfig, 0, len(c.Adapters))
	for _, a := range c.Adapters {
		statusMap, err := parseStatusMap(a.StatusMap)
		if err != nil {
			return nil, fmt.Errorf("machinetime config: adapter %s: %w", a.ID, err)
		}
		adapter := signals.AdapterConfig{
			ID:         a.ID,
			SourceType: signals.SourceType(strings.ToUpper(a.SourceType)),
			StatusMap:  statusMap,
			TimeLayout: a.TimeLayout,
		}
		if len(a.QualityMap) > 0 {
			adapter.QualityMap = make(map[string]signals.Quality, len(a.QualityMap))
			for code, value := range a.QualityMap {
				q, ok := signals.ParseQuality(value)
				if !ok {
					return nil, fmt.Errorf("machinetime config: adapter %s quality %s: unknown %q", a.ID, code, value)
				}
				adapter.QualityMap[code] = q
			}
		}
		if a.Location != "" {
			loc, err := time.LoadLocation(a.Location)
			if err != nil {
				return nil, fmt.Errorf("machinetime config: adapter %s location: %w", a.ID, err)
			}
			adapter.Location = loc
		}
		if err := adapter.Validate(); err != nil {
			return nil, err
		}
		out = append(out, adapter)
	}
	return out, nil
}

// EquipmentList builds the configured equipment.
func (c Config) EquipmentList() ([]*machinetime.Equipment, error) {
	out := make([]*machinetime.Equipment, 0, len(c.Equipment))
	seen := make(map[string]struct{}, len(c.Equipment))
	for _, e := range c.Equipment {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("machinetime config: duplicate equipment %s", e.ID)
		}
		seen[e.ID] = struct{}{}
		eq, err := e.build()
		if err != nil {
			return nil, err
		}
		out = append(out, eq)
	}
	return out, nil
}

func (e EquipmentConfig) build() (*machinetime.Equipment, error) {
	if e.ID == "" {
		return nil, machinetime.ErrEmptyEquipmentID
	}
	rates, err := e.Rates.RateCard()
	if err != nil {
		return nil, fmt.Errorf("machinetime config: equipment %s: %w", e.ID, err)
	}
	statusMap, err := parseStatusMap(e.StatusMap)
	if err != nil {
		return nil, fmt.Errorf("machinetime config: equipment %s: %w", e.ID, err)
	}
	eq := &machinetime.Equipment{
		ID:          e.ID,
		Type:        e.Type,
		Name:        e.Name,
		Source:      machinetime.SignalSource{AdapterID: e.AdapterID, StatusMap: statusMap},
		Rates:       rates,
		IdleTimeout: e.IdleTimeout,
		Active:      true,
	}
	for _, rule := range e.ShiftRules {
		m, err := parseDecimal(rule.Multiplier)
		if err != nil {
			return nil, fmt.Errorf("machinetime config: equipment %s shift %s: %w", e.ID, rule.Name, err)
		}
		if rule.StartHour < 0 || rule.StartHour > 23 || rule.EndHour < 0 || rule.EndHour > 24 {
			return nil, fmt.Errorf("machinetime config: equipment %s shift %s: hours out of range", e.ID, rule.Name)
		}
		eq.ShiftRules = append(eq.ShiftRules, costing.ShiftRule{
			Name:       rule.Name,
			StartHour:  rule.StartHour,
			EndHour:    rule.EndHour,
			Multiplier: m,
		})
	}
	if err := eq.Validate(); err != nil {
		return nil, err
	}
	return eq, nil
}

// RateCard converts the YAML form into a validated rate card.
func (r RateSettings) RateCard() (costing.RateCard, error) {
	model, ok := costing.ParseModel(strings.ToUpper(r.Model))
	if !ok {
		return costing.RateCard{}, fmt.Errorf("%w: %q", costing.ErrUnknownModel, r.Model)
	}
	card := costing.RateCard{Model: model}
	var err error
	if card.MachineRate, err = parseMoney(r.MachineRate); err != nil {
		return card, err
	}
	if card.SetupRate, err = parseMoney(r.SetupRate); err != nil {
		return card, err
	}
	if card.IdleRate, err = parseMoney(r.IdleRate); err != nil {
		return card, err
	}
	if card.LaborRate, err = parseMoney(r.LaborRate); err != nil {
		return card, err
	}
	if card.Overhead.PlantWideRate, err = parseMoney(r.Overhead.PlantWideRate); err != nil {
		return card, err
	}
	if card.ShiftMultiplier, err = parseDecimal(r.ShiftMultiplier); err != nil {
		return card, err
	}
	if card.SkillMultiplier, err = parseDecimal(r.SkillMultiplier); err != nil {
		return card, err
	}
	for _, step := range r.Overtime {
		m, err := parseDecimal(step.Multiplier)
		if err != nil {
			return card, err
		}
		card.Overtime = append(card.Overtime, costing.OvertimeStep{UpTo: step.UpTo, Multiplier: m})
	}
	if len(r.Allocations) > 0 {
		card.Allocations = make(map[costing.Phase]costing.PhaseAllocation, len(r.Allocations))
		for name, alloc := range r.Allocations {
			phase := costing.Phase(strings.ToUpper(name))
			labor, err := parseDecimal(alloc.Labor)
			if err != nil {
				return card, err
			}
			machine, err := parseDecimal(alloc.Machine)
			if err != nil {
				return card, err
			}
			card.Allocations[phase] = costing.PhaseAllocation{Labor: labor, Machine: machine}
		}
	}
	for _, pool := range r.Overhead.Pools {
		rate, err := parseDecimal(pool.Rate)
		if err != nil {
			return card, err
		}
		card.Overhead.Pools = append(card.Overhead.Pools, costing.OverheadPool{
			Name: pool.Name,
			Base: costing.AllocationBase(strings.ToUpper(pool.Base)),
			Rate: rate,
		})
	}
	return card, card.Validate()
}

func parseStatusMap(in map[string]string) (map[string]signals.SignalType, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]signals.SignalType, len(in))
	for code, name := range in {
		t, ok := signals.ParseSignalType(name)
		if !ok {
			return nil, fmt.Errorf("status %s maps to unknown signal type %q", code, name)
		}
		out[code] = t
	}
	return out, nil
}

func parseMoney(value string) (costing.Money, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return costing.ParseMoney(strings.TrimSpace(value))
}

func parseDecimal(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Decimal{}, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Decimal{}, errors.New("invalid decimal " + value)
	}
	return d, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
