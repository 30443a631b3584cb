package application

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"machine-time/internal/signals/domain"
)

// Normalizer maps adapter output to canonical signals using configured
// translation tables. It performs no I/O.
type Normalizer struct {
	mu        sync.RWMutex
	adapters  map[string]signals.AdapterConfig
	overrides map[overrideKey]map[string]signals.SignalType
}

type overrideKey struct {
	adapterID   string
	equipmentID string
}

// NewNormalizer constructs a normalizer for the given adapters.
func NewNormalizer(adapters ...signals.AdapterConfig) (*Normalizer, error) {
	n := &Normalizer{
		adapters:  make(map[string]signals.AdapterConfig, len(adapters)),
		overrides: make(map[overrideKey]map[string]signals.SignalType),
	}
	for _, adapter := range adapters {
		if err := n.RegisterAdapter(adapter); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// RegisterAdapter adds or replaces an adapter translation table.
func (n *Normalizer) RegisterAdapter(adapter signals.AdapterConfig) error {
	if err := adapter.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	n.adapters[adapter.ID] = adapter
	n.mu.Unlock()
	return nil
}

// RegisterOverride installs an equipment-specific status map for an adapter.
// Override codes win over the adapter's default table.
func (n *Normalizer) RegisterOverride(adapterID, equipmentID string, statusMap map[string]signals.SignalType) error {
	equipmentID = strings.TrimSpace(equipmentID)
	if adapterID == "" || equipmentID == "" {
		return errors.New("normalizer: empty override key")
	}
	for code, t := range statusMap {
		if _, ok := signals.ParseSignalType(string(t)); !ok {
			return fmt.Errorf("normalizer: override status %s maps to unknown signal type %s", code, t)
		}
	}
	if err := signals.CheckStatusKeys(statusMap); err != nil {
		return fmt.Errorf("normalizer: override for %s: %w", equipmentID, err)
	}
	copied := make(map[string]signals.SignalType, len(statusMap))
	for code, t := range statusMap {
		copied[code] = t
	}
	n.mu.Lock()
	n.overrides[overrideKey{adapterID: adapterID, equipmentID: equipmentID}] = copied
	n.mu.Unlock()
	return nil
}

// Normalize converts a raw signal into its canonical form.
func (n *Normalizer) Normalize(raw signals.RawSignal) (signals.Signal, error) {
	if raw.AdapterID == "" {
		return signals.Signal{}, fmt.Errorf("%w: missing adapter id", signals.ErrMalformedSignal)
	}
	equipmentID := strings.TrimSpace(raw.EquipmentID)
	n.mu.RLock()
	adapter, ok := n.adapters[raw.AdapterID]
	override := n.overrides[overrideKey{adapterID: raw.AdapterID, equipmentID: equipmentID}]
	n.mu.RUnlock()
	if !ok {
		return signals.Signal{}, fmt.Errorf("%w: %s", signals.ErrUnknownAdapter, raw.AdapterID)
	}

	if equipmentID == "" {
		return signals.Signal{}, fmt.Errorf("%w: missing equipment id", signals.ErrMalformedSignal)
	}

	signalType, ok := signals.LookupStatus(override, raw.StatusCode)
	if !ok {
		signalType, ok = signals.LookupStatus(adapter.StatusMap, raw.StatusCode)
	}
	if !ok {
		return signals.Signal{}, fmt.Errorf("%w: unmapped status %q for adapter %s", signals.ErrMalformedSignal, raw.StatusCode, adapter.ID)
	}

	ts, err := normalizeTimestamp(raw, adapter)
	if err != nil {
		return signals.Signal{}, err
	}

	quality, err := normalizeQuality(raw.Quality, adapter)
	if err != nil {
		return signals.Signal{}, err
	}

	return signals.Signal{
		EquipmentID: equipmentID,
		Type:        signalType,
		SourceType:  adapter.SourceType,
		AdapterID:   adapter.ID,
		Timestamp:   ts,
		Quality:     quality,
		Payload:     copyPayload(raw.Payload),
	}, nil
}

func normalizeTimestamp(raw signals.RawSignal, adapter signals.AdapterConfig) (time.Time, error) {
	if raw.TS != 0 && raw.Time != "" {
		return time.Time{}, fmt.Errorf("%w: both ts and time set", signals.ErrMalformedSignal)
	}
	if raw.TS != 0 {
		if raw.TS < 0 {
			return time.Time{}, fmt.Errorf("%w: invalid ts", signals.ErrMalformedSignal)
		}
		// Accept milliseconds or seconds.
		if raw.TS > 1_000_000_000_000 {
			return time.UnixMilli(raw.TS).UTC(), nil
		}
		return time.Unix(raw.TS, 0).UTC(), nil
	}
	if raw.Time == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", signals.ErrMalformedSignal)
	}
	layout := adapter.TimeLayout
	if layout == "" {
		layout = time.RFC3339Nano
	}
	loc := adapter.Location
	if loc == nil {
		loc = time.UTC
	}
	parsed, err := time.ParseInLocation(layout, raw.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", signals.ErrMalformedSignal, raw.Time, err)
	}
	return parsed.UTC(), nil
}

func normalizeQuality(value string, adapter signals.AdapterConfig) (signals.Quality, error) {
	if mapped, ok := adapter.QualityMap[strings.TrimSpace(value)]; ok {
		return mapped, nil
	}
	quality, ok := signals.ParseQuality(value)
	if !ok {
		return "", fmt.Errorf("%w: unknown quality %q", signals.ErrMalformedSignal, value)
	}
	return quality, nil
}

func copyPayload(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
