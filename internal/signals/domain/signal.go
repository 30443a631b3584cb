package signals

import (
	"strings"
	"time"
)

// SignalType is the canonical classification of an equipment status signal.
type SignalType string

const (
	SignalStart         SignalType = "START"
	SignalStop          SignalType = "STOP"
	SignalRunning       SignalType = "RUNNING"
	SignalIdle          SignalType = "IDLE"
	SignalError         SignalType = "ERROR"
	SignalPause         SignalType = "PAUSE"
	SignalResume        SignalType = "RESUME"
	SignalCycleComplete SignalType = "CYCLE_COMPLETE"
	SignalPartComplete  SignalType = "PART_COMPLETE"
)

// ParseSignalType validates a canonical signal type name.
func ParseSignalType(value string) (SignalType, bool) {
	switch t := SignalType(strings.ToUpper(strings.TrimSpace(value))); t {
	case SignalStart, SignalStop, SignalRunning, SignalIdle, SignalError,
		SignalPause, SignalResume, SignalCycleComplete, SignalPartComplete:
		return t, true
	default:
		return "", false
	}
}

// IsCounter reports whether the type counts work instead of classifying state.
// Counter signals bypass debounce classification.
func (t SignalType) IsCounter() bool {
	return t == SignalCycleComplete || t == SignalPartComplete
}

// Quality is the adapter-reported trust level of a signal.
type Quality string

const (
	QualityGood      Quality = "GOOD"
	QualityUncertain Quality = "UNCERTAIN"
	QualityBad       Quality = "BAD"
)

// ParseQuality validates a canonical quality name. Empty means GOOD.
func ParseQuality(value string) (Quality, bool) {
	switch q := Quality(strings.ToUpper(strings.TrimSpace(value))); q {
	case "":
		return QualityGood, true
	case QualityGood, QualityUncertain, QualityBad:
		return q, true
	default:
		return "", false
	}
}

// SourceType identifies the protocol family a signal arrived through.
type SourceType string

const (
	SourceOPCUA     SourceType = "OPC_UA"
	SourceModbus    SourceType = "MODBUS"
	SourceMTConnect SourceType = "MTCONNECT"
	SourceMQTT      SourceType = "MQTT"
	SourceHistorian SourceType = "HISTORIAN"
	SourceManual    SourceType = "MANUAL"
	SourceSystem    SourceType = "SYSTEM"
)

// Signal is a normalized, read-only equipment status signal.
type Signal struct {
	EquipmentID string         `json:"equipmentId"`
	Type        SignalType     `json:"signalType"`
	SourceType  SourceType     `json:"sourceType"`
	AdapterID   string         `json:"adapterId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Quality     Quality        `json:"quality"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Uncertain reports whether the signal should be annotated on its entry.
func (s Signal) Uncertain() bool {
	return s.Quality == QualityUncertain
}

// RawSignal is adapter output before normalization. Exactly one of TS or Time
// carries the timestamp; TS accepts epoch seconds or milliseconds.
type RawSignal struct {
	AdapterID   string         `json:"adapterId"`
	EquipmentID string         `json:"equipmentId"`
	StatusCode  string         `json:"status"`
	TS          int64          `json:"ts,omitempty"`
	Time        string         `json:"time,omitempty"`
	Quality     string         `json:"quality,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}
