package machinetime

import "time"

// Lifecycle event names.
const (
	EventTimeStarted   = "machine.time.started"
	EventTimeStopped   = "machine.time.stopped"
	EventTimePaused    = "machine.time.paused"
	EventTimeResumed   = "machine.time.resumed"
	EventIdleDetected  = "machine.idle.detected"
	EventErrorDetected = "machine.error.detected"
)

// LifecycleEvent is emitted on every entry transition.
type LifecycleEvent struct {
	Event       string         `json:"event"`
	Timestamp   time.Time      `json:"timestamp"`
	EquipmentID string         `json:"equipmentId"`
	EntryID     string         `json:"entryId"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewLifecycleEvent builds an event for an entry.
func NewLifecycleEvent(name string, at time.Time, entry *Entry, data map[string]any) LifecycleEvent {
	evt := LifecycleEvent{Event: name, Timestamp: at.UTC(), Data: data}
	if entry != nil {
		evt.EquipmentID = entry.EquipmentID
		evt.EntryID = entry.ID
	}
	return evt
}

// StoppedData is the payload of stop-type events: duration in hours and the
// total cost rendered with two decimals.
func StoppedData(entry *Entry) map[string]any {
	data := map[string]any{
		"duration": entry.Duration.Hours(),
		"status":   string(entry.Status),
	}
	if entry.Cost != nil {
		data["cost"] = entry.Cost.TotalCost.String()
		data["model"] = string(entry.Cost.Model)
	}
	if len(entry.Flags) > 0 {
		flags := make([]string, 0, len(entry.Flags))
		for _, f := range entry.Flags {
			flags = append(flags, string(f))
		}
		data["flags"] = flags
	}
	return data
}

// EventName routes the event by its lifecycle name.
func (e LifecycleEvent) EventName() string { return e.Event }
