package machinetime

import "errors"

var (
	// ErrEmptyEquipmentID is returned when equipment id is empty.
	ErrEmptyEquipmentID = errors.New("machinetime: empty equipment id")
	// ErrUnknownEquipment is returned when an equipment id is not registered.
	ErrUnknownEquipment = errors.New("machinetime: unknown equipment")
	// ErrEquipmentInactive is returned when a deactivated equipment is referenced.
	ErrEquipmentInactive = errors.New("machinetime: equipment inactive")
	// ErrEquipmentBusy is returned when an entry is already open for the equipment.
	ErrEquipmentBusy = errors.New("machinetime: equipment busy")
	// ErrEntryNotFound is returned when an entry is not found.
	ErrEntryNotFound = errors.New("machinetime: entry not found")
	// ErrEntryAlreadyCompleted is returned when mutating a completed entry.
	ErrEntryAlreadyCompleted = errors.New("machinetime: entry already completed")
	// ErrInvalidTimeRange is returned when an end time precedes its start.
	ErrInvalidTimeRange = errors.New("machinetime: invalid time range")
	// ErrInvalidTransition is returned for an illegal status change.
	ErrInvalidTransition = errors.New("machinetime: invalid transition")
	// ErrSlotTimeout is returned when the equipment slot cannot be acquired in time.
	ErrSlotTimeout = errors.New("machinetime: equipment slot timeout")
	// ErrNilEntry is returned when saving a nil entry.
	ErrNilEntry = errors.New("machinetime: nil entry")
)
