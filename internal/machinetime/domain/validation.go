package machinetime

import (
	"fmt"
	"time"
)

// Severity grades a validation finding.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Finding codes.
const (
	FindingEquipmentMissing = "EQUIPMENT_MISSING"
	FindingInvalidTimeRange = "INVALID_TIME_RANGE"
	FindingOverlap          = "OVERLAP"
	FindingCostMissing      = "COST_MISSING"
	FindingUnusualDuration  = "UNUSUAL_DURATION"
	FindingPausedExceeds    = "PAUSED_EXCEEDS_ELAPSED"
	FindingDurationMismatch = "DURATION_MISMATCH"
)

// DefaultUnusualDuration is the entry length above which a warning is raised.
const DefaultUnusualDuration = 24 * time.Hour

// Finding is one consistency observation.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ValidationReport is the read-only result of checking one entry.
type ValidationReport struct {
	EntryID   string    `json:"entryId"`
	Valid     bool      `json:"valid"`
	Findings  []Finding `json:"findings"`
	CheckedAt time.Time `json:"checkedAt"`
}

// ValidateEntry checks an entry against its equipment and sibling entries.
// Warnings never make a report invalid.
func ValidateEntry(entry *Entry, equipment *Equipment, siblings []*Entry, now time.Time, unusual time.Duration) ValidationReport {
	report := ValidationReport{EntryID: entry.ID, Findings: []Finding{}, CheckedAt: now.UTC()}
	add := func(code string, severity Severity, format string, args ...any) {
		report.Findings = append(report.Findings, Finding{Code: code, Severity: severity, Message: fmt.Sprintf(format, args...)})
	}
	if unusual <= 0 {
		unusual = DefaultUnusualDuration
	}

	if equipment == nil {
		add(FindingEquipmentMissing, SeverityError, "equipment %s not found", entry.EquipmentID)
	}

	end := now
	if entry.EndTime != nil {
		end = *entry.EndTime
		if end.Before(entry.StartTime) {
			add(FindingInvalidTimeRange, SeverityError, "end %s before start %s", end.Format(time.RFC3339), entry.StartTime.Format(time.RFC3339))
		}
	}

	elapsed := end.Sub(entry.StartTime)
	if entry.PausedDuration > elapsed && elapsed >= 0 {
		add(FindingPausedExceeds, SeverityWarning, "paused %s exceeds elapsed %s", entry.PausedDuration, elapsed)
	}
	if entry.ActiveDuration(end) > unusual {
		add(FindingUnusualDuration, SeverityWarning, "duration %s exceeds %s", entry.ActiveDuration(end), unusual)
	}

	if entry.Status == EntryCompleted {
		if entry.Cost == nil {
			add(FindingCostMissing, SeverityError, "completed entry has no cost")
		}
		if want := elapsed - entry.PausedDuration; entry.EndTime != nil && entry.Duration != want {
			add(FindingDurationMismatch, SeverityError, "duration %s, expected %s", entry.Duration, want)
		}
	}

	for _, other := range siblings {
		if other == nil || other.ID == entry.ID || other.EquipmentID != entry.EquipmentID {
			continue
		}
		otherEnd := now
		if other.EndTime != nil {
			otherEnd = *other.EndTime
		}
		if entry.StartTime.Before(otherEnd) && other.StartTime.Before(end) {
			add(FindingOverlap, SeverityError, "overlaps entry %s", other.ID)
		}
	}

	report.Valid = true
	for _, f := range report.Findings {
		if f.Severity == SeverityError {
			report.Valid = false
			break
		}
	}
	return report
}
