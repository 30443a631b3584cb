package signals

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AdapterConfig is the data-driven translation table for one adapter instance.
type AdapterConfig struct {
	ID         string
	SourceType SourceType
	// StatusMap maps vendor status codes to canonical signal types.
	StatusMap map[string]SignalType
	// QualityMap maps vendor quality codes (e.g. OPC "192") to canonical quality.
	QualityMap map[string]Quality
	// TimeLayout parses RawSignal.Time; RFC3339 when empty.
	TimeLayout string
	// Location applies to layouts without a zone; UTC when nil.
	Location *time.Location
}

// Validate checks adapter invariants.
func (c AdapterConfig) Validate() error {
	if c.ID == "" {
		return errors.New("adapter config: empty id")
	}
	if c.SourceType == "" {
		return errors.New("adapter config: empty source type")
	}
	if len(c.StatusMap) == 0 {
		return errors.New("adapter config: empty status map")
	}
	for code, t := range c.StatusMap {
		if _, ok := ParseSignalType(string(t)); !ok {
			return errors.New("adapter config: status " + code + " maps to unknown signal type " + string(t))
		}
	}
	return CheckStatusKeys(c.StatusMap)
}

// CheckStatusKeys rejects tables with codes that differ only in case or
// surrounding space. LookupStatus could otherwise resolve such a code to
// either entry.
func CheckStatusKeys(table map[string]SignalType) error {
	seen := make(map[string]string, len(table))
	for code := range table {
		folded := strings.ToUpper(strings.TrimSpace(code))
		if other, ok := seen[folded]; ok {
			return fmt.Errorf("%w: status codes %q and %q collide", ErrAmbiguousStatus, other, code)
		}
		seen[folded] = code
	}
	return nil
}

// LookupStatus resolves a vendor status code. Exact match wins, then a
// case-insensitive match.
func LookupStatus(table map[string]SignalType, code string) (SignalType, bool) {
	if len(table) == 0 {
		return "", false
	}
	if t, ok := table[code]; ok {
		return t, true
	}
	trimmed := strings.TrimSpace(code)
	for key, t := range table {
		if strings.EqualFold(key, trimmed) {
			return t, true
		}
	}
	return "", false
}
