package signals

import "errors"

var (
	// ErrMalformedSignal is returned when adapter output cannot be normalized.
	ErrMalformedSignal = errors.New("signals: malformed signal")
	// ErrUnknownAdapter is returned when no mapping table is configured for an adapter.
	ErrUnknownAdapter = errors.New("signals: unknown adapter")
	// ErrStaleSignal is returned for signals older than the last accepted or the max age.
	ErrStaleSignal = errors.New("signals: stale signal")
	// ErrBadQuality is returned for signals reported with BAD quality.
	ErrBadQuality = errors.New("signals: bad quality")
	// ErrInvalidTransition is returned when a confirmed signal is illegal for the current state.
	ErrInvalidTransition = errors.New("signals: invalid transition")
	// ErrAmbiguousStatus is returned for status tables whose codes collide when case is ignored.
	ErrAmbiguousStatus = errors.New("signals: ambiguous status code")
)
