package application

import (
	"errors"
	"fmt"
	"time"

	machinetime "machine-time/internal/machinetime/domain"
	"machine-time/internal/signals/domain"
)

const (
	DefaultMaxAge = 5 * time.Minute
	DefaultWindow = 2 * time.Second
)

// StabilityTable maps a signal type to the duration it must remain the most
// recent classification before it is confirmed.
type StabilityTable map[signals.SignalType]time.Duration

// DefaultStability returns the stock stability rules.
func DefaultStability() StabilityTable {
	return StabilityTable{
		signals.SignalRunning: 1000 * time.Millisecond,
		signals.SignalIdle:    1000 * time.Millisecond,
		signals.SignalStop:    500 * time.Millisecond,
		signals.SignalError:   0,
		signals.SignalStart:   0,
		signals.SignalPause:   0,
		signals.SignalResume:  0,
	}
}

// For returns the stability duration for a type; unlisted types confirm immediately.
func (t StabilityTable) For(signalType signals.SignalType) time.Duration {
	if t == nil {
		return 0
	}
	return t[signalType]
}

// FilterConfig configures the debounce and validation filter.
type FilterConfig struct {
	MaxAge       time.Duration
	Window       time.Duration
	Stability    StabilityTable
	RingCapacity int
}

// Filter suppresses stale, low-quality, transient and illegal signals.
// It holds no per-equipment state; callers pass the equipment's DebounceState
// while holding that equipment's serialization slot.
type Filter struct {
	maxAge       time.Duration
	window       time.Duration
	stability    StabilityTable
	ringCapacity int
}

// NewFilter constructs a filter, filling defaults for zero values.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	if cfg.MaxAge < 0 || cfg.Window < 0 {
		return nil, errors.New("signal filter: negative duration")
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Stability == nil {
		cfg.Stability = DefaultStability()
	}
	for signalType, d := range cfg.Stability {
		if d < 0 {
			return nil, fmt.Errorf("signal filter: negative stability for %s", signalType)
		}
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = signals.DefaultRingCapacity
	}
	return &Filter{
		maxAge:       cfg.MaxAge,
		window:       cfg.Window,
		stability:    cfg.Stability,
		ringCapacity: cfg.RingCapacity,
	}, nil
}

// Window returns the rolling debounce window.
func (f *Filter) Window() time.Duration { return f.window }

// DebounceState is the per-equipment debounce memory.
type DebounceState struct {
	ring         *signals.Ring
	lastAccepted time.Time
	stable       signals.SignalType
	pending      *signals.Signal
}

// NewState returns an empty debounce state whose stable classification is IDLE,
// matching the initial equipment state.
func (f *Filter) NewState() *DebounceState {
	return &DebounceState{
		ring:   signals.NewRing(f.ringCapacity),
		stable: signals.SignalIdle,
	}
}

// Stable returns the last confirmed classification.
func (s *DebounceState) Stable() signals.SignalType { return s.stable }

// Pending returns the unconfirmed classification, if any.
func (s *DebounceState) Pending() (signals.Signal, bool) {
	if s.pending == nil {
		return signals.Signal{}, false
	}
	return *s.pending, true
}

// LastAccepted returns the timestamp of the newest accepted signal.
func (s *DebounceState) LastAccepted() time.Time { return s.lastAccepted }

// Recent returns the ring contents, oldest first.
func (s *DebounceState) Recent() []signals.Signal { return s.ring.Snapshot() }

// Force records a classification applied outside signal flow (manual
// commands, synthetic stops) and discards any pending candidate.
func (s *DebounceState) Force(signalType signals.SignalType) {
	s.stable = signalType
	s.pending = nil
}

// Restore reverts the stable classification after a confirmed signal was
// rejected downstream. A pending candidate is kept.
func (s *DebounceState) Restore(signalType signals.SignalType) {
	s.stable = signalType
}

// Decision is the outcome of admitting one signal.
type Decision struct {
	// Confirmed signals in the order they must be applied.
	Confirmed []signals.Signal
	// Heartbeat is set when the signal repeated the stable classification.
	Heartbeat bool
	// Changes counts classification changes inside the debounce window.
	Changes int
}

// Accept admits a signal into the equipment's debounce state.
func (f *Filter) Accept(state *DebounceState, s signals.Signal, now time.Time) (Decision, error) {
	if state == nil {
		return Decision{}, errors.New("signal filter: nil state")
	}
	if s.Quality == signals.QualityBad {
		return Decision{}, signals.ErrBadQuality
	}
	if !state.lastAccepted.IsZero() && s.Timestamp.Before(state.lastAccepted) {
		return Decision{}, fmt.Errorf("%w: %s before last accepted %s", signals.ErrStaleSignal,
			s.Timestamp.Format(time.RFC3339Nano), state.lastAccepted.Format(time.RFC3339Nano))
	}
	if age := now.Sub(s.Timestamp); age > f.maxAge {
		return Decision{}, fmt.Errorf("%w: age %s exceeds %s", signals.ErrStaleSignal, age, f.maxAge)
	} else if -age > f.maxAge {
		return Decision{}, fmt.Errorf("%w: timestamp %s in the future", signals.ErrMalformedSignal, s.Timestamp.Format(time.RFC3339Nano))
	}

	state.lastAccepted = s.Timestamp
	state.ring.Push(s)
	decision := Decision{Changes: state.ring.Changes(f.window, s.Timestamp)}

	if s.Type.IsCounter() {
		decision.Confirmed = []signals.Signal{s}
		return decision, nil
	}

	if p := state.pending; p != nil && p.Type != s.Type {
		// The pending candidate stayed most recent until this signal arrived.
		if s.Timestamp.Sub(p.Timestamp) >= f.stability.For(p.Type) {
			decision.Confirmed = append(decision.Confirmed, *p)
			state.stable = p.Type
		}
		state.pending = nil
	}

	if s.Type == state.stable {
		state.pending = nil
		decision.Heartbeat = len(decision.Confirmed) == 0
		return decision, nil
	}

	if p := state.pending; p != nil {
		if s.Timestamp.Sub(p.Timestamp) >= f.stability.For(p.Type) {
			decision.Confirmed = append(decision.Confirmed, *p)
			state.stable = p.Type
			state.pending = nil
		}
		return decision, nil
	}

	if f.stability.For(s.Type) == 0 {
		decision.Confirmed = append(decision.Confirmed, s)
		state.stable = s.Type
		return decision, nil
	}

	pending := s
	state.pending = &pending
	return decision, nil
}

// Tick confirms a pending classification whose stability has elapsed by now.
func (f *Filter) Tick(state *DebounceState, now time.Time) (signals.Signal, bool) {
	if state == nil || state.pending == nil {
		return signals.Signal{}, false
	}
	p := *state.pending
	if now.Sub(p.Timestamp) < f.stability.For(p.Type) {
		return signals.Signal{}, false
	}
	state.stable = p.Type
	state.pending = nil
	return p, true
}

// CheckTransition validates a confirmed signal against the current state.
func (f *Filter) CheckTransition(current machinetime.State, signalType signals.SignalType) error {
	if _, ok := machinetime.LookupTransition(current, signalType); !ok {
		return fmt.Errorf("%w: %s from %s", signals.ErrInvalidTransition, signalType, current)
	}
	return nil
}
