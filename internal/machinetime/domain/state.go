package machinetime

import signals "machine-time/internal/signals/domain"

// State is the canonical lifecycle state of one equipment.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateStopped State = "STOPPED"
	StateError   State = "ERROR"
)

// InitialState is the state of newly registered equipment.
const InitialState = StateIdle

// Effect is the entry side effect attached to a transition.
type Effect string

const (
	EffectOpenEntry   Effect = "OPEN_ENTRY"
	EffectHeartbeat   Effect = "HEARTBEAT"
	EffectCloseEntry  Effect = "CLOSE_ENTRY"
	EffectPauseEntry  Effect = "PAUSE_ENTRY"
	EffectResumeEntry Effect = "RESUME_ENTRY"
	EffectDeferIdle   Effect = "DEFER_IDLE"
	EffectErrorStop   Effect = "ERROR_STOP"
	EffectCount       Effect = "COUNT"
)

// Transition is one row of the lifecycle table.
type Transition struct {
	Signal signals.SignalType
	From   []State
	To     State
	Effect Effect
}

// Allows reports whether the transition may fire from the given state.
func (t Transition) Allows(current State) bool {
	if t.From == nil {
		return true
	}
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

// A nil From means any state.
var transitionTable = []Transition{
	{Signal: signals.SignalStart, From: []State{StateIdle, StateStopped}, To: StateRunning, Effect: EffectOpenEntry},
	{Signal: signals.SignalRunning, From: []State{StateRunning, StateIdle}, To: StateRunning, Effect: EffectHeartbeat},
	{Signal: signals.SignalStop, From: []State{StateRunning, StatePaused, StateIdle, StateError}, To: StateStopped, Effect: EffectCloseEntry},
	{Signal: signals.SignalPause, From: []State{StateRunning}, To: StatePaused, Effect: EffectPauseEntry},
	{Signal: signals.SignalResume, From: []State{StatePaused}, To: StateRunning, Effect: EffectResumeEntry},
	{Signal: signals.SignalIdle, From: []State{StateRunning, StatePaused, StateStopped, StateError}, To: StateIdle, Effect: EffectDeferIdle},
	{Signal: signals.SignalError, To: StateError, Effect: EffectErrorStop},
	{Signal: signals.SignalCycleComplete, From: []State{StateRunning}, To: StateRunning, Effect: EffectCount},
	{Signal: signals.SignalPartComplete, From: []State{StateRunning}, To: StateRunning, Effect: EffectCount},
}

var transitionsBySignal = func() map[signals.SignalType]Transition {
	out := make(map[signals.SignalType]Transition, len(transitionTable))
	for _, t := range transitionTable {
		out[t.Signal] = t
	}
	return out
}()

// LookupTransition returns the transition a signal triggers from the current
// state, or false when the table does not allow it.
func LookupTransition(current State, signalType signals.SignalType) (Transition, bool) {
	t, ok := transitionsBySignal[signalType]
	if !ok || !t.Allows(current) {
		return Transition{}, false
	}
	return t, true
}

// Transitions returns a copy of the lifecycle table.
func Transitions() []Transition {
	out := make([]Transition, len(transitionTable))
	copy(out, transitionTable)
	return out
}
