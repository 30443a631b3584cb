package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	machinetime "machine-time/internal/machinetime/domain"
	"machine-time/internal/observability/metrics"
	signals "machine-time/internal/signals/domain"
)

// IngestResult describes what one raw signal did to its equipment.
type IngestResult struct {
	EquipmentID string               `json:"equipmentId"`
	Signal      signals.SignalType   `json:"signalType"`
	State       machinetime.State    `json:"state"`
	EntryID     string               `json:"entryId,omitempty"`
	Confirmed   []signals.SignalType `json:"confirmed,omitempty"`
	Ignored     []signals.SignalType `json:"ignored,omitempty"`
	Heartbeat   bool                 `json:"heartbeat,omitempty"`
	Pending     bool                 `json:"pending,omitempty"`
}

// Ingest normalizes and processes one adapter signal.
func (s *Service) Ingest(ctx context.Context, raw signals.RawSignal) (IngestResult, error) {
	start := time.Now()
	if s.normalizer == nil {
		return IngestResult{}, errors.New("machinetime service: no normalizer configured")
	}
	sig, err := s.normalizer.Normalize(raw)
	if err != nil {
		s.rejectSignal(raw.EquipmentID, "", err)
		metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		return IngestResult{}, err
	}
	result, err := s.IngestSignal(ctx, sig)
	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
	}
	metrics.ObserveIngest(outcome, time.Since(start))
	return result, err
}

// IngestSignal processes an already normalized signal under the equipment slot.
func (s *Service) IngestSignal(ctx context.Context, sig signals.Signal) (IngestResult, error) {
	rt, err := s.runtimeFor(ctx, sig.EquipmentID)
	if err != nil {
		s.rejectSignal(sig.EquipmentID, sig.Type, err)
		return IngestResult{}, err
	}
	if err := s.lock(ctx, rt, "signal"); err != nil {
		s.rejectSignal(sig.EquipmentID, sig.Type, err)
		return IngestResult{}, err
	}
	defer rt.release()

	prev := rt.debounce.Stable()
	decision, err := s.filter.Accept(rt.debounce, sig, s.clock.Now())
	if err != nil {
		s.rejectSignal(sig.EquipmentID, sig.Type, err)
		return IngestResult{}, err
	}

	result := IngestResult{EquipmentID: sig.EquipmentID, Signal: sig.Type, Heartbeat: decision.Heartbeat}
	if decision.Heartbeat {
		metrics.IncSignal(string(sig.Type), metrics.SignalHeartbeat)
		if err := s.heartbeat(ctx, rt, sig); err != nil {
			return result, err
		}
	}
	for _, confirmed := range decision.Confirmed {
		applied, err := s.apply(ctx, rt, confirmed)
		if err != nil {
			rt.debounce.Restore(prev)
			return result, err
		}
		if applied {
			result.Confirmed = append(result.Confirmed, confirmed.Type)
			if !confirmed.Type.IsCounter() {
				prev = confirmed.Type
			}
		} else {
			result.Ignored = append(result.Ignored, confirmed.Type)
		}
	}
	// A classification the state machine refused must not become the
	// baseline for later heartbeats.
	if rt.debounce.Stable() != prev {
		rt.debounce.Restore(prev)
	}
	if _, ok := rt.debounce.Pending(); ok {
		result.Pending = true
		metrics.IncSignal(string(sig.Type), metrics.SignalPending)
	}
	result.State = rt.state
	result.EntryID = rt.activeEntryID
	return result, nil
}

// Tick confirms pending classifications whose stability elapsed without a
// follow-up signal. It returns the number of transitions applied.
func (s *Service) Tick(ctx context.Context) (int, error) {
	applied := 0
	var firstErr error
	for _, rt := range s.arena.all() {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if err := s.lock(ctx, rt, "tick"); err != nil {
			if !errors.Is(err, machinetime.ErrEquipmentInactive) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		prev := rt.debounce.Stable()
		sig, ok := s.filter.Tick(rt.debounce, s.clock.Now())
		if ok {
			done, err := s.apply(ctx, rt, sig)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if done {
				applied++
			} else {
				rt.debounce.Restore(prev)
			}
		}
		rt.release()
	}
	return applied, firstErr
}

// RunTicker calls Tick on every interval until ctx is cancelled.
func (s *Service) RunTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Printf("machinetime tick failed: err=%v", err)
			}
		}
	}
}

// heartbeat handles a repeat of the stable classification. IDLE repeats do
// not count as activity so idle equipment ages toward the sweep.
func (s *Service) heartbeat(ctx context.Context, rt *runtimeState, sig signals.Signal) error {
	if sig.Type == signals.SignalIdle || rt.state == machinetime.StateIdle {
		return nil
	}
	rt.touch(sig.Timestamp)
	entry, err := s.loadOpenEntry(ctx, rt)
	if err != nil || entry == nil {
		return err
	}
	changed := false
	if sig.Type == signals.SignalRunning && entry.FirstRunningAt.IsZero() {
		entry.MarkRunning(sig.Timestamp)
		changed = true
	}
	if sig.Uncertain() && !entry.HasFlag(machinetime.FlagUncertainSignal) {
		entry.AddFlag(machinetime.FlagUncertainSignal)
		changed = true
	}
	if !changed {
		return nil
	}
	return s.entries.Save(ctx, entry)
}

// apply runs a confirmed signal through the state machine. Illegal signals
// are logged no-ops and report false.
func (s *Service) apply(ctx context.Context, rt *runtimeState, sig signals.Signal) (bool, error) {
	if err := s.filter.CheckTransition(rt.state, sig.Type); err != nil {
		s.rejectSignal(rt.equipmentID, sig.Type, err)
		return false, nil
	}
	t, _ := machinetime.LookupTransition(rt.state, sig.Type)
	at := sig.Timestamp
	from := rt.state

	entry, err := s.loadOpenEntry(ctx, rt)
	if err != nil {
		return false, err
	}
	if entry != nil && sig.Uncertain() {
		entry.AddFlag(machinetime.FlagUncertainSignal)
	}

	switch t.Effect {
	case machinetime.EffectOpenEntry:
		if entry != nil {
			s.rejectSignal(rt.equipmentID, sig.Type, fmt.Errorf("%w: entry %s open", machinetime.ErrEquipmentBusy, entry.ID))
			return false, nil
		}
		if _, err := s.openEntry(ctx, rt, StartRequest{
			EquipmentID: rt.equipmentID,
			Source:      sig.SourceType,
			StartTime:   at,
			Uncertain:   sig.Uncertain(),
		}); err != nil {
			return false, err
		}

	case machinetime.EffectHeartbeat:
		rt.transition(t.To, at)
		rt.touch(at)
		if entry != nil {
			entry.MarkRunning(at)
			if err := s.entries.Save(ctx, entry); err != nil {
				return false, err
			}
		}

	case machinetime.EffectCloseEntry:
		if entry != nil {
			if err := s.closeEntry(ctx, rt, entry, at); err != nil {
				return false, err
			}
			s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventTimeStopped, at, entry, machinetime.StoppedData(entry)))
		}
		rt.transition(t.To, at)
		rt.touch(at)

	case machinetime.EffectPauseEntry:
		if entry != nil && entry.Status == machinetime.EntryActive {
			if err := s.pauseEntry(ctx, rt, entry, at); err != nil {
				return false, err
			}
		} else {
			rt.transition(t.To, at)
			rt.touch(at)
		}

	case machinetime.EffectResumeEntry:
		if entry != nil && entry.Status == machinetime.EntryPaused {
			if err := s.resumeEntry(ctx, rt, entry, at); err != nil {
				return false, err
			}
		} else {
			rt.transition(t.To, at)
			rt.touch(at)
		}

	case machinetime.EffectDeferIdle:
		// The open entry stays open; the sweep closes it once the idle
		// timeout has passed without activity.
		rt.transition(t.To, at)
		if entry != nil && sig.Uncertain() {
			if err := s.entries.Save(ctx, entry); err != nil {
				return false, err
			}
		}

	case machinetime.EffectErrorStop:
		data := map[string]any{"previousState": string(from)}
		for k, v := range sig.Payload {
			data[k] = v
		}
		if entry != nil {
			if err := s.closeEntry(ctx, rt, entry, at, machinetime.FlagErrorStop); err != nil {
				return false, err
			}
			for k, v := range machinetime.StoppedData(entry) {
				data[k] = v
			}
		}
		rt.transition(t.To, at)
		rt.touch(at)
		evt := machinetime.NewLifecycleEvent(machinetime.EventErrorDetected, at, entry, data)
		evt.EquipmentID = rt.equipmentID
		s.emit(ctx, evt)
		if entry != nil {
			s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventTimeStopped, at, entry, machinetime.StoppedData(entry)))
		}
		s.logger.Printf("machinetime equipment error: equipment=%s from=%s entry=%s", rt.equipmentID, from, entryIDOf(entry))

	case machinetime.EffectCount:
		rt.touch(at)
		if entry != nil {
			entry.RecordCounter(sig.Type, at)
			if err := s.entries.Save(ctx, entry); err != nil {
				return false, err
			}
		}
	}

	metrics.IncSignal(string(sig.Type), metrics.SignalConfirmed)
	return true, nil
}

func entryIDOf(entry *machinetime.Entry) string {
	if entry == nil {
		return ""
	}
	return entry.ID
}

func (s *Service) rejectSignal(equipmentID string, signalType signals.SignalType, err error) {
	reason := RejectReason(err)
	metrics.IncIngestError(reason)
	if signalType != "" {
		metrics.IncSignal(string(signalType), metrics.SignalRejected)
	}
	s.logger.Printf("machinetime signal dropped: equipment=%s type=%s reason=%s err=%v", equipmentID, signalType, reason, err)
}

// RejectReason classifies why a signal was dropped.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, signals.ErrStaleSignal):
		return "stale"
	case errors.Is(err, signals.ErrBadQuality):
		return "bad_quality"
	case errors.Is(err, signals.ErrMalformedSignal):
		return "malformed"
	case errors.Is(err, signals.ErrUnknownAdapter):
		return "unknown_adapter"
	case errors.Is(err, signals.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, machinetime.ErrEquipmentBusy):
		return "equipment_busy"
	case errors.Is(err, machinetime.ErrUnknownEquipment), errors.Is(err, machinetime.ErrEmptyEquipmentID):
		return "unknown_equipment"
	case errors.Is(err, machinetime.ErrEquipmentInactive):
		return "inactive_equipment"
	case errors.Is(err, machinetime.ErrSlotTimeout):
		return "slot_timeout"
	default:
		return "other"
	}
}
