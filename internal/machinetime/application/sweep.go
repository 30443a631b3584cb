package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	machinetime "machine-time/internal/machinetime/domain"
	"machine-time/internal/observability/metrics"
	signals "machine-time/internal/signals/domain"
)

// DefaultSweepSchedule is the auto-stop cadence.
const DefaultSweepSchedule = "@every 10m"

// AutoStopIdle force-stops open entries whose equipment has shown no activity
// for longer than timeout. A timeout <= 0 uses each equipment's idle policy.
// Each stop runs under the equipment slot, so the sweep is safe to run
// concurrently with signals, commands and other sweeps.
func (s *Service) AutoStopIdle(ctx context.Context, timeout time.Duration) (int, error) {
	var stopped atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.sweepLimit)
	for _, rt := range s.arena.all() {
		g.Go(func() error {
			ok, err := s.sweepOne(ctx, rt, timeout)
			if ok {
				stopped.Add(1)
			}
			return err
		})
	}
	err := g.Wait()
	count := int(stopped.Load())
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveSweep(result, count)
	if count > 0 || err != nil {
		s.logger.Printf("machinetime idle sweep: stopped=%d err=%v", count, err)
	}
	return count, err
}

func (s *Service) sweepOne(ctx context.Context, rt *runtimeState, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.lock(ctx, rt, "sweep"); err != nil {
		if errors.Is(err, machinetime.ErrSlotTimeout) {
			// Busy equipment is not idle; the next sweep looks again.
			return false, nil
		}
		if errors.Is(err, machinetime.ErrEquipmentInactive) {
			return false, nil
		}
		return false, err
	}
	defer rt.release()

	entry, err := s.loadOpenEntry(ctx, rt)
	if err != nil || entry == nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = rt.equipment.EffectiveIdleTimeout()
	}
	now := s.clock.Now()
	last := maxTime(rt.lastActivityAt, entry.StartTime)
	if now.Sub(last) < timeout {
		return false, nil
	}

	end := maxTime(last, entry.EarliestEnd())

	if err := s.closeEntry(ctx, rt, entry, end, machinetime.FlagAutoStop); err != nil {
		return false, fmt.Errorf("machinetime: auto-stop equipment %s: %w", rt.equipmentID, err)
	}
	s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventIdleDetected, now, entry, map[string]any{
		"lastActivityAt": last.Format(time.RFC3339Nano),
		"idleTimeout":    timeout.Seconds(),
		"state":          string(rt.state),
	}))
	rt.transition(machinetime.StateStopped, now)
	rt.debounce.Force(signals.SignalStop)
	s.emit(ctx, machinetime.NewLifecycleEvent(machinetime.EventTimeStopped, end, entry, machinetime.StoppedData(entry)))
	s.logger.Printf("machinetime entry auto-stopped: equipment=%s entry=%s idle=%s", rt.equipmentID, entry.ID, now.Sub(last))
	return true, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Sweeper runs AutoStopIdle on a cron schedule.
type Sweeper struct {
	service  *Service
	cron     *cron.Cron
	timeout  time.Duration
	deadline time.Duration
	logger   *log.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper schedules idle sweeps. An empty schedule means DefaultSweepSchedule;
// a timeout <= 0 defers to each equipment's idle policy.
func NewSweeper(service *Service, schedule string, timeout time.Duration, logger *log.Logger) (*Sweeper, error) {
	if service == nil {
		return nil, errors.New("idle sweeper: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		service:  service,
		timeout:  timeout,
		deadline: 5 * time.Minute,
		logger:   logger,
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))))
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("idle sweeper: schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling. Sweeps stop when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Printf("idle sweeper started: timeout=%s", s.timeout)
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// RunOnce performs one sweep immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()
	return s.service.AutoStopIdle(ctx, s.timeout)
}

func (s *Sweeper) run() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Printf("idle sweeper run failed: err=%v", err)
	}
}
