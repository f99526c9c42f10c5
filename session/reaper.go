package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper terminates sessions that have sat warm past their idle timeout.
// A session mid-operation is never reaped: the sweep takes the same
// exclusive slot as execute-class operations and skips busy sessions.
type Reaper struct {
	registry *Registry
	interval time.Duration
	log      *slog.Logger

	cron *cron.Cron
}

func NewReaper(registry *Registry, interval time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		log:      log,
		cron:     cron.New(),
	}
}

// Start schedules the periodic sweep.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.Sweep); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep, bounded by ctx.
func (r *Reaper) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.log.Warn("reaper stop timed out waiting for sweep")
	}
}

// Sweep terminates every idle warm session. Exported so a sweep can be
// forced without waiting out the interval.
func (r *Reaper) Sweep() {
	now := time.Now()
	for _, s := range r.registry.Snapshot() {
		if !s.tryAcquire() {
			continue // mid-operation, next sweep will see it
		}
		r.reapLocked(s, now)
		s.release()
	}
}

func (r *Reaper) reapLocked(s *Session, now time.Time) {
	if s.State() != StateWarm {
		return
	}
	idle := now.Sub(s.LastUsedAt())
	if idle <= s.Config.IdleTimeout {
		return
	}

	s.setState(StateTerminating)
	r.registry.Remove(s.ID)
	r.log.Info("reaping idle session", "session_id", s.ID, "idle", idle.Round(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), s.Config.TerminateGrace)
	defer cancel()
	if err := s.adapter.Terminate(ctx); err != nil {
		// Registry entry is already gone; nothing retries this.
		r.log.Error("reaper terminate failed", "session_id", s.ID, "error", err)
	}
	s.setState(StateTerminated)
}
