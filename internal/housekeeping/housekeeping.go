// Package housekeeping schedules the collector's periodic maintenance
// sweeps: marking old values stale in the Live Value Cache (SweepStale),
// and unshelving, notification dispatch and escalation for alarms, all on
// github.com/robfig/cron/v3 expressions rather than ad hoc goroutine
// tickers, so schedules are declarative and restart-safe. Historian
// flushing and virtual-point timers are not driven from here.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// CacheSweeper marks values older than a threshold as stale.
type CacheSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) int
}

// HistorianFlusher describes a historian exposing Stats. It has no flush
// method, and no Config field or scheduled job uses it.
type HistorianFlusher interface {
	Stats() interface{}
}

// AlarmEscalator advances any time-based alarm escalation state: unshelving
// occurrences whose shelf period has expired, dispatching due/overdue
// notifications, and bumping escalation levels for occurrences that have
// gone unacknowledged through a full notification cycle.
type AlarmEscalator interface {
	UnshelveExpired() int
	DispatchNotifications() int
	EscalateOverdue() int
}

// Config wires the housekeeping scheduler's targets and cadences.
type Config struct {
	Cache          CacheSweeper
	StaleThreshold time.Duration
	CacheSweepCron string // default "*/30 * * * * *" (every 30s)

	Alarms         AlarmEscalator
	EscalationCron string // default "*/10 * * * * *" (every 10s)
}

// Scheduler runs the collector's periodic maintenance sweeps.
type Scheduler struct {
	cron *cron.Cron
	cfg  Config
}

func New(cfg Config) *Scheduler {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if cfg.CacheSweepCron == "" {
		cfg.CacheSweepCron = "*/30 * * * * *"
	}
	if cfg.EscalationCron == "" {
		cfg.EscalationCron = "*/10 * * * * *"
	}
	return &Scheduler{cron: cron.New(cron.WithSeconds()), cfg: cfg}
}

func (s *Scheduler) Start() error {
	if s.cfg.Cache != nil {
		if _, err := s.cron.AddFunc(s.cfg.CacheSweepCron, func() {
			s.cfg.Cache.SweepStale(context.Background(), s.cfg.StaleThreshold)
		}); err != nil {
			return err
		}
	}
	if s.cfg.Alarms != nil {
		if _, err := s.cron.AddFunc(s.cfg.EscalationCron, func() {
			s.cfg.Alarms.UnshelveExpired()
			s.cfg.Alarms.DispatchNotifications()
			s.cfg.Alarms.EscalateOverdue()
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
