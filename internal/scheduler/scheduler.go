// Package scheduler triggers workflow runs on cron schedules persisted
// in the store. One process-wide scheduler polls for due entries and
// hands them to the engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/strandworks/strand/internal/store"
	"github.com/strandworks/strand/pkg/schema"
)

// RunStarter is the interface the scheduler uses to start workflow runs.
// Satisfied by the engine (avoids an import cycle).
type RunStarter interface {
	StartRun(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (string, error)
}

const defaultTickInterval = 60 * time.Second

// Scheduler polls the store for due scheduled runs and starts them.
type Scheduler struct {
	store    store.Store
	starter  RunStarter
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // entry IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler over the given store and run starter.
func NewScheduler(s store.Store, starter RunStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: defaultTickInterval,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every enabled entry and starts those that are due. Exposed
// so tests and recovery paths can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	entries, err := s.store.ListScheduledRuns(ctx, true)
	if err != nil {
		s.logger.Error("list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.NextRunAt != nil && entry.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(entry.ID) {
			continue // already running
		}
		if err := s.runEntry(ctx, entry, now); err != nil {
			s.logger.Error("run scheduled entry",
				slog.String("schedule_id", entry.ID),
				slog.String("error", err.Error()))
		}
		s.release(entry.ID)
	}
}

// runEntry starts one scheduled run and advances its timestamps.
func (s *Scheduler) runEntry(ctx context.Context, entry *store.ScheduledRun, now time.Time) error {
	s.logger.Info("starting scheduled run",
		slog.String("schedule_id", entry.ID),
		slog.String("workflow", entry.Definition.Name))

	runID, err := s.starter.StartRun(ctx, &entry.Definition, entry.Input)
	status := "started"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run rejected",
			slog.String("schedule_id", entry.ID),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("scheduled run started",
			slog.String("schedule_id", entry.ID),
			slog.String("run_id", runID))
	}

	return s.advance(ctx, entry, now, status)
}

func (s *Scheduler) advance(ctx context.Context, entry *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(entry.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", entry.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, entry.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the entry in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// ValidateCron reports whether a cron expression parses. Used by the
// trigger surface before persisting a schedule.
func (s *Scheduler) ValidateCron(cronExpr string) error {
	_, err := s.parser.Parse(cronExpr)
	return err
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
