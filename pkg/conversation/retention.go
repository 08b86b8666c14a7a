package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRetentionSchedule runs the sweep once an hour
const DefaultRetentionSchedule = "@hourly"

// RetentionConfig configures a RetentionSweeper
type RetentionConfig struct {
	// Schedule is a standard five-field cron expression or descriptor such as "@every 1h"
	Schedule string
	MaxAge   time.Duration
	// Busy reports sessions that a run is using; the sweep leaves them alone
	Busy func(id string) bool
}

// RetentionSweeper periodically deletes sessions idle for longer than MaxAge
type RetentionSweeper struct {
	manager  *Manager
	maxAge   time.Duration
	schedule string
	busy     func(id string) bool
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	now     func() time.Time
}

// NewRetentionSweeper validates the schedule and creates a sweeper
func NewRetentionSweeper(manager *Manager, cfg RetentionConfig) (*RetentionSweeper, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetentionSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}

	return &RetentionSweeper{
		manager:  manager,
		maxAge:   cfg.MaxAge,
		schedule: cfg.Schedule,
		busy:     cfg.Busy,
		cron:     cron.New(),
		logger:   manager.logger.With().Str("component", "retention").Logger(),
		now:      time.Now,
	}, nil
}

// Start schedules the sweep
func (r *RetentionSweeper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	r.cron.Start()
	r.started = true
	r.logger.Info().Str("schedule", r.schedule).Dur("maxAge", r.maxAge).Msg("Retention sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish
func (r *RetentionSweeper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	<-r.cron.Stop().Done()
	r.started = false
}

// idleLister is implemented by storage adapters that can query idle sessions directly
type idleLister interface {
	IdleSince(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Sweep deletes every session whose last activity is older than MaxAge and
// returns the number removed. Sessions reported busy are skipped.
func (r *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.maxAge)

	ids, err := r.idle(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if r.busy != nil && r.busy(id) {
			r.logger.Debug().Str("sessionId", id).Msg("Skipping idle session with a run in progress")
			continue
		}
		if err := r.manager.DeleteSession(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("sessionId", id).Msg("Failed to delete idle session")
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Idle sessions removed")
	}
	return removed, nil
}

func (r *RetentionSweeper) idle(ctx context.Context, cutoff time.Time) ([]string, error) {
	if lister, ok := r.manager.Storage().(idleLister); ok {
		ids, err := lister.IdleSince(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to query idle sessions: %w", err)
		}
		return ids, nil
	}

	summaries, err := r.manager.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var ids []string
	for _, s := range summaries {
		if s.LastActiveAt.Before(cutoff) {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}
