package interaction

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultRetentionSchedule runs the purge daily at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// Purger deletes interactions older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// RetentionScheduler purges old interactions on a cron schedule.
type RetentionScheduler struct {
	cron      *cron.Cron
	store     Purger
	retention time.Duration
	now       func() time.Time
}

// NewRetentionScheduler registers a purge of everything older than retention.
// schedule uses the standard 5-field cron format; empty means
// DefaultRetentionSchedule.
func NewRetentionScheduler(store Purger, retention time.Duration, schedule string) (*RetentionScheduler, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive (got %s)", retention)
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	s := &RetentionScheduler{
		cron:      cron.New(),
		store:     store,
		retention: retention,
		now:       time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("registering retention cron %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce purges immediately and returns the number of deleted records.
func (s *RetentionScheduler) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	n, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("interaction_retention_failed")
		return 0
	}
	log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("interaction_retention_ran")
	return n
}

// Start begins executing the schedule.
func (s *RetentionScheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running purge to finish.
func (s *RetentionScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *RetentionScheduler) Entries() int {
	return len(s.cron.Entries())
}
