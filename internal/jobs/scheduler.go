package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const purgeTimeout = time.Minute

// Purger deletes refresh tokens that expired before now-retention.
type Purger interface {
	PurgeExpiredTokens(ctx context.Context, retention time.Duration) (int64, error)
}

type Scheduler struct {
	cron      *cron.Cron
	purger    Purger
	schedule  string
	retention time.Duration
	log       zerolog.Logger
}

// NewScheduler accepts standard five-field specs and descriptors such as "@every 1h".
func NewScheduler(purger Purger, schedule string, retention time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		purger:    purger,
		schedule:  schedule,
		retention: retention,
		log:       log,
	}
}

func (s *Scheduler) Start() error {
	if s.purger == nil {
		return errors.New("jobs: purger is required")
	}
	if s.schedule == "" {
		s.log.Info().Msg("refresh token purge disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.purgeExpired); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("schedule", s.schedule).Dur("retention", s.retention).Msg("scheduler started")
	return nil
}

// Stop halts scheduling and waits for a running purge until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Scheduler) purgeExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	n, err := s.purger.PurgeExpiredTokens(ctx, s.retention)
	if err != nil {
		s.log.Error().Err(err).Msg("purge expired refresh tokens failed")
		return
	}
	s.log.Info().Int64("purged", n).Msg("expired refresh tokens purged")
}
