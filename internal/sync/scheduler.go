package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Syncer is the unit the scheduler invokes on every tick
type Syncer interface {
	SyncAll(ctx context.Context) (map[string]*SyncResult, error)
}

// Scheduler triggers SyncAll on a fixed interval. Failed accounts are
// retried on the next tick; there is no retry loop of its own.
type Scheduler struct {
	Syncer   Syncer
	Interval time.Duration
	Logger   zerolog.Logger

	// OnRound is called after every round, if set
	OnRound func(map[string]*SyncResult)
}

// Run syncs immediately, then on every tick until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := s.Logger.With().Str("component", "scheduler").Logger()
	log.Info().Dur("interval", interval).Msg("scheduler started")

	s.round(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.round(ctx)
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	results, err := s.Syncer.SyncAll(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("sync round aborted")
		return
	}
	if s.OnRound != nil {
		s.OnRound(results)
	}
}
