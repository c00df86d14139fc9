package cleanup

import (
	"context"
	"log/slog"
	"time"

	"wheelauth/internal/lib/sl"
)

// TokenPurger hard-deletes refresh token records that are expired or revoked.
type TokenPurger interface {
	PurgeTokens(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically purges dead refresh token records. It never runs on
// the request path; a failed sweep is logged and retried on the next tick.
type Sweeper struct {
	logger       *slog.Logger
	purger       TokenPurger
	interval     time.Duration
	sweepTimeout time.Duration
}

func New(logger *slog.Logger, purger TokenPurger, interval, sweepTimeout time.Duration) *Sweeper {
	return &Sweeper{
		logger:       logger,
		purger:       purger,
		interval:     interval,
		sweepTimeout: sweepTimeout,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	const op = "cleanup.Run"
	log := s.logger.With(slog.String("op", op))
	log.Info("retention sweeper started", slog.Duration("interval", s.interval))

	s.sweep(ctx, log)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx, log)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, log *slog.Logger) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
	defer cancel()

	purged, err := s.purger.PurgeTokens(sweepCtx, time.Now())
	if err != nil {
		log.Error("sweep failed", sl.Err(err))
		return
	}
	if purged > 0 {
		log.Info("purged refresh tokens", slog.Int64("count", purged))
	}
}
