// Package scheduler runs the periodic maintenance jobs: revocation retention
// cleanup, offline session expiry sweeps, and session history pruning. Job
// failures are logged and retried on the next tick, never surfaced.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/config"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/license"
)

// Scheduler owns the background maintenance goroutines.
type Scheduler struct {
	revocations *license.RevocationList
	sessions    *license.SessionManager
	logger      *slog.Logger
	cfg         config.SchedulerConfig
	retention   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(revocations *license.RevocationList, sessions *license.SessionManager, logger *slog.Logger, cfg config.SchedulerConfig, revocationRetention time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		revocations: revocations,
		sessions:    sessions,
		logger:      logger.With(slog.String("component", "scheduler")),
		cfg:         cfg,
		retention:   revocationRetention,
	}
}

// Start launches the maintenance loops. They run until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.run(ctx, "revocation_cleanup", s.cfg.RevocationCleanupInterval, func(jobCtx context.Context) {
		removed, err := s.revocations.Cleanup(jobCtx, s.retention)
		if err != nil {
			s.logger.ErrorContext(jobCtx, "revocation cleanup failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if removed > 0 {
			s.logger.InfoContext(jobCtx, "revocation cleanup removed records",
				slog.Int("removed", removed),
			)
		}
	})

	s.run(ctx, "expiry_sweep", s.cfg.ExpirySweepInterval, func(jobCtx context.Context) {
		expired, err := s.sessions.SweepExpired(jobCtx)
		if err != nil {
			s.logger.ErrorContext(jobCtx, "session expiry sweep failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if expired > 0 {
			s.logger.InfoContext(jobCtx, "expiry sweep closed sessions",
				slog.Int("expired", expired),
			)
		}
	})

	s.run(ctx, "session_prune", s.cfg.SessionPruneInterval, func(jobCtx context.Context) {
		pruned, err := s.sessions.PruneHistory(jobCtx)
		if err != nil {
			s.logger.ErrorContext(jobCtx, "session history prune failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if pruned > 0 {
			s.logger.InfoContext(jobCtx, "session prune removed records",
				slog.Int("pruned", pruned),
			)
		}
	})
}

func (s *Scheduler) run(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		s.logger.Warn("maintenance job disabled", slog.String("job", name))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("maintenance job started",
			slog.String("job", name),
			slog.Duration("interval", interval),
		)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

// Stop cancels the loops and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
