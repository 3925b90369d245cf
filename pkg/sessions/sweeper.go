package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/outbox"
)

// Sweeper abandons ACTIVE sessions with no activity past the idle timeout
// and emits session.timed_out for each.
type Sweeper struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(store Store, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultConfig().SweepBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "session_sweeper"),
		stopCh: make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("Session sweeper started",
		"idle_timeout", s.cfg.IdleTimeout, "interval", s.cfg.SweepInterval)
	return nil
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("Abandoned idle sessions", "count", n)
			}
		}
	}
}

// SweepOnce abandons one batch of idle sessions and returns how many.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	idle, err := s.store.ListInactiveSince(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	abandoned := 0
	for i := range idle {
		sess := &idle[i]
		err := s.store.MarkStatus(ctx, sess.ID, models.SessionAbandoned, outbox.BatchEvent{
			EventType: bus.EventTypeSessionTimedOut,
			Payload: map[string]any{
				"session_id": sess.ID,
				"user_id":    sess.UserID,
			},
		})
		if err != nil {
			s.logger.Error("Failed to abandon session", "session_id", sess.ID, "error", err)
			continue
		}
		abandoned++
	}
	return abandoned, nil
}
