package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically releases OPEN holds older than maxAge. Holds have no
// expiry of their own; this exists so a lost callback does not lock an
// agent's float forever. It only runs when HOLD_EXPIRY is configured.
type Sweeper struct {
	ledger   *Ledger
	maxAge   time.Duration
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewSweeper creates a hold expiry sweeper.
func NewSweeper(ledger *Ledger, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	interval := maxAge / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return &Sweeper{
		ledger:   ledger,
		maxAge:   maxAge,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// WithInterval overrides the tick derived from maxAge. Non-positive values
// are ignored.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in hold sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep releases one batch of stale holds and returns how many it released.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.maxAge)
	stale, err := s.ledger.Store().ListStaleHolds(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Warn("failed to list stale holds", "error", err)
		return 0
	}

	released := 0
	for _, h := range stale {
		res, err := s.ledger.ExpireHold(ctx, h.BusinessID, h.ID)
		if errors.Is(err, ErrInvalidHoldState) {
			s.logger.Debug("stale hold resolved concurrently", "holdId", h.ID)
			continue
		}
		if err != nil {
			s.logger.Warn("failed to expire hold", "holdId", h.ID, "businessId", h.BusinessID, "error", err)
			continue
		}
		if res.Replayed {
			continue
		}
		released++
		LedgerHoldsExpired.Inc()
		s.logger.Info("expired open hold",
			"holdId", h.ID,
			"businessId", h.BusinessID,
			"agentId", h.AgentID,
			"amount", h.Amount.StringFixed(2),
			"age", s.now().Sub(h.CreatedAt).Round(time.Second).String(),
		)
	}
	return released
}
