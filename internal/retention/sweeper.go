package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ExpiredEvent is the minimal identity of an event eligible for deletion.
// The hash is journaled so chain verification can recognize the gap the
// deletion leaves behind.
type ExpiredEvent struct {
	TenantID string
	EventID  string
	Hash     string
}

// Store is the persistence contract for the sweep. Deletions are individual
// idempotent operations so a crash mid-sweep resumes on the next cycle
// without double effects.
type Store interface {
	// ListExpiredEvents returns events with retention_until <= now, at most
	// limit at a time.
	ListExpiredEvents(ctx context.Context, now time.Time, limit int) ([]ExpiredEvent, error)
	// RecordGap journals a deleted event's hash for its tenant. Must be
	// written before the delete so a crash between the two never loses the
	// gap marker.
	RecordGap(ctx context.Context, tenantID, eventID, hash string, deletedAt time.Time) error
	// DeleteEvent hard-deletes one event. Deleting a missing event is not
	// an error.
	DeleteEvent(ctx context.Context, tenantID, eventID string) error
	// ExpireReports moves completed reports past retention to expired and
	// hard-deletes report records past retention that already expired or
	// failed. Returns how many records were touched.
	ExpireReports(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically enforces retention: expired events are hard-deleted
// (leaving a journaled gap in the tenant's chain) and finished reports are
// expired. It holds no ledger lock, so appends are never blocked.
type Sweeper struct {
	store        Store
	logger       *zap.Logger
	interval     time.Duration
	sweepTimeout time.Duration
	batchSize    int
}

// NewSweeper creates a sweeper with the given schedule.
func NewSweeper(store Store, logger *zap.Logger, interval, sweepTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if sweepTimeout <= 0 {
		sweepTimeout = 10 * time.Minute
	}
	return &Sweeper{
		store:        store,
		logger:       logger,
		interval:     interval,
		sweepTimeout: sweepTimeout,
		batchSize:    500,
	}
}

// Run executes sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
			if err := s.Sweep(sweepCtx, time.Now().UTC()); err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Sweep enforces retention once. Idempotent: a second run over the same
// instant finds nothing left to delete.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	var deleted int64
	for {
		expired, err := s.store.ListExpiredEvents(ctx, now, s.batchSize)
		if err != nil {
			return fmt.Errorf("list expired events: %w", err)
		}
		if len(expired) == 0 {
			break
		}

		for _, ev := range expired {
			if err := s.store.RecordGap(ctx, ev.TenantID, ev.EventID, ev.Hash, now); err != nil {
				return fmt.Errorf("record retention gap for event %s: %w", ev.EventID, err)
			}
			if err := s.store.DeleteEvent(ctx, ev.TenantID, ev.EventID); err != nil {
				return fmt.Errorf("delete expired event %s: %w", ev.EventID, err)
			}
			deleted++
		}

		if len(expired) < s.batchSize {
			break
		}
	}

	reports, err := s.store.ExpireReports(ctx, now)
	if err != nil {
		return fmt.Errorf("expire reports: %w", err)
	}

	if deleted > 0 || reports > 0 {
		s.logger.Info("retention sweep completed",
			zap.Int64("events_deleted", deleted),
			zap.Int64("reports_expired", reports),
		)
	}
	return nil
}
