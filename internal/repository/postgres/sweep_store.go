package postgres

import (
	"context"
	"time"

	"github.com/assettrack/audit-ledger/internal/retention"
)

// SweepStore bundles the event and report repositories behind the retention
// sweeper's contract.
type SweepStore struct {
	events  *EventRepository
	reports *ReportRepository
}

// NewSweepStore creates the sweep-facing view over both repositories.
func NewSweepStore(events *EventRepository, reports *ReportRepository) *SweepStore {
	return &SweepStore{events: events, reports: reports}
}

func (s *SweepStore) ListExpiredEvents(ctx context.Context, now time.Time, limit int) ([]retention.ExpiredEvent, error) {
	return s.events.ListExpiredEvents(ctx, now, limit)
}

func (s *SweepStore) RecordGap(ctx context.Context, tenantID, eventID, hash string, deletedAt time.Time) error {
	return s.events.RecordGap(ctx, tenantID, eventID, hash, deletedAt)
}

func (s *SweepStore) DeleteEvent(ctx context.Context, tenantID, eventID string) error {
	return s.events.DeleteEvent(ctx, tenantID, eventID)
}

func (s *SweepStore) ExpireReports(ctx context.Context, now time.Time) (int64, error) {
	return s.reports.ExpireReports(ctx, now)
}
