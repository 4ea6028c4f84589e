package ledger

import (
	"context"
	"time"

	"github.com/assettrack/audit-ledger/internal/domain"
)

// GetStatistics counts a tenant's events over a time window, grouped by the
// three classification dimensions. Pure aggregation over Query pages; no
// independent state.
func (l *Ledger) GetStatistics(ctx context.Context, tenantID string, start, end *time.Time) (*domain.Statistics, error) {
	stats := &domain.Statistics{
		EventsByCategory: make(map[string]int64),
		EventsByType:     make(map[string]int64),
		EventsBySeverity: make(map[string]int64),
	}

	filter := domain.EventFilter{
		StartTime: start,
		EndTime:   end,
		Limit:     l.opts.MaxPageLimit,
	}
	for {
		page, err := l.Query(ctx, tenantID, filter)
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Events {
			stats.TotalEvents++
			stats.EventsByCategory[string(ev.Category)]++
			stats.EventsByType[string(ev.EventType)]++
			stats.EventsBySeverity[string(ev.Severity)]++
		}
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		filter.Offset += len(page.Events)
	}

	return stats, nil
}
