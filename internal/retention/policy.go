package retention

import (
	"time"

	"github.com/assettrack/audit-ledger/internal/domain"
)

// ComputeRetentionUntil returns the expiry instant for a retention policy,
// or nil for permanent records.
//
//	standard      -> now + 7 years
//	extended      -> now + 10 years
//	permanent     -> nil
//	gdpr_deletion -> now + 30 days
func ComputeRetentionUntil(policy domain.RetentionPolicy, now time.Time) *time.Time {
	var until time.Time
	switch policy {
	case domain.RetentionStandard:
		until = now.AddDate(7, 0, 0)
	case domain.RetentionExtended:
		until = now.AddDate(10, 0, 0)
	case domain.RetentionPermanent:
		return nil
	case domain.RetentionGDPRDeletion:
		until = now.AddDate(0, 0, 30)
	default:
		until = now.AddDate(7, 0, 0)
	}
	return &until
}
