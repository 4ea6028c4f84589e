package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/assettrack/audit-ledger/internal/domain"
)

// canonicalEvent is the identity-bearing subset of an event that the hash
// commits to. It is a struct, not a map, so json.Marshal emits fields in a
// fixed order and the digest is deterministic.
type canonicalEvent struct {
	EventID      string          `json:"event_id"`
	EventType    domain.EventType `json:"event_type"`
	Timestamp    string           `json:"timestamp"`
	Actor        domain.Actor     `json:"actor"`
	Resource     domain.Resource  `json:"resource"`
	Action       domain.Action    `json:"action"`
	TenantID     string           `json:"tenant_id"`
	PreviousHash string           `json:"previous_hash"`
}

// ComputeEventHash returns the SHA-256 hex digest linking ev to its chain
// predecessor. previousHash is empty for the first event in a tenant's chain.
// Pure: no state, no I/O.
func ComputeEventHash(ev *domain.AuditEvent, previousHash string) string {
	c := canonicalEvent{
		EventID:      ev.EventID,
		EventType:    ev.EventType,
		Timestamp:    ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        ev.Actor,
		Resource:     ev.Resource,
		Action:       ev.Action,
		TenantID:     ev.TenantID,
		PreviousHash: previousHash,
	}
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyEventHash recomputes the digest from the event's own fields and
// compares it to the stored hash.
func VerifyEventHash(ev *domain.AuditEvent) bool {
	return ComputeEventHash(ev, ev.PreviousHash) == ev.Hash
}

// HashBytes returns the SHA-256 hex digest of raw content. Used for report
// artifact integrity.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
