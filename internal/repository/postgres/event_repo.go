package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assettrack/audit-ledger/internal/config"
	"github.com/assettrack/audit-ledger/internal/domain"
	"github.com/assettrack/audit-ledger/internal/retention"
)

// EventRepository is the append-only Postgres store behind the ledger.
// There is no UPDATE path for audit_events by design; the seq column is a
// BIGSERIAL preserving insertion order for timestamp tie-breaks.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewPool builds the shared connection pool from config.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return pool, nil
}

// NewEventRepository creates the event store on an existing pool.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

const eventColumns = `
	seq, event_id, correlation_id, parent_event_id, event_type, category,
	severity, actor, tenant_id, resource, action, description, details,
	changes, metadata, compliance_flags, retention_policy, retention_until,
	hash, previous_hash, signature, timestamp, created_at
`

// Insert persists a new event. APPEND-ONLY: a duplicate event id means a
// caller tried to re-save a sealed event and surfaces as an immutability
// violation.
func (r *EventRepository) Insert(ctx context.Context, ev *domain.AuditEvent) error {
	const query = `
		INSERT INTO audit_events (
			event_id, correlation_id, parent_event_id, event_type, category,
			severity, actor, tenant_id, resource, action, description, details,
			changes, metadata, compliance_flags, retention_policy, retention_until,
			hash, previous_hash, signature, timestamp, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22
		)
		RETURNING seq
	`

	actor, err := json.Marshal(ev.Actor)
	if err != nil {
		return fmt.Errorf("marshal actor: %w", err)
	}
	resource, err := json.Marshal(ev.Resource)
	if err != nil {
		return fmt.Errorf("marshal resource: %w", err)
	}
	details, err := marshalDetails(ev.Details)
	if err != nil {
		return err
	}
	changes, err := json.Marshal(ev.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	flags := make([]string, len(ev.ComplianceFlags))
	for i, f := range ev.ComplianceFlags {
		flags[i] = string(f)
	}

	err = r.pool.QueryRow(ctx, query,
		ev.EventID, ev.CorrelationID, ev.ParentEventID, ev.EventType, ev.Category,
		ev.Severity, actor, ev.TenantID, resource, ev.Action, ev.Description, details,
		changes, metadata, flags, ev.RetentionPolicy, ev.RetentionUntil,
		ev.Hash, ev.PreviousHash, ev.Signature, ev.Timestamp, ev.CreatedAt,
	).Scan(&ev.Seq)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.NewImmutabilityError(ev.EventID)
		}
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// marshalDetails enforces the documented size bound on the free-form payload.
func marshalDetails(details map[string]any) ([]byte, error) {
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	if len(data) > domain.MaxDetailsBytes {
		return nil, domain.NewValidationError("details payload exceeds %d bytes", domain.MaxDetailsBytes)
	}
	return data, nil
}

// Tail returns the chain tail for a tenant: newest timestamp, ties broken by
// insertion order.
func (r *EventRepository) Tail(ctx context.Context, tenantID string) (*domain.AuditEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1`

	ev, err := scanEvent(r.pool.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // empty chain
		}
		return nil, err
	}
	return ev, nil
}

// Query returns a filtered page ordered newest-first plus the total count.
func (r *EventRepository) Query(ctx context.Context, tenantID string, f domain.EventFilter) (*domain.EventPage, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if f.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *f.StartTime)
		argIdx++
	}
	if f.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *f.EndTime)
		argIdx++
	}
	if f.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, f.EventType)
		argIdx++
	}
	if f.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, f.Category)
		argIdx++
	}
	if f.ActorID != "" {
		query += fmt.Sprintf(" AND actor->>'id' = $%d", argIdx)
		args = append(args, f.ActorID)
		argIdx++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS total"
	var totalCount int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	query += fmt.Sprintf(" ORDER BY timestamp DESC, seq DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	return &domain.EventPage{
		Events:     events,
		TotalCount: totalCount,
		Limit:      f.Limit,
		Offset:     f.Offset,
		HasMore:    totalCount > int64(f.Offset+len(events)),
	}, nil
}

// GetByID returns a single event scoped to its tenant.
func (r *EventRepository) GetByID(ctx context.Context, tenantID, eventID string) (*domain.AuditEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1 AND event_id = $2`

	ev, err := scanEvent(r.pool.QueryRow(ctx, query, tenantID, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("audit event", eventID)
		}
		return nil, err
	}
	return ev, nil
}

// Chain returns the tenant's full chain in chain order. verifyChain depends
// on this order matching the tail lookup's tie-break exactly.
func (r *EventRepository) Chain(ctx context.Context, tenantID string) ([]*domain.AuditEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY timestamp ASC, seq ASC`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// DeletedHashes returns the journaled hashes of retention-deleted events.
func (r *EventRepository) DeletedHashes(ctx context.Context, tenantID string) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT hash FROM retention_gaps WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load retention gaps: %w", err)
	}
	defer rows.Close()

	deleted := make(map[string]bool)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan gap hash: %w", err)
		}
		deleted[hash] = true
	}
	return deleted, rows.Err()
}

// ListExpiredEvents returns events whose retention deadline has passed.
func (r *EventRepository) ListExpiredEvents(ctx context.Context, now time.Time, limit int) ([]retention.ExpiredEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, event_id, hash
		FROM audit_events
		WHERE retention_until IS NOT NULL AND retention_until <= $1
		ORDER BY retention_until ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired events: %w", err)
	}
	defer rows.Close()

	var expired []retention.ExpiredEvent
	for rows.Next() {
		var ev retention.ExpiredEvent
		if err := rows.Scan(&ev.TenantID, &ev.EventID, &ev.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan expired event: %w", err)
		}
		expired = append(expired, ev)
	}
	return expired, rows.Err()
}

// RecordGap journals a deleted event's hash. Idempotent on re-run.
func (r *EventRepository) RecordGap(ctx context.Context, tenantID, eventID, hash string, deletedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO retention_gaps (tenant_id, event_id, hash, deleted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, event_id) DO NOTHING`,
		tenantID, eventID, hash, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to record retention gap: %w", err)
	}
	return nil
}

// DeleteEvent hard-deletes one event. The only delete path in the system;
// reserved for the retention sweep.
func (r *EventRepository) DeleteEvent(ctx context.Context, tenantID, eventID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE tenant_id = $1 AND event_id = $2`,
		tenantID, eventID)
	if err != nil {
		return fmt.Errorf("failed to delete expired event: %w", err)
	}
	return nil
}

func scanEvents(rows pgx.Rows) ([]*domain.AuditEvent, error) {
	var events []*domain.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*domain.AuditEvent, error) {
	var (
		ev       domain.AuditEvent
		actor    []byte
		resource []byte
		details  []byte
		changes  []byte
		metadata []byte
		flags    []string
	)
	err := row.Scan(
		&ev.Seq, &ev.EventID, &ev.CorrelationID, &ev.ParentEventID, &ev.EventType,
		&ev.Category, &ev.Severity, &actor, &ev.TenantID, &resource, &ev.Action,
		&ev.Description, &details, &changes, &metadata, &flags,
		&ev.RetentionPolicy, &ev.RetentionUntil, &ev.Hash, &ev.PreviousHash,
		&ev.Signature, &ev.Timestamp, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(actor, &ev.Actor); err != nil {
		return nil, fmt.Errorf("unmarshal actor: %w", err)
	}
	if err := json.Unmarshal(resource, &ev.Resource); err != nil {
		return nil, fmt.Errorf("unmarshal resource: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &ev.Changes); err != nil {
			return nil, fmt.Errorf("unmarshal changes: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	for _, f := range flags {
		ev.ComplianceFlags = append(ev.ComplianceFlags, domain.ComplianceFlag(f))
	}
	return &ev, nil
}
