package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/assettrack/audit-ledger/internal/crypto"
	"github.com/assettrack/audit-ledger/internal/domain"
	"github.com/assettrack/audit-ledger/internal/retention"
)

// EventStore is the persistence contract for the append-only ledger.
// Implementations must be append-only: there is deliberately no update
// method, and Insert must fail with domain.ErrImmutable when the event id
// already exists.
type EventStore interface {
	// Insert persists a new event and assigns its insertion-order sequence.
	Insert(ctx context.Context, ev *domain.AuditEvent) error
	// Tail returns the most recent event in a tenant's chain, ordered by
	// timestamp then sequence, or nil when the chain is empty.
	Tail(ctx context.Context, tenantID string) (*domain.AuditEvent, error)
	// Query returns a filtered page ordered newest-first plus the total count.
	Query(ctx context.Context, tenantID string, f domain.EventFilter) (*domain.EventPage, error)
	// GetByID returns one event or domain.ErrNotFound.
	GetByID(ctx context.Context, tenantID, eventID string) (*domain.AuditEvent, error)
	// Chain returns a tenant's full chain in chain order (timestamp asc,
	// sequence asc).
	Chain(ctx context.Context, tenantID string) ([]*domain.AuditEvent, error)
	// DeletedHashes returns the hashes of events removed from a tenant's
	// chain by the retention sweep.
	DeletedHashes(ctx context.Context, tenantID string) (map[string]bool, error)
}

// SearchIndex receives a denormalized copy of each event. Indexing is
// fire-and-forget: failures never block or fail an append.
type SearchIndex interface {
	IndexEvent(ctx context.Context, ev *domain.AuditEvent) error
	Search(ctx context.Context, tenantID, query string, from, size int) (*domain.EventPage, error)
}

// Options bound ledger storage calls and pagination.
type Options struct {
	StorageTimeout   time.Duration
	DefaultPageLimit int
	MaxPageLimit     int
	// MaskPII masks actor names and emails in log lines. Stored events are
	// never masked; redaction happens at report export.
	MaskPII bool
}

func (o *Options) applyDefaults() {
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = 5 * time.Second
	}
	if o.DefaultPageLimit <= 0 {
		o.DefaultPageLimit = 50
	}
	if o.MaxPageLimit <= 0 {
		o.MaxPageLimit = 1000
	}
}

// Ledger owns the per-tenant hash chains. Appends for one tenant are strictly
// serialized; appends for different tenants proceed in parallel.
type Ledger struct {
	store  EventStore
	index  SearchIndex // optional
	signer *crypto.Signer
	logger *zap.Logger
	opts   Options

	// one mutex per tenant; guards the tail read-modify-write
	tenantLocks sync.Map // map[string]*sync.Mutex
}

// New creates a ledger. index may be nil when no search fan-out is configured.
func New(store EventStore, index SearchIndex, signer *crypto.Signer, logger *zap.Logger, opts Options) *Ledger {
	opts.applyDefaults()
	return &Ledger{
		store:  store,
		index:  index,
		signer: signer,
		logger: logger,
		opts:   opts,
	}
}

func (l *Ledger) lockTenant(tenantID string) *sync.Mutex {
	mu, _ := l.tenantLocks.LoadOrStore(tenantID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// storageCtx bounds a storage call. Deadline expiry surfaces as the retryable
// domain.ErrStorageTimeout.
func (l *Ledger) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.opts.StorageTimeout)
}

func wrapStorageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, domain.ErrStorageTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Append validates the event, links it to the current chain tail for its
// tenant, computes hash, signature and retention deadline, and persists it.
// The tail read and the insert happen under a per-tenant lock so two
// concurrent appends can never claim the same previous hash.
func (l *Ledger) Append(ctx context.Context, ev *domain.AuditEvent) (*domain.AuditEvent, error) {
	now := time.Now().UTC()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	if ev.Severity == "" {
		ev.Severity = domain.SeverityMedium
	}
	if ev.RetentionPolicy == "" {
		ev.RetentionPolicy = domain.RetentionStandard
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	// TIMESTAMPTZ keeps microseconds. The hash must commit to the timestamp
	// the store will hand back, or every read-back verification fails.
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)
	ev.CreatedAt = ev.CreatedAt.UTC().Truncate(time.Microsecond)

	if err := ev.Validate(); err != nil {
		return nil, err
	}

	mu := l.lockTenant(ev.TenantID)
	mu.Lock()
	defer mu.Unlock()

	tailCtx, cancel := l.storageCtx(ctx)
	tail, err := l.store.Tail(tailCtx, ev.TenantID)
	cancel()
	if err != nil {
		return nil, wrapStorageErr("tail lookup", err)
	}

	ev.PreviousHash = ""
	if tail != nil {
		ev.PreviousHash = tail.Hash
	}
	ev.RetentionUntil = retention.ComputeRetentionUntil(ev.RetentionPolicy, now)
	ev.Hash = crypto.ComputeEventHash(ev, ev.PreviousHash)
	ev.Signature = l.signer.SignEvent(ev)

	insCtx, cancel := l.storageCtx(ctx)
	err = l.store.Insert(insCtx, ev)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrImmutable) {
			return nil, err
		}
		return nil, wrapStorageErr("insert event", err)
	}

	l.logger.Info("audit event appended",
		zap.String("event_id", ev.EventID),
		zap.String("tenant_id", ev.TenantID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("actor", l.actorLabel(&ev.Actor)),
	)

	l.asyncIndex(ev)

	return ev, nil
}

// actorLabel picks a loggable actor identity, masked when PII masking is on.
func (l *Ledger) actorLabel(a *domain.Actor) string {
	switch {
	case a.Email != "":
		if l.opts.MaskPII {
			return crypto.MaskEmail(a.Email)
		}
		return a.Email
	case a.Name != "":
		if l.opts.MaskPII {
			return crypto.MaskName(a.Name)
		}
		return a.Name
	case a.Service != "":
		return a.Service
	default:
		return a.ID
	}
}

// asyncIndex pushes the event to the search index with panic protection and
// a detached timeout context. Best effort only.
func (l *Ledger) asyncIndex(ev *domain.AuditEvent) {
	if l.index == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("panic in async index", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := l.index.IndexEvent(ctx, ev); err != nil {
			l.logger.Error("failed to index audit event",
				zap.String("event_id", ev.EventID),
				zap.Error(err),
			)
		}
	}()
}

// Query returns a filtered, newest-first page of a tenant's events. An empty
// result set is not an error.
func (l *Ledger) Query(ctx context.Context, tenantID string, f domain.EventFilter) (*domain.EventPage, error) {
	if tenantID == "" {
		return nil, domain.NewValidationError("tenant_id is required")
	}
	if f.Limit <= 0 {
		f.Limit = l.opts.DefaultPageLimit
	}
	if f.Limit > l.opts.MaxPageLimit {
		f.Limit = l.opts.MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	qCtx, cancel := l.storageCtx(ctx)
	defer cancel()
	page, err := l.store.Query(qCtx, tenantID, f)
	if err != nil {
		return nil, wrapStorageErr("query events", err)
	}
	return page, nil
}

// GetByID returns a single event, or domain.ErrNotFound on a miss.
func (l *Ledger) GetByID(ctx context.Context, tenantID, eventID string) (*domain.AuditEvent, error) {
	gCtx, cancel := l.storageCtx(ctx)
	defer cancel()
	ev, err := l.store.GetByID(gCtx, tenantID, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, wrapStorageErr("get event", err)
	}
	return ev, nil
}

// Search runs a full-text query against the search index.
func (l *Ledger) Search(ctx context.Context, tenantID, query string, from, size int) (*domain.EventPage, error) {
	if l.index == nil {
		return nil, domain.NewValidationError("search index is not configured")
	}
	if size <= 0 {
		size = l.opts.DefaultPageLimit
	}
	sCtx, cancel := l.storageCtx(ctx)
	defer cancel()
	page, err := l.index.Search(sCtx, tenantID, query, from, size)
	if err != nil {
		return nil, wrapStorageErr("search events", err)
	}
	return page, nil
}

// VerifyEvent recomputes an event's hash from its own fields and compares it
// to the stored value.
func (l *Ledger) VerifyEvent(ev *domain.AuditEvent) bool {
	return crypto.VerifyEventHash(ev)
}

// VerifyChain walks a tenant's chain in chain order and reports the first
// failure (fail-fast). A link whose predecessor was removed by the retention
// sweep counts as a documented gap, not a failure; linkage restarts at the
// event after the gap.
//
// When run concurrently with an append for the same tenant the result is a
// snapshot "as of" an arbitrary point: an eventually-consistent check, not a
// linearizable one.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string) (*domain.ChainVerification, error) {
	if tenantID == "" {
		return nil, domain.NewValidationError("tenant_id is required")
	}

	cCtx, cancel := l.storageCtx(ctx)
	events, err := l.store.Chain(cCtx, tenantID)
	cancel()
	if err != nil {
		return nil, wrapStorageErr("load chain", err)
	}

	dCtx, cancel := l.storageCtx(ctx)
	deleted, err := l.store.DeletedHashes(dCtx, tenantID)
	cancel()
	if err != nil {
		return nil, wrapStorageErr("load retention gaps", err)
	}

	result := &domain.ChainVerification{Valid: true}
	var prev *domain.AuditEvent
	for _, ev := range events {
		result.EventsChecked++

		if !crypto.VerifyEventHash(ev) {
			result.Valid = false
			result.FailingEventID = ev.EventID
			result.Reason = "hash mismatch: event content does not match stored hash"
			return result, nil
		}

		switch {
		case prev == nil:
			// chain head: either a genuine first event or a survivor whose
			// predecessors were all swept
			if ev.PreviousHash != "" && !deleted[ev.PreviousHash] {
				result.Valid = false
				result.FailingEventID = ev.EventID
				result.Reason = "chain head references an unknown predecessor"
				return result, nil
			}
			if ev.PreviousHash != "" {
				result.RetentionGaps++
			}
		case ev.PreviousHash == prev.Hash:
			// intact link
		case deleted[ev.PreviousHash]:
			result.RetentionGaps++
		default:
			result.Valid = false
			result.FailingEventID = ev.EventID
			result.Reason = fmt.Sprintf("broken link: previous_hash does not match hash of event %s", prev.EventID)
			return result, nil
		}
		prev = ev
	}

	return result, nil
}
