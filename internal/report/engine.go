package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/assettrack/audit-ledger/internal/crypto"
	"github.com/assettrack/audit-ledger/internal/domain"
)

// Store persists compliance report job records.
type Store interface {
	Create(ctx context.Context, r *domain.ComplianceReport) error
	Get(ctx context.Context, tenantID, reportID string) (*domain.ComplianceReport, error)
	// Update persists status, progress, results and file metadata. Report
	// records are job state, not ledger entries; they stay mutable.
	Update(ctx context.Context, r *domain.ComplianceReport) error
	// ClaimPending atomically claims the oldest runnable report: a pending
	// one, or a processing one untouched since staleBefore (a run that died
	// mid-flight). Claiming marks the record processing. Returns nil when
	// there is nothing to run.
	ClaimPending(ctx context.Context, staleBefore time.Time) (*domain.ComplianceReport, error)
}

// ArtifactStore writes export files to the external object store and returns
// the stored path. Only path/hash/size are kept in the report record.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// EventSource is the slice of the ledger the engine reads from.
type EventSource interface {
	Query(ctx context.Context, tenantID string, f domain.EventFilter) (*domain.EventPage, error)
}

// Engine builds, signs and redacts compliance export artifacts. Runs are
// asynchronous: all internal errors become a failed status plus a recorded
// message, never a propagated panic or error to the poller.
type Engine struct {
	store     Store
	artifacts ArtifactStore
	events    EventSource
	signer    *crypto.Signer
	logger    *zap.Logger

	pageSize      int
	artifactRetry int
}

// NewEngine creates a report engine.
func NewEngine(store Store, artifacts ArtifactStore, events EventSource, signer *crypto.Signer, logger *zap.Logger, pageSize, artifactRetry int) *Engine {
	if pageSize <= 0 {
		pageSize = 500
	}
	if artifactRetry <= 0 {
		artifactRetry = 3
	}
	return &Engine{
		store:         store,
		artifacts:     artifacts,
		events:        events,
		signer:        signer,
		logger:        logger,
		pageSize:      pageSize,
		artifactRetry: artifactRetry,
	}
}

// Create validates and persists a new pending report job.
func (e *Engine) Create(ctx context.Context, tenantID, userID string, reportType domain.ReportType, framework domain.Framework, params domain.ReportParameters) (*domain.ComplianceReport, error) {
	if len(params.Formats) == 0 {
		params.Formats = []domain.FileFormat{domain.FormatJSON}
	}
	r := domain.NewComplianceReport(tenantID, userID, reportType, framework, params)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	e.logger.Info("compliance report created",
		zap.String("report_id", r.ReportID),
		zap.String("tenant_id", r.TenantID),
		zap.String("report_type", string(r.ReportType)),
	)
	return r, nil
}

// Get returns one report record for polling.
func (e *Engine) Get(ctx context.Context, tenantID, reportID string) (*domain.ComplianceReport, error) {
	return e.store.Get(ctx, tenantID, reportID)
}

// RecordDownload increments the download counter of one artifact.
func (e *Engine) RecordDownload(ctx context.Context, tenantID, reportID, filename string) error {
	r, err := e.store.Get(ctx, tenantID, reportID)
	if err != nil {
		return err
	}
	for i := range r.Files {
		if r.Files[i].Filename == filename {
			now := time.Now().UTC()
			r.Files[i].DownloadCount++
			r.Files[i].LastDownloaded = &now
			return e.store.Update(ctx, r)
		}
	}
	return domain.NewNotFoundError("report file", filename)
}

// Run executes one report job to completion or failure. Cancellable through
// ctx; cancellation marks the job failed. Progress is checkpointed per page
// so a restarted run resumes from persisted state instead of reprocessing.
func (e *Engine) Run(ctx context.Context, r *domain.ComplianceReport) {
	started := time.Now().UTC()
	switch {
	case r.Status == domain.ReportProcessing:
		// Reclaimed after a crashed run; keep the persisted checkpoint.
		if r.ProcessingStarted == nil {
			r.ProcessingStarted = &started
		}
	case r.Status.CanTransition(domain.ReportProcessing):
		r.Status = domain.ReportProcessing
		r.ProcessingStarted = &started
		if err := e.store.Update(ctx, r); err != nil {
			e.fail(r, fmt.Errorf("transition to processing: %w", err))
			return
		}
	default:
		e.logger.Warn("report not runnable",
			zap.String("report_id", r.ReportID),
			zap.String("status", string(r.Status)),
		)
		return
	}

	if err := e.process(ctx, r); err != nil {
		e.fail(r, err)
		return
	}

	r.Signature = e.signer.SignReport(r)
	now := time.Now().UTC()
	r.SignedAt = &now
	r.SignedBy = r.CreatedBy
	r.Status = domain.ReportCompleted
	r.Progress = 100
	r.ProcessingCompleted = &now
	r.ProcessingDuration = now.Sub(started).Milliseconds()

	if err := e.store.Update(ctx, r); err != nil {
		e.fail(r, fmt.Errorf("persist completed report: %w", err))
		return
	}

	e.logger.Info("compliance report completed",
		zap.String("report_id", r.ReportID),
		zap.Int64("total_events", r.Results.TotalEvents),
		zap.Int64("duration_ms", r.ProcessingDuration),
	)
}

// fail converts any run error into a terminal failed status. Partial files
// already written stay recorded, flagged as coming from a failed run.
func (e *Engine) fail(r *domain.ComplianceReport, cause error) {
	e.logger.Error("compliance report failed",
		zap.String("report_id", r.ReportID),
		zap.Error(cause),
	)

	r.Status = domain.ReportFailed
	r.ErrorMessage = fmt.Sprintf("%v: %v", domain.ErrJobFailure, cause)
	now := time.Now().UTC()
	r.ProcessingCompleted = &now
	if r.ProcessingStarted != nil {
		r.ProcessingDuration = now.Sub(*r.ProcessingStarted).Milliseconds()
	}
	for i := range r.Files {
		r.Files[i].FromFailedRun = true
	}

	// Detached context: the run context may already be canceled, but the
	// failure must still be recorded.
	updCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Update(updCtx, r); err != nil {
		e.logger.Error("failed to persist report failure",
			zap.String("report_id", r.ReportID),
			zap.Error(err),
		)
	}
}

func (e *Engine) process(ctx context.Context, r *domain.ComplianceReport) error {
	if r.Results.EventsByType == nil {
		r.Results.EventsByType = make(map[string]int64)
	}
	if r.Results.EventsByCategory == nil {
		r.Results.EventsByCategory = make(map[string]int64)
	}
	if r.Results.EventsByUser == nil {
		r.Results.EventsByUser = make(map[string]int64)
	}

	filter := domain.EventFilter{
		StartTime: &r.Parameters.DateRange.StartDate,
		EndTime:   &r.Parameters.DateRange.EndDate,
		Limit:     e.pageSize,
	}

	var exported []*domain.AuditEvent
	violations := newViolationTracker()
	violations.seed(r.Results.Violations)

	// A resumed run replays the already-counted prefix of the window to
	// rebuild the export buffer; accounting restarts past the checkpoint.
	checkpoint := int(r.Results.ProcessedEvents)
	idx := 0

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run canceled: %w", err)
		}

		// Ledger read errors are not retried: they indicate a ledger-side
		// bug or unavailability and fail the report immediately.
		page, err := e.events.Query(ctx, r.TenantID, filter)
		if err != nil {
			return fmt.Errorf("ledger query: %w", err)
		}
		if r.Results.TotalEvents == 0 {
			r.Results.TotalEvents = page.TotalCount
		}

		for _, ev := range page.Events {
			replay := idx < checkpoint
			idx++

			if !e.matches(r, ev) {
				if !replay {
					r.Results.ProcessedEvents++
					r.Results.FilteredEvents++
				}
				continue
			}

			if !replay {
				r.Results.ProcessedEvents++
				r.Results.EventsByType[string(ev.EventType)]++
				r.Results.EventsByCategory[string(ev.Category)]++
				if ev.Actor.ID != "" {
					r.Results.EventsByUser[ev.Actor.ID]++
				}
				violations.observe(ev)
			}

			exported = append(exported, CompliantExport(ev, r.Parameters.AnonymizeData))
		}

		if r.Results.TotalEvents > 0 {
			// Cap at 99 until artifacts are written; progress only moves
			// forward.
			p := int(r.Results.ProcessedEvents * 100 / r.Results.TotalEvents)
			if p > 99 {
				p = 99
			}
			if p > r.Progress {
				r.Progress = p
			}
		}
		if err := e.store.Update(ctx, r); err != nil {
			return fmt.Errorf("checkpoint progress: %w", err)
		}

		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		filter.Offset += len(page.Events)
	}

	r.Results.Violations = violations.list()

	for _, format := range r.Parameters.Formats {
		if err := e.writeArtifact(ctx, r, format, exported); err != nil {
			return err
		}
	}
	return nil
}

// matches applies the report's list filters. Time bounds were already pushed
// down to the ledger query.
func (e *Engine) matches(r *domain.ComplianceReport, ev *domain.AuditEvent) bool {
	f := r.Parameters.Filters
	if len(f.EventTypes) > 0 && !containsEventType(f.EventTypes, ev.EventType) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, ev.Category) {
		return false
	}
	if len(f.Users) > 0 && !containsString(f.Users, ev.Actor.ID) {
		return false
	}
	if len(f.Resources) > 0 && !containsString(f.Resources, ev.Resource.ID) {
		return false
	}
	return true
}

// writeArtifact encodes and uploads one export file, retrying storage errors
// a bounded number of times before failing the whole report. Overwriting the
// same file slot on retry is acceptable.
func (e *Engine) writeArtifact(ctx context.Context, r *domain.ComplianceReport, format domain.FileFormat, events []*domain.AuditEvent) error {
	var data []byte
	var err error
	switch format {
	case domain.FormatCSV:
		data, err = encodeCSV(events)
	default:
		data, err = encodeJSON(r, events)
	}
	if err != nil {
		return err
	}

	filename := artifactFilename(r, format)
	var path string
	for attempt := 1; ; attempt++ {
		path, err = e.artifacts.Put(ctx, filename, data)
		if err == nil {
			break
		}
		if attempt >= e.artifactRetry || ctx.Err() != nil {
			return fmt.Errorf("write artifact %s after %d attempts: %w", filename, attempt, err)
		}
		e.logger.Warn("artifact write failed, retrying",
			zap.String("report_id", r.ReportID),
			zap.String("filename", filename),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("write artifact %s: %w", filename, ctx.Err())
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	file := domain.ReportFile{
		Filename: filename,
		Format:   format,
		Size:     int64(len(data)),
		Path:     path,
		Hash:     crypto.HashBytes(data),
	}
	replaced := false
	for i := range r.Files {
		if r.Files[i].Filename == filename {
			r.Files[i] = file
			replaced = true
			break
		}
	}
	if !replaced {
		r.Files = append(r.Files, file)
	}
	return e.store.Update(ctx, r)
}

// Worker polls for pending reports and runs them until ctx is canceled.
func (e *Engine) Worker(ctx context.Context, pollInterval, runTimeout time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Processing records not touched for a whole run timeout belong
			// to a dead worker and are fair game.
			r, err := e.store.ClaimPending(ctx, time.Now().UTC().Add(-runTimeout))
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.logger.Error("failed to claim pending report", zap.Error(err))
				}
				continue
			}
			if r == nil {
				continue
			}
			runCtx, cancel := context.WithTimeout(ctx, runTimeout)
			e.Run(runCtx, r)
			cancel()
		}
	}
}

type violationTracker struct {
	byType map[string]*domain.Violation
}

func newViolationTracker() *violationTracker {
	return &violationTracker{byType: make(map[string]*domain.Violation)}
}

// seed restores checkpointed findings so a resumed run keeps accumulating
// on top of them.
func (t *violationTracker) seed(vs []domain.Violation) {
	for _, v := range vs {
		clone := v
		t.byType[v.Type] = &clone
	}
}

// observe flags events that regulators treat as reportable findings:
// critical-severity events, denied access attempts and failed logins.
func (t *violationTracker) observe(ev *domain.AuditEvent) {
	var vtype, desc string
	switch {
	case ev.EventType == domain.EventSecurityDenied:
		vtype, desc = "access_denied", "access denied to a protected resource"
	case ev.EventType == domain.EventAuthFailedLogin:
		vtype, desc = "failed_login", "failed authentication attempt"
	case ev.Severity == domain.SeverityCritical:
		vtype, desc = "critical_event", "critical-severity audit event"
	default:
		return
	}

	v, ok := t.byType[vtype]
	if !ok {
		v = &domain.Violation{
			Type:        vtype,
			Description: desc,
			Severity:    ev.Severity,
		}
		t.byType[vtype] = v
	}
	v.Count++
	v.EventIDs = append(v.EventIDs, ev.EventID)
	if severityRank(ev.Severity) > severityRank(v.Severity) {
		v.Severity = ev.Severity
	}
}

func (t *violationTracker) list() []domain.Violation {
	out := make([]domain.Violation, 0, len(t.byType))
	for _, vtype := range []string{"access_denied", "failed_login", "critical_event"} {
		if v, ok := t.byType[vtype]; ok {
			out = append(out, *v)
		}
	}
	return out
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityLow:
		return 0
	case domain.SeverityMedium:
		return 1
	case domain.SeverityHigh:
		return 2
	case domain.SeverityCritical:
		return 3
	default:
		return -1
	}
}

func containsEventType(list []domain.EventType, v domain.EventType) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsCategory(list []domain.Category, v domain.Category) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
