package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assettrack/audit-ledger/internal/domain"
)

// ReportRepository persists compliance report job records.
type ReportRepository struct {
	pool *pgxpool.Pool
}

// NewReportRepository creates the report store on an existing pool.
func NewReportRepository(pool *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{pool: pool}
}

const reportColumns = `
	report_id, tenant_id, report_type, compliance_framework, parameters,
	status, progress, results, files, created_by, requested_by, legal_basis,
	data_subject, processing_started, processing_completed, processing_duration,
	error_message, retention_until, signature, signed_at, signed_by,
	created_at, updated_at
`

// Create inserts a new report job.
func (r *ReportRepository) Create(ctx context.Context, rep *domain.ComplianceReport) error {
	const query = `
		INSERT INTO compliance_reports (` + reportColumns + `) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23
		)
	`
	params, results, files, requestedBy, err := marshalReportFields(rep)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, query,
		rep.ReportID, rep.TenantID, rep.ReportType, rep.Framework, params,
		rep.Status, rep.Progress, results, files, rep.CreatedBy, requestedBy, rep.LegalBasis,
		rep.DataSubject, rep.ProcessingStarted, rep.ProcessingCompleted, rep.ProcessingDuration,
		rep.ErrorMessage, rep.RetentionUntil, rep.Signature, rep.SignedAt, rep.SignedBy,
		rep.CreatedAt, rep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// Get fetches one report scoped to its tenant.
func (r *ReportRepository) Get(ctx context.Context, tenantID, reportID string) (*domain.ComplianceReport, error) {
	query := `SELECT ` + reportColumns + `
		FROM compliance_reports
		WHERE tenant_id = $1 AND report_id = $2`

	rep, err := scanReport(r.pool.QueryRow(ctx, query, tenantID, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("compliance report", reportID)
		}
		return nil, err
	}
	return rep, nil
}

// Update persists job state. Report records are mutable job state, unlike
// ledger entries.
func (r *ReportRepository) Update(ctx context.Context, rep *domain.ComplianceReport) error {
	const query = `
		UPDATE compliance_reports SET
			parameters = $3, status = $4, progress = $5, results = $6,
			files = $7, processing_started = $8, processing_completed = $9,
			processing_duration = $10, error_message = $11, signature = $12,
			signed_at = $13, signed_by = $14, updated_at = $15
		WHERE tenant_id = $1 AND report_id = $2
	`
	params, results, files, _, err := marshalReportFields(rep)
	if err != nil {
		return err
	}

	rep.UpdatedAt = time.Now().UTC()
	tag, err := r.pool.Exec(ctx, query,
		rep.TenantID, rep.ReportID,
		params, rep.Status, rep.Progress, results,
		files, rep.ProcessingStarted, rep.ProcessingCompleted,
		rep.ProcessingDuration, rep.ErrorMessage, rep.Signature,
		rep.SignedAt, rep.SignedBy, rep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("compliance report", rep.ReportID)
	}
	return nil
}

// ClaimPending atomically claims the oldest runnable report for the worker,
// or returns nil when none is waiting. Marking the row processing inside the
// claiming statement closes the window where two workers could pick up the
// same report. Processing rows not updated since staleBefore are orphans of
// a dead worker and get reclaimed.
func (r *ReportRepository) ClaimPending(ctx context.Context, staleBefore time.Time) (*domain.ComplianceReport, error) {
	query := `
		UPDATE compliance_reports
		SET status = 'processing', updated_at = $1
		WHERE report_id = (
			SELECT report_id FROM compliance_reports
			WHERE status = 'pending'
			   OR (status = 'processing' AND updated_at < $2)
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + reportColumns

	rep, err := scanReport(r.pool.QueryRow(ctx, query, time.Now().UTC(), staleBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending report: %w", err)
	}
	return rep, nil
}

// ExpireReports ages out finished report records: completed past retention
// become expired; expired or failed past retention are deleted outright.
func (r *ReportRepository) ExpireReports(ctx context.Context, now time.Time) (int64, error) {
	expired, err := r.pool.Exec(ctx, `
		UPDATE compliance_reports
		SET status = 'expired', updated_at = $1
		WHERE status = 'completed' AND retention_until IS NOT NULL AND retention_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire reports: %w", err)
	}

	deleted, err := r.pool.Exec(ctx, `
		DELETE FROM compliance_reports
		WHERE status IN ('expired', 'failed')
		AND retention_until IS NOT NULL AND retention_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired reports: %w", err)
	}

	return expired.RowsAffected() + deleted.RowsAffected(), nil
}

func marshalReportFields(rep *domain.ComplianceReport) (params, results, files, requestedBy []byte, err error) {
	if params, err = json.Marshal(rep.Parameters); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal parameters: %w", err)
	}
	if results, err = json.Marshal(rep.Results); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal results: %w", err)
	}
	if files, err = json.Marshal(rep.Files); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal files: %w", err)
	}
	if requestedBy, err = json.Marshal(rep.RequestedBy); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal requested_by: %w", err)
	}
	return params, results, files, requestedBy, nil
}

func scanReport(row pgx.Row) (*domain.ComplianceReport, error) {
	var (
		rep         domain.ComplianceReport
		params      []byte
		results     []byte
		files       []byte
		requestedBy []byte
	)
	err := row.Scan(
		&rep.ReportID, &rep.TenantID, &rep.ReportType, &rep.Framework, &params,
		&rep.Status, &rep.Progress, &results, &files, &rep.CreatedBy, &requestedBy,
		&rep.LegalBasis, &rep.DataSubject, &rep.ProcessingStarted, &rep.ProcessingCompleted,
		&rep.ProcessingDuration, &rep.ErrorMessage, &rep.RetentionUntil, &rep.Signature,
		&rep.SignedAt, &rep.SignedBy, &rep.CreatedAt, &rep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &rep.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal(results, &rep.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &rep.Files); err != nil {
			return nil, fmt.Errorf("unmarshal files: %w", err)
		}
	}
	if len(requestedBy) > 0 {
		if err := json.Unmarshal(requestedBy, &rep.RequestedBy); err != nil {
			return nil, fmt.Errorf("unmarshal requested_by: %w", err)
		}
	}
	return &rep, nil
}
