package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReportType identifies what kind of compliance export a report produces.
type ReportType string

const (
	ReportGDPRDataExport   ReportType = "gdpr_data_export"
	ReportGDPRDeletion     ReportType = "gdpr_deletion"
	ReportSOXFinancial     ReportType = "sox_financial"
	ReportHIPAAAccess      ReportType = "hipaa_access"
	ReportISO27001Security ReportType = "iso27001_security"
	ReportAuditTrail       ReportType = "audit_trail"
	ReportCustom           ReportType = "custom"
)

// Framework is the regulatory framework a report is produced for.
type Framework string

const (
	FrameworkGDPR     Framework = "gdpr"
	FrameworkHIPAA    Framework = "hipaa"
	FrameworkSOX      Framework = "sox"
	FrameworkPCIDSS   Framework = "pci_dss"
	FrameworkISO27001 Framework = "iso27001"
	FrameworkCCPA     Framework = "ccpa"
	FrameworkFERPA    Framework = "ferpa"
)

// ReportStatus is the forward-only job state.
// pending -> processing -> completed | failed; completed -> expired via the
// retention sweep only. No backward transitions.
type ReportStatus string

const (
	ReportPending    ReportStatus = "pending"
	ReportProcessing ReportStatus = "processing"
	ReportCompleted  ReportStatus = "completed"
	ReportFailed     ReportStatus = "failed"
	ReportExpired    ReportStatus = "expired"
)

// CanTransition reports whether moving to next is a legal forward step.
func (s ReportStatus) CanTransition(next ReportStatus) bool {
	switch s {
	case ReportPending:
		return next == ReportProcessing || next == ReportFailed
	case ReportProcessing:
		return next == ReportCompleted || next == ReportFailed
	case ReportCompleted:
		return next == ReportExpired
	default:
		return false
	}
}

// FileFormat is the artifact encoding.
type FileFormat string

const (
	FormatJSON FileFormat = "json"
	FormatCSV  FileFormat = "csv"
)

// DateRange bounds the event window a report covers.
type DateRange struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// ReportFilters narrow which events enter a report.
type ReportFilters struct {
	EventTypes []EventType `json:"event_types,omitempty"`
	Categories []Category  `json:"categories,omitempty"`
	Users      []string    `json:"users,omitempty"`
	Resources  []string    `json:"resources,omitempty"`
}

// ReportParameters configure one report run.
type ReportParameters struct {
	DateRange           DateRange     `json:"date_range"`
	Filters             ReportFilters `json:"filters"`
	Formats             []FileFormat  `json:"formats,omitempty"`
	IncludePersonalData bool          `json:"include_personal_data"`
	AnonymizeData       bool          `json:"anonymize_data"`
}

// Violation is one detected compliance violation in the report window.
type Violation struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Count       int      `json:"count"`
	EventIDs    []string `json:"event_ids"`
}

// ReportResults summarizes the events a completed run processed.
type ReportResults struct {
	TotalEvents     int64            `json:"total_events"`
	ProcessedEvents int64            `json:"processed_events"`
	FilteredEvents  int64            `json:"filtered_events"`
	EventsByType    map[string]int64 `json:"events_by_type,omitempty"`
	EventsByCategory map[string]int64 `json:"events_by_category,omitempty"`
	EventsByUser     map[string]int64 `json:"events_by_user,omitempty"`
	Violations       []Violation      `json:"compliance_violations,omitempty"`
}

// ReportFile is artifact metadata; the bytes live in the object store.
type ReportFile struct {
	Filename       string     `json:"filename"`
	Format         FileFormat `json:"format"`
	Size           int64      `json:"size"`
	Path           string     `json:"path"`
	Hash           string     `json:"hash"`
	DownloadCount  int        `json:"download_count"`
	LastDownloaded *time.Time `json:"last_downloaded,omitempty"`
	// Partial files from a failed run are retained but must not be treated
	// as authoritative.
	FromFailedRun bool `json:"from_failed_run,omitempty"`
}

// RequestedBy records the human context behind a report request.
type RequestedBy struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ComplianceReport is an asynchronous export job record.
type ComplianceReport struct {
	ReportID   string     `json:"report_id" db:"report_id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	ReportType ReportType `json:"report_type" db:"report_type"`
	Framework  Framework  `json:"compliance_framework" db:"compliance_framework"`

	Parameters ReportParameters `json:"parameters" db:"parameters"`

	Status   ReportStatus `json:"status" db:"status"`
	Progress int          `json:"progress" db:"progress"` // 0-100, monotonic

	Results ReportResults `json:"results" db:"results"`
	Files   []ReportFile  `json:"files,omitempty" db:"files"`

	CreatedBy   string      `json:"created_by" db:"created_by"`
	RequestedBy RequestedBy `json:"requested_by,omitempty" db:"requested_by"`
	LegalBasis  string      `json:"legal_basis,omitempty" db:"legal_basis"`
	DataSubject string      `json:"data_subject,omitempty" db:"data_subject"`

	ProcessingStarted   *time.Time `json:"processing_started,omitempty" db:"processing_started"`
	ProcessingCompleted *time.Time `json:"processing_completed,omitempty" db:"processing_completed"`
	ProcessingDuration  int64      `json:"processing_duration,omitempty" db:"processing_duration"` // milliseconds
	ErrorMessage        string     `json:"error_message,omitempty" db:"error_message"`

	RetentionUntil *time.Time `json:"retention_until,omitempty" db:"retention_until"`

	Signature string     `json:"signature,omitempty" db:"signature"`
	SignedAt  *time.Time `json:"signed_at,omitempty" db:"signed_at"`
	SignedBy  string     `json:"signed_by,omitempty" db:"signed_by"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ReportRetentionPeriod is how long finished report records are kept before
// the sweep expires them.
const ReportRetentionPeriod = 365 * 24 * time.Hour

// NewComplianceReport creates a pending job with a generated id and the
// default one-year retention.
func NewComplianceReport(tenantID, createdBy string, reportType ReportType, framework Framework, params ReportParameters) *ComplianceReport {
	now := time.Now().UTC()
	retention := now.Add(ReportRetentionPeriod)
	return &ComplianceReport{
		ReportID:       fmt.Sprintf("RPT-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		TenantID:       tenantID,
		ReportType:     reportType,
		Framework:      framework,
		Parameters:     params,
		Status:         ReportPending,
		CreatedBy:      createdBy,
		RetentionUntil: &retention,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var (
	validReportTypes = map[ReportType]bool{
		ReportGDPRDataExport: true, ReportGDPRDeletion: true, ReportSOXFinancial: true,
		ReportHIPAAAccess: true, ReportISO27001Security: true, ReportAuditTrail: true,
		ReportCustom: true,
	}
	validFrameworks = map[Framework]bool{
		FrameworkGDPR: true, FrameworkHIPAA: true, FrameworkSOX: true,
		FrameworkPCIDSS: true, FrameworkISO27001: true, FrameworkCCPA: true,
		FrameworkFERPA: true,
	}
)

// Validate checks the report request before it is persisted.
func (r *ComplianceReport) Validate() error {
	switch {
	case r.TenantID == "":
		return NewValidationError("tenant_id is required")
	case r.CreatedBy == "":
		return NewValidationError("created_by is required")
	case !validReportTypes[r.ReportType]:
		return NewValidationError("unknown report type %q", r.ReportType)
	case !validFrameworks[r.Framework]:
		return NewValidationError("unknown compliance framework %q", r.Framework)
	case r.Parameters.DateRange.StartDate.IsZero() || r.Parameters.DateRange.EndDate.IsZero():
		return NewValidationError("date range is required")
	case r.Parameters.DateRange.EndDate.Before(r.Parameters.DateRange.StartDate):
		return NewValidationError("start date must not be after end date")
	}
	for _, f := range r.Parameters.Formats {
		if f != FormatJSON && f != FormatCSV {
			return NewValidationError("unsupported file format %q", f)
		}
	}
	return nil
}
