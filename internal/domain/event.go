package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies what happened. The set is closed: producers may not
// invent new types without a schema change.
type EventType string

const (
	EventUserCreated         EventType = "user.created"
	EventUserUpdated         EventType = "user.updated"
	EventUserDeleted         EventType = "user.deleted"
	EventUserLogin           EventType = "user.login"
	EventUserLogout          EventType = "user.logout"
	EventAssetCreated        EventType = "asset.created"
	EventAssetUpdated        EventType = "asset.updated"
	EventAssetDeleted        EventType = "asset.deleted"
	EventAssetTransferred    EventType = "asset.transferred"
	EventTenantCreated       EventType = "tenant.created"
	EventTenantUpdated       EventType = "tenant.updated"
	EventTenantSettings      EventType = "tenant.settings_changed"
	EventAuthMFAEnabled      EventType = "auth.mfa_enabled"
	EventAuthPasswordChanged EventType = "auth.password_changed"
	EventAuthFailedLogin     EventType = "auth.failed_login"
	EventComplianceExport    EventType = "compliance.data_export"
	EventComplianceDeletion  EventType = "compliance.data_deletion"
	EventComplianceRetention EventType = "compliance.retention_policy_applied"
	EventSecurityPermission  EventType = "security.permission_changed"
	EventSecurityRole        EventType = "security.role_assigned"
	EventSecurityDenied      EventType = "security.access_denied"
	EventSystemBackup        EventType = "system.backup_created"
	EventSystemMaintenance   EventType = "system.maintenance"
	EventSystemError         EventType = "system.error"
)

// Category groups event types for dashboards and filtering.
type Category string

const (
	CategoryUser       Category = "user"
	CategoryAsset      Category = "asset"
	CategoryTenant     Category = "tenant"
	CategoryAuth       Category = "auth"
	CategoryCompliance Category = "compliance"
	CategorySecurity   Category = "security"
	CategorySystem     Category = "system"
)

// Severity indicates operational impact of the audited action.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the verb performed on the resource.
type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionLogin    Action = "login"
	ActionLogout   Action = "logout"
	ActionExport   Action = "export"
	ActionImport   Action = "import"
	ActionTransfer Action = "transfer"
	ActionAssign   Action = "assign"
	ActionRevoke   Action = "revoke"
)

// ActorType discriminates who performed the action.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorSystem  ActorType = "system"
	ActorService ActorType = "service"
	ActorAPIKey  ActorType = "api_key"
)

// ResourceType is the kind of object acted upon.
type ResourceType string

const (
	ResourceUser       ResourceType = "user"
	ResourceAsset      ResourceType = "asset"
	ResourceTenant     ResourceType = "tenant"
	ResourceRole       ResourceType = "role"
	ResourcePermission ResourceType = "permission"
	ResourceSetting    ResourceType = "setting"
	ResourceReport     ResourceType = "report"
)

// ComplianceFlag names a regulatory framework an event is relevant to.
type ComplianceFlag string

const (
	FlagGDPR     ComplianceFlag = "gdpr"
	FlagHIPAA    ComplianceFlag = "hipaa"
	FlagSOX      ComplianceFlag = "sox"
	FlagPCIDSS   ComplianceFlag = "pci_dss"
	FlagISO27001 ComplianceFlag = "iso27001"
)

// RetentionPolicy names the retention rule applied at write time.
type RetentionPolicy string

const (
	RetentionStandard     RetentionPolicy = "standard"      // 7 years
	RetentionExtended     RetentionPolicy = "extended"      // 10 years
	RetentionPermanent    RetentionPolicy = "permanent"     // never expires
	RetentionGDPRDeletion RetentionPolicy = "gdpr_deletion" // 30 days
)

// Actor identifies who or what performed the audited action.
type Actor struct {
	Type      ActorType `json:"type"`
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Service   string    `json:"service,omitempty"` // for system/service actors
}

// Resource identifies the object acted upon.
type Resource struct {
	Type ResourceType `json:"type"`
	ID   string       `json:"id,omitempty"`
	Name string       `json:"name,omitempty"`
	Path string       `json:"path,omitempty"`
}

// Change records a single field mutation. Order within the slice is
// significant and preserved through storage.
type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// Location is optional geolocation context attached to event metadata.
type Location struct {
	Country     string    `json:"country,omitempty"`
	Region      string    `json:"region,omitempty"`
	City        string    `json:"city,omitempty"`
	Coordinates []float64 `json:"coordinates,omitempty"` // [longitude, latitude]
}

// EventMetadata carries request/session/client context.
type EventMetadata struct {
	RequestID     string    `json:"request_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	APIVersion    string    `json:"api_version,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	Location      *Location `json:"location,omitempty"`
}

// MaxDetailsBytes bounds the marshaled size of the free-form Details payload.
const MaxDetailsBytes = 16 * 1024

// AuditEvent is one immutable entry in a tenant's hash chain.
// Once persisted it can NEVER be modified; the only removal path is the
// retention sweep, which deletes whole records.
type AuditEvent struct {
	EventID       string    `json:"event_id" db:"event_id"`
	CorrelationID string    `json:"correlation_id,omitempty" db:"correlation_id"`
	ParentEventID string    `json:"parent_event_id,omitempty" db:"parent_event_id"`
	EventType     EventType `json:"event_type" db:"event_type"`
	Category      Category  `json:"category" db:"category"`
	Severity      Severity  `json:"severity" db:"severity"`
	Actor         Actor     `json:"actor" db:"actor"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	Resource      Resource  `json:"resource" db:"resource"`
	Action        Action    `json:"action" db:"action"`
	Description   string    `json:"description" db:"description"`
	Details       map[string]any `json:"details,omitempty" db:"details"`
	Changes       []Change       `json:"changes,omitempty" db:"changes"`
	Metadata      EventMetadata  `json:"metadata" db:"metadata"`

	ComplianceFlags []ComplianceFlag `json:"compliance_flags,omitempty" db:"compliance_flags"`
	RetentionPolicy RetentionPolicy  `json:"retention_policy" db:"retention_policy"`
	RetentionUntil  *time.Time       `json:"retention_until,omitempty" db:"retention_until"`

	Hash         string `json:"hash" db:"hash"`
	PreviousHash string `json:"previous_hash,omitempty" db:"previous_hash"`
	Signature    string `json:"signature,omitempty" db:"signature"`

	// Seq is the insertion-order sequence assigned by the store. It breaks
	// ties between events sharing a timestamp within one tenant.
	Seq       int64     `json:"-" db:"seq"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewAuditEvent creates an event with generated IDs and UTC timestamps.
// Hash, previous hash and retention are filled in by the ledger on append.
func NewAuditEvent(tenantID string, eventType EventType, category Category, action Action) *AuditEvent {
	now := time.Now().UTC()
	return &AuditEvent{
		EventID:         uuid.NewString(),
		CorrelationID:   uuid.NewString(),
		EventType:       eventType,
		Category:        category,
		Severity:        SeverityMedium,
		TenantID:        tenantID,
		Action:          action,
		RetentionPolicy: RetentionStandard,
		Timestamp:       now,
		CreatedAt:       now,
	}
}

var (
	validEventTypes = map[EventType]bool{
		EventUserCreated: true, EventUserUpdated: true, EventUserDeleted: true,
		EventUserLogin: true, EventUserLogout: true,
		EventAssetCreated: true, EventAssetUpdated: true, EventAssetDeleted: true,
		EventAssetTransferred: true,
		EventTenantCreated:    true, EventTenantUpdated: true, EventTenantSettings: true,
		EventAuthMFAEnabled: true, EventAuthPasswordChanged: true, EventAuthFailedLogin: true,
		EventComplianceExport: true, EventComplianceDeletion: true, EventComplianceRetention: true,
		EventSecurityPermission: true, EventSecurityRole: true, EventSecurityDenied: true,
		EventSystemBackup: true, EventSystemMaintenance: true, EventSystemError: true,
	}
	validCategories = map[Category]bool{
		CategoryUser: true, CategoryAsset: true, CategoryTenant: true,
		CategoryAuth: true, CategoryCompliance: true, CategorySecurity: true,
		CategorySystem: true,
	}
	validSeverities = map[Severity]bool{
		SeverityLow: true, SeverityMedium: true, SeverityHigh: true, SeverityCritical: true,
	}
	validActions = map[Action]bool{
		ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true,
		ActionLogin: true, ActionLogout: true, ActionExport: true, ActionImport: true,
		ActionTransfer: true, ActionAssign: true, ActionRevoke: true,
	}
	validActorTypes = map[ActorType]bool{
		ActorUser: true, ActorSystem: true, ActorService: true, ActorAPIKey: true,
	}
	validResourceTypes = map[ResourceType]bool{
		ResourceUser: true, ResourceAsset: true, ResourceTenant: true, ResourceRole: true,
		ResourcePermission: true, ResourceSetting: true, ResourceReport: true,
	}
	validRetentionPolicies = map[RetentionPolicy]bool{
		RetentionStandard: true, RetentionExtended: true, RetentionPermanent: true,
		RetentionGDPRDeletion: true,
	}
)

// Validate checks the closed enumerations and required fields.
func (e *AuditEvent) Validate() error {
	switch {
	case e.TenantID == "":
		return NewValidationError("tenant_id is required")
	case !validEventTypes[e.EventType]:
		return NewValidationError("unknown event_type %q", e.EventType)
	case !validCategories[e.Category]:
		return NewValidationError("unknown category %q", e.Category)
	case !validSeverities[e.Severity]:
		return NewValidationError("unknown severity %q", e.Severity)
	case !validActions[e.Action]:
		return NewValidationError("unknown action %q", e.Action)
	case !validActorTypes[e.Actor.Type]:
		return NewValidationError("unknown actor type %q", e.Actor.Type)
	case !validResourceTypes[e.Resource.Type]:
		return NewValidationError("unknown resource type %q", e.Resource.Type)
	case e.Description == "":
		return NewValidationError("description is required")
	case !validRetentionPolicies[e.RetentionPolicy]:
		return NewValidationError("unknown retention policy %q", e.RetentionPolicy)
	}
	return nil
}

// EventFilter selects events for range queries.
type EventFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	EventType EventType
	Category  Category
	ActorID   string
	Limit     int
	Offset    int
}

// EventPage is one page of query results plus the total match count.
type EventPage struct {
	Events     []*AuditEvent `json:"events"`
	TotalCount int64         `json:"total_count"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	HasMore    bool          `json:"has_more"`
}

// ChainVerification is the outcome of walking one tenant's chain.
type ChainVerification struct {
	Valid          bool   `json:"valid"`
	FailingEventID string `json:"failing_event_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	EventsChecked  int    `json:"events_checked"`
	// RetentionGaps counts chain links that could not be verified because
	// the predecessor was deleted by the retention sweep. Gaps are
	// documented, expected and do not invalidate the chain.
	RetentionGaps int `json:"retention_gaps"`
}

// Statistics aggregates event counts over a time window.
type Statistics struct {
	TotalEvents      int64            `json:"total_events"`
	EventsByCategory map[string]int64 `json:"events_by_category"`
	EventsByType     map[string]int64 `json:"events_by_type"`
	EventsBySeverity map[string]int64 `json:"events_by_severity"`
}
