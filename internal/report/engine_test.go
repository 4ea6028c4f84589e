package report

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/assettrack/audit-ledger/internal/crypto"
	"github.com/assettrack/audit-ledger/internal/domain"
)

type memReportStore struct {
	mu      sync.Mutex
	reports map[string]*domain.ComplianceReport
	updates int
}

func newMemReportStore() *memReportStore {
	return &memReportStore{reports: make(map[string]*domain.ComplianceReport)}
}

func (s *memReportStore) Create(_ context.Context, r *domain.ComplianceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *r
	s.reports[r.ReportID] = &clone
	return nil
}

func (s *memReportStore) Get(_ context.Context, tenantID, reportID string) (*domain.ComplianceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok || r.TenantID != tenantID {
		return nil, domain.NewNotFoundError("report", reportID)
	}
	clone := *r
	return &clone, nil
}

func (s *memReportStore) Update(_ context.Context, r *domain.ComplianceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ReportID]; !ok {
		return domain.NewNotFoundError("report", r.ReportID)
	}
	s.updates++
	clone := *r
	clone.UpdatedAt = time.Now().UTC()
	s.reports[r.ReportID] = &clone
	return nil
}

func (s *memReportStore) ClaimPending(_ context.Context, staleBefore time.Time) (*domain.ComplianceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *domain.ComplianceReport
	for _, r := range s.reports {
		runnable := r.Status == domain.ReportPending ||
			(r.Status == domain.ReportProcessing && r.UpdatedAt.Before(staleBefore))
		if !runnable {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, nil
	}
	// Mirror the postgres repository: claiming marks the row processing and
	// refreshes updated_at inside the same statement.
	oldest.Status = domain.ReportProcessing
	oldest.UpdatedAt = time.Now().UTC()
	clone := *oldest
	return &clone, nil
}

type memArtifactStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int // Put calls to fail before succeeding
	puts     int
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{objects: make(map[string][]byte)}
}

func (s *memArtifactStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failures > 0 {
		s.failures--
		return "", errors.New("object store unavailable")
	}
	s.objects[key] = data
	return "mem://" + key, nil
}

type memEventSource struct {
	events  []*domain.AuditEvent
	queries int
	err     error
}

func (s *memEventSource) Query(_ context.Context, tenantID string, f domain.EventFilter) (*domain.EventPage, error) {
	s.queries++
	if s.err != nil {
		return nil, s.err
	}
	var matched []*domain.AuditEvent
	for _, ev := range s.events {
		if ev.TenantID != tenantID {
			continue
		}
		if f.StartTime != nil && ev.Timestamp.Before(*f.StartTime) {
			continue
		}
		if f.EndTime != nil && ev.Timestamp.After(*f.EndTime) {
			continue
		}
		matched = append(matched, ev)
	}
	total := int64(len(matched))
	if f.Offset > len(matched) {
		matched = nil
	} else {
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return &domain.EventPage{
		Events:     matched,
		TotalCount: total,
		HasMore:    int64(f.Offset+len(matched)) < total,
	}, nil
}

var reportWindow = domain.DateRange{
	StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	EndDate:   time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC),
}

func windowEvent(tenantID string, et domain.EventType, sev domain.Severity) *domain.AuditEvent {
	ev := domain.NewAuditEvent(tenantID, et, domain.CategorySecurity, domain.ActionRead)
	ev.Severity = sev
	ev.Actor = domain.Actor{
		Type:  domain.ActorUser,
		ID:    "user-7",
		Name:  "Grace Hopper",
		Email: "grace@example.com",
		IP:    "192.168.1.50",
	}
	ev.Resource = domain.Resource{Type: domain.ResourceAsset, ID: "asset-9"}
	ev.Description = "audited action"
	ev.Timestamp = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	ev.Hash = "deadbeef"
	return ev
}

type engineFixture struct {
	engine    *Engine
	store     *memReportStore
	artifacts *memArtifactStore
	source    *memEventSource
	signer    *crypto.Signer
}

func newEngineFixture(t *testing.T, source *memEventSource, artifacts *memArtifactStore, artifactRetry int) *engineFixture {
	t.Helper()
	secret := base64.StdEncoding.EncodeToString([]byte("report-test-secret"))
	signer, err := crypto.NewSigner(secret)
	require.NoError(t, err)
	store := newMemReportStore()
	return &engineFixture{
		engine:    NewEngine(store, artifacts, source, signer, zap.NewNop(), 2, artifactRetry),
		store:     store,
		artifacts: artifacts,
		source:    source,
		signer:    signer,
	}
}

func TestCreateReport(t *testing.T) {
	fx := newEngineFixture(t, &memEventSource{}, newMemArtifactStore(), 1)
	ctx := context.Background()

	t.Run("defaults format to json", func(t *testing.T) {
		r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
			domain.ReportParameters{DateRange: reportWindow})
		require.NoError(t, err)
		assert.Equal(t, domain.ReportPending, r.Status)
		assert.Equal(t, []domain.FileFormat{domain.FormatJSON}, r.Parameters.Formats)
		assert.NotNil(t, r.RetentionUntil)

		stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
		require.NoError(t, err)
		assert.Equal(t, r.ReportID, stored.ReportID)
	})

	t.Run("rejects inverted date range", func(t *testing.T) {
		_, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
			domain.ReportParameters{DateRange: domain.DateRange{
				StartDate: reportWindow.EndDate,
				EndDate:   reportWindow.StartDate,
			}})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("rejects unknown framework", func(t *testing.T) {
		_, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, "basel-iv",
			domain.ReportParameters{DateRange: reportWindow})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestRunCompletesReport(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventSecurityDenied, domain.SeverityHigh),
		windowEvent("acme", domain.EventAuthFailedLogin, domain.SeverityMedium),
		windowEvent("acme", domain.EventSystemError, domain.SeverityCritical),
		windowEvent("globex", domain.EventUserLogin, domain.SeverityLow), // other tenant
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportISO27001Security, domain.FrameworkISO27001,
		domain.ReportParameters{
			DateRange: reportWindow,
			Formats:   []domain.FileFormat{domain.FormatJSON, domain.FormatCSV},
		})
	require.NoError(t, err)

	fx.engine.Run(ctx, r)

	stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)

	assert.Equal(t, domain.ReportCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, int64(3), stored.Results.TotalEvents)
	assert.Equal(t, int64(3), stored.Results.ProcessedEvents)
	assert.NotNil(t, stored.ProcessingCompleted)

	require.Len(t, stored.Files, 2)
	for _, f := range stored.Files {
		assert.NotEmpty(t, f.Hash)
		assert.NotZero(t, f.Size)
		assert.False(t, f.FromFailedRun)
		assert.Contains(t, fx.artifacts.objects, f.Filename)
	}

	assert.NotEmpty(t, stored.Signature)
	assert.True(t, fx.signer.VerifyReport(stored))

	// one violation bucket per observed type
	require.Len(t, stored.Results.Violations, 3)
	types := make(map[string]int)
	for _, v := range stored.Results.Violations {
		types[v.Type] = v.Count
	}
	assert.Equal(t, 1, types["access_denied"])
	assert.Equal(t, 1, types["failed_login"])
	assert.Equal(t, 1, types["critical_event"])
}

func TestRunMatchesLedgerWindowCount(t *testing.T) {
	january := domain.DateRange{
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC),
	}

	inWindow := func(day int) *domain.AuditEvent {
		ev := windowEvent("acme", domain.EventUserLogin, domain.SeverityLow)
		ev.Timestamp = time.Date(2024, 1, day, 12, 0, 0, 0, time.UTC)
		return ev
	}
	outOfWindow := windowEvent("acme", domain.EventUserLogin, domain.SeverityLow)
	outOfWindow.Timestamp = time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	source := &memEventSource{events: []*domain.AuditEvent{
		inWindow(5), inWindow(12), inWindow(28), outOfWindow,
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{DateRange: january})
	require.NoError(t, err)

	fx.engine.Run(ctx, r)

	stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	require.Equal(t, domain.ReportCompleted, stored.Status)

	// the report's total matches a direct query over the identical window
	page, err := source.Query(ctx, "acme", domain.EventFilter{
		StartTime: &january.StartDate,
		EndTime:   &january.EndDate,
	})
	require.NoError(t, err)
	assert.Equal(t, page.TotalCount, stored.Results.TotalEvents)

	require.NotEmpty(t, stored.Files)
	assert.NotEmpty(t, stored.Files[0].Hash)
}

func TestRunAnonymizesExport(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportGDPRDataExport, domain.FrameworkGDPR,
		domain.ReportParameters{
			DateRange:     reportWindow,
			AnonymizeData: true,
		})
	require.NoError(t, err)

	fx.engine.Run(ctx, r)

	stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	require.Equal(t, domain.ReportCompleted, stored.Status)
	require.Len(t, stored.Files, 1)

	data := string(fx.artifacts.objects[stored.Files[0].Filename])
	assert.NotContains(t, data, "192.168.1.50")
	assert.NotContains(t, data, "Grace Hopper")
	assert.NotContains(t, data, "grace@example.com")
	assert.Contains(t, data, RedactionMarker)
	assert.Contains(t, data, "user-7") // actor id survives for correlation
}

func TestRunAppliesFilters(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
		windowEvent("acme", domain.EventSecurityDenied, domain.SeverityHigh),
		windowEvent("acme", domain.EventSecurityDenied, domain.SeverityHigh),
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportCustom, domain.FrameworkISO27001,
		domain.ReportParameters{
			DateRange: reportWindow,
			Filters: domain.ReportFilters{
				EventTypes: []domain.EventType{domain.EventSecurityDenied},
			},
		})
	require.NoError(t, err)

	fx.engine.Run(ctx, r)

	stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Results.ProcessedEvents)
	assert.Equal(t, int64(1), stored.Results.FilteredEvents)
	assert.Equal(t, int64(2), stored.Results.EventsByType["security.access_denied"])
	assert.Zero(t, stored.Results.EventsByType["user.login"])
}

func TestRunFailsOnLedgerError(t *testing.T) {
	source := &memEventSource{err: errors.New("ledger down")}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 3)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{DateRange: reportWindow})
	require.NoError(t, err)

	fx.engine.Run(ctx, r)

	stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "ledger down")
	// ledger reads are never retried
	assert.Equal(t, 1, source.queries)
}

func TestRunRetriesArtifactWrites(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
	}}

	t.Run("transient failure recovers", func(t *testing.T) {
		artifacts := newMemArtifactStore()
		artifacts.failures = 1
		fx := newEngineFixture(t, source, artifacts, 3)
		ctx := context.Background()

		r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
			domain.ReportParameters{DateRange: reportWindow})
		require.NoError(t, err)

		fx.engine.Run(ctx, r)

		stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
		require.NoError(t, err)
		assert.Equal(t, domain.ReportCompleted, stored.Status)
		assert.Equal(t, 2, artifacts.puts)
	})

	t.Run("exhausted retries fail the report", func(t *testing.T) {
		artifacts := newMemArtifactStore()
		artifacts.failures = 100
		fx := newEngineFixture(t, source, artifacts, 2)
		ctx := context.Background()

		r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
			domain.ReportParameters{DateRange: reportWindow})
		require.NoError(t, err)

		fx.engine.Run(ctx, r)

		stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
		require.NoError(t, err)
		assert.Equal(t, domain.ReportFailed, stored.Status)
		assert.Equal(t, 2, artifacts.puts)
		assert.Empty(t, stored.Signature, "failed reports are never signed")
	})
}

func TestRunRespectsStateMachine(t *testing.T) {
	source := &memEventSource{}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{DateRange: reportWindow})
	require.NoError(t, err)

	fx.engine.Run(ctx, r)
	require.Equal(t, domain.ReportCompleted, r.Status)
	queriesAfterFirst := source.queries

	// a second run on a completed record is a no-op
	fx.engine.Run(ctx, r)
	assert.Equal(t, domain.ReportCompleted, r.Status)
	assert.Equal(t, queriesAfterFirst, source.queries)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
		windowEvent("acme", domain.EventSecurityDenied, domain.SeverityHigh),
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{DateRange: reportWindow})
	require.NoError(t, err)

	// State as a crashed worker leaves it: the first page (two events)
	// counted and checkpointed, then nothing.
	started := time.Now().UTC().Add(-time.Hour)
	crashed, err := fx.store.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	crashed.Status = domain.ReportProcessing
	crashed.ProcessingStarted = &started
	crashed.Progress = 50
	crashed.Results = domain.ReportResults{
		TotalEvents:      4,
		ProcessedEvents:  2,
		EventsByType:     map[string]int64{string(domain.EventUserLogin): 2},
		EventsByCategory: map[string]int64{string(domain.CategorySecurity): 2},
		EventsByUser:     map[string]int64{"user-7": 2},
	}
	require.NoError(t, fx.store.Update(ctx, crashed))

	fx.engine.Run(ctx, crashed)

	stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, int64(4), stored.Results.TotalEvents)
	assert.Equal(t, int64(4), stored.Results.ProcessedEvents)
	// counted once across both attempts, never twice
	assert.Equal(t, int64(3), stored.Results.EventsByType[string(domain.EventUserLogin)])
	assert.Equal(t, int64(1), stored.Results.EventsByType[string(domain.EventSecurityDenied)])
	assert.Equal(t, int64(4), stored.Results.EventsByUser["user-7"])

	// the artifact carries the full window, including the replayed prefix
	require.Len(t, stored.Files, 1)
	var envelope struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(fx.artifacts.objects[stored.Files[0].Filename], &envelope))
	assert.Len(t, envelope.Events, 4)
}

func TestWorkerReclaimsStaleRun(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{DateRange: reportWindow})
	require.NoError(t, err)

	// Orphan the record: processing, untouched for far longer than any run
	// timeout.
	crashed, err := fx.store.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	crashed.Status = domain.ReportProcessing
	require.NoError(t, fx.store.Update(ctx, crashed))
	fx.store.mu.Lock()
	fx.store.reports[r.ReportID].UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	fx.store.mu.Unlock()

	go fx.engine.Worker(ctx, 10*time.Millisecond, time.Minute)

	require.Eventually(t, func() bool {
		stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
		return err == nil && stored.Status == domain.ReportCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunCanceledContext(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)

	r, err := fx.engine.Create(context.Background(), "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{DateRange: reportWindow})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fx.engine.Run(ctx, r)

	stored, err := fx.engine.Get(context.Background(), "acme", r.ReportID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportFailed, stored.Status)
}

func TestRecordDownload(t *testing.T) {
	source := &memEventSource{events: []*domain.AuditEvent{
		windowEvent("acme", domain.EventUserLogin, domain.SeverityLow),
	}}
	fx := newEngineFixture(t, source, newMemArtifactStore(), 1)
	ctx := context.Background()

	r, err := fx.engine.Create(ctx, "acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{DateRange: reportWindow})
	require.NoError(t, err)
	fx.engine.Run(ctx, r)

	stored, err := fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	require.Len(t, stored.Files, 1)
	filename := stored.Files[0].Filename

	require.NoError(t, fx.engine.RecordDownload(ctx, "acme", r.ReportID, filename))
	require.NoError(t, fx.engine.RecordDownload(ctx, "acme", r.ReportID, filename))

	stored, err = fx.engine.Get(ctx, "acme", r.ReportID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Files[0].DownloadCount)
	assert.NotNil(t, stored.Files[0].LastDownloaded)

	err = fx.engine.RecordDownload(ctx, "acme", r.ReportID, "no-such-file.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
