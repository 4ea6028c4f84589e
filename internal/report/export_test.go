package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assettrack/audit-ledger/internal/domain"
)

func exportEvent() *domain.AuditEvent {
	ev := domain.NewAuditEvent("acme", domain.EventUserLogin, domain.CategoryAuth, domain.ActionLogin)
	ev.Actor = domain.Actor{
		Type:  domain.ActorUser,
		ID:    "user-3",
		Name:  "Alan Turing",
		Email: "alan@example.com",
		IP:    "172.16.0.3",
	}
	ev.Resource = domain.Resource{Type: domain.ResourceUser, ID: "user-3"}
	ev.Description = "user logged in"
	ev.Metadata.Location = &domain.Location{Country: "GB", City: "London"}
	ev.ComplianceFlags = []domain.ComplianceFlag{domain.FlagGDPR, domain.FlagISO27001}
	ev.Hash = "abc123"
	ev.PreviousHash = "def456"
	return ev
}

func TestCompliantExport(t *testing.T) {
	t.Run("anonymized", func(t *testing.T) {
		original := exportEvent()
		out := CompliantExport(original, true)

		assert.Empty(t, out.Actor.IP)
		assert.Nil(t, out.Metadata.Location)
		assert.Equal(t, RedactionMarker, out.Actor.Name)
		assert.Equal(t, RedactionMarker, out.Actor.Email)
		assert.Equal(t, "user-3", out.Actor.ID)
		assert.Equal(t, original.Hash, out.Hash)

		// the source event is untouched
		assert.Equal(t, "172.16.0.3", original.Actor.IP)
		assert.Equal(t, "Alan Turing", original.Actor.Name)
		assert.NotNil(t, original.Metadata.Location)
	})

	t.Run("non-user actors keep their service identity", func(t *testing.T) {
		ev := exportEvent()
		ev.Actor = domain.Actor{Type: domain.ActorService, Service: "billing-sync", IP: "10.1.1.1"}

		out := CompliantExport(ev, true)
		assert.Empty(t, out.Actor.IP)
		assert.Equal(t, "billing-sync", out.Actor.Service)
	})

	t.Run("without anonymization nothing is redacted", func(t *testing.T) {
		out := CompliantExport(exportEvent(), false)
		assert.Equal(t, "172.16.0.3", out.Actor.IP)
		assert.Equal(t, "Alan Turing", out.Actor.Name)
		assert.NotNil(t, out.Metadata.Location)
	})
}

func TestEncodeJSON(t *testing.T) {
	r := domain.NewComplianceReport("acme", "user-1", domain.ReportGDPRDataExport, domain.FrameworkGDPR,
		domain.ReportParameters{})
	data, err := encodeJSON(r, []*domain.AuditEvent{exportEvent()})
	require.NoError(t, err)

	var doc struct {
		ReportID  string               `json:"report_id"`
		TenantID  string               `json:"tenant_id"`
		Framework string               `json:"compliance_framework"`
		Events    []*domain.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, r.ReportID, doc.ReportID)
	assert.Equal(t, "acme", doc.TenantID)
	assert.Equal(t, "gdpr", doc.Framework)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, domain.EventUserLogin, doc.Events[0].EventType)
}

func TestEncodeCSV(t *testing.T) {
	ev := exportEvent()
	ev.Timestamp = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	data, err := encodeCSV([]*domain.AuditEvent{ev})
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])

	row := rows[1]
	require.Len(t, row, len(csvHeader))
	assert.Equal(t, ev.EventID, row[0])
	assert.Equal(t, "2024-05-01T09:00:00Z", row[2])
	assert.Equal(t, "user.login", row[3])
	assert.Equal(t, "gdpr;iso27001", row[16])
	assert.Equal(t, "abc123", row[18])
}

func TestArtifactFilename(t *testing.T) {
	r := domain.NewComplianceReport("acme", "user-1", domain.ReportAuditTrail, domain.FrameworkSOX,
		domain.ReportParameters{})
	assert.Equal(t, r.ReportID+".json", artifactFilename(r, domain.FormatJSON))
	assert.Equal(t, r.ReportID+".csv", artifactFilename(r, domain.FormatCSV))
}
