package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/assettrack/audit-ledger/internal/domain"
)

// RedactionMarker replaces personal identifiers in anonymized exports.
const RedactionMarker = "[REDACTED]"

// CompliantExport returns a copy of the event fit for export under the given
// parameters. With anonymization on, the actor's IP and the geolocation are
// dropped and user-typed actors lose name and email.
func CompliantExport(ev *domain.AuditEvent, anonymize bool) *domain.AuditEvent {
	out := *ev
	if !anonymize {
		return &out
	}

	out.Actor.IP = ""
	if out.Metadata.Location != nil {
		meta := out.Metadata
		meta.Location = nil
		out.Metadata = meta
	}
	if out.Actor.Type == domain.ActorUser {
		if out.Actor.Name != "" {
			out.Actor.Name = RedactionMarker
		}
		if out.Actor.Email != "" {
			out.Actor.Email = RedactionMarker
		}
	}
	return &out
}

// encodeJSON renders the export as a JSON document with a small envelope so
// artifacts are self-describing.
func encodeJSON(r *domain.ComplianceReport, events []*domain.AuditEvent) ([]byte, error) {
	doc := struct {
		ReportID  string               `json:"report_id"`
		TenantID  string               `json:"tenant_id"`
		Framework domain.Framework     `json:"compliance_framework"`
		Generated time.Time            `json:"generated_at"`
		Events    []*domain.AuditEvent `json:"events"`
	}{
		ReportID:  r.ReportID,
		TenantID:  r.TenantID,
		Framework: r.Framework,
		Generated: time.Now().UTC(),
		Events:    events,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json export: %w", err)
	}
	return data, nil
}

var csvHeader = []string{
	"event_id", "correlation_id", "timestamp", "event_type", "category",
	"severity", "action", "actor_type", "actor_id", "actor_name", "actor_email",
	"actor_ip", "resource_type", "resource_id", "resource_name", "description",
	"compliance_flags", "retention_policy", "hash", "previous_hash",
}

// encodeCSV renders the export as a flat CSV table.
func encodeCSV(events []*domain.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, ev := range events {
		flags := make([]string, len(ev.ComplianceFlags))
		for i, f := range ev.ComplianceFlags {
			flags[i] = string(f)
		}
		row := []string{
			ev.EventID,
			ev.CorrelationID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(ev.EventType),
			string(ev.Category),
			string(ev.Severity),
			string(ev.Action),
			string(ev.Actor.Type),
			ev.Actor.ID,
			ev.Actor.Name,
			ev.Actor.Email,
			ev.Actor.IP,
			string(ev.Resource.Type),
			ev.Resource.ID,
			ev.Resource.Name,
			ev.Description,
			strings.Join(flags, ";"),
			string(ev.RetentionPolicy),
			ev.Hash,
			ev.PreviousHash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func artifactFilename(r *domain.ComplianceReport, format domain.FileFormat) string {
	return fmt.Sprintf("%s.%s", r.ReportID, format)
}
