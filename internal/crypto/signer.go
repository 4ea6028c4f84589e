package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/assettrack/audit-ledger/internal/domain"
)

// Signer produces HMAC-SHA256 signatures for non-repudiation of events and
// report artifacts.
type Signer struct {
	secret []byte
}

// NewSigner decodes the base64 HMAC secret from config.
func NewSigner(secretBase64 string) (*Signer, error) {
	if secretBase64 == "" {
		return nil, errors.New("hmac secret is required")
	}
	secret, err := base64.StdEncoding.DecodeString(secretBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hmac secret: %w", err)
	}
	return &Signer{secret: secret}, nil
}

func (s *Signer) hmacHex(data []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SignEvent signs an event's hash. The hash already commits to every
// identity-bearing field, so signing it covers the whole record.
func (s *Signer) SignEvent(ev *domain.AuditEvent) string {
	return s.hmacHex([]byte(ev.EventID + "|" + ev.TenantID + "|" + ev.Hash))
}

// VerifyEvent checks an event signature in constant time.
func (s *Signer) VerifyEvent(ev *domain.AuditEvent) bool {
	expected := s.SignEvent(ev)
	return hmac.Equal([]byte(expected), []byte(ev.Signature))
}

// reportDigest is the canonical signed subset of a report.
type reportDigest struct {
	ReportID   string               `json:"report_id"`
	TenantID   string               `json:"tenant_id"`
	ReportType domain.ReportType    `json:"report_type"`
	CreatedAt  string               `json:"created_at"`
	Results    domain.ReportResults `json:"results"`
}

// SignReport computes the report-level signature over reportId, tenantId,
// reportType, createdAt and results.
func (s *Signer) SignReport(r *domain.ComplianceReport) string {
	d := reportDigest{
		ReportID:   r.ReportID,
		TenantID:   r.TenantID,
		ReportType: r.ReportType,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339Nano),
		Results:    r.Results,
	}
	data, _ := json.Marshal(d)
	return s.hmacHex(data)
}

// VerifyReport checks a report signature in constant time.
func (s *Signer) VerifyReport(r *domain.ComplianceReport) bool {
	expected := s.SignReport(r)
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}
