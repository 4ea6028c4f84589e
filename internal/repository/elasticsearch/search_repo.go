package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	elastic "github.com/elastic/go-elasticsearch/v8"

	"github.com/assettrack/audit-ledger/internal/config"
	"github.com/assettrack/audit-ledger/internal/domain"
)

// SearchRepository holds the denormalized, search-optimized copy of the
// ledger. It is never authoritative: the Postgres chain is the truth.
type SearchRepository struct {
	client *elastic.Client
	index  string
}

// NewSearchRepository creates a new search repository
func NewSearchRepository(cfg config.ElasticsearchConfig) (*SearchRepository, error) {
	client, err := elastic.NewClient(elastic.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	// Verify connection
	if _, err := client.Info(); err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}

	return &SearchRepository{
		client: client,
		index:  cfg.Index,
	}, nil
}

// IndexEvent indexes one audit event for full-text search.
func (r *SearchRepository) IndexEvent(ctx context.Context, ev *domain.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	res, err := r.client.Index(
		r.index,
		bytes.NewReader(data),
		r.client.Index.WithContext(ctx),
		r.client.Index.WithDocumentID(ev.EventID),
	)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// Search runs a tenant-scoped query-string search over indexed events.
func (r *SearchRepository) Search(ctx context.Context, tenantID, query string, from, size int) (*domain.EventPage, error) {
	esQuery := map[string]any{
		"from": from,
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"tenant_id": tenantID}},
				},
				"must": []map[string]any{
					{"query_string": map[string]any{"query": query}},
				},
			},
		},
		"sort": []map[string]any{
			{"timestamp": "desc"},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.index),
		r.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to perform search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search error: %s", res.String())
	}

	var result struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var events []*domain.AuditEvent
	for _, hit := range result.Hits.Hits {
		var ev domain.AuditEvent
		if err := json.Unmarshal(hit.Source, &ev); err == nil {
			events = append(events, &ev)
		}
	}

	return &domain.EventPage{
		Events:     events,
		TotalCount: result.Hits.Total.Value,
		Limit:      size,
		Offset:     from,
		HasMore:    result.Hits.Total.Value > int64(from+size),
	}, nil
}
