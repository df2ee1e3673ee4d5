package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxClients = "glowdesk_clients"

// Meili implements Searcher via Meilisearch, one index for clients
// across all partitions with an owner attribute for scoping.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable Meilisearch is not fatal; the health loop reconfigures
// once it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxClients,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxClients, err)
	}

	index := m.client.Index(idxClients)
	filterable := []interface{}{"owner", "status", "flatNumber"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxClients, err)
	}
	searchable := []string{"name", "phone", "email", "flatNumber", "tags"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxClients, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the client index scoped to the caller's partitions.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	ownerFilter := fmt.Sprintf("owner = %q", q.OwnerUID)
	if q.IncludeShared {
		ownerFilter = fmt.Sprintf("owner = %q OR owner = \"\"", q.OwnerUID)
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxClients,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		Filter:                []string{ownerFilter},
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		ShowRankingScore:      true,
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:         decodeString(hit, "id"),
		FlatNumber: decodeString(hit, "flatNumber"),
		Status:     decodeString(hit, "status"),
		Shared:     decodeString(hit, "owner") == "",
	}
	r.Name = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
	r.Snippet = firstNonBlank(
		decodeFormattedString(hit, "phone"),
		decodeFormattedString(hit, "email"),
		decodeString(hit, "phone"),
		decodeString(hit, "email"),
	)
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexClient adds or updates a client in the search index.
func (m *Meili) IndexClient(rec ClientRecord) error {
	_, err := m.client.Index(idxClients).AddDocuments([]ClientRecord{rec}, nil)
	return err
}

// DeleteClient removes a client from the search index.
func (m *Meili) DeleteClient(id string) error {
	_, err := m.client.Index(idxClients).DeleteDocument(id, nil)
	return err
}

// IndexClients bulk-indexes clients, used at session warm-up.
func (m *Meili) IndexClients(records []ClientRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxClients).AddDocuments(records, nil)
	return err
}
