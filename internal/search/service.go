package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to
// the Postgres searcher.
type Service struct {
	meili *Meili
	pg    *PgClients
}

// NewService creates a search service. meili may be nil when
// Meilisearch is not configured.
func NewService(meili *Meili, pg *PgClients) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	if s.pg == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		log.Printf("search: postgres search error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexClient indexes a client, fire-and-forget to Meilisearch.
func (s *Service) IndexClient(rec ClientRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexClient(rec); err != nil {
			log.Printf("search: index client %s: %v", rec.ID, err)
		}
	}()
}

// RemoveClient removes a client from the index, fire-and-forget.
func (s *Service) RemoveClient(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteClient(id); err != nil {
			log.Printf("search: delete client %s: %v", id, err)
		}
	}()
}

// ReindexClients bulk-indexes a client list, used after a full fetch.
func (s *Service) ReindexClients(records []ClientRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexClients(records); err != nil {
			log.Printf("search: reindex clients: %v", err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
