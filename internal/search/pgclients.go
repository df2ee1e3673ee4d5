package search

import (
	"database/sql"
	"strings"
)

// PgClients implements Searcher over the documents table as a fallback
// when Meilisearch is not configured or down. Pattern matching over
// JSONB fields is slower than a real index but always available.
type PgClients struct {
	db *sql.DB
}

// NewPgClients creates a PostgreSQL client searcher.
func NewPgClients(db *sql.DB) *PgClients {
	return &PgClients{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgClients) Healthy() bool {
	return true
}

// Search pattern-matches name, phone, email, and flat number within the
// caller's readable partitions.
func (p *PgClients) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ownerWhere := "owner_id = $2"
	if q.IncludeShared {
		ownerWhere = "(owner_id = $2 OR owner_id = '')"
	}

	query := `
		SELECT id, owner_id,
			coalesce(fields->>'name', '') AS name,
			coalesce(fields->>'phone', '') AS phone,
			coalesce(fields->>'email', '') AS email,
			coalesce(fields->>'flatNumber', '') AS flat_number,
			coalesce(fields->>'status', '') AS status,
			count(*) OVER () AS total
		FROM documents
		WHERE collection = 'clients'
			AND ` + ownerWhere + `
			AND (fields->>'name' ILIKE $1
				OR fields->>'phone' ILIKE $1
				OR fields->>'email' ILIKE $1
				OR fields->>'flatNumber' ILIKE $1)
		ORDER BY fields->>'name'
		LIMIT $3 OFFSET $4`

	pattern := "%" + q.Text + "%"
	rows, err := p.db.Query(query, pattern, q.OwnerUID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		var owner, phone, email string
		if err := rows.Scan(&r.ID, &owner, &r.Name, &phone, &email, &r.FlatNumber, &r.Status, &total); err != nil {
			return nil, 0, err
		}
		r.Shared = owner == ""
		r.Snippet = firstNonBlank(phone, email)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return results, total, nil
}
