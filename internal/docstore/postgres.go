package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Postgres implements Store on a single JSONB-backed table, reached
// through database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) DB() *sql.DB {
	return s.db
}

var fieldNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

func (s *Postgres) Put(ctx context.Context, ns Namespace, collection, id string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (owner_id, collection, id, fields)
		VALUES ($1, $2, $3, $4)
	`, ns.Owner, collection, id, body)
	if err != nil {
		return fmt.Errorf("insert document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, ns Namespace, collection, id string) (Document, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT fields FROM documents
		WHERE owner_id = $1 AND collection = $2 AND id = $3
	`, ns.Owner, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}
	return decodeDocument(id, body)
}

func (s *Postgres) Exists(ctx context.Context, ns Namespace, collection, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM documents
			WHERE owner_id = $1 AND collection = $2 AND id = $3
		)
	`, ns.Owner, collection, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document %s/%s: %w", collection, id, err)
	}
	return exists, nil
}

func (s *Postgres) Find(ctx context.Context, ns Namespace, collection string, q Query) ([]Document, error) {
	query := `SELECT id, fields FROM documents WHERE owner_id = $1 AND collection = $2`
	args := []any{ns.Owner, collection}

	for _, f := range q.Filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return nil, fmt.Errorf("invalid filter field %q", f.Field)
		}
		args = append(args, f.Value)
		query += fmt.Sprintf(" AND fields->>'%s' = $%d", f.Field, len(args))
	}
	if q.OrderByCreatedDesc {
		query += ` ORDER BY (fields->'createdAt'->>'seconds')::bigint DESC NULLS LAST`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", collection, err)
		}
		doc, err := decodeDocument(id, body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", collection, err)
	}
	return docs, nil
}

func (s *Postgres) Update(ctx context.Context, ns Namespace, collection, id string, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch for %s: %w", id, err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET fields = fields || $4::jsonb
		WHERE owner_id = $1 AND collection = $2 AND id = $3
	`, ns.Owner, collection, id, body)
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, ns Namespace, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE owner_id = $1 AND collection = $2 AND id = $3
	`, ns.Owner, collection, id)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// ApplyBatch runs every op inside one transaction. Patch ops upsert, so
// the same batch can both create and correct documents.
func (s *Postgres) ApplyBatch(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	for _, op := range ops {
		if op.Delete {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM documents WHERE owner_id = $1 AND collection = $2 AND id = $3
			`, op.NS.Owner, op.Collection, op.ID); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("batch delete %s/%s: %w", op.Collection, op.ID, err)
			}
			continue
		}
		body, err := json.Marshal(op.Patch)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal batch patch for %s: %w", op.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (owner_id, collection, id, fields)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_id, collection, id)
			DO UPDATE SET fields = documents.fields || EXCLUDED.fields
		`, op.NS.Owner, op.Collection, op.ID, body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("batch patch %s/%s: %w", op.Collection, op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func decodeDocument(id string, body []byte) (Document, error) {
	fields := map[string]any{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return Document{ID: id, Fields: fields}, nil
}
