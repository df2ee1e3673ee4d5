package store

import (
	"context"
	"fmt"

	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/scope"
	"glowdesk/api/internal/tstamp"
)

var migrateClientDateFields = []string{"birthDate", "anniversary", "createdAt", "updatedAt"}

var migrateTransactionDateFields = []string{"paymentDate", "dueDate", "createdAt"}

// MigrateDateFields rewrites legacy string-typed date values in the
// principal's personal partition into structured timestamps. All
// rewrites land in one atomic batch, so a failure changes nothing.
// Returns the number of documents changed; a second run returns zero.
func (s *Store) MigrateDateFields(ctx context.Context, p scope.Principal) (int, error) {
	if !p.Authenticated() {
		s.fail("migrate dates: %v", ErrUnauthenticated)
		return 0, ErrUnauthenticated
	}

	ns := docstore.Personal(p.UID)
	var ops []docstore.WriteOp

	collections := []struct {
		name   string
		fields []string
	}{
		{docstore.CollectionClients, migrateClientDateFields},
		{docstore.CollectionTransactions, migrateTransactionDateFields},
	}
	for _, col := range collections {
		docs, err := s.db.Find(ctx, ns, col.name, docstore.Query{})
		if err != nil {
			s.fail("migrate dates: %v", err)
			return 0, fmt.Errorf("migrate dates: scan %s: %w", col.name, err)
		}
		for _, doc := range docs {
			patch := legacyDatePatch(doc.Fields, col.fields)
			if len(patch) == 0 {
				continue
			}
			ops = append(ops, docstore.WriteOp{
				NS:         ns,
				Collection: col.name,
				ID:         doc.ID,
				Patch:      patch,
			})
		}
	}

	if len(ops) == 0 {
		s.clearErr()
		return 0, nil
	}
	if err := s.db.ApplyBatch(ctx, ops); err != nil {
		s.fail("migrate dates: %v", err)
		return 0, fmt.Errorf("migrate dates: %w", err)
	}
	s.clearErr()
	return len(ops), nil
}

// legacyDatePatch returns the structured replacements for any of the
// named fields holding a legacy string value. Fields that are absent,
// already structured, or unparseable are left alone.
func legacyDatePatch(fields map[string]any, dateFields []string) map[string]any {
	var patch map[string]any
	for _, name := range dateFields {
		raw, ok := fields[name].(string)
		if !ok {
			continue
		}
		ts, ok := tstamp.Coerce(raw)
		if !ok {
			continue
		}
		if patch == nil {
			patch = make(map[string]any)
		}
		patch[name] = ts.Fields()
	}
	return patch
}
