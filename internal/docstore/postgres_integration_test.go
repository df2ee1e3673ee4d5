package docstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"glowdesk/api/internal/tstamp"
)

// Integration coverage for the Postgres backend. Runs only when
// TEST_DATABASE_URL points at a disposable database.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE documents`); err != nil {
		t.Fatalf("truncate documents: %v", err)
	}
	return NewPostgres(db)
}

func TestPostgresRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	ns := Personal("itest-user")

	fields := map[string]any{
		"name":       "Asha",
		"flatNumber": "12B",
		"createdAt":  tstamp.ToRemote("2025-06-01T10:30:00Z").Fields(),
	}
	if err := s.Put(ctx, ns, CollectionClients, "c1", fields); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	doc, err := s.Get(ctx, ns, CollectionClients, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.Fields["name"] != "Asha" {
		t.Fatalf("name = %v, want Asha", doc.Fields["name"])
	}
	if !tstamp.IsStructured(doc.Fields["createdAt"]) {
		t.Fatalf("createdAt came back unstructured: %v", doc.Fields["createdAt"])
	}

	docs, err := s.Find(ctx, ns, CollectionClients, Query{
		Filters: []Filter{{Field: "flatNumber", Value: "12B"}},
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "c1" {
		t.Fatalf("Find returned %v", docs)
	}

	if err := s.Update(ctx, ns, CollectionClients, "c1", map[string]any{"name": "Asha P"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	doc, _ = s.Get(ctx, ns, CollectionClients, "c1")
	if doc.Fields["name"] != "Asha P" || doc.Fields["flatNumber"] != "12B" {
		t.Fatalf("merge patch produced %v", doc.Fields)
	}

	if err := s.Delete(ctx, ns, CollectionClients, "c1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, ns, CollectionClients, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgresBatchIsAtomic(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	ns := Personal("itest-user")

	ops := []WriteOp{
		{NS: ns, Collection: CollectionClients, ID: "c1", Patch: map[string]any{"name": "Asha"}},
		{NS: ns, Collection: CollectionClients, ID: "c2", Patch: map[string]any{"name": "Meera"}},
	}
	if err := s.ApplyBatch(ctx, ops); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		if _, err := s.Get(ctx, ns, CollectionClients, id); err != nil {
			t.Fatalf("batch write missing %s: %v", id, err)
		}
	}
}
