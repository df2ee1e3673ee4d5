package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"glowdesk/api/internal/docstore"
)

func seedTransaction(t *testing.T, db docstore.Store, ns docstore.Namespace, tx Transaction) {
	t.Helper()
	if err := db.Put(context.Background(), ns, docstore.CollectionTransactions, tx.ID, transactionFields(tx)); err != nil {
		t.Fatalf("seed transaction %s: %v", tx.ID, err)
	}
}

func sharedTransactions(t *testing.T, db docstore.Store) []docstore.Document {
	t.Helper()
	docs, err := db.Find(context.Background(), docstore.Shared(), docstore.CollectionTransactions, docstore.Query{})
	if err != nil {
		t.Fatalf("list shared transactions: %v", err)
	}
	return docs
}

func TestAddTransactionStaffWritesOneDocument(t *testing.T) {
	db := docstore.NewMemory()
	s := New(db, nil)

	id, err := s.AddTransaction(context.Background(), staff("u1"), Transaction{ClientID: "c1", Service: "Haircut", Amount: 450})
	if err != nil {
		t.Fatalf("add transaction: %v", err)
	}

	doc, err := db.Get(context.Background(), docstore.Personal("u1"), docstore.CollectionTransactions, id)
	if err != nil {
		t.Fatalf("get personal: %v", err)
	}
	if str(doc.Fields["createdBy"]) != "u1" {
		t.Fatalf("expected createdBy u1, got %q", str(doc.Fields["createdBy"]))
	}
	if _, ok := doc.Fields["originalId"]; ok {
		t.Fatalf("personal transaction must not carry originalId")
	}
	if docs := sharedTransactions(t, db); len(docs) != 0 {
		t.Fatalf("staff add produced %d shared documents", len(docs))
	}
}

func TestAddTransactionAdminWritesMirror(t *testing.T) {
	db := docstore.NewMemory()
	s := New(db, nil)

	id, err := s.AddTransaction(context.Background(), admin("u1"), Transaction{ClientID: "c1", Service: "Facial", Amount: 1200})
	if err != nil {
		t.Fatalf("add transaction: %v", err)
	}

	if _, err := db.Get(context.Background(), docstore.Personal("u1"), docstore.CollectionTransactions, id); err != nil {
		t.Fatalf("personal original missing: %v", err)
	}

	docs := sharedTransactions(t, db)
	if len(docs) != 1 {
		t.Fatalf("expected 1 shared mirror, got %d", len(docs))
	}
	mirror := docs[0]
	if mirror.ID == id {
		t.Fatalf("mirror reused the original id")
	}
	if str(mirror.Fields["originalId"]) != id {
		t.Fatalf("mirror originalId = %q, want %q", str(mirror.Fields["originalId"]), id)
	}
	if str(mirror.Fields["createdBy"]) != "u1" {
		t.Fatalf("mirror createdBy = %q, want u1", str(mirror.Fields["createdBy"]))
	}
	if str(mirror.Fields["service"]) != "Facial" {
		t.Fatalf("mirror service = %q", str(mirror.Fields["service"]))
	}
}

func TestAddTransactionMirrorFailureKeepsOriginal(t *testing.T) {
	db := docstore.NewMemory()
	flaky := &flakyStore{Store: db, putErr: errors.New("remote unavailable"), putAfter: 1}
	s := New(flaky, nil)

	id, err := s.AddTransaction(context.Background(), admin("u1"), Transaction{ClientID: "c1", Service: "Spa", Amount: 900})
	if err == nil {
		t.Fatalf("expected mirror write error")
	}
	if id == "" {
		t.Fatalf("expected the personal id despite the mirror failure")
	}
	if s.Err() == "" {
		t.Fatalf("expected error flag after mirror failure")
	}

	if _, err := db.Get(context.Background(), docstore.Personal("u1"), docstore.CollectionTransactions, id); err != nil {
		t.Fatalf("personal original missing after mirror failure: %v", err)
	}
	if docs := sharedTransactions(t, db); len(docs) != 0 {
		t.Fatalf("expected no mirror, got %d", len(docs))
	}
}

func TestFetchClientTransactionsFiltersAndSorts(t *testing.T) {
	db := docstore.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t1", ClientID: "c1", Service: "Old", CreatedAt: now.Add(-2 * time.Hour), CreatedBy: "u1"})
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t2", ClientID: "c1", Service: "New", CreatedAt: now, CreatedBy: "u1"})
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t3", ClientID: "c2", Service: "Other", CreatedAt: now, CreatedBy: "u1"})

	s := New(db, nil)
	got := s.FetchClientTransactions(context.Background(), staff("u1"), "c1")

	if len(got) != 2 {
		t.Fatalf("expected 2 transactions for c1, got %d", len(got))
	}
	if got[0].ID != "t2" || got[1].ID != "t1" {
		t.Fatalf("expected newest first, got %s then %s", got[0].ID, got[1].ID)
	}
	if cached := s.Transactions(); len(cached) != 2 {
		t.Fatalf("cache not replaced: %d entries", len(cached))
	}
}

func TestFetchAllTransactionsMergesSharedForManager(t *testing.T) {
	db := docstore.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, db, docstore.Personal("u2"), Transaction{ID: "t1", ClientID: "c1", Service: "Own", CreatedAt: now, CreatedBy: "u2"})
	seedTransaction(t, db, docstore.Shared(), Transaction{ID: "t9", ClientID: "c1", Service: "Admin Work", OriginalID: "t8", CreatedAt: now.Add(-time.Minute), CreatedBy: "u1"})

	s := New(db, nil)
	got := s.FetchAllTransactions(context.Background(), manager("u2"))

	if len(got) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(got))
	}
	var sawShared bool
	for _, tx := range got {
		if tx.ID == "t9" {
			sawShared = true
			if !tx.Shared || tx.OriginalID != "t8" {
				t.Fatalf("shared mirror mangled: %+v", tx)
			}
		}
	}
	if !sawShared {
		t.Fatalf("manager read missed the shared mirror")
	}
}

func TestUpdateSharedTransactionRequiresAdmin(t *testing.T) {
	db := docstore.NewMemory()
	seedTransaction(t, db, docstore.Shared(), Transaction{ID: "t9", ClientID: "c1", Service: "Before", OriginalID: "t1", CreatedAt: time.Now().UTC(), CreatedBy: "u1"})

	s := New(db, nil)
	err := s.UpdateTransaction(context.Background(), manager("u2"), "t9", map[string]any{"paid": true})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	doc, _ := db.Get(context.Background(), docstore.Shared(), docstore.CollectionTransactions, "t9")
	if boolean(doc.Fields["paid"]) {
		t.Fatalf("shared transaction was modified by non-admin")
	}
}

func TestUpdateSharedMirrorSyncsOriginal(t *testing.T) {
	db := docstore.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t1", ClientID: "c1", Service: "Spa", CreatedAt: now, CreatedBy: "u1"})
	seedTransaction(t, db, docstore.Shared(), Transaction{ID: "t9", ClientID: "c1", Service: "Spa", OriginalID: "t1", CreatedAt: now, CreatedBy: "u1"})

	s := New(db, nil)
	if err := s.UpdateTransaction(context.Background(), admin("u1"), "t9", map[string]any{"paid": true, "paymentDate": "2026-08-29"}); err != nil {
		t.Fatalf("update transaction: %v", err)
	}

	for _, check := range []struct {
		ns docstore.Namespace
		id string
	}{
		{docstore.Shared(), "t9"},
		{docstore.Personal("u1"), "t1"},
	} {
		doc, err := db.Get(context.Background(), check.ns, docstore.CollectionTransactions, check.id)
		if err != nil {
			t.Fatalf("get %s: %v", check.id, err)
		}
		if !boolean(doc.Fields["paid"]) {
			t.Fatalf("%s not marked paid", check.id)
		}
		if _, ok := doc.Fields["paymentDate"].(map[string]any); !ok {
			t.Fatalf("%s paymentDate not structured: %T", check.id, doc.Fields["paymentDate"])
		}
	}
}

func TestUpdatePersonalTransactionSyncsMirror(t *testing.T) {
	db := docstore.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t1", ClientID: "c1", Service: "Spa", Amount: 900, CreatedAt: now, CreatedBy: "u1"})
	seedTransaction(t, db, docstore.Shared(), Transaction{ID: "t9", ClientID: "c1", Service: "Spa", Amount: 900, OriginalID: "t1", CreatedAt: now, CreatedBy: "u1"})

	s := New(db, nil)
	if err := s.UpdateTransaction(context.Background(), admin("u1"), "t1", map[string]any{"amount": 950.0}); err != nil {
		t.Fatalf("update transaction: %v", err)
	}

	mirror, err := db.Get(context.Background(), docstore.Shared(), docstore.CollectionTransactions, "t9")
	if err != nil {
		t.Fatalf("get mirror: %v", err)
	}
	if n, _ := num(mirror.Fields["amount"]); n != 950 {
		t.Fatalf("mirror amount = %v, want 950", mirror.Fields["amount"])
	}
}

func TestDeleteSharedMirrorRemovesOriginal(t *testing.T) {
	db := docstore.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t1", ClientID: "c1", Service: "Spa", CreatedAt: now, CreatedBy: "u1"})
	seedTransaction(t, db, docstore.Shared(), Transaction{ID: "t9", ClientID: "c1", Service: "Spa", OriginalID: "t1", CreatedAt: now, CreatedBy: "u1"})

	s := New(db, nil)
	if err := s.DeleteTransaction(context.Background(), admin("u1"), "t9"); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}

	if _, err := db.Get(context.Background(), docstore.Shared(), docstore.CollectionTransactions, "t9"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("mirror still present: %v", err)
	}
	if _, err := db.Get(context.Background(), docstore.Personal("u1"), docstore.CollectionTransactions, "t1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("original still present: %v", err)
	}
}

func TestDeletePersonalTransactionRemovesMirror(t *testing.T) {
	db := docstore.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t1", ClientID: "c1", Service: "Spa", CreatedAt: now, CreatedBy: "u1"})
	seedTransaction(t, db, docstore.Shared(), Transaction{ID: "t9", ClientID: "c1", Service: "Spa", OriginalID: "t1", CreatedAt: now, CreatedBy: "u1"})

	s := New(db, nil)
	if err := s.DeleteTransaction(context.Background(), admin("u1"), "t1"); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}

	if docs := sharedTransactions(t, db); len(docs) != 0 {
		t.Fatalf("mirror survived original delete: %d docs", len(docs))
	}
}

func TestUpdateTransactionRejectsUnknownFields(t *testing.T) {
	db := docstore.NewMemory()
	seedTransaction(t, db, docstore.Personal("u1"), Transaction{ID: "t1", ClientID: "c1", CreatedAt: time.Now().UTC(), CreatedBy: "u1"})

	s := New(db, nil)
	err := s.UpdateTransaction(context.Background(), staff("u1"), "t1", map[string]any{"clientId": "c2"})
	if err == nil {
		t.Fatalf("expected validation error for clientId patch")
	}
}
