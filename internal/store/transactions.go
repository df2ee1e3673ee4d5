package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/scope"
	"glowdesk/api/internal/tstamp"
	"glowdesk/api/internal/util"
)

var transactionPatchFields = map[string]struct{}{
	"service":          {},
	"amount":           {},
	"paid":             {},
	"paymentDate":      {},
	"dueDate":          {},
	"paymentReference": {},
}

var transactionDateFields = map[string]struct{}{
	"paymentDate": {},
	"dueDate":     {},
}

// readTransactions runs the dual-partition read for transactions.
func (s *Store) readTransactions(ctx context.Context, p scope.Principal, q docstore.Query) ([]Transaction, error) {
	personal, err := s.db.Find(ctx, docstore.Personal(p.UID), docstore.CollectionTransactions, q)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}
	var sharedDocs []docstore.Document
	if scope.CanReadShared(p) {
		sharedDocs, err = s.db.Find(ctx, docstore.Shared(), docstore.CollectionTransactions, q)
		if err != nil {
			return nil, fmt.Errorf("fetch shared transactions: %w", err)
		}
	}
	merged := mergeByID(personal, sharedDocs)
	transactions := make([]Transaction, 0, len(merged))
	for _, m := range merged {
		transactions = append(transactions, transactionFromDoc(m.doc, m.shared))
	}
	return transactions, nil
}

// FetchClientTransactions reloads the transaction cache with one
// client's transactions. The equality-plus-ordering composite is not
// assumed indexed remotely, so the sort happens in memory.
func (s *Store) FetchClientTransactions(ctx context.Context, p scope.Principal, clientID string) []Transaction {
	if !p.Authenticated() {
		return nil
	}
	s.setLoading(true)
	defer s.setLoading(false)

	q := docstore.Query{Filters: []docstore.Filter{{Field: "clientId", Value: clientID}}}
	transactions, err := s.readTransactions(ctx, p, q)
	if err != nil {
		s.fail("%v", err)
		return nil
	}
	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].CreatedAt.After(transactions[j].CreatedAt)
	})

	s.mu.Lock()
	s.transactions = transactions
	s.lastErr = ""
	s.mu.Unlock()

	out := make([]Transaction, len(transactions))
	copy(out, transactions)
	return out
}

// FetchAllTransactions reloads the transaction cache with every
// transaction the principal can read, newest first. Used by the global
// reporting views.
func (s *Store) FetchAllTransactions(ctx context.Context, p scope.Principal) []Transaction {
	if !p.Authenticated() {
		return nil
	}
	s.setLoading(true)
	defer s.setLoading(false)

	transactions, err := s.readTransactions(ctx, p, docstore.Query{OrderByCreatedDesc: true})
	if err != nil {
		s.fail("%v", err)
		return nil
	}

	s.mu.Lock()
	s.transactions = transactions
	s.lastErr = ""
	s.mu.Unlock()

	out := make([]Transaction, len(transactions))
	copy(out, transactions)
	return out
}

// AddTransaction creates a transaction in the principal's personal
// partition. Admin principals additionally write a shared mirror
// document carrying originalId and createdBy. The two writes are
// sequential, not atomic: when the mirror write fails the personal
// document still exists, the error flag records the divergence, and
// ReconcileSharedMirrors can repair it later.
func (s *Store) AddTransaction(ctx context.Context, p scope.Principal, t Transaction) (string, error) {
	if !p.Authenticated() {
		s.fail("add transaction: %v", ErrUnauthenticated)
		return "", ErrUnauthenticated
	}

	now := time.Now().UTC()
	t.ID = util.NewID("tx")
	t.CreatedAt = now
	t.CreatedBy = p.UID
	t.OriginalID = ""
	t.Shared = false

	if err := s.db.Put(ctx, docstore.Personal(p.UID), docstore.CollectionTransactions, t.ID, transactionFields(t)); err != nil {
		s.fail("add transaction: %v", err)
		return "", fmt.Errorf("add transaction: %w", err)
	}

	s.mu.Lock()
	s.transactions = append([]Transaction{t}, s.transactions...)
	s.lastErr = ""
	s.mu.Unlock()

	if scope.CanWriteShared(p) {
		mirror := t
		mirror.ID = util.NewID("tx")
		mirror.OriginalID = t.ID
		mirror.Shared = true
		if err := s.db.Put(ctx, docstore.Shared(), docstore.CollectionTransactions, mirror.ID, transactionFields(mirror)); err != nil {
			s.fail("transaction %s saved but shared mirror write failed: %v", t.ID, err)
			return t.ID, fmt.Errorf("write shared mirror for %s: %w", t.ID, err)
		}
	}
	return t.ID, nil
}

// UpdateTransaction merge-patches a transaction. When the id names a
// shared-partition document only an admin may touch it, and the
// personal original is patched too when the document is a mirror. When
// the id names a personal document, an admin's mirror (if any) is
// patched to match.
func (s *Store) UpdateTransaction(ctx context.Context, p scope.Principal, id string, patch map[string]any) error {
	if !p.Authenticated() {
		s.fail("update transaction: %v", ErrUnauthenticated)
		return ErrUnauthenticated
	}
	if err := validatePatch(patch, transactionPatchFields); err != nil {
		s.fail("update transaction: %v", err)
		return err
	}

	remote := normalizePatch(patch, transactionDateFields)

	sharedDoc, err := s.db.Get(ctx, docstore.Shared(), docstore.CollectionTransactions, id)
	switch {
	case err == nil:
		if !scope.CanWriteShared(p) {
			s.fail("update transaction %s: %v", id, ErrPermissionDenied)
			return ErrPermissionDenied
		}
		if err := s.db.Update(ctx, docstore.Shared(), docstore.CollectionTransactions, id, remote); err != nil {
			s.fail("update transaction %s: %v", id, err)
			return fmt.Errorf("update transaction %s: %w", id, err)
		}
		if originalID := str(sharedDoc.Fields["originalId"]); originalID != "" {
			if err := s.db.Update(ctx, docstore.Personal(p.UID), docstore.CollectionTransactions, originalID, remote); err != nil && !errors.Is(err, docstore.ErrNotFound) {
				s.fail("transaction %s updated but original %s diverged: %v", id, originalID, err)
				return fmt.Errorf("update original %s: %w", originalID, err)
			}
		}
	case errors.Is(err, docstore.ErrNotFound):
		if err := s.db.Update(ctx, docstore.Personal(p.UID), docstore.CollectionTransactions, id, remote); err != nil {
			s.fail("update transaction %s: %v", id, err)
			return fmt.Errorf("update transaction %s: %w", id, err)
		}
		if scope.CanWriteShared(p) {
			if err := s.patchMirrors(ctx, id, remote); err != nil {
				s.fail("transaction %s updated but shared mirror diverged: %v", id, err)
				return err
			}
		}
	default:
		s.fail("update transaction %s: %v", id, err)
		return fmt.Errorf("update transaction %s: %w", id, err)
	}

	s.mu.Lock()
	for i := range s.transactions {
		if s.transactions[i].ID == id {
			applyTransactionPatch(&s.transactions[i], patch)
			break
		}
	}
	s.lastErr = ""
	s.mu.Unlock()
	return nil
}

// DeleteTransaction removes a transaction, keeping the personal
// document and its shared mirror in step the same way UpdateTransaction
// does.
func (s *Store) DeleteTransaction(ctx context.Context, p scope.Principal, id string) error {
	if !p.Authenticated() {
		s.fail("delete transaction: %v", ErrUnauthenticated)
		return ErrUnauthenticated
	}

	sharedDoc, err := s.db.Get(ctx, docstore.Shared(), docstore.CollectionTransactions, id)
	switch {
	case err == nil:
		if !scope.CanWriteShared(p) {
			s.fail("delete transaction %s: %v", id, ErrPermissionDenied)
			return ErrPermissionDenied
		}
		if err := s.db.Delete(ctx, docstore.Shared(), docstore.CollectionTransactions, id); err != nil {
			s.fail("delete transaction %s: %v", id, err)
			return fmt.Errorf("delete transaction %s: %w", id, err)
		}
		if originalID := str(sharedDoc.Fields["originalId"]); originalID != "" {
			if err := s.db.Delete(ctx, docstore.Personal(p.UID), docstore.CollectionTransactions, originalID); err != nil {
				s.fail("transaction %s deleted but original %s remains: %v", id, originalID, err)
				return fmt.Errorf("delete original %s: %w", originalID, err)
			}
		}
	case errors.Is(err, docstore.ErrNotFound):
		if err := s.db.Delete(ctx, docstore.Personal(p.UID), docstore.CollectionTransactions, id); err != nil {
			s.fail("delete transaction %s: %v", id, err)
			return fmt.Errorf("delete transaction %s: %w", id, err)
		}
		if scope.CanWriteShared(p) {
			if err := s.deleteMirrors(ctx, id); err != nil {
				s.fail("transaction %s deleted but shared mirror remains: %v", id, err)
				return err
			}
		}
	default:
		s.fail("delete transaction %s: %v", id, err)
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}

	s.mu.Lock()
	kept := s.transactions[:0]
	for _, t := range s.transactions {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	s.transactions = kept
	s.lastErr = ""
	s.mu.Unlock()
	return nil
}

func (s *Store) patchMirrors(ctx context.Context, originalID string, remote map[string]any) error {
	mirrors, err := s.db.Find(ctx, docstore.Shared(), docstore.CollectionTransactions, docstore.Query{
		Filters: []docstore.Filter{{Field: "originalId", Value: originalID}},
	})
	if err != nil {
		return fmt.Errorf("find mirrors of %s: %w", originalID, err)
	}
	for _, mirror := range mirrors {
		if err := s.db.Update(ctx, docstore.Shared(), docstore.CollectionTransactions, mirror.ID, remote); err != nil {
			return fmt.Errorf("update mirror %s: %w", mirror.ID, err)
		}
	}
	return nil
}

func (s *Store) deleteMirrors(ctx context.Context, originalID string) error {
	mirrors, err := s.db.Find(ctx, docstore.Shared(), docstore.CollectionTransactions, docstore.Query{
		Filters: []docstore.Filter{{Field: "originalId", Value: originalID}},
	})
	if err != nil {
		return fmt.Errorf("find mirrors of %s: %w", originalID, err)
	}
	for _, mirror := range mirrors {
		if err := s.db.Delete(ctx, docstore.Shared(), docstore.CollectionTransactions, mirror.ID); err != nil {
			return fmt.Errorf("delete mirror %s: %w", mirror.ID, err)
		}
	}
	return nil
}

func applyTransactionPatch(t *Transaction, patch map[string]any) {
	for key, value := range patch {
		switch key {
		case "service":
			t.Service = str(value)
		case "amount":
			if n, ok := num(value); ok {
				t.Amount = n
			}
		case "paid":
			t.Paid = boolean(value)
		case "paymentDate":
			t.PaymentDate = tstamp.ToTimeOpt(value)
		case "dueDate":
			t.DueDate = tstamp.ToTimeOpt(value)
		case "paymentReference":
			t.PaymentReference = str(value)
		}
	}
}
