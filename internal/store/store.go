// Package store is the entity store for clients and transactions: the
// sole mutation point between callers and the document database.
//
// Reads merge the principal's personal partition with the shared
// partition when the principal's role allows it; personal records win
// on id collision. Writes go to one partition chosen by role, and the
// local cache is patched optimistically with client-approximated
// timestamps rather than re-read from the remote.
//
// Read operations record remote failures in the error flag and leave
// the previously cached data in place. Write operations record the
// failure and also return it to the caller.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/scope"
	"glowdesk/api/internal/tstamp"
	"glowdesk/api/internal/util"
)

// Indexer receives client mutations for the search index. Indexing is
// best effort and never blocks or fails a store operation.
type Indexer interface {
	IndexClient(c Client)
	RemoveClient(id string)
}

// Store holds one principal session's view of the data. Create it at
// session start and Reset it at sign-out.
type Store struct {
	db    docstore.Store
	index Indexer

	mu           sync.Mutex
	clients      []Client
	transactions []Transaction
	loading      bool
	lastErr      string
}

// New creates a Store over a document database. index may be nil.
func New(db docstore.Store, index Indexer) *Store {
	return &Store{db: db, index: index}
}

// Clients returns a copy of the cached client list.
func (s *Store) Clients() []Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Client, len(s.clients))
	copy(out, s.clients)
	return out
}

// Transactions returns a copy of the cached transaction list.
func (s *Store) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last recorded error message, empty when the most
// recent operation succeeded.
func (s *Store) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Reset clears all cached state. Call at sign-out.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = nil
	s.transactions = nil
	s.loading = false
	s.lastErr = ""
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Store) fail(format string, args ...any) {
	s.mu.Lock()
	s.lastErr = fmt.Sprintf(format, args...)
	s.mu.Unlock()
}

func (s *Store) clearErr() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

type partitioned struct {
	doc    docstore.Document
	shared bool
}

// mergeByID keeps every personal document and appends shared documents
// whose id was not already seen; the shared copy loses on collision.
func mergeByID(personal, shared []docstore.Document) []partitioned {
	merged := make([]partitioned, 0, len(personal)+len(shared))
	seen := make(map[string]struct{}, len(personal))
	for _, doc := range personal {
		merged = append(merged, partitioned{doc: doc})
		seen[doc.ID] = struct{}{}
	}
	for _, doc := range shared {
		if _, dup := seen[doc.ID]; dup {
			continue
		}
		merged = append(merged, partitioned{doc: doc, shared: true})
	}
	return merged
}

// readClients runs the dual-partition read for the clients collection.
func (s *Store) readClients(ctx context.Context, p scope.Principal, q docstore.Query) ([]Client, error) {
	personal, err := s.db.Find(ctx, docstore.Personal(p.UID), docstore.CollectionClients, q)
	if err != nil {
		return nil, fmt.Errorf("fetch clients: %w", err)
	}
	var sharedDocs []docstore.Document
	if scope.CanReadShared(p) {
		sharedDocs, err = s.db.Find(ctx, docstore.Shared(), docstore.CollectionClients, q)
		if err != nil {
			return nil, fmt.Errorf("fetch shared clients: %w", err)
		}
	}
	merged := mergeByID(personal, sharedDocs)
	clients := make([]Client, 0, len(merged))
	for _, m := range merged {
		clients = append(clients, clientFromDoc(m.doc, m.shared))
	}
	return clients, nil
}

// FetchClients reloads the client cache: the principal's personal
// partition ordered by creation time descending, plus the shared
// partition for admin/manager roles. No-op without a principal. On
// remote failure the error flag is set and the cache is left untouched.
func (s *Store) FetchClients(ctx context.Context, p scope.Principal) []Client {
	if !p.Authenticated() {
		return nil
	}
	s.setLoading(true)
	defer s.setLoading(false)

	clients, err := s.readClients(ctx, p, docstore.Query{OrderByCreatedDesc: true})
	if err != nil {
		s.fail("%v", err)
		return nil
	}

	s.mu.Lock()
	s.clients = clients
	s.lastErr = ""
	s.mu.Unlock()

	out := make([]Client, len(clients))
	copy(out, clients)
	return out
}

// FetchClientsByFlat returns clients matching a flat number across the
// partitions the principal can read. The result is returned directly
// and does not replace the cached client list.
func (s *Store) FetchClientsByFlat(ctx context.Context, p scope.Principal, flatNumber string) []Client {
	if !p.Authenticated() {
		return nil
	}
	q := docstore.Query{Filters: []docstore.Filter{{Field: "flatNumber", Value: flatNumber}}}
	clients, err := s.readClients(ctx, p, q)
	if err != nil {
		s.fail("%v", err)
		return nil
	}
	s.clearErr()
	return clients
}

var clientPatchFields = map[string]struct{}{
	"name":             {},
	"email":            {},
	"phone":            {},
	"apartment":        {},
	"flatNumber":       {},
	"trustScore":       {},
	"notes":            {},
	"tags":             {},
	"status":           {},
	"preferredContact": {},
	"birthDate":        {},
	"anniversary":      {},
	"emergencyContact": {},
}

var clientDateFields = map[string]struct{}{
	"birthDate":   {},
	"anniversary": {},
}

// AddClient creates a client record. Admin principals write into the
// shared partition with a createdBy stamp; everyone else writes into
// their personal partition. Returns the new id; the cache gains the
// record with client-approximated timestamps.
func (s *Store) AddClient(ctx context.Context, p scope.Principal, c Client) (string, error) {
	if !p.Authenticated() {
		s.fail("add client: %v", ErrUnauthenticated)
		return "", ErrUnauthenticated
	}

	if c.TrustScore == 0 {
		c.TrustScore = 100
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}

	now := time.Now().UTC()
	c.ID = util.NewID("cl")
	c.CreatedAt = now
	c.UpdatedAt = now

	ns := docstore.Personal(p.UID)
	c.Shared = false
	if scope.CanWriteShared(p) {
		ns = docstore.Shared()
		c.CreatedBy = p.UID
		c.Shared = true
	}

	if err := s.db.Put(ctx, ns, docstore.CollectionClients, c.ID, clientFields(c)); err != nil {
		s.fail("add client: %v", err)
		return "", fmt.Errorf("add client: %w", err)
	}

	s.mu.Lock()
	s.clients = append([]Client{c}, s.clients...)
	s.lastErr = ""
	s.mu.Unlock()

	if s.index != nil {
		s.index.IndexClient(c)
	}
	return c.ID, nil
}

// UpdateClient merge-patches a client record. A record that exists in
// the shared partition may only be updated by an admin; the check runs
// before any write. Personal-partition documents are owned by the path
// owner, so personal updates need no further check. updatedAt is always
// stamped remotely and in the cache.
func (s *Store) UpdateClient(ctx context.Context, p scope.Principal, id string, patch map[string]any) error {
	if !p.Authenticated() {
		s.fail("update client: %v", ErrUnauthenticated)
		return ErrUnauthenticated
	}
	if err := validatePatch(patch, clientPatchFields); err != nil {
		s.fail("update client: %v", err)
		return err
	}

	inShared, err := s.db.Exists(ctx, docstore.Shared(), docstore.CollectionClients, id)
	if err != nil {
		s.fail("update client: %v", err)
		return fmt.Errorf("update client: %w", err)
	}
	ns := docstore.Personal(p.UID)
	if inShared {
		if !scope.CanWriteShared(p) {
			s.fail("update client %s: %v", id, ErrPermissionDenied)
			return ErrPermissionDenied
		}
		ns = docstore.Shared()
	}

	now := time.Now().UTC()
	remote := normalizePatch(patch, clientDateFields)
	remote["updatedAt"] = tstamp.FromTime(now).Fields()

	if err := s.db.Update(ctx, ns, docstore.CollectionClients, id, remote); err != nil {
		s.fail("update client %s: %v", id, err)
		return fmt.Errorf("update client %s: %w", id, err)
	}

	var updated *Client
	s.mu.Lock()
	for i := range s.clients {
		if s.clients[i].ID == id {
			applyClientPatch(&s.clients[i], patch)
			s.clients[i].UpdatedAt = now
			c := s.clients[i]
			updated = &c
			break
		}
	}
	s.lastErr = ""
	s.mu.Unlock()

	if s.index != nil && updated != nil {
		s.index.IndexClient(*updated)
	}
	return nil
}

// DeleteClient removes a client record, applying the same shared-vs-
// personal resolution and admin gate as UpdateClient. The cache entry
// is removed regardless of which partition held the record.
func (s *Store) DeleteClient(ctx context.Context, p scope.Principal, id string) error {
	if !p.Authenticated() {
		s.fail("delete client: %v", ErrUnauthenticated)
		return ErrUnauthenticated
	}

	inShared, err := s.db.Exists(ctx, docstore.Shared(), docstore.CollectionClients, id)
	if err != nil {
		s.fail("delete client: %v", err)
		return fmt.Errorf("delete client: %w", err)
	}
	ns := docstore.Personal(p.UID)
	if inShared {
		if !scope.CanWriteShared(p) {
			s.fail("delete client %s: %v", id, ErrPermissionDenied)
			return ErrPermissionDenied
		}
		ns = docstore.Shared()
	}

	if err := s.db.Delete(ctx, ns, docstore.CollectionClients, id); err != nil {
		s.fail("delete client %s: %v", id, err)
		return fmt.Errorf("delete client %s: %w", id, err)
	}

	s.mu.Lock()
	kept := s.clients[:0]
	for _, c := range s.clients {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	s.clients = kept
	s.lastErr = ""
	s.mu.Unlock()

	if s.index != nil {
		s.index.RemoveClient(id)
	}
	return nil
}

// InvalidateClient re-reads one client from the remote store and
// reconciles the cache entry, replacing the optimistic values written
// by Add/Update. The entry is dropped when the record no longer exists
// in any partition the principal can read.
func (s *Store) InvalidateClient(ctx context.Context, p scope.Principal, id string) *Client {
	if !p.Authenticated() {
		return nil
	}

	doc, err := s.db.Get(ctx, docstore.Personal(p.UID), docstore.CollectionClients, id)
	shared := false
	if errors.Is(err, docstore.ErrNotFound) && scope.CanReadShared(p) {
		doc, err = s.db.Get(ctx, docstore.Shared(), docstore.CollectionClients, id)
		shared = true
	}

	if errors.Is(err, docstore.ErrNotFound) {
		s.mu.Lock()
		kept := s.clients[:0]
		for _, c := range s.clients {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		s.clients = kept
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.fail("refresh client %s: %v", id, err)
		return nil
	}

	fresh := clientFromDoc(doc, shared)
	s.mu.Lock()
	replaced := false
	for i := range s.clients {
		if s.clients[i].ID == id {
			s.clients[i] = fresh
			replaced = true
			break
		}
	}
	if !replaced {
		s.clients = append([]Client{fresh}, s.clients...)
	}
	s.mu.Unlock()
	return &fresh
}

func validatePatch(patch map[string]any, allowed map[string]struct{}) error {
	if len(patch) == 0 {
		return errors.New("empty patch")
	}
	for key := range patch {
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("unknown field %q", key)
		}
	}
	return nil
}

// normalizePatch prepares a patch for the remote write, converting any
// date-typed values into structured timestamps.
func normalizePatch(patch map[string]any, dateFields map[string]struct{}) map[string]any {
	remote := make(map[string]any, len(patch)+1)
	for key, value := range patch {
		if _, isDate := dateFields[key]; isDate && value != nil {
			remote[key] = tstamp.ToRemote(value).Fields()
			continue
		}
		remote[key] = value
	}
	return remote
}

func applyClientPatch(c *Client, patch map[string]any) {
	for key, value := range patch {
		switch key {
		case "name":
			c.Name = str(value)
		case "email":
			c.Email = str(value)
		case "phone":
			c.Phone = str(value)
		case "apartment":
			c.Apartment = str(value)
		case "flatNumber":
			c.FlatNumber = str(value)
		case "trustScore":
			if n, ok := num(value); ok {
				c.TrustScore = int(n)
			}
		case "notes":
			c.Notes = str(value)
		case "tags":
			c.Tags = stringSlice(value)
		case "status":
			c.Status = str(value)
		case "preferredContact":
			c.PreferredContact = str(value)
		case "birthDate":
			c.BirthDate = tstamp.ToTimeOpt(value)
		case "anniversary":
			c.Anniversary = tstamp.ToTimeOpt(value)
		case "emergencyContact":
			if contact, ok := value.(map[string]any); ok {
				c.Emergency = &EmergencyContact{
					Name:         str(contact["name"]),
					Phone:        str(contact["phone"]),
					Relationship: str(contact["relationship"]),
				}
			} else if value == nil {
				c.Emergency = nil
			}
		}
	}
}
