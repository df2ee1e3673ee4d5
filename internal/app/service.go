package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"glowdesk/api/internal/auth"
	"glowdesk/api/internal/config"
	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/export"
	"glowdesk/api/internal/scope"
	"glowdesk/api/internal/search"
	"glowdesk/api/internal/session"
	"glowdesk/api/internal/store"
)

// sessionStore is the session surface the service consumes; implemented
// by session.RedisStore.
type sessionStore interface {
	SavePrincipal(ctx context.Context, p scope.Principal) error
	LookupPrincipal(ctx context.Context, uid string) (scope.Principal, error)
	UpdateRole(ctx context.Context, uid string, role scope.Role) error
	Revoke(ctx context.Context, uid string) error
	Ping(ctx context.Context) error
}

// Service ties sessions, per-principal entity stores, search, and
// export together behind the HTTP surface.
type Service struct {
	cfg      config.Config
	db       docstore.Store
	sessions sessionStore
	search   *search.Service
	exporter *export.Service

	mu     sync.Mutex
	stores map[string]*store.Store
}

// NewService creates the application service. search and exporter may
// be nil when not configured.
func NewService(cfg config.Config, db docstore.Store, sessions sessionStore, searchSvc *search.Service, exporter *export.Service) *Service {
	return &Service{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		search:   searchSvc,
		exporter: exporter,
		stores:   make(map[string]*store.Store),
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Ping checks the backing services the app cannot run without.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	return nil
}

// SessionFromToken verifies a bearer token and resolves the current
// principal snapshot. The snapshot wins over the token's role claim so
// a role change made mid-session takes effect on the next request; a
// first request after sign-in seeds the snapshot from the claims.
func (s *Service) SessionFromToken(ctx context.Context, token string) (scope.Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return scope.Principal{}, err
	}

	p, err := s.sessions.LookupPrincipal(ctx, claims.Sub)
	if errors.Is(err, session.ErrNoSession) {
		p = scope.Principal{
			UID:  claims.Sub,
			Name: claims.Name,
			Role: scope.Normalize(claims.Role),
		}
		if err := s.sessions.SavePrincipal(ctx, p); err != nil {
			return scope.Principal{}, err
		}
		return p, nil
	}
	if err != nil {
		return scope.Principal{}, err
	}
	return p, nil
}

// UpdateRole applies a role change pushed by the identity provider.
func (s *Service) UpdateRole(ctx context.Context, uid string, role scope.Role) error {
	return s.sessions.UpdateRole(ctx, uid, role)
}

// Logout revokes the principal's session snapshot and discards the
// cached store state for the uid.
func (s *Service) Logout(ctx context.Context, uid string) error {
	s.mu.Lock()
	if st, ok := s.stores[uid]; ok {
		st.Reset()
		delete(s.stores, uid)
	}
	s.mu.Unlock()
	return s.sessions.Revoke(ctx, uid)
}

// StoreFor returns the entity store bound to the principal's uid,
// creating it on first use.
func (s *Service) StoreFor(p scope.Principal) *store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[p.UID]; ok {
		return st
	}
	var index store.Indexer
	if s.search != nil {
		index = &clientIndexer{search: s.search, uid: p.UID}
	}
	st := store.New(s.db, index)
	s.stores[p.UID] = st
	return st
}

// SearchClients runs a client search scoped to the principal.
func (s *Service) SearchClients(p scope.Principal, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:          text,
		OwnerUID:      p.UID,
		IncludeShared: scope.CanReadShared(p),
		Limit:         limit,
		Offset:        offset,
	})
}

// Export uploads a snapshot of everything the principal can read and
// returns the object name.
func (s *Service) Export(ctx context.Context, p scope.Principal) (string, error) {
	if s.exporter == nil {
		return "", domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export storage not configured", nil)
	}
	st := s.StoreFor(p)
	clients := st.FetchClients(ctx, p)
	if msg := st.Err(); msg != "" {
		return "", fmt.Errorf("export: %s", msg)
	}
	transactions := st.FetchAllTransactions(ctx, p)
	if msg := st.Err(); msg != "" {
		return "", fmt.Errorf("export: %s", msg)
	}
	return s.exporter.Upload(ctx, export.Snapshot{
		UID:          p.UID,
		Clients:      clients,
		Transactions: transactions,
	})
}

// clientIndexer adapts the search service to the store's Indexer seam.
// uid is the owner recorded for personal records; shared records are
// indexed with an empty owner.
type clientIndexer struct {
	search *search.Service
	uid    string
}

func (i *clientIndexer) IndexClient(c store.Client) {
	i.search.IndexClient(clientRecord(c, i.uid))
}

func (i *clientIndexer) RemoveClient(id string) {
	i.search.RemoveClient(id)
}

func clientRecord(c store.Client, owner string) search.ClientRecord {
	if c.Shared {
		owner = ""
	}
	return search.ClientRecord{
		ID:         c.ID,
		Name:       c.Name,
		Phone:      c.Phone,
		Email:      c.Email,
		FlatNumber: c.FlatNumber,
		Tags:       c.Tags,
		Status:     c.Status,
		Owner:      owner,
	}
}
