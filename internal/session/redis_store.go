// Package session stores per-principal session snapshots in Redis.
//
// The identity provider authenticates users and signs tokens; this
// store holds the current role snapshot for each signed-in principal so
// a role change made mid-session is observed on the next request
// instead of whenever the token happens to be reissued.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"glowdesk/api/internal/scope"
)

var ErrNoSession = errors.New("session not found or expired")

// PrincipalData is the JSON payload stored per principal.
type PrincipalData struct {
	UID      string    `json:"uid"`
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	CachedAt time.Time `json:"cached_at"`
}

// RedisStore keeps principal snapshots keyed by uid.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "principal:", ttl: ttl}, nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "principal:", ttl: ttl}
}

func (s *RedisStore) key(uid string) string {
	return s.prefix + uid
}

// SavePrincipal writes the snapshot for a principal, refreshing its TTL.
func (s *RedisStore) SavePrincipal(ctx context.Context, p scope.Principal) error {
	data := PrincipalData{
		UID:      p.UID,
		Name:     p.Name,
		Role:     string(p.Role),
		CachedAt: time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p.UID), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save principal: %w", err)
	}
	return nil
}

// LookupPrincipal returns the current snapshot for a uid.
func (s *RedisStore) LookupPrincipal(ctx context.Context, uid string) (scope.Principal, error) {
	jsonData, err := s.client.Get(ctx, s.key(uid)).Result()
	if err == redis.Nil {
		return scope.Principal{}, ErrNoSession
	}
	if err != nil {
		return scope.Principal{}, fmt.Errorf("lookup principal: %w", err)
	}

	var data PrincipalData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return scope.Principal{}, fmt.Errorf("unmarshal principal: %w", err)
	}
	return scope.Principal{
		UID:  data.UID,
		Name: data.Name,
		Role: scope.Normalize(data.Role),
	}, nil
}

// UpdateRole changes the stored role for a signed-in principal. Returns
// ErrNoSession when the principal has no active snapshot.
func (s *RedisStore) UpdateRole(ctx context.Context, uid string, role scope.Role) error {
	p, err := s.LookupPrincipal(ctx, uid)
	if err != nil {
		return err
	}
	p.Role = role
	return s.SavePrincipal(ctx, p)
}

// Revoke removes a principal's snapshot (sign-out).
func (s *RedisStore) Revoke(ctx context.Context, uid string) error {
	if err := s.client.Del(ctx, s.key(uid)).Err(); err != nil {
		return fmt.Errorf("revoke principal: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
