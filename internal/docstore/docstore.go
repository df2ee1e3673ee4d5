// Package docstore is the client for the hosted document database: JSON
// documents grouped into collections, split across per-principal
// personal namespaces and one organization-wide shared namespace.
package docstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("document not found")

const (
	CollectionClients      = "clients"
	CollectionTransactions = "transactions"
)

// Namespace identifies a data partition. The zero value is the shared
// namespace; any non-empty owner names a personal namespace.
type Namespace struct {
	Owner string
}

func Personal(owner string) Namespace {
	return Namespace{Owner: owner}
}

func Shared() Namespace {
	return Namespace{}
}

func (ns Namespace) IsShared() bool {
	return ns.Owner == ""
}

// Document is one stored record. Fields holds the JSON document body;
// date fields inside it are structured timestamps (see tstamp).
type Document struct {
	ID     string
	Fields map[string]any
}

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Field string
	Value string
}

// Query selects documents within one namespace and collection. The only
// ordering the store offers is creation time descending, which is all
// the callers ever ask for.
type Query struct {
	Filters            []Filter
	OrderByCreatedDesc bool
	Limit              int
}

// WriteOp is one entry in an atomic batch: either a merge-patch (upsert)
// or a delete.
type WriteOp struct {
	NS         Namespace
	Collection string
	ID         string
	Patch      map[string]any
	Delete     bool
}

// Store is the document database surface the rest of the app consumes.
type Store interface {
	// Put creates a document with the given id. Fails if it exists.
	Put(ctx context.Context, ns Namespace, collection, id string, fields map[string]any) error
	Get(ctx context.Context, ns Namespace, collection, id string) (Document, error)
	Exists(ctx context.Context, ns Namespace, collection, id string) (bool, error)
	Find(ctx context.Context, ns Namespace, collection string, q Query) ([]Document, error)
	// Update merge-patches an existing document.
	Update(ctx context.Context, ns Namespace, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, ns Namespace, collection, id string) error
	// ApplyBatch applies all ops atomically: all land or none do.
	ApplyBatch(ctx context.Context, ops []WriteOp) error
	Ping(ctx context.Context) error
}
