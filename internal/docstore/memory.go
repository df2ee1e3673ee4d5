package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"glowdesk/api/internal/tstamp"
)

// Memory is an in-process Store used by tests and local development.
// Documents round-trip through JSON on write so reads observe the same
// value shapes (float64 numbers, map timestamps) the Postgres backend
// produces.
type Memory struct {
	mu sync.Mutex
	// namespace owner -> collection -> id -> fields
	data map[string]map[string]map[string]map[string]any
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]map[string]map[string]any)}
}

func (m *Memory) collection(ns Namespace, collection string) map[string]map[string]any {
	owner, ok := m.data[ns.Owner]
	if !ok {
		owner = make(map[string]map[string]map[string]any)
		m.data[ns.Owner] = owner
	}
	col, ok := owner[collection]
	if !ok {
		col = make(map[string]map[string]any)
		owner[collection] = col
	}
	return col
}

func (m *Memory) Put(ctx context.Context, ns Namespace, collection, id string, fields map[string]any) error {
	normalized, err := normalize(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(ns, collection)
	if _, exists := col[id]; exists {
		return fmt.Errorf("document %s/%s already exists", collection, id)
	}
	col[id] = normalized
	return nil
}

func (m *Memory) Get(ctx context.Context, ns Namespace, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.collection(ns, collection)[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	copied, err := normalize(fields)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Fields: copied}, nil
}

func (m *Memory) Exists(ctx context.Context, ns Namespace, collection, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collection(ns, collection)[id]
	return ok, nil
}

func (m *Memory) Find(ctx context.Context, ns Namespace, collection string, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var docs []Document
	for id, fields := range m.collection(ns, collection) {
		if !matches(fields, q.Filters) {
			continue
		}
		copied, err := normalize(fields)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Fields: copied})
	}

	if q.OrderByCreatedDesc {
		sort.SliceStable(docs, func(i, j int) bool {
			return createdSeconds(docs[i]) > createdSeconds(docs[j])
		})
	} else {
		// Deterministic iteration for tests.
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (m *Memory) Update(ctx context.Context, ns Namespace, collection, id string, patch map[string]any) error {
	normalized, err := normalize(patch)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(ns, collection)
	fields, ok := col[id]
	if !ok {
		return ErrNotFound
	}
	for key, value := range normalized {
		fields[key] = value
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, ns Namespace, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collection(ns, collection), id)
	return nil
}

func (m *Memory) ApplyBatch(ctx context.Context, ops []WriteOp) error {
	// Normalize everything up front so the batch cannot half-apply.
	patches := make([]map[string]any, len(ops))
	for i, op := range ops {
		if op.Delete {
			continue
		}
		normalized, err := normalize(op.Patch)
		if err != nil {
			return err
		}
		patches[i] = normalized
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range ops {
		col := m.collection(op.NS, op.Collection)
		if op.Delete {
			delete(col, op.ID)
			continue
		}
		fields, ok := col[op.ID]
		if !ok {
			fields = make(map[string]any)
			col[op.ID] = fields
		}
		for key, value := range patches[i] {
			fields[key] = value
		}
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func matches(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		value, ok := fields[f.Field].(string)
		if !ok || value != f.Value {
			return false
		}
	}
	return true
}

func createdSeconds(doc Document) int64 {
	ts, ok := tstamp.Coerce(doc.Fields["createdAt"])
	if !ok {
		return 0
	}
	return ts.Seconds
}

func normalize(fields map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return out, nil
}
