package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"deckhand/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[string]model.Node
	resources map[model.ResourceKey]model.ResourceRecord
	audit     []model.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[string]model.Node),
		resources: make(map[model.ResourceKey]model.ResourceRecord),
	}
}

func (m *MemoryStore) RegisterNode(_ context.Context, n model.Node, replace bool) (model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make([]model.Node, 0, len(m.nodes))
	for _, o := range m.nodes {
		existing = append(existing, o)
	}
	n, err := checkNode(existing, n, replace)
	if err != nil {
		return n, err
	}
	if prev, ok := m.nodes[n.Name]; ok {
		n.CreatedAt = prev.CreatedAt
	}
	m.nodes[n.Name] = cloneNode(n)
	return n, nil
}

func (m *MemoryStore) UpdateNode(_ context.Context, n model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.Name]; !ok {
		return model.ErrNotFound
	}
	m.nodes[n.Name] = cloneNode(n)
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, name string) (model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	if !ok {
		return model.Node{}, model.ErrNotFound
	}
	return cloneNode(n), nil
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteNode(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; !ok {
		return model.ErrNotFound
	}
	delete(m.nodes, name)
	return nil
}

func (m *MemoryStore) GetResource(_ context.Context, key model.ResourceKey) (model.ResourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.resources[key]
	if !ok {
		return model.ResourceRecord{}, model.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) ListResources(_ context.Context, filter model.ResourceFilter) ([]model.ResourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ResourceRecord
	for _, rec := range m.resources {
		if filter.Match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (m *MemoryStore) PutResource(_ context.Context, rec model.ResourceRecord) (model.ResourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.resources[rec.Key]
	if !ok {
		if rec.Version != 0 {
			return rec, staleRecord(rec.Key)
		}
		cur = model.ResourceRecord{Key: rec.Key, CreatedAt: rec.CreatedAt, Deployments: map[string]model.Deployment{}}
	} else if cur.Version != rec.Version {
		return rec, staleRecord(rec.Key)
	}
	cur.Manifest = append([]byte(nil), rec.Manifest...)
	cur.Hash = rec.Hash
	cur.UpdatedAt = rec.UpdatedAt
	cur.Version++
	m.resources[rec.Key] = cur
	return cloneRecord(cur), nil
}

func (m *MemoryStore) DeleteResource(_ context.Context, key model.ResourceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[key]; !ok {
		return model.ErrNotFound
	}
	delete(m.resources, key)
	return nil
}

func (m *MemoryStore) PutDeployment(_ context.Context, key model.ResourceKey, d model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.resources[key]
	if !ok {
		return model.ErrNotFound
	}
	rec.Deployments[d.Node] = d
	return nil
}

func (m *MemoryStore) DeleteDeployment(_ context.Context, key model.ResourceKey, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.resources[key]
	if !ok {
		return model.ErrNotFound
	}
	delete(rec.Deployments, node)
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, limit)
	copy(out, m.audit[len(m.audit)-limit:])
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneRecord(rec model.ResourceRecord) model.ResourceRecord {
	out := rec
	out.Manifest = append([]byte(nil), rec.Manifest...)
	out.Deployments = make(map[string]model.Deployment, len(rec.Deployments))
	for k, v := range rec.Deployments {
		out.Deployments[k] = v
	}
	return out
}

func cloneNode(n model.Node) model.Node {
	n.Labels = maps.Clone(n.Labels)
	return n
}
