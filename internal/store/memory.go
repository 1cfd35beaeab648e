package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/Aman-CERP/bivy/internal/filter"
)

// MemoryIndex is an in-process index. It backs tests and the "memory"
// backend, which is useful for dry runs of a configuration.
type MemoryIndex struct {
	name   string
	parser *filter.Parser

	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex(name string) *MemoryIndex {
	return &MemoryIndex{
		name:   name,
		parser: filter.NewParser(0),
		docs:   make(map[string]Document),
	}
}

// Name returns the index name.
func (m *MemoryIndex) Name() string { return m.name }

// Upsert stores copies of docs keyed by objectID.
func (m *MemoryIndex) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range docs {
		id, _, _, err := docKey(doc)
		if err != nil {
			return err
		}
		m.docs[id] = maps.Clone(doc)
	}
	return nil
}

// Delete removes docs by objectID.
func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}

// Browse returns every matching objectID in objectID order.
func (m *MemoryIndex) Browse(ctx context.Context, expr string, _ []string) ([]string, error) {
	return browseAll(ctx, m, expr, DefaultBrowsePageSize)
}

// BrowsePage returns up to limit matching objectIDs after the cursor.
func (m *MemoryIndex) BrowsePage(_ context.Context, expr string, after string, limit int) ([]string, string, error) {
	parsed, err := m.parser.Parse(expr)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, doc := range m.docs {
		if id > after && parsed.Matches(doc) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nextCursor(ids, limit), nil
}

// Get returns a copy of the stored document.
func (m *MemoryIndex) Get(id string) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(doc), true
}

// Count returns the number of stored documents.
func (m *MemoryIndex) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

var (
	_ Index   = (*MemoryIndex)(nil)
	_ Pager   = (*MemoryIndex)(nil)
	_ Counter = (*MemoryIndex)(nil)
)
