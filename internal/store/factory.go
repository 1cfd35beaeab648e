package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Backend names an index implementation.
type Backend string

const (
	// BackendSQLite uses SQLite FTS5 (default).
	// Enables concurrent multi-process access via WAL mode.
	BackendSQLite Backend = "sqlite"

	// BackendBleve uses Bleve v2. Single process only: the index holds a file lock.
	BackendBleve Backend = "bleve"

	// BackendMemory keeps documents in process memory.
	BackendMemory Backend = "memory"
)

// Open creates an index using the named backend.
// An empty path opens an in-memory instance of the bleve and sqlite backends.
func Open(name, backend, path string, logger *slog.Logger) (Index, error) {
	switch Backend(backend) {
	case BackendSQLite, "":
		return NewSQLiteIndex(name, path, logger)
	case BackendBleve:
		return NewBleveIndex(name, path, logger)
	case BackendMemory:
		return NewMemoryIndex(name), nil
	default:
		return nil, fmt.Errorf("unknown index backend: %s (valid options: sqlite, bleve, memory)", backend)
	}
}

// Catalog holds the open indexes by name.
type Catalog struct {
	mu      sync.RWMutex
	indexes map[string]Index
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{indexes: make(map[string]Index)}
}

// Add registers idx under its name. Names must be unique.
func (c *Catalog) Add(idx Index) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.indexes[idx.Name()]; ok {
		return fmt.Errorf("index %s already added", idx.Name())
	}
	c.indexes[idx.Name()] = idx
	return nil
}

// Get returns the index with the given name.
func (c *Catalog) Get(name string) (Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.indexes[name]
	if !ok {
		return nil, fmt.Errorf("unknown index %q", name)
	}
	return idx, nil
}

// Names returns the index names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every index that holds resources.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for name, idx := range c.indexes {
		if closer, ok := idx.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	c.indexes = make(map[string]Index)
	return errors.Join(errs...)
}
