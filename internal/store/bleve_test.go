package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

func TestBleveIndex_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "products.bleve")

	// Given: a document written to an on-disk index
	idx, err := NewBleveIndex("products", path, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, []Document{doc("Tent", 7, "Tent#7", map[string]any{"name": "Dome"})}))
	require.NoError(t, idx.Close())

	// When: reopening it
	idx, err = NewBleveIndex("products", path, nil)
	require.NoError(t, err)
	defer idx.Close()

	// Then: the document is still there
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBleveIndex_SecondOpenIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.bleve")

	first, err := NewBleveIndex("products", path, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = NewBleveIndex("products", path, nil)

	require.Error(t, err)
	assert.Equal(t, berrors.ErrCodeIndexOpen, berrors.GetCode(err))
}

func TestBleveIndex_CorruptIndexIsCleared(t *testing.T) {
	// Given: an index directory with an empty meta file
	path := filepath.Join(t.TempDir(), "products.bleve")
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "index_meta.json"), nil, 0o644))

	// When: opening it
	idx, err := NewBleveIndex("products", path, nil)

	// Then: a fresh empty index is created
	require.NoError(t, err)
	defer idx.Close()
	n, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBleveIndex_Search(t *testing.T) {
	ctx := context.Background()
	idx, err := NewBleveIndex("products", "", nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, []Document{
		doc("Tent", 1, "Tent#1", map[string]any{"name": "Alpine dome tent"}),
		doc("Tent", 2, "Tent#2", map[string]any{"name": "Beach shelter"}),
	}))

	hits, err := idx.Search(ctx, "dome", 10)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Tent#1", hits[0].ObjectID)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestBleveIndex_ClosedRejectsWrites(t *testing.T) {
	idx, err := NewBleveIndex("products", "", nil)
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	err = idx.Upsert(context.Background(), []Document{doc("Tent", 1, "Tent#1", nil)})

	assert.Error(t, err)
}

func TestValidateIndexIntegrity_Missing(t *testing.T) {
	assert.NoError(t, validateIndexIntegrity(filepath.Join(t.TempDir(), "absent")))
}
