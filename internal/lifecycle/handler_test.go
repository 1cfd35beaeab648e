package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/bivy/internal/dispatch"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/index"
	"github.com/Aman-CERP/bivy/internal/registry"
	"github.com/Aman-CERP/bivy/internal/store"
)

func newHandlerFixture(t *testing.T, resolve ResolverFunc) (*JobHandler, *store.MemoryIndex) {
	t.Helper()
	idx := store.NewMemoryIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx)
	engine := index.NewEngine(index.EngineConfig{Registry: reg})
	return NewJobHandler(engine, ResolverMux{"Tent": resolve}), idx
}

func TestJobHandler_SaveResolvesCurrentState(t *testing.T) {
	// Given: the record changed after the job was enqueued
	h, idx := newHandlerFixture(t, func(_ context.Context, ref registry.RecordRef) (registry.Record, error) {
		return registry.MapRecord{Type: ref.Type, Key: ref.Key, Fields: map[string]any{"name": "Tunnel"}}, nil
	})

	// When: the save job runs
	err := h.Handle(context.Background(), dispatch.NewJob(dispatch.KindSave, registry.RecordRef{Type: "Tent", Key: 7}))

	// Then: the index holds the current state
	require.NoError(t, err)
	doc, ok := idx.Get("Tent#7")
	require.True(t, ok)
	assert.Equal(t, "Tunnel", doc["name"])
}

func TestJobHandler_SaveOfMissingRecordIsTerminal(t *testing.T) {
	h, _ := newHandlerFixture(t, func(_ context.Context, ref registry.RecordRef) (registry.Record, error) {
		return nil, berrors.RecordNotFound(ref.Type, ref.Key)
	})

	err := h.Handle(context.Background(), dispatch.NewJob(dispatch.KindSave, registry.RecordRef{Type: "Tent", Key: 7}))

	assert.ErrorIs(t, err, berrors.ErrRecordNotFound)
	assert.False(t, berrors.IsRetryable(err))
}

func TestJobHandler_StoreFailureIsRetryable(t *testing.T) {
	locked := errors.New("database is locked")
	h, _ := newHandlerFixture(t, func(context.Context, registry.RecordRef) (registry.Record, error) {
		return nil, locked
	})

	err := h.Handle(context.Background(), dispatch.NewJob(dispatch.KindSave, registry.RecordRef{Type: "Tent", Key: 7}))

	assert.True(t, berrors.IsRetryable(err))
	assert.ErrorIs(t, err, locked)
}

func TestJobHandler_PurgeNeedsNoRecord(t *testing.T) {
	// Given: an indexed Tent#5 whose row is already gone
	h, idx := newHandlerFixture(t, func(context.Context, registry.RecordRef) (registry.Record, error) {
		t.Fatal("purge must not resolve the record")
		return nil, nil
	})
	require.NoError(t, idx.Upsert(context.Background(), []store.Document{
		{"objectID": "Tent#5", "modelName": "Tent", "modelID": 5},
	}))

	// When: the purge job runs with a key that round-tripped through the queue
	job, err := dispatch.DecodeJob(mustEncode(t, dispatch.NewJob(dispatch.KindPurge, registry.RecordRef{Type: "Tent", Key: 5})))
	require.NoError(t, err)
	err = h.Handle(context.Background(), job)

	// Then: the document is gone
	require.NoError(t, err)
	_, ok := idx.Get("Tent#5")
	assert.False(t, ok)
}

func TestJobHandler_UnknownTypeAndKind(t *testing.T) {
	h, _ := newHandlerFixture(t, nil)

	err := h.Handle(context.Background(), dispatch.NewJob(dispatch.KindSave, registry.RecordRef{Type: "Stove", Key: 1}))
	assert.ErrorIs(t, err, berrors.ErrModelNotRegistered)

	err = h.Handle(context.Background(), dispatch.Job{Kind: "reticulate", Ref: registry.RecordRef{Type: "Tent", Key: 1}})
	assert.Error(t, err)
	assert.False(t, berrors.IsRetryable(err))
}

func mustEncode(t *testing.T, job dispatch.Job) []byte {
	t.Helper()
	b, err := dispatch.EncodeJob(job)
	require.NoError(t, err)
	return b
}
