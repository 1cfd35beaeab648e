package index

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/registry"
	"github.com/Aman-CERP/bivy/internal/store"
)

type tent struct {
	ID        int
	Name      string
	Published bool
	Body      string
	Hidden    bool
}

func (t tent) TypeName() string { return "Tent" }
func (t tent) PrimaryKey() any  { return t.ID }
func (t tent) Attributes() map[string]any {
	attrs := map[string]any{"name": t.Name, "published": t.Published}
	if t.Body != "" {
		attrs["body"] = t.Body
	}
	return attrs
}
func (t tent) Indexable() bool { return !t.Hidden }

type nameOnly struct{ tent }

func (n nameOnly) Attributes() map[string]any { return map[string]any{"name": n.Name} }

func newEngine(reg *registry.Registry) *Engine {
	return NewEngine(EngineConfig{Registry: reg})
}

func TestSyncSave_UpsertsRecordShape(t *testing.T) {
	// Given: Tent bound to tents_idx with no condition
	idx := newRecordingIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx)

	// When: saving {id: 7, name: "Dome"}
	err := newEngine(reg).SyncSave(context.Background(), nameOnly{tent{ID: 7, Name: "Dome"}})

	// Then: exactly one upsert with the stamped document
	require.NoError(t, err)
	upserts := idx.ops("upsert")
	require.Len(t, upserts, 1)
	assert.Equal(t, []store.Document{{
		"name":      "Dome",
		"objectID":  "Tent#7",
		"modelName": "Tent",
		"modelID":   7,
	}}, upserts[0].Docs)
}

func TestSyncSave_ConditionFalsePurgesAndSkipsUpsert(t *testing.T) {
	// Given: a binding on published == true and a stale Tent#3 document
	idx := newRecordingIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx, registry.WithCondition(registry.FieldEquals{Field: "published", Value: true}))
	require.NoError(t, idx.mem.Upsert(context.Background(), []store.Document{
		{"objectID": "Tent#3", "modelName": "Tent", "modelID": 3},
	}))

	// When: saving {id: 3, published: false}
	err := newEngine(reg).SyncSave(context.Background(), tent{ID: 3, Published: false})

	// Then: the stale document is deleted and nothing is upserted
	require.NoError(t, err)
	assert.Empty(t, idx.ops("upsert"))
	deletes := idx.ops("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{"Tent#3"}, deletes[0].IDs)
	_, ok := idx.mem.Get("Tent#3")
	assert.False(t, ok)
}

func TestSyncPurge_BrowsesThenDeletes(t *testing.T) {
	ctx := context.Background()
	idx := newRecordingIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx)
	engine := newEngine(reg)
	require.NoError(t, engine.SyncSave(ctx, tent{ID: 9}))
	idx.reset()

	// When: destroying {id: 9}
	require.NoError(t, engine.SyncPurge(ctx, tent{ID: 9}))

	// Then: one browse by the model filter, then one delete
	browses := idx.ops("browse")
	require.Len(t, browses, 1)
	assert.Equal(t, "modelName:'Tent' AND modelID:9", browses[0].Filter)
	assert.Equal(t, []string{"objectID"}, browses[0].Attrs)
	deletes := idx.ops("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{"Tent#9"}, deletes[0].IDs)

	// When: destroying again
	idx.reset()
	require.NoError(t, engine.SyncPurge(ctx, tent{ID: 9}))

	// Then: nothing matches and no delete is issued
	assert.Len(t, idx.ops("browse"), 1)
	assert.Empty(t, idx.ops("delete"))
}

func TestSyncSave_RecordsShapeIDs(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemoryIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx, registry.WithSerializer(registry.Chunked{Field: "body", Size: 4}))
	engine := newEngine(reg)

	// When: saving a record that serializes to three fractions
	require.NoError(t, engine.SyncSave(ctx, tent{ID: 5, Body: "abcdefghij"}))

	// Then: the ids are distinct, ordered and browsable by the model filter
	ids, err := idx.Browse(ctx, "modelName:'Tent' AND modelID:5", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tent#5/0", "Tent#5/1", "Tent#5/2"}, ids)

	// When: the record shrinks to one fraction
	require.NoError(t, engine.SyncSave(ctx, tent{ID: 5, Body: "ab"}))

	// Then: the stale fractions are gone and the single fraction keeps the /0 suffix
	ids, err = idx.Browse(ctx, "modelName:'Tent' AND modelID:5", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tent#5/0"}, ids)
}

func TestSyncSave_ThenPurgeLeavesNothing(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemoryIndex("a")
	b := store.NewMemoryIndex("b")
	reg := registry.New()
	reg.Bind("Tent", a)
	reg.Bind("Tent", b, registry.WithSerializer(registry.Chunked{Field: "body", Size: 2}))
	engine := newEngine(reg)

	require.NoError(t, engine.SyncSave(ctx, tent{ID: 1, Name: "Dome", Body: "abcdef"}))
	require.NoError(t, engine.SyncPurge(ctx, tent{ID: 1}))

	for _, idx := range []*store.MemoryIndex{a, b} {
		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, idx.Name())
	}
}

func TestSyncSave_KeyPrintingWithSpaces(t *testing.T) {
	// Given: a type keyed by a timestamp, whose printed form has spaces
	ctx := context.Background()
	idx := store.NewMemoryIndex("slots_idx")
	reg := registry.New()
	reg.Bind("Slot", idx)
	engine := newEngine(reg)
	key := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	slot := registry.MapRecord{Type: "Slot", Key: key, Fields: map[string]any{"site": "A4"}}

	// When: saving it twice, then purging it
	require.NoError(t, engine.SyncSave(ctx, slot))
	require.NoError(t, engine.SyncSave(ctx, slot))
	_, ok := idx.Get("Slot#2024-01-02 03:04:05 +0000 UTC")
	n, _ := idx.Count(ctx)

	// Then: one document exists and the purge finds it
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	require.NoError(t, engine.SyncPurge(ctx, slot))
	n, _ = idx.Count(ctx)
	assert.Zero(t, n)
}

func TestPurgeKey_UUIDKeyAsText(t *testing.T) {
	// Given: a record saved with a uuid.UUID key
	ctx := context.Background()
	idx := store.NewMemoryIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx)
	engine := newEngine(reg)
	id := uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016541b0000")
	require.NoError(t, engine.SyncSave(ctx, registry.MapRecord{Type: "Tent", Key: id, Fields: map[string]any{}}))

	// When: purging by the text key a decoded job carries
	err := engine.PurgeKey(ctx, "Tent", id.String())

	// Then: the document is gone
	require.NoError(t, err)
	n, _ := idx.Count(ctx)
	assert.Zero(t, n)
}

func TestSyncPurge_Idempotent(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemoryIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx)
	engine := newEngine(reg)
	require.NoError(t, engine.SyncSave(ctx, tent{ID: 2}))
	require.NoError(t, engine.SyncSave(ctx, tent{ID: 4}))

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.SyncPurge(ctx, tent{ID: 2}))
	}

	_, ok := idx.Get("Tent#4")
	assert.True(t, ok)
	n, _ := idx.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestSyncSave_UnencodableDocumentIsTerminal(t *testing.T) {
	// Given: a sqlite binding and a record carrying NaN
	idx, err := store.NewSQLiteIndex("tents_idx", "", nil)
	require.NoError(t, err)
	defer idx.Close()
	reg := registry.New()
	reg.Bind("Tent", idx)
	r := registry.MapRecord{Type: "Tent", Key: 1, Fields: map[string]any{"weight": math.NaN()}}

	// When: saving
	err = newEngine(reg).SyncSave(context.Background(), r)

	// Then: the failure is a serialization failure, so the job is not retried
	require.Error(t, err)
	assert.Equal(t, berrors.ErrCodeSerializationFailed, berrors.GetCode(err))
	assert.False(t, berrors.IsRetryable(err))
}

func TestSyncSave_FailureIsolation(t *testing.T) {
	// Given: two bindings where B1's upsert fails
	b1 := newRecordingIndex("b1")
	b1.failOn("upsert", errBackendDown)
	b2 := newRecordingIndex("b2")
	reg := registry.New()
	reg.Bind("Tent", b1)
	reg.Bind("Tent", b2)

	// When: saving
	err := newEngine(reg).SyncSave(context.Background(), tent{ID: 1, Name: "Dome"})

	// Then: B2 still upserts and the error reports B1 as retryable
	require.Error(t, err)
	assert.ErrorIs(t, err, berrors.ErrBackendUnavailable)
	assert.True(t, berrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "b1")
	assert.Len(t, b2.ops("upsert"), 1)
	_, ok := b2.mem.Get("Tent#1")
	assert.True(t, ok)
}

func TestSyncSave_PurgeFailureSkipsThatBindingsUpsert(t *testing.T) {
	b1 := newRecordingIndex("b1")
	b1.failOn("browse", errBackendDown)
	b2 := newRecordingIndex("b2")
	reg := registry.New()
	reg.Bind("Tent", b1)
	reg.Bind("Tent", b2)

	err := newEngine(reg).SyncSave(context.Background(), tent{ID: 1})

	require.Error(t, err)
	assert.Empty(t, b1.ops("upsert"))
	assert.Len(t, b2.ops("upsert"), 1)
}

func TestSyncSave_SerializationFailureIsIsolated(t *testing.T) {
	bad := registry.SerializerFunc(func(registry.Record) (registry.Serialized, error) {
		panic("boom")
	})
	b1 := newRecordingIndex("b1")
	b2 := newRecordingIndex("b2")
	reg := registry.New()
	reg.Bind("Tent", b1, registry.WithSerializer(bad))
	reg.Bind("Tent", b2)

	err := newEngine(reg).SyncSave(context.Background(), tent{ID: 1})

	assert.ErrorIs(t, err, berrors.ErrSerializationFailure)
	assert.False(t, berrors.IsRetryable(err))
	assert.Empty(t, b1.ops("upsert"))
	assert.Len(t, b2.ops("upsert"), 1)
}

func TestSyncSave_OptedOutRecordIsOnlyPurged(t *testing.T) {
	ctx := context.Background()
	idx := newRecordingIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx)
	engine := newEngine(reg)
	require.NoError(t, engine.SyncSave(ctx, tent{ID: 8}))
	idx.reset()

	require.NoError(t, engine.SyncSave(ctx, tent{ID: 8, Hidden: true}))

	assert.Len(t, idx.ops("delete"), 1)
	assert.Empty(t, idx.ops("upsert"))
}

func TestSyncSave_EmptyRecordsShapeSkipsUpsert(t *testing.T) {
	idx := newRecordingIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx, registry.WithSerializer(registry.Chunked{Field: "body", Size: 10}))

	require.NoError(t, newEngine(reg).SyncSave(context.Background(), tent{ID: 1}))

	assert.Empty(t, idx.ops("upsert"))
}

func TestSyncSave_UnregisteredType(t *testing.T) {
	err := newEngine(registry.New()).SyncSave(context.Background(), tent{ID: 1})

	assert.ErrorIs(t, err, berrors.ErrModelNotRegistered)
}

func TestPurgeKey_PagesThroughLargeSets(t *testing.T) {
	// Given: a paging backend holding 7 fractions and a page size of 3
	ctx := context.Background()
	idx := store.NewMemoryIndex("tents_idx")
	reg := registry.New()
	reg.Bind("Tent", idx, registry.WithSerializer(registry.Chunked{Field: "body", Size: 1}))
	engine := NewEngine(EngineConfig{Registry: reg, BrowsePageSize: 3})
	require.NoError(t, engine.SyncSave(ctx, tent{ID: 6, Body: "abcdefg"}))
	n, _ := idx.Count(ctx)
	require.Equal(t, 7, n)

	// When: purging by key only
	require.NoError(t, engine.PurgeKey(ctx, "Tent", 6))

	// Then: every fraction is gone
	n, _ = idx.Count(ctx)
	assert.Zero(t, n)
}

func TestSyncSave_DuplicateBindingUpsertsTwice(t *testing.T) {
	idx := newRecordingIndex("tents_idx")
	reg := registry.New()
	d := reg.Bind("Tent", idx)
	reg.AddBinding(d, idx)

	require.NoError(t, newEngine(reg).SyncSave(context.Background(), tent{ID: 1}))

	assert.Len(t, idx.ops("upsert"), 2)
}
