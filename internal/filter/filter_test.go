package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

func TestForModel(t *testing.T) {
	tests := []struct {
		name     string
		typeName string
		key      any
		want     string
	}{
		{"int key", "Tent", 9, "modelName:'Tent' AND modelID:9"},
		{"uint64 key", "Tent", uint64(9), "modelName:'Tent' AND modelID:9"},
		{"string key", "Trail", "pct-01", "modelName:'Trail' AND modelID:'pct-01'"},
		{"quote in key", "Trail", "o'hare", `modelName:'Trail' AND modelID:'o\'hare'`},
		{"time key", "Slot", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "modelName:'Slot' AND modelID:'2024-01-02 03:04:05 +0000 UTC'"},
		{"nil key", "Tent", nil, "modelName:'Tent' AND modelID:''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ForModel(tt.typeName, tt.key))
		})
	}
}

func TestParse_RoundTripsForModel(t *testing.T) {
	// Given: a model filter with an awkward string key
	src := ForModel("Trail", `it's a \ path`)

	// When: parsing it back
	expr, err := Parse(src)

	// Then: both terms come back unescaped
	require.NoError(t, err)
	name, _ := expr.Value(FieldModelName)
	id, _ := expr.Value(FieldModelID)
	assert.Equal(t, "Trail", name)
	assert.Equal(t, `it's a \ path`, id)
}

func TestParse_RoundTripsNonStringKeys(t *testing.T) {
	keys := []any{
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		[2]int{4, 7},
		struct{ Zone, Slot string }{"north", "b'2"},
		[]byte(`a\b`),
	}

	for _, key := range keys {
		t.Run(Format(key), func(t *testing.T) {
			// When: the model filter of a key printing with spaces or quotes is parsed
			expr, err := Parse(ForModel("Slot", key))

			// Then: it selects the document carrying that key
			require.NoError(t, err)
			id, _ := expr.Value(FieldModelID)
			assert.Equal(t, Format(key), id)
			assert.True(t, expr.Matches(map[string]any{FieldModelName: "Slot", FieldModelID: key}))
		})
	}
}

func TestParse_Empty(t *testing.T) {
	expr, err := Parse("   ")

	require.NoError(t, err)
	assert.Empty(t, expr.Terms)
	assert.True(t, expr.Matches(map[string]any{"anything": 1}))
}

func TestParse_LowercaseAnd(t *testing.T) {
	expr, err := Parse("modelName:'Tent' and modelID:3")

	require.NoError(t, err)
	assert.Len(t, expr.Terms, 2)
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{
		"modelName",
		"modelName:",
		":'Tent'",
		"modelName:'Tent",
		"modelName:'Tent' OR modelID:9",
		"modelName:'Tent' modelID:9",
		`modelName:'Tent\`,
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)

			require.Error(t, err)
			assert.ErrorIs(t, err, berrors.ErrInvalidFilter)
		})
	}
}

func TestExpr_Matches(t *testing.T) {
	expr, err := Parse(ForModel("Tent", 9))
	require.NoError(t, err)

	tests := []struct {
		name string
		doc  map[string]any
		want bool
	}{
		{"int id", map[string]any{"modelName": "Tent", "modelID": 9}, true},
		{"json float id", map[string]any{"modelName": "Tent", "modelID": float64(9)}, true},
		{"uint64 id", map[string]any{"modelName": "Tent", "modelID": uint64(9)}, true},
		{"other id", map[string]any{"modelName": "Tent", "modelID": 90}, false},
		{"other model", map[string]any{"modelName": "Tarp", "modelID": 9}, false},
		{"missing field", map[string]any{"modelName": "Tent"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expr.Matches(tt.doc))
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "9", Format(float64(9)))
	assert.Equal(t, "9.5", Format(9.5))
	assert.Equal(t, "9", Format(float32(9)))
	assert.Equal(t, "abc", Format([]byte("abc")))
	assert.Equal(t, "", Format(nil))
	assert.Equal(t, "true", Format(true))
}

func TestParser_Caches(t *testing.T) {
	// Given: a parser
	p := NewParser(2)
	src := ForModel("Tent", 1)

	// When: parsing the same expression twice
	first, err := p.Parse(src)
	require.NoError(t, err)
	second, err := p.Parse(src)
	require.NoError(t, err)

	// Then: the cached result is identical and errors are not cached
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.cache.Len())

	_, err = p.Parse("broken")
	assert.Error(t, err)
	assert.Equal(t, 1, p.cache.Len())
}

func TestExpr_String(t *testing.T) {
	expr, err := Parse("modelName:'Tent' AND modelID:9")
	require.NoError(t, err)

	reparsed, err := Parse(expr.String())

	require.NoError(t, err)
	assert.Equal(t, expr, reparsed)
}
