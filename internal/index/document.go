// Package index keeps search indexes in step with record changes. The Engine
// turns a saved or destroyed record into upserts and deletes on every index
// bound to the record's type.
package index

import (
	"fmt"
	"maps"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/filter"
	"github.com/Aman-CERP/bivy/internal/registry"
	"github.com/Aman-CERP/bivy/internal/store"
)

// ObjectID returns the id of a record's single document: "Type#key".
func ObjectID(typeName string, key any) string {
	return typeName + "#" + filter.Format(key)
}

// FractionID returns the id of the i-th document of a record: "Type#key/i".
func FractionID(typeName string, key any, i int) string {
	return fmt.Sprintf("%s/%d", ObjectID(typeName, key), i)
}

// BuildDocuments serializes r and stamps the reserved fields on each result.
// The reserved fields are set last and override serializer output.
// A serializer that panics or returns a nil mapping is a SerializationFailure.
func BuildDocuments(r registry.Record, s registry.Serializer) (docs []store.Document, err error) {
	typeName := r.TypeName()
	key := registry.NormalizeKey(r.PrimaryKey())

	defer func() {
		if p := recover(); p != nil {
			docs = nil
			err = berrors.SerializationFailure(typeName, fmt.Sprintf("serializer panicked: %v", p), nil)
		}
	}()

	if s == nil {
		s = registry.DefaultSerializer
	}
	out, err := s.Serialize(r)
	if err != nil {
		return nil, berrors.SerializationFailure(typeName, err.Error(), err)
	}

	docs = make([]store.Document, 0, len(out.Docs))
	for i, attrs := range out.Docs {
		if attrs == nil {
			return nil, berrors.SerializationFailure(typeName, fmt.Sprintf("mapping %d is nil", i), nil)
		}

		id := ObjectID(typeName, key)
		if out.Many {
			id = FractionID(typeName, key, i)
		}

		doc := store.Document(maps.Clone(attrs))
		doc[store.FieldObjectID] = id
		doc[store.FieldModelName] = typeName
		doc[store.FieldModelID] = key
		docs = append(docs, doc)
	}
	return docs, nil
}
