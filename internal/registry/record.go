// Package registry is the process-wide table of record types that opted into
// indexing, with the index bindings, conditions and serializers of each.
//
// Descriptors are created and bound during setup. Once setup completes the
// binding lists are read without locking: every AddBinding publishes a new
// slice and readers see either the old or the new one.
package registry

import (
	"database/sql/driver"
	"fmt"

	"github.com/Aman-CERP/bivy/internal/filter"
)

// Record is a persisted entity that can be indexed.
type Record interface {
	// TypeName is the registered model name, e.g. "Tent".
	TypeName() string

	// PrimaryKey is the stable key of the row.
	PrimaryKey() any

	// Attributes are the exported fields, the default document body.
	Attributes() map[string]any
}

// Indexable is implemented by records that can opt out of indexing one
// instance at a time. A record reporting false is purged and not re-indexed.
type Indexable interface {
	Indexable() bool
}

// IsIndexable reports whether r wants to be indexed.
func IsIndexable(r Record) bool {
	if ix, ok := r.(Indexable); ok {
		return ix.Indexable()
	}
	return true
}

// RecordRef identifies a record without loading it.
type RecordRef struct {
	Type string `json:"type" cbor:"1,keyasint"`
	Key  any    `json:"key" cbor:"2,keyasint"`
}

// RefOf returns the reference of r.
func RefOf(r Record) RecordRef {
	return RecordRef{Type: r.TypeName(), Key: NormalizeKey(r.PrimaryKey())}
}

// NormalizeKey reduces a primary key to a value that survives job encoding.
// Scalars pass through. A driver.Valuer becomes the value the database sees
// and any other fmt.Stringer becomes its text, so a uuid.UUID key is kept as
// "1b4e28ba-2fa1-11d2-883f-0016541b0000" rather than 16 raw bytes.
func NormalizeKey(key any) any {
	switch key.(type) {
	case nil, string, []byte, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return key
	}
	if v, ok := key.(driver.Valuer); ok {
		if dv, err := v.Value(); err == nil && dv != nil {
			if _, again := dv.(driver.Valuer); !again {
				return NormalizeKey(dv)
			}
		}
	}
	if s, ok := key.(fmt.Stringer); ok {
		return s.String()
	}
	return key
}

// String returns "Type#key", the objectID prefix of the record's documents.
func (r RecordRef) String() string {
	return r.Type + "#" + filter.Format(r.Key)
}

// MapRecord is a Record backed by a plain attribute map, as loaded from a
// table without a Go model.
type MapRecord struct {
	Type   string
	Key    any
	Fields map[string]any
}

// TypeName returns the model name.
func (m MapRecord) TypeName() string { return m.Type }

// PrimaryKey returns the row key.
func (m MapRecord) PrimaryKey() any { return m.Key }

// Attributes returns the row fields.
func (m MapRecord) Attributes() map[string]any { return m.Fields }

func (m MapRecord) String() string {
	return fmt.Sprintf("%s#%s", m.Type, filter.Format(m.Key))
}
