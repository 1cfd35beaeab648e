package registry

import (
	"maps"
	"strings"
)

// Serialized is a serializer result: one mapping (the record shape) or an
// ordered sequence of mappings (the records shape).
type Serialized struct {
	Docs []map[string]any
	Many bool
}

// One returns the record shape.
func One(attrs map[string]any) Serialized {
	return Serialized{Docs: []map[string]any{attrs}}
}

// Many returns the records shape. Zero mappings is valid and indexes nothing.
func Many(attrs ...map[string]any) Serialized {
	return Serialized{Docs: attrs, Many: true}
}

// Serializer turns a record into document bodies.
type Serializer interface {
	Serialize(r Record) (Serialized, error)
}

// SerializerFunc adapts a function to Serializer.
type SerializerFunc func(r Record) (Serialized, error)

// Serialize calls f.
func (f SerializerFunc) Serialize(r Record) (Serialized, error) { return f(r) }

// DefaultSerializer indexes the record's exported attributes as one document.
var DefaultSerializer Serializer = SerializerFunc(func(r Record) (Serialized, error) {
	return One(maps.Clone(r.Attributes())), nil
})

// Fields projects the record's attributes onto names. Missing attributes are
// left out.
func Fields(names ...string) Serializer {
	return SerializerFunc(func(r Record) (Serialized, error) {
		return One(project(r.Attributes(), names)), nil
	})
}

func project(attrs map[string]any, names []string) map[string]any {
	if len(names) == 0 {
		return maps.Clone(attrs)
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := attrs[n]; ok {
			out[n] = v
		}
	}
	return out
}

// Chunked splits the text attribute Field into pieces of at most Size runes
// and emits one document per piece, each carrying the other attributes.
// Fields optionally projects the shared attributes first.
type Chunked struct {
	Field  string
	Size   int
	Fields []string
}

// Serialize returns the records shape; empty text yields no documents.
func (c Chunked) Serialize(r Record) (Serialized, error) {
	attrs := r.Attributes()
	text, _ := attrs[c.Field].(string)
	base := project(attrs, c.Fields)

	var docs []map[string]any
	for _, piece := range splitRunes(text, c.Size) {
		d := maps.Clone(base)
		d[c.Field] = piece
		docs = append(docs, d)
	}
	return Many(docs...), nil
}

func splitRunes(s string, size int) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	runes := []rune(s)
	if size <= 0 || len(runes) <= size {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}
