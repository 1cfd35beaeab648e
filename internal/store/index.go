// Package store provides the search index backends documents are synchronized
// into: an in-memory index, Bleve v2, and SQLite FTS5, plus a circuit-breaker
// guard and a catalog that opens them by configured name.
package store

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/bivy/internal/filter"
)

// Reserved document fields. Every document carries all three.
const (
	FieldObjectID  = "objectID"
	FieldModelName = filter.FieldModelName
	FieldModelID   = filter.FieldModelID
)

// DefaultBrowsePageSize is the page size Browse uses internally.
const DefaultBrowsePageSize = 1000

// Document is one indexed unit: searchable fields plus the reserved fields.
type Document map[string]any

// ID returns the document's objectID.
func (d Document) ID() string {
	id, _ := d[FieldObjectID].(string)
	return id
}

// Index is a search index documents are written to.
// Upsert replaces documents by objectID and Delete ignores unknown IDs, so
// both are safe to repeat.
type Index interface {
	// Name identifies the index in logs, errors and configuration.
	Name() string

	// Upsert writes documents, replacing any with the same objectID.
	Upsert(ctx context.Context, docs []Document) error

	// Delete removes documents by objectID.
	Delete(ctx context.Context, ids []string) error

	// Browse returns the objectIDs of every document matching filter,
	// paging through the backend internally. attributes lists the fields
	// the caller needs; only objectID is ever returned.
	Browse(ctx context.Context, filter string, attributes []string) ([]string, error)
}

// Pager is implemented by indexes that can browse in bounded pages.
// Pages are ordered by objectID; after is the last objectID of the previous
// page ("" for the first). next is "" when there are no more pages.
type Pager interface {
	BrowsePage(ctx context.Context, filter string, after string, limit int) (ids []string, next string, err error)
}

// Hit is one full-text search result.
type Hit struct {
	ObjectID string  `json:"objectID"`
	Score    float64 `json:"score"`
}

// Searcher is implemented by indexes that support full-text queries.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
}

// Counter is implemented by indexes that can report their size.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// browseAll drains a Pager.
func browseAll(ctx context.Context, p Pager, expr string, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = DefaultBrowsePageSize
	}

	var all []string
	after := ""
	for {
		ids, next, err := p.BrowsePage(ctx, expr, after, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
		if next == "" {
			return all, nil
		}
		after = next
	}
}

// nextCursor returns the cursor following a page of ids.
func nextCursor(ids []string, limit int) string {
	if limit > 0 && len(ids) == limit {
		return ids[len(ids)-1]
	}
	return ""
}

// docKey returns the text form of the reserved key fields, which backends
// store as exact-match columns.
func docKey(doc Document) (objectID, modelName, modelID string, err error) {
	objectID = doc.ID()
	if objectID == "" {
		return "", "", "", fmt.Errorf("document without %s", FieldObjectID)
	}
	modelName = filter.Format(doc[FieldModelName])
	modelID = filter.Format(doc[FieldModelID])
	return objectID, modelName, modelID, nil
}
