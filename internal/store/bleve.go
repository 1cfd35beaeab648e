package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/gofrs/flock"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/filter"
	"github.com/Aman-CERP/bivy/internal/logging"
)

// BleveIndex is an embedded Bleve v2 index. The reserved fields are mapped
// with the keyword analyzer so the model filter is an exact term match.
// On-disk indexes hold an exclusive file lock for their lifetime.
type BleveIndex struct {
	name   string
	path   string
	parser *filter.Parser
	logger *slog.Logger
	lock   *flock.Flock

	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// validateIndexIntegrity checks if a Bleve index is valid before opening.
// Returns nil if valid or absent, an error describing corruption if not.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isCorruptionError checks if an error indicates Bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		errors.Is(err, bleve.ErrorIndexMetaCorrupt)
}

// NewBleveIndex opens or creates a Bleve index at path.
// If path is empty, creates an in-memory index.
// A corrupted index is removed and recreated empty; it must be reindexed.
func NewBleveIndex(name, path string, logger *slog.Logger) (*BleveIndex, error) {
	logger = logging.OrDiscard(logger)

	indexMapping := createIndexMapping()
	b := &BleveIndex{name: name, path: path, parser: filter.NewParser(0), logger: logger}

	if path == "" {
		idx, err := bleve.NewMemOnly(indexMapping)
		if err != nil {
			return nil, berrors.New(berrors.ErrCodeIndexOpen, "failed to create in-memory index", err)
		}
		b.index = idx
		return b, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, berrors.New(berrors.ErrCodeIndexOpen, "failed to create index directory", err)
	}

	b.lock = flock.New(path + ".lock")
	locked, err := b.lock.TryLock()
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeIndexOpen, "failed to lock index", err).WithDetail("path", path)
	}
	if !locked {
		return nil, berrors.New(berrors.ErrCodeIndexOpen, fmt.Sprintf("index %s is in use by another process", name), nil).
			WithDetail("path", path).
			WithSuggestion("stop the other bivy worker or use the sqlite backend for shared access")
	}

	if validErr := validateIndexIntegrity(path); validErr != nil {
		logger.Warn("bleve_index_corrupted",
			slog.String("index", name),
			slog.String("path", path),
			slog.String("error", validErr.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			_ = b.lock.Unlock()
			return nil, berrors.New(berrors.ErrCodeCorruptIndex,
				fmt.Sprintf("index %s is corrupted and cannot be removed", name), removeErr)
		}
		logger.Info("bleve_index_cleared", slog.String("index", name), slog.String("reason", "corruption detected, reindex required"))
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, indexMapping)
	} else if err != nil && isCorruptionError(err) {
		logger.Warn("bleve_index_open_failed",
			slog.String("index", name),
			slog.String("error", err.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			_ = b.lock.Unlock()
			return nil, berrors.New(berrors.ErrCodeCorruptIndex,
				fmt.Sprintf("index %s is corrupted and cannot be removed", name), removeErr)
		}
		idx, err = bleve.New(path, indexMapping)
	}
	if err != nil {
		_ = b.lock.Unlock()
		return nil, berrors.New(berrors.ErrCodeIndexOpen, fmt.Sprintf("failed to open index %s", name), err).
			WithDetail("path", path)
	}

	b.index = idx
	return b, nil
}

// createIndexMapping maps the reserved fields as exact-match keywords and
// leaves everything else to dynamic mapping with the standard analyzer.
func createIndexMapping() *mapping.IndexMappingImpl {
	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(FieldObjectID, kw)
	doc.AddFieldMappingsAt(FieldModelName, kw)
	doc.AddFieldMappingsAt(FieldModelID, kw)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = doc
	return indexMapping
}

// Name returns the index name.
func (b *BleveIndex) Name() string { return b.name }

// Upsert indexes docs in one batch.
func (b *BleveIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index %s is closed", b.name)
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		id, modelName, modelID, err := docKey(doc)
		if err != nil {
			return err
		}
		// Keys are indexed as text so numeric and string keys share one field type.
		body := maps.Clone(doc)
		body[FieldModelName] = modelName
		body[FieldModelID] = modelID
		if err := batch.Index(id, map[string]any(body)); err != nil {
			return fmt.Errorf("failed to index document %s: %w", id, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Delete removes documents from the index.
func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index %s is closed", b.name)
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Browse returns every matching objectID.
func (b *BleveIndex) Browse(ctx context.Context, expr string, _ []string) ([]string, error) {
	return browseAll(ctx, b, expr, DefaultBrowsePageSize)
}

// BrowsePage pages through matching documents sorted by _id using SearchAfter.
func (b *BleveIndex) BrowsePage(ctx context.Context, expr string, after string, limit int) ([]string, string, error) {
	parsed, err := b.parser.Parse(expr)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = DefaultBrowsePageSize
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, "", fmt.Errorf("index %s is closed", b.name)
	}

	req := bleve.NewSearchRequestOptions(buildQuery(parsed), limit, 0, false)
	req.SortBy([]string{"_id"})
	if after != "" {
		req.SearchAfter = []string{after}
	}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("browse failed: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nextCursor(ids, limit), nil
}

// buildQuery turns a filter into a conjunction. Reserved fields are term
// queries; other fields use the query type matching the value's shape.
func buildQuery(expr filter.Expr) query.Query {
	if len(expr.Terms) == 0 {
		return bleve.NewMatchAllQuery()
	}

	parts := make([]query.Query, 0, len(expr.Terms))
	for _, t := range expr.Terms {
		parts = append(parts, termQuery(t))
	}
	return bleve.NewConjunctionQuery(parts...)
}

func termQuery(t filter.Term) query.Query {
	switch t.Field {
	case FieldObjectID, FieldModelName, FieldModelID:
		q := bleve.NewTermQuery(t.Value)
		q.SetField(t.Field)
		return q
	}

	if f, err := strconv.ParseFloat(t.Value, 64); err == nil {
		inclusive := true
		q := bleve.NewNumericRangeInclusiveQuery(&f, &f, &inclusive, &inclusive)
		q.SetField(t.Field)
		return q
	}
	if v, err := strconv.ParseBool(t.Value); err == nil {
		q := bleve.NewBoolFieldQuery(v)
		q.SetField(t.Field)
		return q
	}

	q := bleve.NewMatchQuery(t.Value)
	q.SetField(t.Field)
	q.SetOperator(query.MatchQueryOperatorAnd)
	return q
}

// Search runs a match query over all fields, scored by BM25.
func (b *BleveIndex) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return []Hit{}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index %s is closed", b.name)
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(text))
	req.Size = limit

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, len(result.Hits))
	for i, h := range result.Hits {
		hits[i] = Hit{ObjectID: h.ID, Score: h.Score}
	}
	return hits, nil
}

// Count returns the number of documents.
func (b *BleveIndex) Count(context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, fmt.Errorf("index %s is closed", b.name)
	}
	n, err := b.index.DocCount()
	return int(n), err
}

// Close closes the index and releases the file lock.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	err := b.index.Close()
	if b.lock != nil {
		_ = b.lock.Unlock()
	}
	return err
}

var (
	_ Index    = (*BleveIndex)(nil)
	_ Pager    = (*BleveIndex)(nil)
	_ Searcher = (*BleveIndex)(nil)
	_ Counter  = (*BleveIndex)(nil)
)
