package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/filter"
	"github.com/Aman-CERP/bivy/internal/logging"
)

// SQLiteIndex stores documents in SQLite with an FTS5 table for search.
// WAL mode lets a web process and a worker share one index file.
type SQLiteIndex struct {
	name   string
	path   string
	parser *filter.Parser

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// columns maps reserved fields to their dedicated columns.
var columns = map[string]string{
	FieldObjectID:  "object_id",
	FieldModelName: "model_name",
	FieldModelID:   "model_id",
}

// validateSQLiteIntegrity checks if an index database is valid before opening.
// Returns nil if valid or absent, an error describing corruption if not.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteIndex opens or creates an index database at path.
// If path is empty, creates an in-memory index.
func NewSQLiteIndex(name, path string, logger *slog.Logger) (*SQLiteIndex, error) {
	logger = logging.OrDiscard(logger)

	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, berrors.New(berrors.ErrCodeIndexOpen, fmt.Sprintf("failed to create directory %s", dir), err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			logger.Warn("sqlite_index_corrupted",
				slog.String("index", name),
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, berrors.New(berrors.ErrCodeCorruptIndex,
					fmt.Sprintf("index %s is corrupted and cannot be removed", name), removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			logger.Info("sqlite_index_cleared",
				slog.String("index", name),
				slog.String("reason", "corruption detected, reindex required"))
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeIndexOpen, fmt.Sprintf("failed to open index %s", name), err)
	}

	// Single connection: writes serialize here and :memory: stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores most DSN params, so pragmas are statements.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, berrors.New(berrors.ErrCodeIndexOpen, "failed to set pragma", err)
		}
	}

	s := &SQLiteIndex{name: name, path: path, parser: filter.NewParser(0), db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, berrors.New(berrors.ErrCodeIndexOpen, "failed to initialize schema", err)
	}
	return s, nil
}

func (s *SQLiteIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		object_id  TEXT PRIMARY KEY,
		model_name TEXT NOT NULL,
		model_id   TEXT NOT NULL,
		body       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS documents_model ON documents(model_name, model_id);

	-- object_id is stored but not searchable
	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		object_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Name returns the index name.
func (s *SQLiteIndex) Name() string { return s.name }

// Upsert writes documents in one transaction.
func (s *SQLiteIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index %s is closed", s.name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	docStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents(object_id, model_name, model_id, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(object_id) DO UPDATE SET
			model_name = excluded.model_name,
			model_id = excluded.model_id,
			body = excluded.body`)
	if err != nil {
		return fmt.Errorf("failed to prepare document statement: %w", err)
	}
	defer docStmt.Close()

	// FTS5 virtual tables don't support REPLACE, so delete first.
	ftsDelete, err := tx.PrepareContext(ctx, `DELETE FROM documents_fts WHERE object_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer ftsDelete.Close()

	ftsInsert, err := tx.PrepareContext(ctx, `INSERT INTO documents_fts(object_id, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare FTS statement: %w", err)
	}
	defer ftsInsert.Close()

	for _, doc := range docs {
		id, modelName, modelID, err := docKey(doc)
		if err != nil {
			return err
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return berrors.SerializationFailure(modelName, fmt.Sprintf("document %s is not JSON: %v", id, err), err)
		}

		if _, err := docStmt.ExecContext(ctx, id, modelName, modelID, string(body)); err != nil {
			return fmt.Errorf("failed to store document %s: %w", id, err)
		}
		if _, err := ftsDelete.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete existing document %s: %w", id, err)
		}
		if _, err := ftsInsert.ExecContext(ctx, id, searchableText(doc)); err != nil {
			return fmt.Errorf("failed to index document %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// searchableText concatenates the non-reserved string fields in key order.
func searchableText(doc Document) string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		if _, reserved := columns[k]; !reserved {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if v, ok := doc[k].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// Delete removes documents by objectID.
func (s *SQLiteIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index %s is closed", s.name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE object_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete document %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE object_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete document %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Browse returns every matching objectID.
func (s *SQLiteIndex) Browse(ctx context.Context, expr string, _ []string) ([]string, error) {
	return browseAll(ctx, s, expr, DefaultBrowsePageSize)
}

// BrowsePage returns up to limit matching objectIDs after the cursor.
func (s *SQLiteIndex) BrowsePage(ctx context.Context, expr string, after string, limit int) ([]string, string, error) {
	parsed, err := s.parser.Parse(expr)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = DefaultBrowsePageSize
	}

	where, args := whereClause(parsed)
	where = append(where, "object_id > ?")
	args = append(args, after, limit)

	q := "SELECT object_id FROM documents WHERE " + strings.Join(where, " AND ") +
		" ORDER BY object_id LIMIT ?"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, "", fmt.Errorf("index %s is closed", s.name)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("browse failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, "", fmt.Errorf("failed to scan result: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return ids, nextCursor(ids, limit), nil
}

// whereClause compares reserved fields against their columns and anything
// else against the JSON body, all as text. JSON booleans read as 'true' and
// 'false', matching how the memory backend prints them.
func whereClause(expr filter.Expr) ([]string, []any) {
	var where []string
	var args []any
	for _, t := range expr.Terms {
		if col, ok := columns[t.Field]; ok {
			where = append(where, col+" = ?")
		} else {
			path := `$."` + strings.ReplaceAll(t.Field, `"`, `\"`) + `"`
			where = append(where, "(CASE json_type(body, ?) WHEN 'true' THEN 'true' WHEN 'false' THEN 'false'"+
				" ELSE CAST(json_extract(body, ?) AS TEXT) END) = ?")
			args = append(args, path, path)
		}
		args = append(args, t.Value)
	}
	return where, args
}

// Search returns documents matching text, best first.
func (s *SQLiteIndex) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	match := ftsQuery(text)
	if match == "" {
		return []Hit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("index %s is closed", s.name)
	}

	// bm25() is negative, lower is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, bm25(documents_fts) AS score
		FROM documents_fts
		WHERE documents_fts MATCH ?
		ORDER BY score
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ObjectID, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		h.Score = -h.Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery quotes each word so user input never hits FTS5 query syntax.
func ftsQuery(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}

// Count returns the number of documents.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("index %s is closed", s.name)
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var (
	_ Index    = (*SQLiteIndex)(nil)
	_ Pager    = (*SQLiteIndex)(nil)
	_ Searcher = (*SQLiteIndex)(nil)
	_ Counter  = (*SQLiteIndex)(nil)
)
