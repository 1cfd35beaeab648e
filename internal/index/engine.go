package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/filter"
	"github.com/Aman-CERP/bivy/internal/logging"
	"github.com/Aman-CERP/bivy/internal/registry"
	"github.com/Aman-CERP/bivy/internal/store"
)

// EngineConfig contains configuration for the Engine.
type EngineConfig struct {
	// Registry holds the bindings of every indexed type.
	Registry *registry.Registry

	// Logger receives per-binding failures. Defaults to discarding.
	Logger *slog.Logger

	// BrowsePageSize bounds each browse page during a purge.
	// Defaults to store.DefaultBrowsePageSize if zero.
	BrowsePageSize int
}

// Engine synchronizes records into their bound indexes.
// It keeps no state between calls; concurrent use is safe.
type Engine struct {
	registry *registry.Registry
	logger   *slog.Logger
	pageSize int
}

// NewEngine creates a synchronization engine.
func NewEngine(cfg EngineConfig) *Engine {
	pageSize := cfg.BrowsePageSize
	if pageSize <= 0 {
		pageSize = store.DefaultBrowsePageSize
	}
	return &Engine{
		registry: cfg.Registry,
		logger:   logging.OrDiscard(cfg.Logger),
		pageSize: pageSize,
	}
}

// SyncSave brings every index bound to r's type in line with r.
//
// First the record's existing documents are purged from every binding. Then,
// unless r opted out, each binding whose condition holds receives the freshly
// built documents. A binding whose purge failed is not written to, so a
// shrinking records shape never leaves stale fractions behind.
//
// Bindings are isolated: all are attempted and every failure is returned
// joined.
func (e *Engine) SyncSave(ctx context.Context, r registry.Record) error {
	d, err := e.registry.Lookup(r.TypeName())
	if err != nil {
		return err
	}

	typeName, key := r.TypeName(), registry.NormalizeKey(r.PrimaryKey())
	bindings := d.Bindings()

	purgeErrs := make([]error, len(bindings))
	for i, b := range bindings {
		purgeErrs[i] = e.purgeBinding(ctx, b, typeName, key)
	}
	errs := append([]error(nil), purgeErrs...)

	if !registry.IsIndexable(r) {
		e.logger.Debug("sync_save_skipped",
			slog.String("model", typeName),
			slog.String("key", filter.Format(key)),
			slog.String("reason", "record opted out"))
		return e.report(typeName, key, errors.Join(errs...))
	}

	for i, b := range bindings {
		if purgeErrs[i] != nil {
			continue
		}
		errs = append(errs, e.upsertBinding(ctx, b, r))
	}

	return e.report(typeName, key, errors.Join(errs...))
}

// SyncPurge removes every document of r from every bound index.
func (e *Engine) SyncPurge(ctx context.Context, r registry.Record) error {
	return e.PurgeKey(ctx, r.TypeName(), r.PrimaryKey())
}

// PurgeKey removes every document of the record typeName/key. Only the key
// is needed, so it works for rows that no longer exist.
func (e *Engine) PurgeKey(ctx context.Context, typeName string, key any) error {
	d, err := e.registry.Lookup(typeName)
	if err != nil {
		return err
	}
	key = registry.NormalizeKey(key)

	var errs []error
	for _, b := range d.Bindings() {
		errs = append(errs, e.purgeBinding(ctx, b, typeName, key))
	}
	return e.report(typeName, key, errors.Join(errs...))
}

// purgeBinding deletes the documents one binding holds for a record.
// Nothing is deleted when nothing matches.
func (e *Engine) purgeBinding(ctx context.Context, b registry.Binding, typeName string, key any) error {
	expr := filter.ForModel(typeName, key)
	deleted := 0

	if pager, ok := b.Index.(store.Pager); ok {
		after := ""
		for {
			ids, next, err := pager.BrowsePage(ctx, expr, after, e.pageSize)
			if err != nil {
				return bindingError(b, "browse", err)
			}
			if len(ids) > 0 {
				if err := b.Index.Delete(ctx, ids); err != nil {
					return bindingError(b, "delete", err)
				}
				deleted += len(ids)
			}
			if next == "" {
				break
			}
			after = next
		}
	} else {
		ids, err := b.Index.Browse(ctx, expr, []string{store.FieldObjectID})
		if err != nil {
			return bindingError(b, "browse", err)
		}
		if len(ids) > 0 {
			if err := b.Index.Delete(ctx, ids); err != nil {
				return bindingError(b, "delete", err)
			}
			deleted = len(ids)
		}
	}

	if deleted > 0 {
		e.logger.Debug("sync_purged",
			slog.String("index", b.Index.Name()),
			slog.String("model", typeName),
			slog.String("key", filter.Format(key)),
			slog.Int("documents", deleted))
	}
	return nil
}

// upsertBinding writes r's documents to one binding if its condition holds.
func (e *Engine) upsertBinding(ctx context.Context, b registry.Binding, r registry.Record) error {
	admitted, err := evaluate(b.Condition, r)
	if err != nil {
		return fmt.Errorf("index %s: %w", b.Index.Name(), err)
	}
	if !admitted {
		return nil
	}

	docs, err := BuildDocuments(r, b.Serializer)
	if err != nil {
		return fmt.Errorf("index %s: %w", b.Index.Name(), err)
	}
	if len(docs) == 0 {
		return nil
	}

	if err := b.Index.Upsert(ctx, docs); err != nil {
		return bindingError(b, "upsert", err)
	}

	e.logger.Debug("sync_upserted",
		slog.String("index", b.Index.Name()),
		slog.String("model", r.TypeName()),
		slog.String("key", filter.Format(r.PrimaryKey())),
		slog.Int("documents", len(docs)))
	return nil
}

func evaluate(c registry.Condition, r registry.Record) (ok bool, err error) {
	if c == nil {
		return true, nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = berrors.InternalError(fmt.Sprintf("condition panicked: %v", p), nil)
		}
	}()
	return c.Evaluate(r), nil
}

// bindingError tags a backend failure with the index. Failures that are not
// already classified are treated as the backend being unavailable.
func bindingError(b registry.Binding, op string, err error) error {
	if berrors.GetCode(err) == "" {
		return berrors.BackendUnavailable(b.Index.Name(), op, err)
	}
	return fmt.Errorf("index %s: %w", b.Index.Name(), err)
}

func (e *Engine) report(typeName string, key any, err error) error {
	if err == nil {
		return nil
	}
	attrs := []any{
		slog.String("model", typeName),
		slog.String("key", filter.Format(key)),
	}
	for _, a := range berrors.LogAttrs(err) {
		attrs = append(attrs, a)
	}
	e.logger.Warn("sync_failed", attrs...)
	return err
}
