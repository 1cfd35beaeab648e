package lifecycle

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aman-CERP/bivy/internal/logging"
	"github.com/Aman-CERP/bivy/internal/registry"
)

const commitCallback = "gorm:commit_or_rollback_transaction"

// Plugin is a GORM plugin that reports committed creates, updates and
// deletes of registered models to a Trigger.
//
// Statements GORM wraps in its own transaction are reported once that
// transaction commits. Statements run inside a caller's transaction are only
// reported after the caller's commit when the transaction is opened with
// Plugin.Transaction; otherwise they are reported immediately with a warning.
type Plugin struct {
	trigger *Trigger
	logger  *slog.Logger
}

// NewPlugin creates a plugin that feeds t.
func NewPlugin(t *Trigger, logger *slog.Logger) *Plugin {
	return &Plugin{trigger: t, logger: logging.OrDiscard(logger)}
}

// Name implements gorm.Plugin.
func (p *Plugin) Name() string { return "bivy:sync" }

// Initialize implements gorm.Plugin.
func (p *Plugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After(commitCallback).Register("bivy:after_create", p.afterSave); err != nil {
		return err
	}
	if err := cb.Update().After(commitCallback).Register("bivy:after_update", p.afterSave); err != nil {
		return err
	}
	return cb.Delete().After(commitCallback).Register("bivy:after_delete", p.afterDelete)
}

// Transaction runs fn in a transaction and reports its events only after a
// successful commit. Nested calls report with the outermost commit.
func (p *Plugin) Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	parent, _ := ctx.Value(bufferKey{}).(*eventBuffer)
	buf := &eventBuffer{}
	txCtx := context.WithValue(ctx, bufferKey{}, buf)

	if err := db.WithContext(txCtx).Transaction(fn); err != nil {
		if n := buf.len(); n > 0 {
			p.logger.Debug("sync_events_discarded", slog.Int("count", n))
		}
		return err
	}

	if parent != nil {
		parent.add(buf.drain()...)
		return nil
	}
	for _, ev := range buf.drain() {
		p.fire(ctx, ev)
	}
	return nil
}

type eventKind int

const (
	eventSave eventKind = iota
	eventDestroy
)

type event struct {
	kind   eventKind
	record registry.MapRecord
}

type bufferKey struct{}

type eventBuffer struct {
	mu     sync.Mutex
	events []event
}

func (b *eventBuffer) add(evs ...event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evs...)
}

func (b *eventBuffer) drain() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.events
	b.events = nil
	return evs
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (p *Plugin) afterSave(db *gorm.DB) { p.collect(db, eventSave) }

func (p *Plugin) afterDelete(db *gorm.DB) { p.collect(db, eventDestroy) }

func (p *Plugin) collect(db *gorm.DB, kind eventKind) {
	stmt := db.Statement
	if db.Error != nil || stmt.Schema == nil || stmt.Schema.PrioritizedPrimaryField == nil {
		return
	}
	if !p.trigger.registry.Has(stmt.Schema.Name) {
		return
	}

	ctx := stmt.Context
	var events []event
	keyless := false
	for _, rv := range rows(stmt.ReflectValue) {
		rec := newModelRecord(ctx, stmt.Schema, rv)
		if _, zero := stmt.Schema.PrioritizedPrimaryField.ValueOf(ctx, rec.value); zero {
			keyless = true
			continue
		}
		events = append(events, event{kind: kind, record: rec.snapshot()})
	}

	if keyless {
		// db.Delete(&T{}, 7) leaves the model empty and puts the key in WHERE.
		keys, ok := whereKeys(stmt)
		if ok && kind == eventDestroy {
			for _, key := range keys {
				events = append(events, event{kind: kind, record: registry.MapRecord{Type: stmt.Schema.Name, Key: key}})
			}
		} else {
			p.logger.Warn("bulk_statement_not_synced",
				slog.String("model", stmt.Schema.Name),
				slog.String("hint", "only statements keyed by primary key are synced; run bivy reindex --type "+stmt.Schema.Name))
		}
	}
	if len(events) == 0 {
		return
	}

	if buf, ok := ctx.Value(bufferKey{}).(*eventBuffer); ok {
		buf.add(events...)
		return
	}
	if _, inTx := stmt.ConnPool.(gorm.TxCommitter); inTx {
		p.logger.Warn("sync_event_inside_unmanaged_transaction",
			slog.String("model", stmt.Schema.Name),
			slog.Int("count", len(events)))
	}
	for _, ev := range events {
		p.fire(ctx, ev)
	}
}

func (p *Plugin) fire(ctx context.Context, ev event) {
	ctx = context.WithoutCancel(ctx)
	switch ev.kind {
	case eventSave:
		p.trigger.AfterSaveCommit(ctx, ev.record)
	case eventDestroy:
		p.trigger.AfterDestroyCommit(ctx, ev.record)
	}
}

// whereKeys returns the primary keys a statement's WHERE clause selects when
// it selects by primary key alone, as db.Delete(&T{}, 7) and
// db.Delete(&T{}, []int{1, 2}) do. Any other condition makes ok false.
func whereKeys(stmt *gorm.Statement) (keys []any, ok bool) {
	c, found := stmt.Clauses["WHERE"]
	if !found {
		return nil, false
	}
	where, isWhere := c.Expression.(clause.Where)
	if !isWhere || len(where.Exprs) == 0 {
		return nil, false
	}
	for _, expr := range where.Exprs {
		vals, pinned := primaryValues(stmt, expr)
		if !pinned {
			return nil, false
		}
		keys = append(keys, vals...)
	}
	return keys, len(keys) > 0
}

func primaryValues(stmt *gorm.Statement, expr clause.Expression) ([]any, bool) {
	switch e := expr.(type) {
	case clause.IN:
		return e.Values, isPrimaryColumn(stmt, e.Column)
	case clause.Eq:
		return []any{e.Value}, e.Value != nil && isPrimaryColumn(stmt, e.Column)
	case clause.AndConditions:
		if len(e.Exprs) == 1 {
			return primaryValues(stmt, e.Exprs[0])
		}
	}
	return nil, false
}

func isPrimaryColumn(stmt *gorm.Statement, column any) bool {
	var name string
	switch c := column.(type) {
	case clause.Column:
		name = c.Name
	case string:
		name = c
	default:
		return false
	}
	return name == clause.PrimaryKey || name == stmt.Schema.PrioritizedPrimaryField.DBName
}

// rows flattens a statement's reflect value into struct values.
func rows(rv reflect.Value) []reflect.Value {
	rv = reflect.Indirect(rv)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]reflect.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if elem := reflect.Indirect(rv.Index(i)); elem.Kind() == reflect.Struct {
				out = append(out, elem)
			}
		}
		return out
	case reflect.Struct:
		return []reflect.Value{rv}
	default:
		return nil
	}
}

var _ gorm.Plugin = (*Plugin)(nil)
