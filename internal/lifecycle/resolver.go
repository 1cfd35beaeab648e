package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/registry"
)

const defaultBatchSize = 1000

// Walker is a Resolver that can also stream every record it owns.
type Walker interface {
	Resolver
	Each(ctx context.Context, size int, fn func(registry.Record) error) error
}

// TableResolver loads rows of a table that has no Go model.
type TableResolver struct {
	db         *gorm.DB
	typeName   string
	table      string
	primaryKey string
}

// NewTableResolver creates a resolver for table. primaryKey defaults to "id".
func NewTableResolver(db *gorm.DB, typeName, table, primaryKey string) *TableResolver {
	if primaryKey == "" {
		primaryKey = "id"
	}
	return &TableResolver{db: db, typeName: typeName, table: table, primaryKey: primaryKey}
}

// Resolve loads the row keyed by ref.Key as a MapRecord.
func (r *TableResolver) Resolve(ctx context.Context, ref registry.RecordRef) (registry.Record, error) {
	row := map[string]any{}
	err := r.db.WithContext(ctx).
		Table(r.table).
		Where(clause.Eq{Column: clause.Column{Name: r.primaryKey}, Value: ref.Key}).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, berrors.RecordNotFound(r.typeName, ref.Key)
	}
	if err != nil {
		return nil, err
	}

	return r.record(row), nil
}

// Each streams every row of the table in primary-key order, size rows per
// query, for reindexing.
func (r *TableResolver) Each(ctx context.Context, size int, fn func(registry.Record) error) error {
	if size <= 0 {
		size = defaultBatchSize
	}
	col := clause.Column{Name: r.primaryKey}
	var last any
	for {
		q := r.db.WithContext(ctx).Table(r.table).
			Order(clause.OrderByColumn{Column: col}).
			Limit(size)
		if last != nil {
			q = q.Where(clause.Gt{Column: col, Value: last})
		}
		var rows []map[string]any
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			rec := r.record(row)
			if err := fn(rec); err != nil {
				return err
			}
			last = rec.Key
		}
		if len(rows) < size {
			return nil
		}
	}
}

func (r *TableResolver) record(row map[string]any) registry.MapRecord {
	fields := make(map[string]any, len(row))
	for k, v := range row {
		if k != r.primaryKey {
			fields[k] = normalize(v)
		}
	}
	return registry.MapRecord{Type: r.typeName, Key: normalize(row[r.primaryKey]), Fields: fields}
}

// normalize turns driver byte slices into strings.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// ModelResolver loads rows through a GORM model struct, so the record keeps
// the model's methods (including an Indexable opt-out).
type ModelResolver struct {
	db     *gorm.DB
	schema *schema.Schema
}

// NewModelResolver parses model, a pointer to a GORM model struct.
func NewModelResolver(db *gorm.DB, model any) (*ModelResolver, error) {
	sch, err := schema.Parse(model, &sync.Map{}, db.NamingStrategy)
	if err != nil {
		return nil, berrors.ConfigError(fmt.Sprintf("parse model %T", model), err)
	}
	if sch.PrioritizedPrimaryField == nil {
		return nil, berrors.ConfigError(fmt.Sprintf("model %s has no primary key", sch.Name), nil)
	}
	return &ModelResolver{db: db, schema: sch}, nil
}

// TypeName returns the model name used as the registry type.
func (r *ModelResolver) TypeName() string { return r.schema.Name }

// Resolve loads the model keyed by ref.Key.
func (r *ModelResolver) Resolve(ctx context.Context, ref registry.RecordRef) (registry.Record, error) {
	ptr := reflect.New(r.schema.ModelType)
	pk := r.schema.PrioritizedPrimaryField
	err := r.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: pk.DBName}, Value: ref.Key}).
		Take(ptr.Interface()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, berrors.RecordNotFound(r.schema.Name, ref.Key)
	}
	if err != nil {
		return nil, err
	}
	return newModelRecord(ctx, r.schema, ptr), nil
}

// Each streams every model row in batches of size, for reindexing.
func (r *ModelResolver) Each(ctx context.Context, size int, fn func(registry.Record) error) error {
	if size <= 0 {
		size = defaultBatchSize
	}
	batch := reflect.New(reflect.SliceOf(reflect.PointerTo(r.schema.ModelType)))
	res := r.db.WithContext(ctx).
		Model(reflect.New(r.schema.ModelType).Interface()).
		FindInBatches(batch.Interface(), size, func(*gorm.DB, int) error {
			rows := batch.Elem()
			for i := 0; i < rows.Len(); i++ {
				if err := fn(newModelRecord(ctx, r.schema, rows.Index(i))); err != nil {
					return err
				}
			}
			return nil
		})
	return res.Error
}

// modelRecord adapts a loaded GORM model to registry.Record.
type modelRecord struct {
	ctx    context.Context
	schema *schema.Schema
	value  reflect.Value
}

func newModelRecord(ctx context.Context, sch *schema.Schema, v reflect.Value) *modelRecord {
	return &modelRecord{ctx: ctx, schema: sch, value: reflect.Indirect(v)}
}

func (m *modelRecord) TypeName() string { return m.schema.Name }

func (m *modelRecord) PrimaryKey() any {
	v, _ := m.schema.PrioritizedPrimaryField.ValueOf(m.ctx, m.value)
	return v
}

// Attributes returns every column except the primary key, keyed by column name.
func (m *modelRecord) Attributes() map[string]any {
	out := make(map[string]any, len(m.schema.Fields))
	for _, f := range m.schema.Fields {
		if f.DBName == "" || f.PrimaryKey {
			continue
		}
		v, _ := f.ValueOf(m.ctx, m.value)
		out[f.DBName] = v
	}
	return out
}

// Indexable defers to the model when it implements registry.Indexable.
func (m *modelRecord) Indexable() bool {
	v := m.value
	if v.CanAddr() {
		v = v.Addr()
	}
	if ix, ok := v.Interface().(registry.Indexable); ok {
		return ix.Indexable()
	}
	return true
}

// snapshot copies the record so it outlives the statement that produced it.
func (m *modelRecord) snapshot() registry.MapRecord {
	return registry.MapRecord{Type: m.TypeName(), Key: m.PrimaryKey(), Fields: m.Attributes()}
}

var (
	_ Walker             = (*TableResolver)(nil)
	_ Walker             = (*ModelResolver)(nil)
	_ registry.Indexable = (*modelRecord)(nil)
)
