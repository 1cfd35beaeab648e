package registry

import (
	"strconv"

	"github.com/Aman-CERP/bivy/internal/filter"
)

// Condition decides whether a record belongs in an index.
type Condition interface {
	Evaluate(r Record) bool
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(r Record) bool

// Evaluate calls f.
func (f ConditionFunc) Evaluate(r Record) bool { return f(r) }

// Always admits every record. It is the default condition.
var Always Condition = ConditionFunc(func(Record) bool { return true })

// FieldEquals admits records whose attribute Field prints the same as Value,
// so 1, int64(1) and "1" compare equal. A bool Value also matches the 0/1
// integers that SQLite stores for boolean columns.
type FieldEquals struct {
	Field string
	Value any
}

// Evaluate compares the attribute against Value.
func (c FieldEquals) Evaluate(r Record) bool {
	v, ok := r.Attributes()[c.Field]
	if !ok {
		return false
	}
	if want, ok := c.Value.(bool); ok {
		got, ok := truthy(v)
		return ok && got == want
	}
	return filter.Format(v) == filter.Format(c.Value)
}

func truthy(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	b, err := strconv.ParseBool(filter.Format(v))
	return b, err == nil
}
