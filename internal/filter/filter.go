// Package filter builds, parses and evaluates the filter expressions used to
// find a record's documents in an index.
//
// The grammar is a conjunction of field:value terms:
//
//	modelName:'Tent' AND modelID:9
//
// String values are single-quoted with \' and \\ escapes. Numbers and other
// bare words are written as is; a value printing with spaces or quotes is
// quoted like a string. Values compare by their printed form, so
// modelID:9 matches an int, int64, uint64 or float64 nine alike.
package filter

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

// Reserved document fields the model filter selects on.
const (
	FieldModelName = "modelName"
	FieldModelID   = "modelID"
)

// DefaultCacheSize is the number of parsed expressions a Parser keeps.
const DefaultCacheSize = 512

// Term is one field:value comparison.
type Term struct {
	Field string
	Value string
}

// Expr is a conjunction of terms. The zero Expr matches every document.
type Expr struct {
	Terms []Term
}

// ForModel returns the expression selecting every document of one record,
// whatever its sub-fraction.
func ForModel(typeName string, key any) string {
	return fmt.Sprintf("%s:%s AND %s:%s",
		FieldModelName, quote(typeName),
		FieldModelID, formatValue(key))
}

// Value returns the value compared against field, if any term names it.
func (e Expr) Value(field string) (string, bool) {
	for _, t := range e.Terms {
		if t.Field == field {
			return t.Value, true
		}
	}
	return "", false
}

// Matches reports whether doc satisfies every term.
func (e Expr) Matches(doc map[string]any) bool {
	for _, t := range e.Terms {
		v, ok := doc[t.Field]
		if !ok || Format(v) != t.Value {
			return false
		}
	}
	return true
}

// String renders the expression back into filter syntax.
func (e Expr) String() string {
	parts := make([]string, len(e.Terms))
	for i, t := range e.Terms {
		parts[i] = t.Field + ":" + quote(t.Value)
	}
	return strings.Join(parts, " AND ")
}

// Format is the canonical printed form of a field value, shared by the
// matchers and by backends that store key columns as text.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		// JSON round trips turn integer keys into floats.
		if x == float64(int64(x)) {
			return fmt.Sprint(int64(x))
		}
		return fmt.Sprint(x)
	case float32:
		return Format(float64(x))
	default:
		return fmt.Sprint(x)
	}
}

// formatValue writes v so Parse reads back Format(v). Strings are always
// quoted; anything else is quoted unless it prints as a bare token.
func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return quote(s)
	}
	s := Format(v)
	if s == "" || strings.ContainsAny(s, " \t\n\r'\\") {
		return quote(s)
	}
	return s
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

// Parse parses a filter expression. An empty string yields the zero Expr.
func Parse(s string) (Expr, error) {
	p := &scanner{src: s}
	var expr Expr

	p.skipSpace()
	if p.done() {
		return expr, nil
	}

	for {
		term, err := p.term()
		if err != nil {
			return Expr{}, invalid(s, err)
		}
		expr.Terms = append(expr.Terms, term)

		p.skipSpace()
		if p.done() {
			return expr, nil
		}
		if !p.keyword("AND") {
			return Expr{}, invalid(s, fmt.Errorf("expected AND at offset %d", p.pos))
		}
		p.skipSpace()
	}
}

func invalid(src string, cause error) error {
	return berrors.New(berrors.ErrCodeInvalidFilter, fmt.Sprintf("invalid filter %q: %v", src, cause), cause).
		WithDetail("filter", src)
}

type scanner struct {
	src string
	pos int
}

func (p *scanner) done() bool { return p.pos >= len(p.src) }

func (p *scanner) skipSpace() {
	for !p.done() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *scanner) keyword(kw string) bool {
	end := p.pos + len(kw)
	if end > len(p.src) || !strings.EqualFold(p.src[p.pos:end], kw) {
		return false
	}
	if end < len(p.src) && p.src[end] != ' ' && p.src[end] != '\t' {
		return false
	}
	p.pos = end
	return true
}

func (p *scanner) term() (Term, error) {
	start := p.pos
	for !p.done() && p.src[p.pos] != ':' && p.src[p.pos] != ' ' {
		p.pos++
	}
	field := p.src[start:p.pos]
	if field == "" {
		return Term{}, fmt.Errorf("missing field name at offset %d", start)
	}
	if p.done() || p.src[p.pos] != ':' {
		return Term{}, fmt.Errorf("expected ':' after %q", field)
	}
	p.pos++

	if p.done() {
		return Term{}, fmt.Errorf("missing value for %q", field)
	}
	if p.src[p.pos] == '\'' {
		v, err := p.quoted()
		if err != nil {
			return Term{}, err
		}
		return Term{Field: field, Value: v}, nil
	}

	start = p.pos
	for !p.done() && p.src[p.pos] != ' ' && p.src[p.pos] != '\t' {
		p.pos++
	}
	v := p.src[start:p.pos]
	if v == "" {
		return Term{}, fmt.Errorf("missing value for %q", field)
	}
	return Term{Field: field, Value: v}, nil
}

func (p *scanner) quoted() (string, error) {
	start := p.pos
	p.pos++ // opening quote

	var sb strings.Builder
	for !p.done() {
		c := p.src[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.src) {
				return "", fmt.Errorf("dangling escape at offset %d", p.pos)
			}
			sb.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case '\'':
			p.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return "", fmt.Errorf("unterminated string starting at offset %d", start)
}

// Parser parses expressions through an LRU cache. Purges parse the same
// handful of shapes over and over, so the cache hit rate is high.
type Parser struct {
	cache *lru.Cache[string, Expr]
}

// NewParser creates a Parser caching up to size expressions.
// A non-positive size uses DefaultCacheSize.
func NewParser(size int) *Parser {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, Expr](size)
	return &Parser{cache: cache}
}

// Parse returns the parsed expression for s. Errors are not cached.
func (p *Parser) Parse(s string) (Expr, error) {
	if e, ok := p.cache.Get(s); ok {
		return e, nil
	}
	e, err := Parse(s)
	if err != nil {
		return Expr{}, err
	}
	p.cache.Add(s, e)
	return e, nil
}
