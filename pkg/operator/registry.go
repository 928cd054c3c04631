// Package operator provides the registry of predicate-building operators
// used by filter key suffixes.
package operator

import (
	"fmt"
	"reflect"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/naming"
)

// Func builds a predicate from a column reference (or hybrid-property SQL
// fragment) and a filter value.
type Func func(column string, value any) (sq.Sqlizer, error)

// Registry maps operator names to predicate builders. It is open for
// extension: callers may register domain-specific operators without
// modifying the core.
type Registry struct {
	ops map[string]Func
	mu  sync.RWMutex
}

// NewRegistry creates an empty operator registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Func)}
}

// Register adds or replaces an operator
func (r *Registry) Register(name string, fn Func) error {
	if err := naming.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidTag, err)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil operator func for %q", errors.ErrInvalidValue, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
	return nil
}

// Resolve looks up an operator by name
func (r *Registry) Resolve(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownOperator, name)
	}
	return fn, nil
}

// Has reports whether an operator is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[name]
	return ok
}

// Names returns the registered operator names (unordered)
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	return names
}

// Default returns a registry populated with the built-in operators.
func Default() *Registry {
	r := NewRegistry()
	for name, fn := range builtins() {
		r.ops[name] = fn
	}
	return r
}

// Eq is the default operator applied when a filter key carries no suffix.
func Eq(column string, value any) (sq.Sqlizer, error) {
	return sq.Eq{column: value}, nil
}

func builtins() map[string]Func {
	ops := map[string]Func{
		"exact": Eq,
		"eq":    Eq,
		"ne": func(column string, value any) (sq.Sqlizer, error) {
			return sq.NotEq{column: value}, nil
		},
		"gt": func(column string, value any) (sq.Sqlizer, error) {
			return sq.Gt{column: value}, nil
		},
		"ge": func(column string, value any) (sq.Sqlizer, error) {
			return sq.GtOrEq{column: value}, nil
		},
		"lt": func(column string, value any) (sq.Sqlizer, error) {
			return sq.Lt{column: value}, nil
		},
		"le": func(column string, value any) (sq.Sqlizer, error) {
			return sq.LtOrEq{column: value}, nil
		},
		"in": func(column string, value any) (sq.Sqlizer, error) {
			if err := requireSlice("in", value); err != nil {
				return nil, err
			}
			return sq.Eq{column: value}, nil
		},
		"notin": func(column string, value any) (sq.Sqlizer, error) {
			if err := requireSlice("notin", value); err != nil {
				return nil, err
			}
			return sq.NotEq{column: value}, nil
		},
		"between": between,
		"isnull":  isNull,
		"like": func(column string, value any) (sq.Sqlizer, error) {
			return sq.Like{column: value}, nil
		},
		"ilike":       insensitivePattern("%s"),
		"startswith":  pattern("%s%%"),
		"istartswith": insensitivePattern("%s%%"),
		"endswith":    pattern("%%%s"),
		"iendswith":   insensitivePattern("%%%s"),
		"contains":    insensitivePattern("%%%s%%"),
		"icontains":   insensitivePattern("%%%s%%"),
	}

	for part, format := range dateFormats {
		ops[part] = datePart(format, "=")
		for suffix, cmp := range dateComparators {
			ops[part+"_"+suffix] = datePart(format, cmp)
		}
	}

	return ops
}

var dateFormats = map[string]string{
	"year":  "%Y",
	"month": "%m",
	"day":   "%d",
}

var dateComparators = map[string]string{
	"ne": "<>",
	"gt": ">",
	"ge": ">=",
	"lt": "<",
	"le": "<=",
}

// datePart builds comparisons against an extracted date component, e.g.
// created_at__year_ge. Extraction uses strftime, cast for numeric compare.
func datePart(format, cmp string) Func {
	return func(column string, value any) (sq.Sqlizer, error) {
		expr := "CAST(strftime('" + format + "', " + column + ") AS INTEGER) " + cmp + " ?"
		return sq.Expr(expr, value), nil
	}
}

func between(column string, value any) (sq.Sqlizer, error) {
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array || v.Len() != 2 {
		return nil, fmt.Errorf("%w: between requires a two-element range", errors.ErrInvalidValue)
	}
	return sq.Expr(column+" BETWEEN ? AND ?", v.Index(0).Interface(), v.Index(1).Interface()), nil
}

func isNull(column string, value any) (sq.Sqlizer, error) {
	want, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: isnull requires a bool", errors.ErrInvalidValue)
	}
	if want {
		return sq.Eq{column: nil}, nil
	}
	return sq.NotEq{column: nil}, nil
}

// pattern builds a case-sensitive LIKE with the value substituted into a
// wildcard template.
func pattern(template string) Func {
	return func(column string, value any) (sq.Sqlizer, error) {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: string matching requires a string value", errors.ErrInvalidValue)
		}
		return sq.Like{column: fmt.Sprintf(template, s)}, nil
	}
}

// insensitivePattern lowers both sides instead of relying on ILIKE, which
// not every dialect supports.
func insensitivePattern(template string) Func {
	return func(column string, value any) (sq.Sqlizer, error) {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: string matching requires a string value", errors.ErrInvalidValue)
		}
		return sq.Expr("LOWER("+column+") LIKE LOWER(?)", fmt.Sprintf(template, s)), nil
	}
}

func requireSlice(op string, value any) error {
	k := reflect.ValueOf(value).Kind()
	if k != reflect.Slice && k != reflect.Array {
		return fmt.Errorf("%w: %s requires a slice value", errors.ErrInvalidValue, op)
	}
	return nil
}
