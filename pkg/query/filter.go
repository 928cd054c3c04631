package query

import (
	"fmt"
	"reflect"

	sq "github.com/Masterminds/squirrel"

	"github.com/theory-cloud/relquery/pkg/entity"
	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/operator"
)

// FilterSpec pairs a parsed filter key with its value
type FilterSpec struct {
	Value any
	Key   KeySpec
}

// compileFilter resolves the owning alias for a filter key, locates the
// operator (equality by default, hybrid-method dispatch when the leaf names
// one), and produces a predicate against the alias's leaf attribute.
func compileFilter(aliases *aliasRegistry, ops *operator.Registry, spec FilterSpec) (sq.Sqlizer, error) {
	entry, err := aliases.resolve(spec.Key.Relations, spec.Key.Raw)
	if err != nil {
		return nil, err
	}
	meta, alias := aliases.owner(entry)

	// A terminal matching a hybrid method is invoked directly, no suffix.
	if method, ok := meta.HybridMethods[spec.Key.Terminal]; ok {
		return method(alias, spec.Value)
	}

	leaf, opName := splitOperator(spec.Key.Terminal)
	if _, isMethod := meta.HybridMethods[leaf]; isMethod && opName != "" {
		return nil, fmt.Errorf("%w: %q applies operator %q to hybrid method %q",
			errors.ErrInvalidPath, spec.Key.Raw, opName, leaf)
	}

	opFn := operator.Func(operator.Eq)
	if opName != "" {
		opFn, err = ops.Resolve(opName)
		if err != nil {
			return nil, fmt.Errorf("%w (in %q)", err, spec.Key.Raw)
		}
	}

	column, value, err := resolveFilterColumn(aliases.entities, meta, alias, leaf, spec.Key.Raw, spec.Value)
	if err != nil {
		return nil, err
	}

	return opFn(column, value)
}

// resolveFilterColumn maps a leaf attribute to the SQL expression the
// operator applies to: a qualified column, a hybrid-property fragment, or a
// to-one relation's local column (comparing against the related entity's key).
func resolveFilterColumn(entities *entity.Registry, meta *entity.Metadata, alias, leaf, raw string, value any) (string, any, error) {
	if !meta.IsFilterable(leaf) {
		return "", nil, fmt.Errorf("%w: %q has no filterable attribute %q on %s",
			errors.ErrInvalidAttribute, raw, leaf, meta.Name)
	}

	if prop, ok := meta.HybridProps[leaf]; ok {
		return prop(alias), value, nil
	}

	if field, ok := meta.Fields[leaf]; ok {
		return alias + "." + field.Column, value, nil
	}

	// Filterable and neither column nor hybrid: a settable to-one relation.
	rel := meta.Relationships[leaf]
	if rel == nil || rel.ToMany {
		return "", nil, fmt.Errorf("%w: %q cannot filter on collection %q",
			errors.ErrInvalidAttribute, raw, leaf)
	}
	return alias + "." + rel.LocalColumn, relationValue(entities, rel, value), nil
}

// relationValue lets a relation filter accept either the related entity
// itself (compared by primary key) or a bare key value.
func relationValue(entities *entity.Registry, rel *entity.Relationship, value any) any {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Type() != rel.Target {
		return value
	}

	target, err := entities.Target(rel)
	if err != nil {
		return value
	}
	return v.FieldByIndex(target.PrimaryKey.IndexPath).Interface()
}
