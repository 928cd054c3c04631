package entity

import (
	"reflect"

	sq "github.com/Masterminds/squirrel"
)

// HybridProperty is a computed, read-only attribute declared on an entity.
// Given the table alias the entity is reached through, it returns the SQL
// fragment that stands in for a column reference. Hybrid properties
// participate in filtering and sorting like stored columns.
type HybridProperty func(alias string) string

// HybridMethod is a callable attribute declared on an entity. Given the table
// alias and the filter value, it returns a complete predicate. Hybrid methods
// are invoked directly by filter keys and never take an operator suffix.
type HybridMethod func(alias string, value any) (sq.Sqlizer, error)

// Metadata holds the static declaration of an entity: columns, primary key,
// relationships, and hybrid attributes. It is built once at registration and
// never mutated afterwards.
type Metadata struct {
	Type          reflect.Type
	Name          string
	TableName     string
	PrimaryKey    *FieldMetadata
	Fields        map[string]*FieldMetadata
	FieldsByName  map[string]*FieldMetadata
	Relationships map[string]*Relationship
	HybridProps   map[string]HybridProperty
	HybridMethods map[string]HybridMethod

	columns    []string
	filterable map[string]struct{}
	sortable   map[string]struct{}
}

// FieldMetadata holds metadata for a single column-mapped field
type FieldMetadata struct {
	Type      reflect.Type
	Name      string
	Column    string
	IndexPath []int
	IsPK      bool
}

// Relationship describes how a related entity is reached from its owner.
// The join condition is owner.LocalColumn = target.ForeignColumn.
type Relationship struct {
	Target        reflect.Type
	Name          string
	FieldName     string
	FieldIndex    []int
	LocalColumn   string
	ForeignColumn string
	ToMany        bool
	ViewOnly      bool
}

// Columns returns the declared column names in field order.
func (m *Metadata) Columns() []string {
	return m.columns
}

// IsFilterable reports whether name is in the entity's filterable set:
// columns, hybrid properties, settable to-one relations, and hybrid methods.
func (m *Metadata) IsFilterable(name string) bool {
	_, ok := m.filterable[name]
	return ok
}

// IsSortable reports whether name is in the entity's sortable set:
// columns and hybrid properties.
func (m *Metadata) IsSortable(name string) bool {
	_, ok := m.sortable[name]
	return ok
}

// IsSettable reports whether name can be assigned through Fill: columns,
// and relations not marked viewonly.
func (m *Metadata) IsSettable(name string) bool {
	if _, ok := m.Fields[name]; ok {
		return true
	}
	rel, ok := m.Relationships[name]
	return ok && !rel.ViewOnly
}

// computeDerivedSets caches the filterable and sortable attribute sets.
// Called once at the end of registration.
func (m *Metadata) computeDerivedSets() {
	m.filterable = make(map[string]struct{}, len(m.Fields)+len(m.Relationships)+len(m.HybridProps)+len(m.HybridMethods))
	m.sortable = make(map[string]struct{}, len(m.Fields)+len(m.HybridProps))

	for name := range m.Fields {
		m.filterable[name] = struct{}{}
		m.sortable[name] = struct{}{}
	}
	for name := range m.HybridProps {
		m.filterable[name] = struct{}{}
		m.sortable[name] = struct{}{}
	}
	for name, rel := range m.Relationships {
		// collections have no single local column to compare against
		if !rel.ViewOnly && !rel.ToMany {
			m.filterable[name] = struct{}{}
		}
	}
	for name := range m.HybridMethods {
		m.filterable[name] = struct{}{}
	}
}

// Option customizes an entity registration, attaching declarations that
// struct tags cannot express.
type Option func(*Metadata) error

// WithHybridProperty declares a computed attribute on the entity.
func WithHybridProperty(name string, fn HybridProperty) Option {
	return func(m *Metadata) error {
		if err := validateAttrName(name); err != nil {
			return err
		}
		m.HybridProps[name] = fn
		return nil
	}
}

// WithHybridMethod declares a callable predicate attribute on the entity.
func WithHybridMethod(name string, fn HybridMethod) Option {
	return func(m *Metadata) error {
		if err := validateAttrName(name); err != nil {
			return err
		}
		m.HybridMethods[name] = fn
		return nil
	}
}

// WithTableName overrides the derived table name.
func WithTableName(name string) Option {
	return func(m *Metadata) error {
		m.TableName = name
		return nil
	}
}
