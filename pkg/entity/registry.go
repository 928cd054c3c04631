// Package entity provides entity registration and metadata introspection for relquery
package entity

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/naming"
)

// Registry manages registered entities and their metadata
type Registry struct {
	entities map[reflect.Type]*Metadata
	tables   map[string]*Metadata
	mu       sync.RWMutex
}

// NewRegistry creates a new entity registry
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[reflect.Type]*Metadata),
		tables:   make(map[string]*Metadata),
	}
}

// Register declares an entity and parses its metadata. Registration is
// idempotent: re-registering an already known type is a no-op.
func (r *Registry) Register(model any, opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entityType := indirectType(reflect.TypeOf(model))
	if entityType == nil || entityType.Kind() != reflect.Struct {
		return fmt.Errorf("%w: entity must be a struct", errors.ErrInvalidEntity)
	}

	if _, exists := r.entities[entityType]; exists {
		return nil
	}

	metadata, err := parseMetadata(entityType)
	if err != nil {
		return err
	}

	for _, opt := range opts {
		if optErr := opt(metadata); optErr != nil {
			return optErr
		}
	}

	metadata.computeDerivedSets()

	r.entities[entityType] = metadata
	r.tables[metadata.TableName] = metadata

	return nil
}

// Metadata retrieves metadata for a registered entity
func (r *Registry) Metadata(model any) (*Metadata, error) {
	return r.MetadataByType(reflect.TypeOf(model))
}

// MetadataByType retrieves metadata for a registered entity type
func (r *Registry) MetadataByType(t reflect.Type) (*Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entityType := indirectType(t)
	if entityType == nil {
		return nil, fmt.Errorf("%w: nil entity type", errors.ErrInvalidEntity)
	}

	metadata, exists := r.entities[entityType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", errors.ErrEntityNotRegistered, entityType.Name())
	}

	return metadata, nil
}

// MetadataByTable retrieves metadata by table name
func (r *Registry) MetadataByTable(tableName string) (*Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata, exists := r.tables[tableName]
	if !exists {
		return nil, fmt.Errorf("%w: table %s", errors.ErrEntityNotRegistered, tableName)
	}

	return metadata, nil
}

// Target resolves the metadata of a relationship's target entity. Targets
// resolve lazily so mutually-referencing entities can register in any order.
func (r *Registry) Target(rel *Relationship) (*Metadata, error) {
	return r.MetadataByType(rel.Target)
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// parseMetadata parses entity metadata from struct tags
func parseMetadata(entityType reflect.Type) (*Metadata, error) {
	metadata := &Metadata{
		Type:          entityType,
		Name:          entityType.Name(),
		TableName:     resolveTableName(entityType),
		Fields:        make(map[string]*FieldMetadata),
		FieldsByName:  make(map[string]*FieldMetadata),
		Relationships: make(map[string]*Relationship),
		HybridProps:   make(map[string]HybridProperty),
		HybridMethods: make(map[string]HybridMethod),
	}

	if err := parseFields(entityType, metadata, nil); err != nil {
		return nil, err
	}

	if metadata.PrimaryKey == nil {
		return nil, fmt.Errorf("%w: entity %s", errors.ErrMissingPrimaryKey, metadata.Name)
	}

	if err := applyRelationshipDefaults(metadata); err != nil {
		return nil, err
	}

	return metadata, nil
}

func resolveTableName(entityType reflect.Type) string {
	if name := tableNameFromMethod(reflect.New(entityType).Elem()); name != "" {
		return name
	}
	if name := tableNameFromMethod(reflect.New(entityType)); name != "" {
		return name
	}
	return naming.TableName(entityType.Name())
}

func tableNameFromMethod(receiver reflect.Value) string {
	method := receiver.MethodByName("TableName")
	if !method.IsValid() {
		return ""
	}
	if method.Type().NumIn() != 0 || method.Type().NumOut() != 1 {
		return ""
	}

	results := method.Call(nil)
	if len(results) == 0 || results[0].Kind() != reflect.String {
		return ""
	}

	return results[0].String()
}

// parseFields recursively parses fields including embedded structs
func parseFields(entityType reflect.Type, metadata *Metadata, indexPath []int) error {
	for i := 0; i < entityType.NumField(); i++ {
		field := entityType.Field(i)
		currentPath := appendIndexPath(indexPath, i)

		if err := parseField(field, currentPath, metadata); err != nil {
			return err
		}
	}

	return nil
}

func appendIndexPath(indexPath []int, index int) []int {
	currentPath := make([]int, len(indexPath)+1)
	copy(currentPath, indexPath)
	currentPath[len(indexPath)] = index
	return currentPath
}

func parseField(field reflect.StructField, indexPath []int, metadata *Metadata) error {
	if !field.IsExported() {
		return nil
	}

	if isEmbeddedStruct(field) {
		return parseFields(field.Type, metadata, indexPath)
	}

	tag := field.Tag.Get("relq")
	if tag == "-" {
		return nil
	}

	if parts := splitTag(tag); len(parts) > 0 && (parts[0] == "rel" || strings.HasPrefix(parts[0], "rel:")) {
		return parseRelationField(field, indexPath, tag, metadata)
	}

	return parseColumnField(field, indexPath, tag, metadata)
}

func isEmbeddedStruct(field reflect.StructField) bool {
	return field.Anonymous && field.Type.Kind() == reflect.Struct
}

func parseColumnField(field reflect.StructField, indexPath []int, tag string, metadata *Metadata) error {
	meta := &FieldMetadata{
		Name:      field.Name,
		Type:      field.Type,
		Column:    naming.ToSnakeCase(field.Name),
		IndexPath: indexPath,
	}

	for _, part := range splitTag(tag) {
		switch {
		case part == "pk":
			meta.IsPK = true
		case strings.HasPrefix(part, "column:"):
			meta.Column = strings.TrimPrefix(part, "column:")
		default:
			return fmt.Errorf("%w: unknown tag %q on field %s", errors.ErrInvalidTag, part, field.Name)
		}
	}

	if err := validateAttrName(meta.Column); err != nil {
		return err
	}

	if meta.IsPK {
		if metadata.PrimaryKey != nil {
			return fmt.Errorf("%w: entity %s", errors.ErrDuplicatePrimaryKey, metadata.Name)
		}
		metadata.PrimaryKey = meta
	}

	metadata.Fields[meta.Column] = meta
	metadata.FieldsByName[meta.Name] = meta
	metadata.columns = append(metadata.columns, meta.Column)
	return nil
}

func parseRelationField(field reflect.StructField, indexPath []int, tag string, metadata *Metadata) error {
	rel := &Relationship{
		Name:       naming.ToSnakeCase(field.Name),
		FieldName:  field.Name,
		FieldIndex: indexPath,
	}

	switch field.Type.Kind() {
	case reflect.Ptr:
		if field.Type.Elem().Kind() != reflect.Struct {
			return fmt.Errorf("%w: relation field %s must point to a struct", errors.ErrInvalidTag, field.Name)
		}
		rel.Target = field.Type.Elem()
	case reflect.Slice:
		elem := indirectType(field.Type.Elem())
		if elem == nil || elem.Kind() != reflect.Struct {
			return fmt.Errorf("%w: relation field %s must be a slice of structs", errors.ErrInvalidTag, field.Name)
		}
		rel.Target = elem
		rel.ToMany = true
	default:
		return fmt.Errorf("%w: relation field %s must be a struct pointer or slice", errors.ErrInvalidTag, field.Name)
	}

	for _, part := range splitTag(tag) {
		switch {
		case part == "rel":
		case strings.HasPrefix(part, "rel:"):
			rel.Name = strings.TrimPrefix(part, "rel:")
		case strings.HasPrefix(part, "local:"):
			rel.LocalColumn = strings.TrimPrefix(part, "local:")
		case strings.HasPrefix(part, "foreign:"):
			rel.ForeignColumn = strings.TrimPrefix(part, "foreign:")
		case part == "viewonly":
			rel.ViewOnly = true
		default:
			return fmt.Errorf("%w: unknown tag %q on relation %s", errors.ErrInvalidTag, part, field.Name)
		}
	}

	if err := validateAttrName(rel.Name); err != nil {
		return err
	}

	if _, exists := metadata.Relationships[rel.Name]; exists {
		return fmt.Errorf("%w: duplicate relationship %q", errors.ErrInvalidTag, rel.Name)
	}

	metadata.Relationships[rel.Name] = rel
	return nil
}

// applyRelationshipDefaults fills join-condition columns left implicit in the
// tags. To-one relations default to <name>_id = target pk; to-many relations
// default to owner pk = <owner>_id on the target.
func applyRelationshipDefaults(metadata *Metadata) error {
	for _, rel := range metadata.Relationships {
		if rel.ToMany {
			if rel.LocalColumn == "" {
				rel.LocalColumn = metadata.PrimaryKey.Column
			}
			if rel.ForeignColumn == "" {
				rel.ForeignColumn = naming.ToSnakeCase(metadata.Name) + "_id"
			}
			continue
		}

		if rel.LocalColumn == "" {
			rel.LocalColumn = rel.Name + "_id"
		}
		if _, ok := metadata.Fields[rel.LocalColumn]; !ok {
			return fmt.Errorf("%w: relation %q references unknown local column %q",
				errors.ErrInvalidTag, rel.Name, rel.LocalColumn)
		}
		// ForeignColumn left empty means the target's primary key, resolved
		// at compose time once the target entity is registered.
	}
	return nil
}

func splitTag(tag string) []string {
	if tag == "" {
		return nil
	}
	raw := strings.Split(tag, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func validateAttrName(name string) error {
	if err := naming.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidTag, err)
	}
	return nil
}
