package query

import (
	"context"
	"fmt"
	"reflect"

	sq "github.com/Masterminds/squirrel"

	"github.com/theory-cloud/relquery/pkg/entity"
	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/session"
)

// Store persists registered entities through the context's scoped session.
// Statements execute immediately inside the scope's transaction; visibility
// to other connections is deferred until the scope commits.
type Store struct {
	entities *entity.Registry
}

// NewStore creates a store over a registry of declared entities.
func NewStore(entities *entity.Registry) *Store {
	return &Store{entities: entities}
}

// Fill assigns attributes from a flat map onto the entity, honoring the
// settable set: columns, and relations not marked viewonly. A to-one relation
// accepts the related entity and sets both the relation field and its local
// join column.
func (s *Store) Fill(model any, attrs map[string]any) error {
	meta, target, err := s.materialize(model)
	if err != nil {
		return err
	}

	for name, value := range attrs {
		if !meta.IsSettable(name) {
			return fmt.Errorf("%w: %q is not settable on %s", errors.ErrInvalidAttribute, name, meta.Name)
		}

		if field, ok := meta.Fields[name]; ok {
			if err := setColumnValue(target.FieldByIndex(field.IndexPath), value); err != nil {
				return fmt.Errorf("fill %s.%s: %w", meta.Name, name, err)
			}
			continue
		}

		rel := meta.Relationships[name]
		if rel.ToMany {
			return fmt.Errorf("%w: cannot assign collection %q on %s", errors.ErrInvalidAttribute, name, meta.Name)
		}
		if err := s.fillRelation(meta, target, rel, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) fillRelation(meta *entity.Metadata, target reflect.Value, rel *entity.Relationship, value any) error {
	relField := target.FieldByIndex(rel.FieldIndex)

	v := reflect.ValueOf(value)
	if value == nil || (v.Kind() == reflect.Ptr && v.IsNil()) {
		relField.Set(reflect.Zero(relField.Type()))
		return setColumnValue(target.FieldByIndex(meta.Fields[rel.LocalColumn].IndexPath), nil)
	}

	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Type() != rel.Target {
		return fmt.Errorf("%w: %q expects %s, got %T", errors.ErrInvalidValue, rel.Name, rel.Target, value)
	}

	if relField.Kind() == reflect.Ptr {
		ptr := reflect.New(rel.Target)
		ptr.Elem().Set(v)
		relField.Set(ptr)
	}

	related, err := s.entities.Target(rel)
	if err != nil {
		return err
	}
	key := v.FieldByIndex(related.PrimaryKey.IndexPath).Interface()
	return setColumnValue(target.FieldByIndex(meta.Fields[rel.LocalColumn].IndexPath), key)
}

// Create inserts the entity. A zero integer primary key is treated as
// unassigned: the column is omitted and the generated id read back.
func (s *Store) Create(ctx context.Context, model any) error {
	meta, target, err := s.materialize(model)
	if err != nil {
		return err
	}
	sess, err := session.FromContext(ctx)
	if err != nil {
		return err
	}

	pkField := target.FieldByIndex(meta.PrimaryKey.IndexPath)
	autoKey := isIntKind(pkField.Kind()) && pkField.IsZero()

	columns := make([]string, 0, len(meta.Columns()))
	values := make([]any, 0, len(meta.Columns()))
	for _, col := range meta.Columns() {
		if autoKey && col == meta.PrimaryKey.Column {
			continue
		}
		columns = append(columns, col)
		values = append(values, target.FieldByIndex(meta.Fields[col].IndexPath).Interface())
	}

	sqlStr, args, err := sq.Insert(meta.TableName).Columns(columns...).Values(values...).ToSql()
	if err != nil {
		return err
	}
	res, err := sess.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}

	if autoKey {
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := setColumnValue(pkField, id); err != nil {
			return err
		}
	}
	return nil
}

// Update writes the entity's columns back by primary key. With no field names
// given every non-key column is written; otherwise only the named ones.
func (s *Store) Update(ctx context.Context, model any, fields ...string) error {
	meta, target, err := s.materialize(model)
	if err != nil {
		return err
	}
	sess, err := session.FromContext(ctx)
	if err != nil {
		return err
	}

	pkField := target.FieldByIndex(meta.PrimaryKey.IndexPath)
	if pkField.IsZero() {
		return fmt.Errorf("%w: cannot update %s", errors.ErrMissingPrimaryKey, meta.Name)
	}

	if len(fields) == 0 {
		for _, col := range meta.Columns() {
			if col != meta.PrimaryKey.Column {
				fields = append(fields, col)
			}
		}
	}

	b := sq.Update(meta.TableName)
	for _, col := range fields {
		field, ok := meta.Fields[col]
		if !ok {
			return fmt.Errorf("%w: %s has no column %q", errors.ErrInvalidAttribute, meta.Name, col)
		}
		b = b.Set(col, target.FieldByIndex(field.IndexPath).Interface())
	}

	sqlStr, args, err := b.Where(sq.Eq{meta.PrimaryKey.Column: pkField.Interface()}).ToSql()
	if err != nil {
		return err
	}
	res, err := sess.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &errors.NotFoundError{Entity: meta.Name}
	}
	return nil
}

// Save inserts when the primary key is unassigned and updates otherwise.
func (s *Store) Save(ctx context.Context, model any) error {
	meta, target, err := s.materialize(model)
	if err != nil {
		return err
	}
	if target.FieldByIndex(meta.PrimaryKey.IndexPath).IsZero() {
		return s.Create(ctx, model)
	}
	return s.Update(ctx, model)
}

// DeleteOne removes the entity by primary key.
func (s *Store) DeleteOne(ctx context.Context, model any) error {
	meta, target, err := s.materialize(model)
	if err != nil {
		return err
	}
	sess, err := session.FromContext(ctx)
	if err != nil {
		return err
	}

	pkField := target.FieldByIndex(meta.PrimaryKey.IndexPath)
	if pkField.IsZero() {
		return fmt.Errorf("%w: cannot delete %s", errors.ErrMissingPrimaryKey, meta.Name)
	}

	sqlStr, args, err := sq.Delete(meta.TableName).
		Where(sq.Eq{meta.PrimaryKey.Column: pkField.Interface()}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := sess.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &errors.NotFoundError{Entity: meta.Name}
	}
	return nil
}

// materialize resolves metadata for model and returns its addressable struct
// value. Persistence requires a pointer so generated keys can be written back.
func (s *Store) materialize(model any) (*entity.Metadata, reflect.Value, error) {
	meta, err := s.entities.Metadata(model)
	if err != nil {
		return nil, reflect.Value{}, err
	}

	v := reflect.ValueOf(model)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, reflect.Value{}, fmt.Errorf("%w: %s must be addressed through a non-nil pointer",
			errors.ErrInvalidEntity, meta.Name)
	}
	return meta, v.Elem(), nil
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
