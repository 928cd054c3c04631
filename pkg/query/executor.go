package query

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/theory-cloud/relquery/pkg/entity"
	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/session"
)

// scanNode is one entity's slot in the select's column list: the root entity
// first, then every contains-eager alias in creation order (parents always
// precede children).
type scanNode struct {
	meta       *entity.Metadata
	rel        *entity.Relationship
	path       string
	parentPath string
	alias      string
	pkIndex    int
}

// plan is a compiled query: join graph, predicates, ordering, scan layout
// and follow-up eager fetches.
type plan struct {
	q         *Query
	aliases   *aliasRegistry
	preds     []sq.Sqlizer
	orderBys  []string
	nodes     []scanNode
	followUps []string
}

// compile applies the composition pipeline in dependency order: aliases must
// exist before predicates, ordering and the eager merge reference them.
func (q *Query) compile() (*plan, error) {
	if q.builderErr != nil {
		return nil, q.builderErr
	}

	aliases := newAliasRegistry(q.entities, q.meta)
	p := &plan{q: q, aliases: aliases}

	for _, spec := range q.filters {
		pred, err := compileFilter(aliases, q.operators, spec)
		if err != nil {
			return nil, err
		}
		p.preds = append(p.preds, pred)
	}

	for _, key := range q.sorts {
		frag, err := compileSort(aliases, key)
		if err != nil {
			return nil, err
		}
		p.orderBys = append(p.orderBys, frag)
	}

	flat, order, err := flattenEager(q.eager)
	if err != nil {
		return nil, err
	}
	p.followUps, err = planEagerLoads(aliases, flat, order)
	if err != nil {
		return nil, err
	}

	p.nodes = append(p.nodes, newScanNode(q.meta, nil, "", "", aliases.rootAlias()))
	for _, entry := range aliases.order {
		if !entry.ContainsEager {
			continue
		}
		parentPath := ""
		if entry.Parent != nil {
			parentPath = entry.Parent.Path
		}
		p.nodes = append(p.nodes, newScanNode(entry.Meta, entry.Rel, entry.Path, parentPath, entry.Alias))
	}

	return p, nil
}

func newScanNode(meta *entity.Metadata, rel *entity.Relationship, path, parentPath, alias string) scanNode {
	pkIndex := 0
	for i, col := range meta.Columns() {
		if col == meta.PrimaryKey.Column {
			pkIndex = i
			break
		}
	}
	return scanNode{meta: meta, rel: rel, path: path, parentPath: parentPath, alias: alias, pkIndex: pkIndex}
}

// baseSelect builds a select with the query's joins and predicates applied.
func (p *plan) baseSelect(columns ...string) sq.SelectBuilder {
	b := sq.Select(columns...).From(p.q.meta.TableName)

	for _, entry := range p.aliases.order {
		parentAlias := p.aliases.rootAlias()
		if entry.Parent != nil {
			parentAlias = entry.Parent.Alias
		}
		b = b.LeftJoin(fmt.Sprintf("%s AS %s ON %s.%s = %s.%s",
			entry.Meta.TableName, entry.Alias,
			parentAlias, entry.Rel.LocalColumn,
			entry.Alias, entry.ForeignColumn()))
	}

	for _, pred := range p.preds {
		b = b.Where(pred)
	}
	return b
}

func (p *plan) applyCustom(b sq.SelectBuilder) sq.SelectBuilder {
	for _, fn := range p.q.custom {
		b = fn(b)
	}
	return b
}

// selectBuilder assembles the full row-fetching select.
func (p *plan) selectBuilder() sq.SelectBuilder {
	var columns []string
	for _, node := range p.nodes {
		for _, col := range node.meta.Columns() {
			columns = append(columns, node.alias+"."+col)
		}
	}

	b := p.baseSelect(columns...)
	if len(p.orderBys) > 0 {
		b = b.OrderBy(p.orderBys...)
	}
	if p.q.hasLimit {
		b = b.Limit(p.q.limit)
	}
	if p.q.hasOffset {
		b = b.Offset(p.q.offset)
	}
	return p.applyCustom(b)
}

// run executes the select, assembles entity instances with their joined
// eager loads, then resolves follow-up fetches.
func (p *plan) run(ctx context.Context) (*resultSet, error) {
	sess, err := session.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	sqlStr, args, err := p.selectBuilder().ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := sess.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}

	asm := newAssembler(p)

	total := 0
	for _, node := range p.nodes {
		total += len(node.meta.Columns())
	}

	// drain and close before the follow-up fetches reuse the connection
	scanErr := func() error {
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			holders := make([]any, total)
			ptrs := make([]any, total)
			for i := range holders {
				ptrs[i] = &holders[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			if err := asm.addRow(holders); err != nil {
				return err
			}
		}
		return rows.Err()
	}()
	if scanErr != nil {
		return nil, scanErr
	}

	for _, path := range p.followUps {
		if err := p.loadSubquery(ctx, sess, asm, path); err != nil {
			return nil, err
		}
	}

	return asm.finalize(), nil
}

func (p *plan) count(ctx context.Context) (int64, error) {
	sess, err := session.FromContext(ctx)
	if err != nil {
		return 0, err
	}

	// Joins against to-many relations multiply rows; counting distinct root
	// keys keeps the result an entity count.
	countExpr := "COUNT(*)"
	if len(p.aliases.order) > 0 {
		countExpr = fmt.Sprintf("COUNT(DISTINCT %s.%s)", p.aliases.rootAlias(), p.q.meta.PrimaryKey.Column)
	}

	sqlStr, args, err := p.applyCustom(p.baseSelect(countExpr)).ToSql()
	if err != nil {
		return 0, err
	}

	var n int64
	if err := sess.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *plan) delete(ctx context.Context) (int64, error) {
	sess, err := session.FromContext(ctx)
	if err != nil {
		return 0, err
	}

	pk := p.q.meta.PrimaryKey.Column
	sub, args, err := p.applyCustom(p.baseSelect(p.aliases.rootAlias() + "." + pk)).ToSql()
	if err != nil {
		return 0, err
	}

	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", p.q.meta.TableName, pk, sub)
	res, err := sess.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *plan) selectInto(ctx context.Context, dest any) error {
	results, err := p.run(ctx)
	if err != nil {
		return err
	}
	return assignSlice(p.q.meta, dest, results)
}

func (q *Query) collect(ctx context.Context) (*resultSet, error) {
	plan, err := q.compile()
	if err != nil {
		return nil, err
	}
	return plan.run(ctx)
}

// loadSubquery performs an independent eager fetch for one flattened path:
// SELECT the target rows whose join column matches any loaded parent, then
// attach them. Parents come from the root set or an earlier eager load.
func (p *plan) loadSubquery(ctx context.Context, sess *session.Session, asm *assembler, path string) error {
	segments := pathSegments(path)
	name := segments[len(segments)-1]
	parentPath := strings.Join(segments[:len(segments)-1], ".")

	parentMeta, err := p.metadataAt(segments[:len(segments)-1], path)
	if err != nil {
		return err
	}

	rel, ok := parentMeta.Relationships[name]
	if !ok {
		return fmt.Errorf("%w: %q has no relationship %q on %s",
			errors.ErrInvalidPath, path, name, parentMeta.Name)
	}
	target, err := p.q.entities.Target(rel)
	if err != nil {
		return fmt.Errorf("%w (relation %q in %q)", err, name, path)
	}

	parents := asm.instancesAt(parentPath)
	if len(parents) == 0 {
		return nil
	}

	localField, ok := parentMeta.Fields[rel.LocalColumn]
	if !ok {
		return fmt.Errorf("%w: relation %q joins through unknown column %q",
			errors.ErrInvalidPath, name, rel.LocalColumn)
	}

	// parent join-key value → parent pks, for attaching fetched children
	parentsByKey := make(map[any][]any, len(parents))
	keys := make([]any, 0, len(parents))
	for pk, inst := range parents {
		key := normalizeKey(inst.Elem().FieldByIndex(localField.IndexPath).Interface())
		if _, seen := parentsByKey[key]; !seen {
			keys = append(keys, key)
		}
		parentsByKey[key] = append(parentsByKey[key], pk)
	}

	foreign := rel.ForeignColumn
	if foreign == "" {
		foreign = target.PrimaryKey.Column
	}

	columns := make([]string, 0, len(target.Columns()))
	for _, col := range target.Columns() {
		columns = append(columns, target.TableName+"."+col)
	}
	foreignIndex := 0
	for i, col := range target.Columns() {
		if col == foreign {
			foreignIndex = i
			break
		}
	}

	sqlStr, args, err := sq.Select(columns...).
		From(target.TableName).
		Where(sq.Eq{target.TableName + "." + foreign: keys}).
		ToSql()
	if err != nil {
		return err
	}

	rows, err := sess.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	pkIndex := 0
	for i, col := range target.Columns() {
		if col == target.PrimaryKey.Column {
			pkIndex = i
			break
		}
	}

	for rows.Next() {
		holders := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range holders {
			ptrs[i] = &holders[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}

		childPK := normalizeKey(holders[pkIndex])
		if childPK == nil {
			continue
		}
		if _, err := asm.instance(path, target, childPK, holders); err != nil {
			return err
		}

		joinKey := normalizeKey(holders[foreignIndex])
		for _, parentPK := range parentsByKey[joinKey] {
			asm.recordAttachment(path, parentPath, parentPK, childPK, rel)
		}
	}
	return rows.Err()
}

// metadataAt walks relation segments from the root entity to the metadata
// they lead to, independent of the alias registry (subquery parents need not
// be joined).
func (p *plan) metadataAt(segments []string, raw string) (*entity.Metadata, error) {
	meta := p.q.meta
	for _, segment := range segments {
		rel, ok := meta.Relationships[segment]
		if !ok {
			return nil, fmt.Errorf("%w: %q has no relationship %q on %s",
				errors.ErrInvalidPath, raw, segment, meta.Name)
		}
		target, err := p.q.entities.Target(rel)
		if err != nil {
			return nil, fmt.Errorf("%w (relation %q in %q)", err, segment, raw)
		}
		meta = target
	}
	return meta, nil
}

// resultSet holds assembled root instances (pointers) in first-seen order.
type resultSet struct {
	items []reflect.Value
}

func (r *resultSet) Len() int {
	return len(r.items)
}

func (r *resultSet) Index(i int) reflect.Value {
	return r.items[i]
}

// attachment is a deferred parent←child link. Links apply deepest-first at
// finalize so that value-typed collection elements are copied only after
// their own children are attached.
type attachment struct {
	rel        *entity.Relationship
	path       string
	parentPath string
	parentPK   any
	childPK    any
}

// assembler builds unique entity instances per (path, primary key) from
// joined rows and eager fetches, then wires relationships.
type assembler struct {
	plan        *plan
	instances   map[string]map[any]reflect.Value
	rootOrder   []any
	attachments []attachment
	seen        map[string]struct{}
}

func newAssembler(p *plan) *assembler {
	return &assembler{
		plan:      p,
		instances: map[string]map[any]reflect.Value{},
		seen:      map[string]struct{}{},
	}
}

func (a *assembler) instancesAt(path string) map[any]reflect.Value {
	return a.instances[path]
}

// instance returns the canonical instance for (path, pk), creating and
// filling it from the row values on first sight.
func (a *assembler) instance(path string, meta *entity.Metadata, pk any, values []any) (reflect.Value, error) {
	byPK := a.instances[path]
	if byPK == nil {
		byPK = map[any]reflect.Value{}
		a.instances[path] = byPK
	}

	if inst, ok := byPK[pk]; ok {
		return inst, nil
	}

	inst := reflect.New(meta.Type)
	for i, col := range meta.Columns() {
		field := inst.Elem().FieldByIndex(meta.Fields[col].IndexPath)
		if err := setColumnValue(field, values[i]); err != nil {
			return reflect.Value{}, fmt.Errorf("scan %s.%s: %w", meta.Name, col, err)
		}
	}

	byPK[pk] = inst
	if path == "" {
		a.rootOrder = append(a.rootOrder, pk)
	}
	return inst, nil
}

// addRow consumes one joined result row: each scan node's column block
// yields (or revisits) an instance, and child nodes record an attachment to
// the row's parent instance.
func (a *assembler) addRow(values []any) error {
	rowPKs := map[string]any{}

	offset := 0
	for _, node := range a.plan.nodes {
		width := len(node.meta.Columns())
		block := values[offset : offset+width]
		offset += width

		pk := normalizeKey(block[node.pkIndex])
		if pk == nil {
			// outer-join miss: no related row on this path
			continue
		}

		if _, err := a.instance(node.path, node.meta, pk, block); err != nil {
			return err
		}
		rowPKs[node.path] = pk

		if node.rel != nil {
			parentPK, ok := rowPKs[node.parentPath]
			if !ok {
				continue
			}
			a.recordAttachment(node.path, node.parentPath, parentPK, pk, node.rel)
		}
	}
	return nil
}

func (a *assembler) recordAttachment(path, parentPath string, parentPK, childPK any, rel *entity.Relationship) {
	key := fmt.Sprintf("%s|%v|%v", path, parentPK, childPK)
	if _, dup := a.seen[key]; dup {
		return
	}
	a.seen[key] = struct{}{}
	a.attachments = append(a.attachments, attachment{
		rel: rel, path: path, parentPath: parentPath, parentPK: parentPK, childPK: childPK,
	})
}

// finalize applies attachments deepest-first and returns the root instances
// in first-seen row order.
func (a *assembler) finalize() *resultSet {
	sort.SliceStable(a.attachments, func(i, j int) bool {
		return strings.Count(a.attachments[i].path, ".") > strings.Count(a.attachments[j].path, ".")
	})

	for _, at := range a.attachments {
		parent, ok := a.instances[at.parentPath][at.parentPK]
		if !ok {
			continue
		}
		child, ok := a.instances[at.path][at.childPK]
		if !ok {
			continue
		}
		attach(parent, at.rel, child)
	}

	rs := &resultSet{items: make([]reflect.Value, 0, len(a.rootOrder))}
	for _, pk := range a.rootOrder {
		rs.items = append(rs.items, a.instances[""][pk])
	}
	return rs
}

// attach wires a child instance into its parent's relation field.
func attach(parent reflect.Value, rel *entity.Relationship, child reflect.Value) {
	field := parent.Elem().FieldByIndex(rel.FieldIndex)

	if rel.ToMany {
		if field.Type().Elem().Kind() == reflect.Ptr {
			field.Set(reflect.Append(field, child))
		} else {
			field.Set(reflect.Append(field, child.Elem()))
		}
		return
	}
	field.Set(child)
}

// setColumnValue assigns a driver value to a struct field, tolerating the
// type loosening database/sql applies (int64 for integers, []byte for text).
func setColumnValue(field reflect.Value, value any) error {
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := setColumnValue(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	v := reflect.ValueOf(value)
	if v.Type() == field.Type() {
		field.Set(v)
		return nil
	}

	switch value := value.(type) {
	case int64:
		switch field.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetInt(value)
			return nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			field.SetUint(uint64(value))
			return nil
		case reflect.Float32, reflect.Float64:
			field.SetFloat(float64(value))
			return nil
		case reflect.Bool:
			field.SetBool(value != 0)
			return nil
		}
	case float64:
		if field.Kind() == reflect.Float32 || field.Kind() == reflect.Float64 {
			field.SetFloat(value)
			return nil
		}
	case bool:
		if field.Kind() == reflect.Bool {
			field.SetBool(value)
			return nil
		}
	case string:
		if field.Kind() == reflect.String {
			field.SetString(value)
			return nil
		}
	case []byte:
		if field.Kind() == reflect.String {
			field.SetString(string(value))
			return nil
		}
		if field.Type() == reflect.TypeOf([]byte(nil)) {
			field.SetBytes(value)
			return nil
		}
	case time.Time:
		if field.Type() == reflect.TypeOf(time.Time{}) {
			field.Set(reflect.ValueOf(value))
			return nil
		}
	}

	if v.Type().ConvertibleTo(field.Type()) {
		field.Set(v.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// normalizeKey folds driver value types so keys compare consistently with
// reflected struct field values.
func normalizeKey(v any) any {
	switch v := v.(type) {
	case nil:
		return nil
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	case []byte:
		return string(v)
	default:
		return v
	}
}

// assignEntity copies an assembled instance into dest (*T or **T).
func assignEntity(dest any, item reflect.Value) error {
	destV := reflect.ValueOf(dest)
	if destV.Kind() != reflect.Ptr || destV.IsNil() {
		return fmt.Errorf("%w: destination must be a non-nil pointer", errors.ErrInvalidValue)
	}

	elem := destV.Elem()
	switch {
	case elem.Type() == item.Type():
		elem.Set(item)
	case elem.Type() == item.Type().Elem():
		elem.Set(item.Elem())
	default:
		return fmt.Errorf("%w: destination type %s does not match entity %s",
			errors.ErrInvalidValue, elem.Type(), item.Type().Elem())
	}
	return nil
}

// assignSlice copies assembled instances into dest (*[]T or *[]*T).
func assignSlice(meta *entity.Metadata, dest any, results *resultSet) error {
	destV := reflect.ValueOf(dest)
	if destV.Kind() != reflect.Ptr || destV.IsNil() {
		return fmt.Errorf("%w: destination must be a non-nil pointer to a slice", errors.ErrInvalidValue)
	}

	sliceV := destV.Elem()
	if sliceV.Kind() != reflect.Slice {
		return fmt.Errorf("%w: destination must point to a slice", errors.ErrInvalidValue)
	}

	elemType := sliceV.Type().Elem()
	ptrElem := elemType.Kind() == reflect.Ptr
	base := elemType
	if ptrElem {
		base = base.Elem()
	}
	if base != meta.Type {
		return fmt.Errorf("%w: destination element type %s does not match entity %s",
			errors.ErrInvalidValue, elemType, meta.Name)
	}

	out := reflect.MakeSlice(sliceV.Type(), 0, results.Len())
	for i := 0; i < results.Len(); i++ {
		item := results.Index(i)
		if ptrElem {
			out = reflect.Append(out, item)
		} else {
			out = reflect.Append(out, item.Elem())
		}
	}
	sliceV.Set(out)
	return nil
}
