package query

import (
	"context"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"github.com/theory-cloud/relquery/pkg/entity"
	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/operator"
)

// CustomBuilder transforms the underlying select for cases the flat-key DSL
// cannot express.
type CustomBuilder func(sq.SelectBuilder) sq.SelectBuilder

// Query composes a select against a declared entity from flat string-keyed
// filters, sort keys and eager-load schemas. Every chain method returns a
// new Query and never mutates its receiver, so partially-built queries can
// be branched and reused safely.
type Query struct {
	entities   *entity.Registry
	operators  *operator.Registry
	meta       *entity.Metadata
	builderErr error
	eager      Eager
	filters    []FilterSpec
	sorts      []SortKey
	custom     []CustomBuilder
	limit      uint64
	offset     uint64
	hasLimit   bool
	hasOffset  bool
}

// New creates a query composer bound to a registered entity type.
func New(entities *entity.Registry, operators *operator.Registry, model any) *Query {
	q := &Query{entities: entities, operators: operators}

	meta, err := entities.Metadata(model)
	if err != nil {
		q.builderErr = err
		return q
	}
	q.meta = meta
	return q
}

// clone copies the composer with freshly-owned slices so successors never
// share backing arrays with their predecessor.
func (q *Query) clone() *Query {
	next := &Query{
		entities:  q.entities,
		operators: q.operators,
		meta:      q.meta,

		builderErr: q.builderErr,
		eager:      q.eager,
		limit:      q.limit,
		offset:     q.offset,
		hasLimit:   q.hasLimit,
		hasOffset:  q.hasOffset,
	}
	next.filters = append(make([]FilterSpec, 0, len(q.filters)+1), q.filters...)
	next.sorts = append(make([]SortKey, 0, len(q.sorts)+1), q.sorts...)
	next.custom = append(make([]CustomBuilder, 0, len(q.custom)+1), q.custom...)
	return next
}

func (q *Query) recordErr(err error) *Query {
	next := q.clone()
	if next.builderErr == nil {
		next.builderErr = err
	}
	return next
}

// Err returns the first error recorded while chaining, if any.
func (q *Query) Err() error {
	return q.builderErr
}

// Entity returns the metadata of the bound entity.
func (q *Query) Entity() *entity.Metadata {
	return q.meta
}

// Filter adds predicates from a flat key→value map. Keys follow the grammar
// (<relation>___)*<leaf>[__<operator>]. Map entries are applied in sorted key
// order, so filter(a,b) and filter(a).filter(b) compose the same predicate set.
func (q *Query) Filter(filters map[string]any) *Query {
	next := q.clone()

	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		next.filters = append(next.filters, FilterSpec{Key: ParseKey(key), Value: filters[key]})
	}
	return next
}

// FilterKV adds a single predicate.
func (q *Query) FilterKV(key string, value any) *Query {
	next := q.clone()
	next.filters = append(next.filters, FilterSpec{Key: ParseKey(key), Value: value})
	return next
}

// OrderBy adds sort keys; a leading "-" marks a key descending.
func (q *Query) OrderBy(keys ...string) *Query {
	next := q.clone()
	for _, key := range keys {
		next.sorts = append(next.sorts, ParseSortKey(key))
	}
	return next
}

// SelectRelated eagerly loads the given relation paths with the joined
// strategy. Paths use the relation delimiter, e.g. "author___group".
func (q *Query) SelectRelated(paths ...string) *Query {
	schema := make(Eager, len(paths))
	for _, path := range paths {
		schema[dottedPath(path)] = StrategyJoined
	}
	return q.EagerLoad(schema)
}

// EagerLoad merges an eager-load schema into the query. Schema keys are
// dotted relation paths or plain relation names.
func (q *Query) EagerLoad(schema Eager) *Query {
	next := q.clone()
	next.eager = mergeEager(next.eager, schema)
	return next
}

// Limit bounds the number of result rows.
func (q *Query) Limit(n uint64) *Query {
	next := q.clone()
	next.limit = n
	next.hasLimit = true
	return next
}

// Offset skips the first n result rows.
func (q *Query) Offset(n uint64) *Query {
	next := q.clone()
	next.offset = n
	next.hasOffset = true
	return next
}

// Custom applies an arbitrary transformation to the underlying select. The
// escape hatch for predicates the flat-key DSL cannot express.
func (q *Query) Custom(fn CustomBuilder) *Query {
	next := q.clone()
	next.custom = append(next.custom, fn)
	return next
}

// All executes the query and scans every matching entity into dest, which
// must be a pointer to a slice of the bound entity type (values or pointers).
func (q *Query) All(ctx context.Context, dest any) error {
	plan, err := q.compile()
	if err != nil {
		return err
	}
	return plan.selectInto(ctx, dest)
}

// First executes the query and scans the first matching entity into dest,
// reporting whether a match existed.
func (q *Query) First(ctx context.Context, dest any) (bool, error) {
	results, err := q.collect(ctx)
	if err != nil {
		return false, err
	}
	if results.Len() == 0 {
		return false, nil
	}
	return true, assignEntity(dest, results.Index(0))
}

// Get expects exactly one matching entity: zero matches fail with a
// NotFoundError naming the entity, more than one with ErrMultipleResults.
func (q *Query) Get(ctx context.Context, dest any) error {
	results, err := q.collect(ctx)
	if err != nil {
		return err
	}
	switch results.Len() {
	case 0:
		return &errors.NotFoundError{Entity: q.meta.Name}
	case 1:
		return assignEntity(dest, results.Index(0))
	default:
		return fmt.Errorf("%w: %s matched %d rows", errors.ErrMultipleResults, q.meta.Name, results.Len())
	}
}

// OneOrNone tolerates zero or one match, failing with ErrMultipleResults
// beyond that. It reports whether a match existed.
func (q *Query) OneOrNone(ctx context.Context, dest any) (bool, error) {
	results, err := q.collect(ctx)
	if err != nil {
		return false, err
	}
	switch results.Len() {
	case 0:
		return false, nil
	case 1:
		return true, assignEntity(dest, results.Index(0))
	default:
		return false, fmt.Errorf("%w: %s matched %d rows", errors.ErrMultipleResults, q.meta.Name, results.Len())
	}
}

// Count returns the number of matching root entities without materializing
// rows. Joined to-many relations are counted distinct on the primary key.
func (q *Query) Count(ctx context.Context) (int64, error) {
	plan, err := q.compile()
	if err != nil {
		return 0, err
	}
	return plan.count(ctx)
}

// Delete removes every matching root entity, returning the affected count.
// Relation-path filters apply through a key subselect.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	plan, err := q.compile()
	if err != nil {
		return 0, err
	}
	return plan.delete(ctx)
}
