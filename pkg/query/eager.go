package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/theory-cloud/relquery/pkg/errors"
)

// Strategy selects how an eager-loaded relation is fetched
type Strategy string

const (
	// StrategyJoined merges the relation into the root query's joins
	StrategyJoined Strategy = "joined"
	// StrategySubquery fetches the relation with an independent follow-up query
	StrategySubquery Strategy = "subquery"
)

// Eager is a nested eager-load schema keyed by relation name. Values may be
// a Strategy (or its string literal), a nested Eager (implying joined), or a
// Node pairing a strategy with a nested schema.
type Eager map[string]any

// Node pairs an explicit strategy with a nested schema
type Node struct {
	Nested   Eager
	Strategy Strategy
}

// flattenEager flattens a nested schema depth-first into a dotted
// path→strategy map plus a deterministic ordering with parents before
// children.
func flattenEager(schema Eager) (map[string]Strategy, []string, error) {
	flat := make(map[string]Strategy)
	var order []string
	if err := flattenInto(schema, "", flat, &order); err != nil {
		return nil, nil, err
	}
	return flat, order, nil
}

func flattenInto(schema Eager, parent string, flat map[string]Strategy, order *[]string) error {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := name
		if parent != "" {
			path = parent + "." + name
		}

		strategy, nested, err := normalizeEagerValue(schema[name], path)
		if err != nil {
			return err
		}

		if _, seen := flat[path]; !seen {
			*order = append(*order, path)
		}
		flat[path] = strategy

		if nested != nil {
			if err := flattenInto(nested, path, flat, order); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalizeEagerValue(value any, path string) (Strategy, Eager, error) {
	switch v := value.(type) {
	case nil:
		return StrategyJoined, nil, nil
	case Strategy:
		return validStrategy(v, path)
	case string:
		return validStrategy(Strategy(v), path)
	case Eager:
		// a bare nested tree implies the joined strategy
		return StrategyJoined, v, nil
	case map[string]any:
		return StrategyJoined, Eager(v), nil
	case Node:
		strategy := v.Strategy
		if strategy == "" {
			strategy = StrategyJoined
		}
		if _, _, err := validStrategy(strategy, path); err != nil {
			return "", nil, err
		}
		return strategy, v.Nested, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported schema value %T at %q",
			errors.ErrInvalidEagerStrategy, value, path)
	}
}

func validStrategy(s Strategy, path string) (Strategy, Eager, error) {
	switch s {
	case StrategyJoined, StrategySubquery:
		return s, nil, nil
	default:
		return "", nil, fmt.Errorf("%w: %q at %q", errors.ErrInvalidEagerStrategy, s, path)
	}
}

// mergeEager combines two schemas, the newer overriding on key collisions.
func mergeEager(base, extra Eager) Eager {
	if len(base) == 0 {
		return extra
	}
	merged := make(Eager, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// planEagerLoads applies a flattened schema to the alias registry: joined
// paths merge into an existing alias when filtering or sorting already
// joined the relation (never a second join), or create their own alias
// otherwise. Subquery paths are emitted as independent follow-up fetches,
// and so is any joined path below one: a relation fetched outside the root
// scan cannot have children scanned into it, so they load after their
// parent. Aliases created by filters and sorts default to merged
// (contains-eager) loading unless the schema explicitly routes their path
// to a subquery.
func planEagerLoads(aliases *aliasRegistry, flat map[string]Strategy, order []string) ([]string, error) {
	var followUps []string
	detached := map[string]bool{}

	for _, path := range order {
		strategy := flat[path]
		if strategy == StrategyJoined && underDetached(path, detached) {
			strategy = StrategySubquery
		}
		switch strategy {
		case StrategySubquery:
			detached[path] = true
			followUps = append(followUps, path)
		case StrategyJoined:
			entry, ok := aliases.lookup(path)
			if !ok {
				created, err := aliases.resolve(pathSegments(path), path)
				if err != nil {
					return nil, err
				}
				entry = created
			}
			entry.ContainsEager = true
		}
	}

	// Relations joined for filtering/sorting are scanned into their parents
	// unless the schema explicitly made the path a follow-up fetch or a
	// detached parent keeps them out of the root scan. Parents precede
	// children in creation order, so a parent's disposition is settled
	// before its children are visited.
	for _, entry := range aliases.order {
		if detached[entry.Path] {
			continue
		}
		if entry.Parent != nil && !entry.Parent.ContainsEager {
			detached[entry.Path] = true
			followUps = append(followUps, entry.Path)
			continue
		}
		entry.ContainsEager = true
	}

	// Follow-up fetches resolve their parents from already-loaded instances,
	// so shallower paths must load first.
	sort.SliceStable(followUps, func(i, j int) bool {
		return strings.Count(followUps[i], ".") < strings.Count(followUps[j], ".")
	})

	return followUps, nil
}

// underDetached reports whether any ancestor prefix of path was routed to a
// follow-up fetch.
func underDetached(path string, detached map[string]bool) bool {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '.' && detached[path[:i]] {
			return true
		}
	}
	return false
}
