package query

import (
	"fmt"

	"github.com/theory-cloud/relquery/pkg/errors"
)

// compileSort resolves a sort key's owning alias and produces an ORDER BY
// fragment. Sort keys carry no operator suffix; their leaf must be in the
// entity's sortable set (columns and hybrid properties).
func compileSort(aliases *aliasRegistry, key SortKey) (string, error) {
	entry, err := aliases.resolve(key.Key.Relations, key.Key.Raw)
	if err != nil {
		return "", err
	}
	meta, alias := aliases.owner(entry)

	leaf := key.Key.Terminal
	if !meta.IsSortable(leaf) {
		return "", fmt.Errorf("%w: cannot order %s by %q (key %q)",
			errors.ErrInvalidAttribute, meta.Name, leaf, key.Key.Raw)
	}

	expr := ""
	if prop, ok := meta.HybridProps[leaf]; ok {
		expr = prop(alias)
	} else {
		expr = alias + "." + meta.Fields[leaf].Column
	}

	if key.Desc {
		return expr + " DESC", nil
	}
	return expr + " ASC", nil
}
