package query

import (
	"fmt"

	"github.com/theory-cloud/relquery/pkg/entity"
	"github.com/theory-cloud/relquery/pkg/errors"
)

// AliasEntry is a distinct joinable reference to an entity reached via a
// specific relation path. Exactly one entry exists per distinct path within
// a composed query; paths sharing a prefix share the prefix's entry.
type AliasEntry struct {
	Rel           *entity.Relationship
	Meta          *entity.Metadata
	Parent        *AliasEntry
	Path          string
	Alias         string
	ContainsEager bool
}

// ForeignColumn resolves the target-side join column: an explicit foreign
// column from the relationship, else the target's primary key.
func (e *AliasEntry) ForeignColumn() string {
	if e.Rel.ForeignColumn != "" {
		return e.Rel.ForeignColumn
	}
	return e.Meta.PrimaryKey.Column
}

// aliasRegistry walks the relation paths referenced by a query and creates
// one alias per unique path, recording the relationship needed to join it.
// Creation is depth-first: a path's prefix always exists before its suffix.
type aliasRegistry struct {
	entities *entity.Registry
	root     *entity.Metadata
	entries  map[string]*AliasEntry
	order    []*AliasEntry
	counter  int
}

func newAliasRegistry(entities *entity.Registry, root *entity.Metadata) *aliasRegistry {
	return &aliasRegistry{
		entities: entities,
		root:     root,
		entries:  make(map[string]*AliasEntry),
	}
}

// rootAlias is the reference name for the unaliased root table.
func (a *aliasRegistry) rootAlias() string {
	return a.root.TableName
}

// resolve walks the relation segments of a key, creating any missing alias
// entries parent-before-child, and returns the entry owning the key's leaf.
// A nil entry means the key addresses the root entity. The raw key is only
// used for error reporting.
func (a *aliasRegistry) resolve(relations []string, raw string) (*AliasEntry, error) {
	var parent *AliasEntry
	meta := a.root
	path := ""

	for _, segment := range relations {
		if path == "" {
			path = segment
		} else {
			path = path + "." + segment
		}

		if entry, ok := a.entries[path]; ok {
			parent = entry
			meta = entry.Meta
			continue
		}

		rel, ok := meta.Relationships[segment]
		if !ok {
			return nil, fmt.Errorf("%w: %q has no relationship %q on %s",
				errors.ErrInvalidPath, raw, segment, meta.Name)
		}

		target, err := a.entities.Target(rel)
		if err != nil {
			return nil, fmt.Errorf("%w (relation %q in %q)", err, segment, raw)
		}

		a.counter++
		entry := &AliasEntry{
			Rel:    rel,
			Meta:   target,
			Parent: parent,
			Path:   path,
			Alias:  fmt.Sprintf("%s_%d", target.TableName, a.counter),
		}
		a.entries[path] = entry
		a.order = append(a.order, entry)

		parent = entry
		meta = target
	}

	return parent, nil
}

// lookup returns the entry for a dotted path, if present.
func (a *aliasRegistry) lookup(path string) (*AliasEntry, bool) {
	entry, ok := a.entries[path]
	return entry, ok
}

// owner returns the metadata and SQL alias a key's leaf attribute belongs to:
// the root entity when the key has no relation segments.
func (a *aliasRegistry) owner(entry *AliasEntry) (*entity.Metadata, string) {
	if entry == nil {
		return a.root, a.rootAlias()
	}
	return entry.Meta, entry.Alias
}
