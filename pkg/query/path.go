// Package query implements the dynamic query-composition engine: flat
// string-keyed filters, sort keys and eager-load schemas are resolved against
// the declared entity graph and compiled into SQL.
package query

import (
	"strings"
)

// Delimiter tokens of the flat key grammar. Relation segments are separated
// by the relation delimiter; the component after the last relation segment
// may carry an operator suffix separated by the operator delimiter. Attribute
// and relation names may not contain either token (enforced at entity
// registration), so the two can never collide.
const (
	RelationDelimiter = "___"
	OperatorDelimiter = "__"
	DescMarker        = "-"
)

// KeySpec is a lexically parsed flat key: the ordered relation segments and
// the terminal component. The terminal still contains a possible operator
// suffix; splitting it requires entity metadata (hybrid methods never take a
// suffix) and happens during compilation.
type KeySpec struct {
	Raw       string
	Relations []string
	Terminal  string
}

// ParseKey splits a raw flat key on the relation delimiter.
func ParseKey(raw string) KeySpec {
	parts := strings.Split(raw, RelationDelimiter)
	return KeySpec{
		Raw:       raw,
		Relations: parts[:len(parts)-1],
		Terminal:  parts[len(parts)-1],
	}
}

// Path returns the dotted relation path, e.g. "author.group", or "" when the
// key addresses the root entity.
func (k KeySpec) Path() string {
	return strings.Join(k.Relations, ".")
}

// splitOperator splits a terminal component into leaf and operator suffix.
// A single trailing component with no delimiter is a bare leaf.
func splitOperator(terminal string) (leaf, op string) {
	idx := strings.LastIndex(terminal, OperatorDelimiter)
	if idx <= 0 {
		return terminal, ""
	}
	return terminal[:idx], terminal[idx+len(OperatorDelimiter):]
}

// SortKey is a parsed sort key: the descending marker is only recognized at
// the start of the full raw key, never per segment.
type SortKey struct {
	Key  KeySpec
	Desc bool
}

// ParseSortKey parses a raw sort key with optional leading descending marker.
func ParseSortKey(raw string) SortKey {
	desc := strings.HasPrefix(raw, DescMarker)
	key := raw
	if desc {
		key = strings.TrimPrefix(raw, DescMarker)
	}
	return SortKey{Key: ParseKey(key), Desc: desc}
}

// pathSegments converts a dotted relation path back to its segments.
func pathSegments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// dottedPath converts a delimiter-separated relation path to dotted form.
func dottedPath(raw string) string {
	return strings.Join(strings.Split(raw, RelationDelimiter), ".")
}
