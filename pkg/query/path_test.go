package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKeyRootAttribute(t *testing.T) {
	key := ParseKey("name")
	assert.Empty(t, key.Relations)
	assert.Equal(t, "name", key.Terminal)
	assert.Equal(t, "", key.Path())
}

func TestParseKeyWithOperatorSuffix(t *testing.T) {
	key := ParseKey("rating__gt")
	assert.Empty(t, key.Relations)
	assert.Equal(t, "rating__gt", key.Terminal)

	leaf, op := splitOperator(key.Terminal)
	assert.Equal(t, "rating", leaf)
	assert.Equal(t, "gt", op)
}

func TestParseKeyRelationPath(t *testing.T) {
	key := ParseKey("user___name__like")
	assert.Equal(t, []string{"user"}, key.Relations)
	assert.Equal(t, "name__like", key.Terminal)
	assert.Equal(t, "user", key.Path())
}

func TestParseKeyNestedRelations(t *testing.T) {
	key := ParseKey("post___user___email")
	assert.Equal(t, []string{"post", "user"}, key.Relations)
	assert.Equal(t, "email", key.Terminal)
	assert.Equal(t, "post.user", key.Path())
}

func TestSplitOperatorOnlyOnLastComponent(t *testing.T) {
	// the last delimiter wins, so date-part variants keep their full name
	leaf, op := splitOperator("created_at__year_ge")
	assert.Equal(t, "created_at", leaf)
	assert.Equal(t, "year_ge", op)

	leaf, op = splitOperator("name")
	assert.Equal(t, "name", leaf)
	assert.Equal(t, "", op)
}

func TestSplitOperatorLeadingDelimiterIsBareLeaf(t *testing.T) {
	// a delimiter at position zero leaves no leaf, so the component is
	// treated as a bare (malformed) attribute name
	leaf, op := splitOperator("__gt")
	assert.Equal(t, "__gt", leaf)
	assert.Equal(t, "", op)
}

func TestParseSortKey(t *testing.T) {
	key := ParseSortKey("rating")
	assert.False(t, key.Desc)
	assert.Equal(t, "rating", key.Key.Terminal)

	key = ParseSortKey("-rating")
	assert.True(t, key.Desc)
	assert.Equal(t, "rating", key.Key.Terminal)
}

func TestParseSortKeyDescOnRelationPath(t *testing.T) {
	key := ParseSortKey("-user___name")
	assert.True(t, key.Desc)
	assert.Equal(t, []string{"user"}, key.Key.Relations)
	assert.Equal(t, "name", key.Key.Terminal)
}

func TestDottedPath(t *testing.T) {
	assert.Equal(t, "user", dottedPath("user"))
	assert.Equal(t, "post.user", dottedPath("post___user"))
}
