// Package naming converts Go identifiers to SQL column and table names.
package naming

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var snakeCasePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

// ToSnakeCase converts a Go struct field name to a snake_case column name.
// It uses smart acronym handling: "URLValue" → "url_value", "ID" → "id", "UserID" → "user_id".
func ToSnakeCase(name string) string {
	if name == "" {
		return ""
	}

	runes := []rune(name)
	if len(runes) == 1 {
		return strings.ToLower(name)
	}

	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	for i, ch := range runes {
		if unicode.IsUpper(ch) {
			if i > 0 {
				prev := runes[i-1]
				nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if !unicode.IsDigit(prev) && (unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextIsLower)) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(ch))
			continue
		}
		b.WriteRune(unicode.ToLower(ch))
	}

	return b.String()
}

// TableName derives a table name from an entity type name: snake_case plural.
func TableName(typeName string) string {
	name := ToSnakeCase(typeName)
	switch {
	case strings.HasSuffix(name, "s"):
		return name + "es"
	case strings.HasSuffix(name, "y"):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}

// ValidateName rejects identifiers that would collide with the path grammar.
// Column, relation and operator names must be snake_case and must not contain
// a run of two or more underscores, which the flat-key parser reserves as
// delimiter tokens.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.Contains(name, "__") {
		return fmt.Errorf("name %q must not contain consecutive underscores", name)
	}
	if !snakeCasePattern.MatchString(name) {
		return fmt.Errorf("name %q is not snake_case", name)
	}
	return nil
}
