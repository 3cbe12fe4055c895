package sqldb

import (
	"fmt"
	"strings"
)

// MaxIdentifierLength matches the PostgreSQL limit, the strictest of the
// supported backends.
const MaxIdentifierLength = 63

// ValidIdentifier checks if a name is safe to use as a table, column or
// database name. It must start with a letter or underscore and continue with
// letters, digits or underscores.
func ValidIdentifier(name string) bool {
	if name == "" || len(name) > MaxIdentifierLength {
		return false
	}
	for i, r := range name {
		letter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		if i == 0 {
			if !letter {
				return false
			}
		} else if !letter && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// CheckIdentifier returns an error naming what when name is not a valid
// identifier.
func CheckIdentifier(what, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid %s %q: must start with a letter or underscore and contain only letters, digits and underscores", what, name)
	}
	return nil
}

// quoteWith wraps name in q, doubling any embedded q (SQL standard).
func quoteWith(name string, q string) string {
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// Placeholders returns n comma separated placeholders starting at position
// start (1-based).
func Placeholders(d Dialect, start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}
