// Package store is the data access layer for the store registry, per-user
// preferences, and the item price book.
package store

import (
	"database/sql"
	"strings"

	"github.com/hazyhaar/prix/idgen"
)

// Registry wraps the prix database for store, preference, and price
// operations.
type Registry struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator sets a custom store ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry creates a Registry from an already-opened database.
func NewRegistry(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{
		DB:    db,
		newID: idgen.Prefixed("str_", idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsDuplicate reports whether err is a UNIQUE constraint violation. The learn
// path treats these as benign races.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Slugify lowercases a store name into a url-safe slug.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
