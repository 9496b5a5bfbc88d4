package releve

import (
	"database/sql"

	"github.com/hazyhaar/prix/releve/internal/store"
)

// Registry is the store registry, price book, and preference overlay.
// Re-exported from internal so binaries can wire it at startup.
type Registry = store.Registry

// StoreSchema is the DDL for the registry tables. Apply via
// dbopen.WithSchema or store it alongside the other schemas.
const StoreSchema = store.Schema

// NewRegistry creates a Registry on the given database.
func NewRegistry(db *sql.DB) *Registry {
	return store.NewRegistry(db)
}
