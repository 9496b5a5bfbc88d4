package store

import "database/sql"

// Schema holds the registry, preference, and price-book tables.
const Schema = `
-- Retail stores known to the system: seeded from the catalog, learned from
-- discovery results. Never deleted, only deactivated.
CREATE TABLE IF NOT EXISTS stores (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    domain              TEXT NOT NULL UNIQUE,
    slug                TEXT NOT NULL DEFAULT '',
    search_url_template TEXT NOT NULL DEFAULT '',
    product_url_pattern TEXT NOT NULL DEFAULT '',
    is_default          INTEGER NOT NULL DEFAULT 0,
    is_local            INTEGER NOT NULL DEFAULT 0,
    is_active           INTEGER NOT NULL DEFAULT 1,
    category            TEXT NOT NULL DEFAULT '',
    priority            INTEGER NOT NULL DEFAULT 0,
    scrape_hints        TEXT NOT NULL DEFAULT '{}',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stores_default ON stores(is_default, is_active);

-- Per-user overlay on the registry
CREATE TABLE IF NOT EXISTS store_prefs (
    user_id             TEXT NOT NULL,
    store_id            TEXT NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
    enabled             INTEGER NOT NULL DEFAULT 1,
    favorite            INTEGER NOT NULL DEFAULT 0,
    priority_override   INTEGER,
    location_id         TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    PRIMARY KEY (user_id, store_id)
);

-- Current price position of an item at each vendor
CREATE TABLE IF NOT EXISTS vendor_prices (
    item_id             TEXT NOT NULL,
    vendor_key          TEXT NOT NULL,
    vendor_name         TEXT NOT NULL DEFAULT '',
    current_price       REAL NOT NULL,
    previous_price      REAL,
    lowest_price        REAL NOT NULL,
    highest_price       REAL NOT NULL,
    currency            TEXT NOT NULL DEFAULT 'USD',
    in_stock            INTEGER NOT NULL DEFAULT 1,
    product_url         TEXT NOT NULL DEFAULT '',
    source              TEXT NOT NULL DEFAULT '',
    checked_at          INTEGER NOT NULL,
    PRIMARY KEY (item_id, vendor_key)
);

-- Append-only price history, one row per observation
CREATE TABLE IF NOT EXISTS price_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id     TEXT NOT NULL,
    vendor_key  TEXT NOT NULL,
    price       REAL NOT NULL,
    in_stock    INTEGER NOT NULL DEFAULT 1,
    source      TEXT NOT NULL DEFAULT '',
    captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_item ON price_history(item_id, vendor_key, captured_at DESC);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
