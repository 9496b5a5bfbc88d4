package jobq

import "database/sql"

// Schema contains the DDL for the jobs table.
// Apply via ApplySchema(db) or pass to dbopen.WithSchema.
//
// visible_at gates claiming (retry backoff pushes it forward);
// lease_until is the crash-recovery lease a processing job holds.
// Both are milliseconds since epoch.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL DEFAULT '',
    kind             TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    progress         INTEGER NOT NULL DEFAULT 0,
    input            TEXT NOT NULL DEFAULT '{}',
    output           TEXT,
    error            TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    attempts         INTEGER NOT NULL DEFAULT 0,
    item_id          TEXT NOT NULL DEFAULT '',
    list_id          TEXT NOT NULL DEFAULT '',
    visible_at       INTEGER NOT NULL DEFAULT 0,
    lease_until      INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    started_at       INTEGER,
    completed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, visible_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs (user_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs (status, lease_until);
`

// ApplySchema creates the jobs table and indexes if they don't exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
