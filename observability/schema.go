package observability

import "database/sql"

// Schema contains the DDL for the request-log table.
// Apply via Init(db) or pass to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS request_log (
    entry_id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL,
    operation TEXT NOT NULL,
    status TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    request_excerpt TEXT NOT NULL DEFAULT '',
    response_excerpt TEXT NOT NULL DEFAULT '',
    raw_source TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_job ON request_log(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_request_log_time ON request_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_request_log_provider ON request_log(provider, operation);
`

// Init applies the request-log schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
