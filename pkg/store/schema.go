package store

// DDL for the two logical tables plus the routing table. Kept per dialect:
// the postgres flavor is applied at startup, the sqlite flavor is also the
// authoritative schema for in-memory test databases.

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS deal_state (
    deal_id           BIGINT PRIMARY KEY,
    last_stage_id     TEXT NOT NULL DEFAULT '',
    last_sent_hash    TEXT NOT NULL DEFAULT '',
    locked_counter_id BIGINT,
    locked_token      TEXT,
    locked_key        TEXT,
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS metrika_queue (
    id         BIGSERIAL PRIMARY KEY,
    deal_id    BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'queued',
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    sent_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_metrika_queue_status ON metrika_queue (status, id);

CREATE TABLE IF NOT EXISTS metrika_routing (
    key        TEXT PRIMARY KEY,
    counter_id BIGINT NOT NULL,
    token      TEXT NOT NULL,
    is_active  BOOLEAN NOT NULL DEFAULT TRUE
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS deal_state (
    deal_id           INTEGER PRIMARY KEY,
    last_stage_id     TEXT NOT NULL DEFAULT '',
    last_sent_hash    TEXT NOT NULL DEFAULT '',
    locked_counter_id INTEGER,
    locked_token      TEXT,
    locked_key        TEXT,
    updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metrika_queue (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    deal_id    INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'queued',
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sent_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_metrika_queue_status ON metrika_queue (status, id);

CREATE TABLE IF NOT EXISTS metrika_routing (
    key        TEXT PRIMARY KEY,
    counter_id INTEGER NOT NULL,
    token      TEXT NOT NULL,
    is_active  INTEGER NOT NULL DEFAULT 1
);
`

// SchemaSQLite exposes the sqlite DDL so tests run against the authoritative
// schema instead of hand-rolled CREATE TABLE statements.
func SchemaSQLite() string {
	return schemaSQLite
}
