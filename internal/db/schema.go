package db

// Schema is the DDL for the mailcrm database.
const Schema = `
CREATE TABLE IF NOT EXISTS mailbox_connections (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    email           TEXT NOT NULL,
    access_token    TEXT NOT NULL DEFAULT '',
    refresh_token   TEXT NOT NULL DEFAULT '',
    token_expiry    TEXT,
    last_sync_at    TEXT,
    created_at      TEXT NOT NULL,
    UNIQUE(user_id, email)
);

CREATE TABLE IF NOT EXISTS companies (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    name        TEXT NOT NULL,
    website     TEXT,
    domain      TEXT NOT NULL,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    company_id  TEXT REFERENCES companies(id) ON DELETE SET NULL,
    name        TEXT NOT NULL,
    email       TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'To Reach Out',
    is_alumni   INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS interactions (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL,
    contact_id           TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    interaction_date     TEXT,
    interaction_type     TEXT NOT NULL,
    notes                TEXT,
    external_message_id  TEXT NOT NULL,
    external_thread_id   TEXT,
    created_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id                    TEXT PRIMARY KEY,
    user_id               TEXT NOT NULL,
    connection_id         TEXT NOT NULL,
    status                TEXT NOT NULL,
    emails_processed      INTEGER NOT NULL DEFAULT 0,
    companies_created     INTEGER NOT NULL DEFAULT 0,
    contacts_created      INTEGER NOT NULL DEFAULT 0,
    interactions_created  INTEGER NOT NULL DEFAULT 0,
    errors                TEXT,
    error_message         TEXT,
    started_at            TEXT NOT NULL,
    completed_at          TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_companies_domain ON companies(user_id, domain);
CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_email ON contacts(user_id, lower(email));
CREATE UNIQUE INDEX IF NOT EXISTS idx_interactions_message ON interactions(user_id, external_message_id);
CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(contact_id);
CREATE INDEX IF NOT EXISTS idx_sync_runs_connection ON sync_runs(connection_id, status);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at DESC);

-- At most one in_progress run per connection. Older duplicates left by
-- earlier versions are closed first so the index can be built.
UPDATE sync_runs SET status = 'failed', error_message = 'abandoned: superseded by a later run', completed_at = started_at
WHERE status = 'in_progress' AND EXISTS (
    SELECT 1 FROM sync_runs later
    WHERE later.connection_id = sync_runs.connection_id AND later.status = 'in_progress'
      AND (later.started_at > sync_runs.started_at OR (later.started_at = sync_runs.started_at AND later.id > sync_runs.id))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_runs_active ON sync_runs(connection_id) WHERE status = 'in_progress';
`
