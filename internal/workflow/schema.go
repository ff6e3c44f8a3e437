package workflow

// PostgresSchema creates the tables used by PgCaseStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	steps      JSONB NOT NULL DEFAULT '[]',
	metadata   JSONB,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	version    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS cases_status_idx ON cases (status);

CREATE TABLE IF NOT EXISTS actors (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	role   TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);
`

// SQLiteSchema creates the tables used by SQLiteCaseStore.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	steps      TEXT NOT NULL DEFAULT '[]',
	metadata   TEXT,
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	version    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS cases_status_idx ON cases (status);

CREATE TABLE IF NOT EXISTS actors (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	role   TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);
`
