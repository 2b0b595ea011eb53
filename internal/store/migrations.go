package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must stay sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tranches (
	id                 INTEGER PRIMARY KEY,
	start_index        INTEGER NOT NULL,
	total_to_fetch     INTEGER NOT NULL,
	fetched_count      INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'pending',
	continuation_token TEXT NOT NULL DEFAULT '',
	page_offset        INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	cooldown_until     INTEGER NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS items (
	tranche_id   INTEGER NOT NULL REFERENCES tranches(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	id           TEXT NOT NULL,
	thread_id    TEXT NOT NULL DEFAULT '',
	snippet      TEXT NOT NULL DEFAULT '',
	received_at  INTEGER NOT NULL DEFAULT 0,
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	sender_email TEXT NOT NULL DEFAULT '',
	analysis     TEXT NOT NULL DEFAULT '',
	processed    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tranche_id, seq),
	UNIQUE (tranche_id, id)
);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_tranches_status ON tranches(status);
CREATE INDEX IF NOT EXISTS idx_items_processed ON items(tranche_id, processed);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
