package store

// Migration is one monotonic schema step, applied in a single transaction
// alongside its version marker row.
type Migration struct {
	Version int
	SQL     string
}

// migrations holds the full schema history for an account database. Entries
// are append-only: once shipped, a migration's SQL must never change —
// only new, higher-numbered migrations may alter the schema further.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE config (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE contacts (
				id              INTEGER PRIMARY KEY,
				addr            TEXT UNIQUE,
				authorized_name TEXT NOT NULL DEFAULT '',
				given_name      TEXT NOT NULL DEFAULT '',
				origin          INTEGER NOT NULL DEFAULT 0,
				blocked         INTEGER NOT NULL DEFAULT 0,
				created_at      INTEGER NOT NULL DEFAULT 0
			);

			-- IDs 1 (SELF) and 2 (DEVICE) are reserved; contacts with id <= 9
			-- are reserved for future system contacts.
			INSERT INTO contacts (id, addr, authorized_name, origin, created_at) VALUES
				(1, '', 'Me', 1000, 0),
				(2, '', 'Device Messages', 1000, 0);

			CREATE TABLE chats (
				id               INTEGER PRIMARY KEY,
				type             TEXT NOT NULL DEFAULT 'single',
				name             TEXT NOT NULL DEFAULT '',
				grp_id           TEXT UNIQUE,
				image_blob       TEXT NOT NULL DEFAULT '',
				archived         INTEGER NOT NULL DEFAULT 0,
				draft_message_id INTEGER,
				blocked          INTEGER NOT NULL DEFAULT 0,
				unpromoted       INTEGER NOT NULL DEFAULT 1,
				created_at       INTEGER NOT NULL DEFAULT 0
			);

			-- IDs 1-9 are reserved for virtual chats (deaddrop, trash,
			-- msgs-in-creation, starred, archived-link, all-done-hint).
			INSERT INTO chats (id, type, name, blocked, unpromoted, created_at) VALUES
				(1, 'deaddrop',         'Deaddrop',          2, 0, 0),
				(2, 'trash',            'Trash',             0, 0, 0),
				(3, 'msgs-in-creation', 'Msgs In Creation',  0, 0, 0),
				(4, 'starred',          'Starred',           0, 0, 0),
				(5, 'archived-link',    'Archived',          0, 0, 0),
				(6, 'all-done-hint',    'All Done',          0, 0, 0);

			CREATE TABLE chat_members (
				chat_id    INTEGER NOT NULL REFERENCES chats(id),
				contact_id INTEGER NOT NULL REFERENCES contacts(id),
				added_at   INTEGER NOT NULL DEFAULT 0,
				UNIQUE(chat_id, contact_id)
			);

			CREATE TABLE messages (
				id                INTEGER PRIMARY KEY,
				chat_id           INTEGER NOT NULL REFERENCES chats(id),
				from_id           INTEGER NOT NULL REFERENCES contacts(id),
				rfc724_mid        TEXT NOT NULL UNIQUE,
				timestamp_sent    INTEGER NOT NULL DEFAULT 0,
				timestamp_rcvd    INTEGER NOT NULL DEFAULT 0,
				timestamp_sort    INTEGER NOT NULL DEFAULT 0,
				viewtype          TEXT NOT NULL DEFAULT 'text',
				state             INTEGER NOT NULL DEFAULT 0,
				text              TEXT NOT NULL DEFAULT '',
				file_path         TEXT NOT NULL DEFAULT '',
				file_mime         TEXT NOT NULL DEFAULT '',
				width             INTEGER NOT NULL DEFAULT 0,
				height            INTEGER NOT NULL DEFAULT 0,
				duration_ms       INTEGER NOT NULL DEFAULT 0,
				mime_headers      BLOB,
				param             TEXT NOT NULL DEFAULT '',
				is_info           INTEGER NOT NULL DEFAULT 0,
				is_starred        INTEGER NOT NULL DEFAULT 0,
				is_forwarded      INTEGER NOT NULL DEFAULT 0,
				show_padlock      INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_messages_chat_sort ON messages(chat_id, timestamp_sort);
			CREATE INDEX idx_messages_rfc724_mid ON messages(rfc724_mid);

			CREATE TABLE message_recipients (
				message_id INTEGER NOT NULL REFERENCES messages(id),
				contact_id INTEGER NOT NULL REFERENCES contacts(id),
				UNIQUE(message_id, contact_id)
			);

			CREATE TABLE jobs (
				id                TEXT PRIMARY KEY,
				kind              TEXT NOT NULL,
				foreign_id        TEXT NOT NULL DEFAULT '',
				param             TEXT NOT NULL DEFAULT '',
				desired_timestamp INTEGER NOT NULL DEFAULT 0,
				tries             INTEGER NOT NULL DEFAULT 0,
				created_at        INTEGER NOT NULL DEFAULT 0,
				UNIQUE(kind, foreign_id)
			);

			CREATE INDEX idx_jobs_due ON jobs(desired_timestamp);

			CREATE TABLE peerstates (
				contact_id          INTEGER PRIMARY KEY REFERENCES contacts(id),
				public_key          TEXT NOT NULL DEFAULT '',
				gossip_key          TEXT NOT NULL DEFAULT '',
				verified_key        TEXT NOT NULL DEFAULT '',
				fingerprint         TEXT NOT NULL DEFAULT '',
				gossip_fingerprint  TEXT NOT NULL DEFAULT '',
				prefer_encrypt      INTEGER NOT NULL DEFAULT 0,
				last_seen_autocrypt INTEGER NOT NULL DEFAULT 0,
				last_seen_gossip    INTEGER NOT NULL DEFAULT 0,
				verified_at         INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE locations (
				id          INTEGER PRIMARY KEY,
				latitude    REAL NOT NULL,
				longitude   REAL NOT NULL,
				accuracy    REAL NOT NULL DEFAULT 0,
				timestamp   INTEGER NOT NULL,
				contact_id  INTEGER NOT NULL REFERENCES contacts(id),
				chat_id     INTEGER NOT NULL REFERENCES chats(id),
				independent INTEGER NOT NULL DEFAULT 0,
				msg_id      INTEGER
			);

			CREATE INDEX idx_locations_chat ON locations(chat_id, timestamp);
		`,
	},
	{
		Version: 2,
		SQL: `
			-- Full-text search over message bodies (dc_search_msgs equivalent).
			-- Not covered by any Non-goal, and the storage layer already
			-- owns message text.
			CREATE VIRTUAL TABLE messages_fts USING fts5(
				text,
				content='messages',
				content_rowid='id'
			);

			CREATE TRIGGER messages_fts_insert AFTER INSERT ON messages BEGIN
				INSERT INTO messages_fts(rowid, text) VALUES (new.id, new.text);
			END;

			CREATE TRIGGER messages_fts_delete AFTER DELETE ON messages BEGIN
				INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, old.text);
			END;

			CREATE TRIGGER messages_fts_update AFTER UPDATE ON messages BEGIN
				INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, old.text);
				INSERT INTO messages_fts(rowid, text) VALUES (new.id, new.text);
			END;
		`,
	},
	{
		Version: 3,
		SQL: `
			-- Secure-Join bookkeeping: tracks in-flight contact/group
			-- verification handshakes so a restart can resume or time
			-- them out instead of losing state.
			CREATE TABLE securejoin_states (
				token           TEXT PRIMARY KEY,
				role            TEXT NOT NULL,
				contact_id      INTEGER NOT NULL REFERENCES contacts(id),
				group_chat_id   INTEGER,
				auth            TEXT NOT NULL,
				invitenumber    TEXT NOT NULL,
				step            TEXT NOT NULL,
				expected_fpr    TEXT NOT NULL DEFAULT '',
				created_at      INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
}
