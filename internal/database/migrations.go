package database

// Migration is a single versioned, forward-only schema change applied inside
// its own transaction and tracked in the migrations table.
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE folders (
				id                     INTEGER PRIMARY KEY AUTOINCREMENT,
				parent_id              INTEGER REFERENCES folders(id) ON DELETE RESTRICT,
				name                   TEXT NOT NULL,
				attributes             TEXT NOT NULL DEFAULT '[]',
				last_seen_total        INTEGER NOT NULL DEFAULT 0,
				last_seen_status_total INTEGER NOT NULL DEFAULT 0,
				uid_validity           INTEGER NOT NULL DEFAULT 0,
				uid_next               INTEGER NOT NULL DEFAULT 0,
				unread_count           INTEGER NOT NULL DEFAULT 0
			);

			CREATE UNIQUE INDEX idx_folders_root_name
				ON folders(name) WHERE parent_id IS NULL;
			CREATE UNIQUE INDEX idx_folders_child_name
				ON folders(parent_id, name) WHERE parent_id IS NOT NULL;
			CREATE INDEX idx_folders_parent ON folders(parent_id);
		`,
	},
	{
		Version: 2,
		SQL: `
			CREATE TABLE messages (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id          TEXT,
				in_reply_to         TEXT,
				internaldate_time_t INTEGER NOT NULL DEFAULT 0,
				subject             TEXT,
				from_field          TEXT,
				receivers           TEXT,
				cc                  TEXT,
				bcc                 TEXT,
				body                TEXT,
				attachment          TEXT,
				flags               TEXT NOT NULL DEFAULT '[]',
				fields_bitmask      INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_messages_internaldate ON messages(internaldate_time_t);
			CREATE INDEX idx_messages_message_id ON messages(message_id);
			CREATE INDEX idx_messages_in_reply_to ON messages(in_reply_to);
		`,
	},
	{
		Version: 3,
		SQL: `
			CREATE TABLE message_locations (
				message_id    INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				folder_id     INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
				remove_marker INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (message_id, folder_id)
			);

			CREATE INDEX idx_message_locations_folder ON message_locations(folder_id);
			CREATE INDEX idx_message_locations_message ON message_locations(message_id);
		`,
	},
	{
		// External-content FTS5 table: the indexed columns mirror messages
		// but the table itself stores no row data, only the inverted index,
		// keyed by docid = messages.id. Kept in sync via triggers so that
		// every write to messages that affects indexable fields is reflected
		// without requiring callers to maintain the FTS row themselves; the
		// background indexer is still responsible for the *first* population
		// of a message's FTS row (see internal/indexer).
		Version: 4,
		SQL: `
			CREATE VIRTUAL TABLE messages_fts USING fts5(
				subject,
				from_field,
				receivers,
				cc,
				bcc,
				body,
				attachment,
				content='messages',
				content_rowid='id'
			);

			CREATE TRIGGER messages_fts_delete AFTER DELETE ON messages BEGIN
				INSERT INTO messages_fts(messages_fts, rowid, subject, from_field, receivers, cc, bcc, body, attachment)
				VALUES ('delete', old.id, old.subject, old.from_field, old.receivers, old.cc, old.bcc, old.body, old.attachment);
			END;

			CREATE TRIGGER messages_fts_update AFTER UPDATE ON messages BEGIN
				INSERT INTO messages_fts(messages_fts, rowid, subject, from_field, receivers, cc, bcc, body, attachment)
				VALUES ('delete', old.id, old.subject, old.from_field, old.receivers, old.cc, old.bcc, old.body, old.attachment);
				INSERT INTO messages_fts(rowid, subject, from_field, receivers, cc, bcc, body, attachment)
				VALUES (new.id, new.subject, new.from_field, new.receivers, new.cc, new.bcc, new.body, new.attachment);
			END;
		`,
	},
	{
		// Singleton progress row for the background indexer (account-wide,
		// since populate_batch operates over the whole MessageTable rather
		// than per folder).
		Version: 5,
		SQL: `
			CREATE TABLE fts_index_status (
				id              INTEGER PRIMARY KEY CHECK (id = 1),
				indexed_count   INTEGER NOT NULL DEFAULT 0,
				total_count     INTEGER NOT NULL DEFAULT 0,
				is_complete     INTEGER NOT NULL DEFAULT 0,
				last_indexed_at DATETIME
			);
			INSERT INTO fts_index_status (id, indexed_count, total_count, is_complete) VALUES (1, 0, 0, 0);
		`,
	},
	{
		Version: 6,
		SQL: `
			CREATE TABLE contacts (
				email              TEXT PRIMARY KEY,
				real_name          TEXT,
				highest_importance INTEGER NOT NULL DEFAULT 0,
				normalized_email   TEXT NOT NULL,
				flags              INTEGER NOT NULL DEFAULT 0
			);

			CREATE UNIQUE INDEX idx_contacts_normalized_email ON contacts(normalized_email);
		`,
	},
}
