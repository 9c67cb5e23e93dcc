package notify

import "database/sql"

// outboxDDL is created idempotently on startup. The (session_id, message_id)
// unique index makes Enqueue idempotent, so a completion re-observed after a
// crash does not produce a second notification.
const outboxDDL = `
CREATE TABLE IF NOT EXISTS completion_outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT    NOT NULL,
	message_id      TEXT    NOT NULL,
	success         INTEGER NOT NULL,
	timestamp       REAL    NOT NULL,
	created_at      TEXT    NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_completion_outbox_message
	ON completion_outbox(session_id, message_id);
`

func migrateOutbox(db *sql.DB) error {
	_, err := db.Exec(outboxDDL)
	return err
}
