package storage

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Versions are sequential starting from 1. Timestamps are unix nanoseconds.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	title          TEXT NOT NULL,
	body           TEXT NOT NULL,
	category       TEXT NOT NULL,
	priority       INTEGER NOT NULL,
	user_id        TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	scheduled_at   INTEGER,
	delivered_at   INTEGER,
	read_at        INTEGER,
	payload        TEXT,
	image_url      TEXT,
	action_url     TEXT,
	tag            TEXT,
	sound          TEXT,
	badge          INTEGER
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(delivered_at, scheduled_at);

CREATE TABLE IF NOT EXISTS user_preferences (
	user_id    TEXT PRIMARY KEY,
	prefs      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_stats (
	user_id    TEXT NOT NULL,
	category   TEXT NOT NULL,
	total_sent INTEGER NOT NULL DEFAULT 0,
	total_read INTEGER NOT NULL DEFAULT 0,
	last_sent  INTEGER,
	PRIMARY KEY (user_id, category)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS user_activity (
	user_id    TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_activity_last_seen ON user_activity(last_seen);

CREATE TABLE IF NOT EXISTS devices (
	token         TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	platform      TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE notifications ADD COLUMN next_attempt_at INTEGER;
ALTER TABLE notifications ADD COLUMN quarantined_at INTEGER;

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
