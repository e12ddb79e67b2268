package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"monunotify/internal/notification"
	logx "monunotify/pkg/logx"
)

const recordColumns = `id, schema_version, title, body, category, priority, user_id,
	created_at, scheduled_at, delivered_at, read_at,
	payload, image_url, action_url, tag, sound, badge`

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serializes writers; it also keeps a ":memory:" database
	// alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage"))}
	if err := st.pragmas(busy); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

// pragmas tunes the connection. busy_timeout is required; the journal
// settings are logged on failure (":memory:" databases ignore WAL).
func (s *sqliteStore) pragmas(busy time.Duration) error {
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		return fmt.Errorf("setting sqlite busy_timeout: %w", err)
	}
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := s.db.Exec(p); err != nil {
			s.log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return nil
}

// migrate applies every migration newer than the recorded schema version.
func (s *sqliteStore) migrate(ctx context.Context) error {
	current := 0

	var tables int
	err := s.db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.log.Debug("migration applied", logx.Int("version", m.version))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Save(ctx context.Context, n notification.Notification) error {
	rec, err := notification.ToRecord(n)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (`+recordColumns+`)
		VALUES (:id, :schema_version, :title, :body, :category, :priority, :user_id,
			:created_at, :scheduled_at, :delivered_at, :read_at,
			:payload, :image_url, :action_url, :tag, :sound, :badge)
		ON CONFLICT(id) DO NOTHING`, rec)
	if err != nil {
		return notification.WrapStorage("save", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", notification.ErrDuplicateID, n.ID)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (notification.Notification, error) {
	var rec notification.Record
	err := s.db.GetContext(ctx, &rec, `SELECT `+recordColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Notification{}, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	if err != nil {
		return notification.Notification{}, notification.WrapStorage("get", err)
	}
	return notification.FromRecord(rec)
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivered_at = MAX(?, created_at)
		 WHERE id = ? AND delivered_at IS NULL`,
		at.UnixNano(), id,
	)
	if err != nil {
		return false, notification.WrapStorage("mark delivered", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return true, nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM notifications WHERE id = ?`, id); err != nil {
		return false, notification.WrapStorage("mark delivered", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	return false, nil
}

func (s *sqliteStore) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, notification.WrapStorage("mark read", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE notifications SET read_at = MAX(?, delivered_at)
		 WHERE id = ? AND read_at IS NULL AND delivered_at IS NOT NULL`,
		at.UnixNano(), id,
	)
	if err != nil {
		return false, notification.WrapStorage("mark read", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var st struct {
			DeliveredAt sql.NullInt64 `db:"delivered_at"`
			ReadAt      sql.NullInt64 `db:"read_at"`
		}
		err := tx.GetContext(ctx, &st, `SELECT delivered_at, read_at FROM notifications WHERE id = ?`, id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return false, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
		case err != nil:
			return false, notification.WrapStorage("mark read", err)
		case !st.DeliveredAt.Valid:
			return false, fmt.Errorf("%w: %s is not delivered yet", notification.ErrInvalidState, id)
		}
		return false, nil
	}

	var owner struct {
		UserID   string `db:"user_id"`
		Category string `db:"category"`
	}
	if err := tx.GetContext(ctx, &owner, `SELECT user_id, category FROM notifications WHERE id = ?`, id); err != nil {
		return false, notification.WrapStorage("mark read", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO notification_stats (user_id, category, total_read) VALUES (?, ?, 1)
		 ON CONFLICT(user_id, category) DO UPDATE SET total_read = total_read + 1`,
		owner.UserID, owner.Category,
	)
	if err != nil {
		return false, notification.WrapStorage("mark read", err)
	}
	if err := tx.Commit(); err != nil {
		return false, notification.WrapStorage("mark read", err)
	}
	return true, nil
}

func (s *sqliteStore) Query(ctx context.Context, userID string, f Filter) ([]notification.Notification, error) {
	conditions := []string{"user_id = ?"}
	args := []interface{}{userID}

	if f.UnreadOnly {
		conditions = append(conditions, "read_at IS NULL")
	}
	if f.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, string(f.Category))
	}

	query := `SELECT ` + recordColumns + ` FROM notifications WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.selectNotifications(ctx, "query", query, args...)
}

// Due skips records deferred past now and records that failed to decode
// earlier. A record that does not decode is quarantined so it stops taking
// a slot in every batch; the rest of the batch is still returned.
func (s *sqliteStore) Due(ctx context.Context, now time.Time, limit int) ([]notification.Notification, error) {
	query := `SELECT ` + recordColumns + ` FROM notifications
		WHERE delivered_at IS NULL AND quarantined_at IS NULL
			AND COALESCE(next_attempt_at, scheduled_at, created_at) <= ?
		ORDER BY COALESCE(next_attempt_at, scheduled_at, created_at) ASC, created_at ASC, id ASC`
	args := []interface{}{now.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var recs []notification.Record
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, notification.WrapStorage("due", err)
	}
	out := make([]notification.Notification, 0, len(recs))
	for _, r := range recs {
		n, err := notification.FromRecord(r)
		if err != nil {
			s.log.Error("quarantining undecodable record", logx.String("id", r.ID), logx.Err(err))
			if _, qerr := s.db.ExecContext(ctx,
				`UPDATE notifications SET quarantined_at = ? WHERE id = ?`, now.UnixNano(), r.ID); qerr != nil {
				s.log.Warn("quarantine failed", logx.String("id", r.ID), logx.Err(qerr))
			}
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Defer holds an undelivered record back from Due until the given time.
func (s *sqliteStore) Defer(ctx context.Context, id string, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET next_attempt_at = ? WHERE id = ? AND delivered_at IS NULL`,
		until.UnixNano(), id,
	)
	return notification.WrapStorage("defer", err)
}

func (s *sqliteStore) selectNotifications(ctx context.Context, op, query string, args ...interface{}) ([]notification.Notification, error) {
	var recs []notification.Record
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, notification.WrapStorage(op, err)
	}
	out := make([]notification.Notification, 0, len(recs))
	for _, r := range recs {
		n, err := notification.FromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *sqliteStore) DeleteUndelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND delivered_at IS NULL`, id)
	if err != nil {
		return notification.WrapStorage("delete", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM notifications WHERE id = ?`, id); err != nil {
		return notification.WrapStorage("delete", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s is already delivered", notification.ErrInvalidState, id)
}

func (s *sqliteStore) DeleteMany(ctx context.Context, userID string, readOnly bool) (int64, error) {
	query := `DELETE FROM notifications WHERE user_id = ?`
	if readOnly {
		query += ` AND read_at IS NOT NULL`
	}
	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, notification.WrapStorage("delete many", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE read_at IS NOT NULL AND created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, notification.WrapStorage("purge read", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read_at IS NULL`, userID)
	if err != nil {
		return 0, notification.WrapStorage("unread count", err)
	}
	return n, nil
}

func (s *sqliteStore) Counts(ctx context.Context, userID string) (int, int, error) {
	var c struct {
		Total int `db:"total"`
		Read  int `db:"read_count"`
	}
	err := s.db.GetContext(ctx, &c,
		`SELECT COUNT(*) AS total, COUNT(read_at) AS read_count FROM notifications WHERE user_id = ?`, userID)
	if err != nil {
		return 0, 0, notification.WrapStorage("counts", err)
	}
	return c.Total, c.Read, nil
}

func (s *sqliteStore) Preferences(ctx context.Context, userID string) (notification.Preferences, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT prefs FROM user_preferences WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.DefaultPreferences(), nil
	}
	if err != nil {
		return notification.Preferences{}, notification.WrapStorage("preferences", err)
	}
	var p notification.Preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return notification.Preferences{}, fmt.Errorf("%w: preferences of %s: %v", notification.ErrSchemaDrift, userID, err)
	}
	if p.Categories == nil {
		p.Categories = map[notification.Category]bool{}
	}
	return p, nil
}

func (s *sqliteStore) SetPreferences(ctx context.Context, userID string, p notification.Preferences) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: preferences: %v", notification.ErrValidation, err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return notification.WrapStorage("set preferences", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_preferences (user_id, prefs, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET prefs = excluded.prefs, updated_at = excluded.updated_at`,
		userID, string(b), time.Now().UTC().UnixNano(),
	); err != nil {
		return notification.WrapStorage("set preferences", err)
	}
	// New preferences may lift quiet hours; deferred records are re-gated on
	// the next tick.
	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET next_attempt_at = NULL
		 WHERE user_id = ? AND delivered_at IS NULL AND next_attempt_at IS NOT NULL`,
		userID,
	); err != nil {
		return notification.WrapStorage("set preferences", err)
	}
	return notification.WrapStorage("set preferences", tx.Commit())
}

func (s *sqliteStore) RecordSent(ctx context.Context, userID string, c notification.Category, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_stats (user_id, category, total_sent, last_sent) VALUES (?, ?, 1, ?)
		 ON CONFLICT(user_id, category) DO UPDATE SET
			total_sent = total_sent + 1,
			last_sent = MAX(COALESCE(last_sent, 0), excluded.last_sent)`,
		userID, string(c), at.UnixNano(),
	)
	return notification.WrapStorage("record sent", err)
}

func (s *sqliteStore) CategoryStats(ctx context.Context, userID string) (map[notification.Category]notification.CategoryStats, error) {
	var rows []struct {
		Category  string        `db:"category"`
		TotalSent int           `db:"total_sent"`
		TotalRead int           `db:"total_read"`
		LastSent  sql.NullInt64 `db:"last_sent"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT category, total_sent, total_read, last_sent FROM notification_stats WHERE user_id = ?`, userID)
	if err != nil {
		return nil, notification.WrapStorage("category stats", err)
	}
	out := make(map[notification.Category]notification.CategoryStats, len(rows))
	for _, r := range rows {
		c := notification.Category(r.Category)
		if !c.Valid() {
			return nil, fmt.Errorf("%w: stats category %q", notification.ErrSchemaDrift, r.Category)
		}
		cs := notification.CategoryStats{
			Sent:     r.TotalSent,
			Read:     r.TotalRead,
			ReadRate: notification.Percentage(r.TotalRead, r.TotalSent),
		}
		if r.LastSent.Valid {
			t := time.Unix(0, r.LastSent.Int64).UTC()
			cs.LastSent = &t
		}
		out[c] = cs
	}
	return out, nil
}

func (s *sqliteStore) TouchUser(ctx context.Context, userID string, at time.Time) error {
	ns := at.UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_activity (user_id, first_seen, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen = MAX(last_seen, excluded.last_seen)`,
		userID, ns, ns,
	)
	return notification.WrapStorage("touch user", err)
}

func (s *sqliteStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	var ns int64
	err := s.db.GetContext(ctx, &ns, `SELECT last_seen FROM user_activity WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, notification.WrapStorage("last seen", err)
	}
	return time.Unix(0, ns).UTC(), true, nil
}

func (s *sqliteStore) UsersSeenSince(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT user_id FROM user_activity WHERE last_seen >= ? ORDER BY user_id`, since.UnixNano())
	if err != nil {
		return nil, notification.WrapStorage("active users", err)
	}
	return ids, nil
}

func (s *sqliteStore) UsersIdleSince(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT user_id FROM user_activity WHERE last_seen < ? ORDER BY user_id`, before.UnixNano())
	if err != nil {
		return nil, notification.WrapStorage("idle users", err)
	}
	return ids, nil
}

func (s *sqliteStore) RegisterDevice(ctx context.Context, d Device) error {
	if strings.TrimSpace(d.Token) == "" || strings.TrimSpace(d.UserID) == "" {
		return fmt.Errorf("%w: device token and user id are required", notification.ErrValidation)
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (token, user_id, platform, registered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id,
			platform = excluded.platform, registered_at = excluded.registered_at`,
		d.Token, d.UserID, d.Platform, d.RegisteredAt.UnixNano(),
	)
	return notification.WrapStorage("register device", err)
}

func (s *sqliteStore) UnregisterDevice(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE token = ?`, token)
	return notification.WrapStorage("unregister device", err)
}

func (s *sqliteStore) Devices(ctx context.Context, userID string) ([]Device, error) {
	var rows []struct {
		Token        string `db:"token"`
		UserID       string `db:"user_id"`
		Platform     string `db:"platform"`
		RegisteredAt int64  `db:"registered_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT token, user_id, platform, registered_at FROM devices WHERE user_id = ? ORDER BY registered_at, token`, userID)
	if err != nil {
		return nil, notification.WrapStorage("devices", err)
	}
	out := make([]Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, Device{
			Token:        r.Token,
			UserID:       r.UserID,
			Platform:     r.Platform,
			RegisteredAt: time.Unix(0, r.RegisteredAt).UTC(),
		})
	}
	return out, nil
}
