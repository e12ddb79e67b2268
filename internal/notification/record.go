package notification

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecordVersion is the schema version written by ToRecord.
const RecordVersion = 1

// Record is the storage row of a notification. Timestamps are unix
// nanoseconds (UTC) so that the mapping is exact in both directions.
type Record struct {
	ID          string         `db:"id"`
	Version     int            `db:"schema_version"`
	Title       string         `db:"title"`
	Body        string         `db:"body"`
	Category    string         `db:"category"`
	Priority    int            `db:"priority"`
	UserID      string         `db:"user_id"`
	CreatedAt   int64          `db:"created_at"`
	ScheduledAt sql.NullInt64  `db:"scheduled_at"`
	DeliveredAt sql.NullInt64  `db:"delivered_at"`
	ReadAt      sql.NullInt64  `db:"read_at"`
	Payload     sql.NullString `db:"payload"`
	ImageURL    sql.NullString `db:"image_url"`
	ActionURL   sql.NullString `db:"action_url"`
	Tag         sql.NullString `db:"tag"`
	Sound       sql.NullString `db:"sound"`
	Badge       sql.NullInt64  `db:"badge"`
}

// Wire mapping tables, keyed by record version. New versions add a table;
// existing ones are never edited.
var (
	categoryWire = map[int]map[string]Category{
		1: {
			"general":            CategoryGeneral,
			"monument_visit":     CategoryMonumentVisit,
			"achievement":        CategoryAchievement,
			"social_interaction": CategorySocialInteraction,
			"daily_challenge":    CategoryDailyChallenge,
			"nearby_monuments":   CategoryNearbyMonuments,
			"system_update":      CategorySystemUpdate,
			"reminder":           CategoryReminder,
			"promotional":        CategoryPromotional,
			"emergency":          CategoryEmergency,
		},
	}
	priorityWire = map[int]map[int]Priority{
		1: {1: PriorityLow, 2: PriorityNormal, 3: PriorityHigh, 4: PriorityUrgent},
	}
)

func ToRecord(n Notification) (Record, error) {
	cat, ok := encodeCategory(n.Category)
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown category %q", ErrValidation, n.Category)
	}
	prio, ok := encodePriority(n.Priority)
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown priority %d", ErrValidation, n.Priority)
	}
	r := Record{
		ID:          n.ID,
		Version:     RecordVersion,
		Title:       n.Title,
		Body:        n.Body,
		Category:    cat,
		Priority:    prio,
		UserID:      n.UserID,
		CreatedAt:   n.CreatedAt.UnixNano(),
		ScheduledAt: nullTime(n.ScheduledAt),
		DeliveredAt: nullTime(n.DeliveredAt),
		ReadAt:      nullTime(n.ReadAt),
		ImageURL:    nullString(n.ImageURL),
		ActionURL:   nullString(n.ActionURL),
		Tag:         nullString(n.Tag),
		Sound:       nullString(n.Sound),
	}
	if n.Badge != nil {
		r.Badge = sql.NullInt64{Int64: int64(*n.Badge), Valid: true}
	}
	if n.Payload != nil {
		b, err := json.Marshal(n.Payload)
		if err != nil {
			return Record{}, fmt.Errorf("%w: payload not serializable: %v", ErrValidation, err)
		}
		r.Payload = sql.NullString{String: string(b), Valid: true}
	}
	return r, nil
}

func FromRecord(r Record) (Notification, error) {
	cats, ok := categoryWire[r.Version]
	if !ok {
		return Notification{}, fmt.Errorf("%w: record %s has version %d", ErrSchemaDrift, r.ID, r.Version)
	}
	cat, ok := cats[r.Category]
	if !ok {
		return Notification{}, fmt.Errorf("%w: record %s has category %q", ErrSchemaDrift, r.ID, r.Category)
	}
	prio, ok := priorityWire[r.Version][r.Priority]
	if !ok {
		return Notification{}, fmt.Errorf("%w: record %s has priority %d", ErrSchemaDrift, r.ID, r.Priority)
	}
	n := Notification{
		ID:          r.ID,
		Title:       r.Title,
		Body:        r.Body,
		Category:    cat,
		Priority:    prio,
		UserID:      r.UserID,
		CreatedAt:   fromNanos(r.CreatedAt),
		ScheduledAt: timePtr(r.ScheduledAt),
		DeliveredAt: timePtr(r.DeliveredAt),
		ReadAt:      timePtr(r.ReadAt),
		ImageURL:    r.ImageURL.String,
		ActionURL:   r.ActionURL.String,
		Tag:         r.Tag.String,
		Sound:       r.Sound.String,
	}
	if r.Badge.Valid {
		b := int(r.Badge.Int64)
		n.Badge = &b
	}
	if r.Payload.Valid {
		if err := json.Unmarshal([]byte(r.Payload.String), &n.Payload); err != nil {
			return Notification{}, fmt.Errorf("%w: record %s payload: %v", ErrSchemaDrift, r.ID, err)
		}
	}
	return n, nil
}

func encodeCategory(c Category) (string, bool) {
	for wire, v := range categoryWire[RecordVersion] {
		if v == c {
			return wire, true
		}
	}
	return "", false
}

func encodePriority(p Priority) (int, bool) {
	for wire, v := range priorityWire[RecordVersion] {
		if v == p {
			return wire, true
		}
	}
	return 0, false
}

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
