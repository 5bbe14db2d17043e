package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EventLogin         = "login"
	EventLogout        = "logout"
	EventRefresh       = "refresh"
	EventRefreshFailed = "refresh_failed"
	EventTenantSelect  = "tenant_select"
	EventTenantClear   = "tenant_clear"
	sqliteTimeLayout   = "2006-01-02 15:04:05"
)

// Event is one entry of the local activity history.
type Event struct {
	Timestamp      time.Time
	Type           string
	Subject        string
	OrganizationID string
	Details        map[string]any
}

// EventLogger records and lists activity history.
type EventLogger interface {
	LogEvent(event Event) error
	GetEvents(eventType string, since time.Time, limit int) ([]Event, error)
}

// LogEvent appends an event to the activity log.
func (d *DB) LogEvent(event Event) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}

	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var detailsStr sql.NullString
	if event.Details != nil {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		detailsStr = sql.NullString{String: string(b), Valid: true}
	}

	if _, err := d.conn.Exec(
		`INSERT INTO activity_log (timestamp, event_type, subject, organization_id, details) VALUES (?, ?, ?, ?, ?)`,
		formatSQLiteTime(ts),
		eventType,
		strings.TrimSpace(event.Subject),
		strings.TrimSpace(event.OrganizationID),
		detailsStr,
	); err != nil {
		return fmt.Errorf("insert activity_log: %w", err)
	}
	return nil
}

// GetEvents lists events newest first. An empty eventType matches all types.
func (d *DB) GetEvents(eventType string, since time.Time, limit int) ([]Event, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is not open")
	}

	if limit <= 0 {
		limit = 100
	}
	eventType = strings.TrimSpace(eventType)

	rows, err := d.conn.Query(
		`SELECT timestamp, event_type, subject, organization_id, details
		 FROM activity_log
		 WHERE (? = '' OR event_type = ?) AND datetime(timestamp) >= datetime(?)
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		eventType,
		eventType,
		formatSQLiteTime(since),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query activity_log: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var tsStr string
		var e Event
		var details sql.NullString
		if err := rows.Scan(&tsStr, &e.Type, &e.Subject, &e.OrganizationID, &details); err != nil {
			return nil, fmt.Errorf("scan activity_log: %w", err)
		}

		ts, err := parseSQLiteTime(tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", tsStr, err)
		}
		e.Timestamp = ts

		if details.Valid && details.String != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(details.String), &m); err == nil {
				e.Details = m
			}
		}

		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity_log: %w", err)
	}
	return out, nil
}

func formatSQLiteTime(t time.Time) string {
	if t.IsZero() {
		// This makes "since" queries behave like "since the beginning of time".
		return "1970-01-01 00:00:00"
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if ts, err := time.ParseInLocation(sqliteTimeLayout, s, time.UTC); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format")
}
