package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"geofence/bridge-server/internal/model"

	_ "modernc.org/sqlite"
)

// StoreError wraps a storage I/O failure so callers can recognize it and
// recover locally instead of crashing location tracking.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("fence store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the fence table exists.
func (s *Store) InitSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS geofences (
		id TEXT PRIMARY KEY,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		radius REAL NOT NULL,
		transition_mask INTEGER NOT NULL DEFAULT 0,
		is_inside INTEGER NOT NULL DEFAULT 0,
		start_time TEXT,
		end_time TEXT,
		notification TEXT,
		webhook TEXT,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return storeErr("init schema", err)
	}
	return nil
}

// UpsertFence inserts the fence or overwrites the stored record field for
// field. The record is written exactly as supplied; the facade stamps a reset
// IsInside/LastTriggeredAt before calling.
func (s *Store) UpsertFence(ctx context.Context, f model.Fence) error {
	if s.db == nil {
		return storeErr("upsert", errors.New("not initialized"))
	}

	notification, err := encodeJSONColumn(f.Notification)
	if err != nil {
		return storeErr("upsert", fmt.Errorf("encode notification: %w", err))
	}
	webhook, err := encodeJSONColumn(f.Webhook)
	if err != nil {
		return storeErr("upsert", fmt.Errorf("encode webhook: %w", err))
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO geofences (id, latitude, longitude, radius, transition_mask, is_inside, start_time, end_time, notification, webhook, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(id)
		 DO UPDATE SET latitude = excluded.latitude,
				 longitude = excluded.longitude,
				 radius = excluded.radius,
				 transition_mask = excluded.transition_mask,
				 is_inside = excluded.is_inside,
				 start_time = excluded.start_time,
				 end_time = excluded.end_time,
				 notification = excluded.notification,
				 webhook = excluded.webhook,
				 updated_at = excluded.updated_at;`,
		f.ID,
		f.Latitude,
		f.Longitude,
		f.Radius,
		int(f.TransitionMask),
		boolToInt(f.IsInside),
		encodeTimeColumn(f.StartTime),
		encodeTimeColumn(f.EndTime),
		notification,
		webhook,
	)
	if err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

// SetInsideState updates only the containment flag. The notification column,
// including the throttle stamp written concurrently by the dispatcher, is
// left untouched, and an unknown id is a no-op rather than an insert.
func (s *Store) SetInsideState(ctx context.Context, id string, inside bool) error {
	if s.db == nil {
		return storeErr("set inside state", errors.New("not initialized"))
	}

	_, err := s.db.ExecContext(
		ctx,
		`UPDATE geofences SET is_inside = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?;`,
		boolToInt(inside),
		id,
	)
	if err != nil {
		return storeErr("set inside state", err)
	}
	return nil
}

// GetFence returns the stored fence, or nil when the id is unknown.
func (s *Store) GetFence(ctx context.Context, id string) (*model.Fence, error) {
	if s.db == nil {
		return nil, storeErr("get", errors.New("not initialized"))
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, latitude, longitude, radius, transition_mask, is_inside, start_time, end_time, notification, webhook
		 FROM geofences WHERE id = ?;`,
		id,
	)

	f, err := scanFence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return f, nil
}

// ListFences returns a snapshot of every stored fence.
func (s *Store) ListFences(ctx context.Context) ([]model.Fence, error) {
	if s.db == nil {
		return nil, storeErr("list", errors.New("not initialized"))
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, latitude, longitude, radius, transition_mask, is_inside, start_time, end_time, notification, webhook
		 FROM geofences;`)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var fences []model.Fence
	for rows.Next() {
		f, err := scanFence(rows)
		if err != nil {
			return nil, storeErr("list", err)
		}
		fences = append(fences, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}

	return fences, nil
}

// RemoveFence deletes the record; removing an unknown id is not an error.
func (s *Store) RemoveFence(ctx context.Context, id string) error {
	if s.db == nil {
		return storeErr("remove", errors.New("not initialized"))
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE id = ?;`, id); err != nil {
		return storeErr("remove", err)
	}
	return nil
}

// Clear deletes all fence records.
func (s *Store) Clear(ctx context.Context) error {
	if s.db == nil {
		return storeErr("clear", errors.New("not initialized"))
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM geofences;`); err != nil {
		return storeErr("clear", err)
	}
	return nil
}

// TouchLastTriggered scans all fences and stamps the matching notification
// sub-record's last-triggered time. Backs the notification frequency throttle.
func (s *Store) TouchLastTriggered(ctx context.Context, notificationID string, ts time.Time) error {
	if s.db == nil {
		return storeErr("touch last triggered", errors.New("not initialized"))
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, notification FROM geofences WHERE notification IS NOT NULL;`)
	if err != nil {
		return storeErr("touch last triggered", err)
	}
	defer rows.Close()

	type pending struct {
		fenceID string
		payload string
	}
	var updates []pending

	for rows.Next() {
		var fenceID string
		var raw sql.NullString
		if err := rows.Scan(&fenceID, &raw); err != nil {
			return storeErr("touch last triggered", err)
		}
		if !raw.Valid {
			continue
		}

		var n model.Notification
		if err := json.Unmarshal([]byte(raw.String), &n); err != nil {
			return storeErr("touch last triggered", fmt.Errorf("decode notification for %s: %w", fenceID, err))
		}
		if n.ID != notificationID {
			continue
		}

		n.LastTriggeredAt = ts.UTC()
		encoded, err := json.Marshal(n)
		if err != nil {
			return storeErr("touch last triggered", fmt.Errorf("encode notification for %s: %w", fenceID, err))
		}
		updates = append(updates, pending{fenceID: fenceID, payload: string(encoded)})
	}

	if err := rows.Err(); err != nil {
		return storeErr("touch last triggered", err)
	}

	for _, u := range updates {
		if _, err := s.db.ExecContext(ctx, `UPDATE geofences SET notification = ? WHERE id = ?;`, u.payload, u.fenceID); err != nil {
			return storeErr("touch last triggered", err)
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFence(row rowScanner) (*model.Fence, error) {
	var (
		id               string
		latitude         float64
		longitude        float64
		radius           float64
		mask             int
		isInside         int
		startStr, endStr sql.NullString
		notification     sql.NullString
		webhook          sql.NullString
	)

	if err := row.Scan(&id, &latitude, &longitude, &radius, &mask, &isInside, &startStr, &endStr, &notification, &webhook); err != nil {
		return nil, err
	}

	f := model.Fence{
		ID:             id,
		Latitude:       latitude,
		Longitude:      longitude,
		Radius:         radius,
		TransitionMask: model.TransitionMask(mask),
		IsInside:       isInside != 0,
	}

	var err error
	if f.StartTime, err = decodeTimeColumn(startStr); err != nil {
		return nil, fmt.Errorf("decode start time for %s: %w", id, err)
	}
	if f.EndTime, err = decodeTimeColumn(endStr); err != nil {
		return nil, fmt.Errorf("decode end time for %s: %w", id, err)
	}

	if notification.Valid {
		var n model.Notification
		if err := json.Unmarshal([]byte(notification.String), &n); err != nil {
			return nil, fmt.Errorf("decode notification for %s: %w", id, err)
		}
		f.Notification = &n
	}

	if webhook.Valid {
		var w model.Webhook
		if err := json.Unmarshal([]byte(webhook.String), &w); err != nil {
			return nil, fmt.Errorf("decode webhook for %s: %w", id, err)
		}
		f.Webhook = &w
	}

	return &f, nil
}

func encodeJSONColumn(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case *model.Notification:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *model.Webhook:
		if val == nil {
			return sql.NullString{}, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func encodeTimeColumn(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func decodeTimeColumn(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05Z07:00", v.String)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
