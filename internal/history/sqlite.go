package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jamesenki/shadowcore/internal/infrastructure/database"
	"github.com/jamesenki/shadowcore/internal/shadow"
)

// SQLiteStore persists history in the shadow_history table.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates a store backed by an open database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append records a single entry.
func (s *SQLiteStore) Append(ctx context.Context, entry Entry) error {
	return s.AppendBatch(ctx, []Entry{entry})
}

// AppendBatch records entries in one transaction, preserving order.
func (s *SQLiteStore) AppendBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shadow_history (device_id, version, reported, desired, pending, source, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing history insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Statement bound to tx lifetime

	for _, entry := range entries {
		if entry.DeviceID == "" {
			return fmt.Errorf("%w: device id is required", ErrInvalidQuery)
		}
		reported, desired, pending, err := encodeEntryState(entry)
		if err != nil {
			return err
		}
		deleted := 0
		if entry.Deleted {
			deleted = 1
		}
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			entry.DeviceID, entry.Version, reported, desired, pending,
			entry.Source, deleted,
			createdAt.UTC().Format("2006-01-02T15:04:05.000Z")); err != nil {
			return fmt.Errorf("inserting history entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history batch: %w", err)
	}
	return nil
}

// Query returns entries newest first, bounded by the optional time window.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	if q.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidQuery)
	}
	limit := clampLimit(q.Limit)

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, device_id, version, reported, desired, pending, source, deleted, created_at
		FROM shadow_history
		WHERE device_id = ?`)
	args := []any{q.DeviceID}

	if !q.Start.IsZero() {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, q.Start.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if !q.End.IsZero() {
		sb.WriteString(" AND created_at <= ?")
		args = append(args, q.End.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying shadow history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry                      Entry
			reported, desired, pending []byte
			deleted                    int
			createdAt                  string
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.Version,
			&reported, &desired, &pending, &entry.Source, &deleted, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning shadow history: %w", err)
		}
		if err := json.Unmarshal(reported, &entry.Reported); err != nil {
			return nil, fmt.Errorf("unmarshalling reported state: %w", err)
		}
		if err := json.Unmarshal(desired, &entry.Desired); err != nil {
			return nil, fmt.Errorf("unmarshalling desired state: %w", err)
		}
		if err := json.Unmarshal(pending, &entry.Pending); err != nil {
			return nil, fmt.Errorf("unmarshalling pending keys: %w", err)
		}
		if len(entry.Pending) == 0 {
			entry.Pending = nil
		}
		entry.Deleted = deleted != 0
		entry.CreatedAt, err = parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating shadow history: %w", err)
	}
	return entries, nil
}

// PruneByAge deletes entries older than the cutoff.
func (s *SQLiteStore) PruneByAge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", ErrInvalidQuery)
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format("2006-01-02T15:04:05.000Z")
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM shadow_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning shadow history by age: %w", err)
	}
	return result.RowsAffected()
}

// PruneByCount keeps only the newest keep entries per device.
func (s *SQLiteStore) PruneByCount(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("%w: keep must be positive", ErrInvalidQuery)
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM shadow_history
		WHERE id NOT IN (
			SELECT id FROM shadow_history AS newest
			WHERE newest.device_id = shadow_history.device_id
			ORDER BY newest.created_at DESC, newest.id DESC
			LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning shadow history by count: %w", err)
	}
	return result.RowsAffected()
}

func encodeEntryState(entry Entry) (reported, desired, pending []byte, err error) {
	r := entry.Reported
	if r == nil {
		r = shadow.StateMap{}
	}
	d := entry.Desired
	if d == nil {
		d = shadow.StateMap{}
	}
	p := entry.Pending
	if p == nil {
		p = []string{}
	}
	if reported, err = json.Marshal(r); err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling reported state: %w", err)
	}
	if desired, err = json.Marshal(d); err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling desired state: %w", err)
	}
	if pending, err = json.Marshal(p); err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling pending keys: %w", err)
	}
	return reported, desired, pending, nil
}

// parseHistoryTimestamp parses a timestamp stored in SQLite, tolerating
// both millisecond and whole-second precision.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000Z", value); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts, nil
}
