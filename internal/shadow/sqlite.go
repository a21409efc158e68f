package shadow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/jamesenki/shadowcore/internal/infrastructure/database"
)

// SQLiteProvider persists shadow documents in the shadows table.
//
// Compare-and-swap updates are expressed as a conditional UPDATE on
// (device_id, version); zero rows affected means either the document is
// gone or another writer got there first.
type SQLiteProvider struct {
	db *database.DB
}

// NewSQLiteProvider creates a provider backed by an open database.
func NewSQLiteProvider(db *database.DB) *SQLiteProvider {
	return &SQLiteProvider{db: db}
}

// Name identifies the backend for logging.
func (p *SQLiteProvider) Name() string { return "sqlite" }

// Exists reports whether a shadow row is stored for the device.
func (p *SQLiteProvider) Exists(ctx context.Context, deviceID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		"SELECT 1 FROM shadows WHERE device_id = ?", deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query shadow existence: %w", err)
	}
	return true, nil
}

// Get returns the stored document, or ErrNotFound.
func (p *SQLiteProvider) Get(ctx context.Context, deviceID string) (*ShadowDocument, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT device_id, reported, desired, pending, version, created_at, updated_at
		FROM shadows WHERE device_id = ?`, deviceID)
	doc, err := scanShadow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("query shadow: %w", err)
	}
	return doc, nil
}

// Save inserts (expectedVersion 0) or conditionally replaces the row.
func (p *SQLiteProvider) Save(ctx context.Context, doc *ShadowDocument, expectedVersion int64) error {
	reported, desired, pending, err := encodeState(doc)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO shadows (device_id, reported, desired, pending, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.DeviceID, reported, desired, pending, doc.Version,
			doc.CreatedAt.UTC().Format(time.RFC3339Nano),
			doc.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: device %s", ErrAlreadyExists, doc.DeviceID)
		}
		if err != nil {
			return fmt.Errorf("insert shadow: %w", err)
		}
		return nil
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE shadows
		SET reported = ?, desired = ?, pending = ?, version = ?, updated_at = ?
		WHERE device_id = ? AND version = ?`,
		reported, desired, pending, doc.Version,
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		doc.DeviceID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update shadow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update shadow: rows affected: %w", err)
	}
	if affected == 0 {
		// Disambiguate: the row either vanished or moved past us.
		exists, existsErr := p.Exists(ctx, doc.DeviceID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return fmt.Errorf("%w: device %s", ErrNotFound, doc.DeviceID)
		}
		return fmt.Errorf("%w: device %s expected version %d",
			ErrVersionConflict, doc.DeviceID, expectedVersion)
	}
	return nil
}

// Delete removes the row, or returns ErrNotFound.
func (p *SQLiteProvider) Delete(ctx context.Context, deviceID string) error {
	result, err := p.db.ExecContext(ctx,
		"DELETE FROM shadows WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("delete shadow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete shadow: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return nil
}

func encodeState(doc *ShadowDocument) (reported, desired, pending []byte, err error) {
	reported, err = json.Marshal(doc.Reported)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal reported state: %w", err)
	}
	desired, err = json.Marshal(doc.Desired)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal desired state: %w", err)
	}
	p := doc.Pending
	if p == nil {
		p = []string{}
	}
	pending, err = json.Marshal(p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal pending keys: %w", err)
	}
	return reported, desired, pending, nil
}

func scanShadow(row *sql.Row) (*ShadowDocument, error) {
	var (
		doc                        ShadowDocument
		reported, desired, pending []byte
		createdAt, updatedAt       string
	)
	if err := row.Scan(&doc.DeviceID, &reported, &desired, &pending,
		&doc.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reported, &doc.Reported); err != nil {
		return nil, fmt.Errorf("unmarshal reported state: %w", err)
	}
	if err := json.Unmarshal(desired, &doc.Desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired state: %w", err)
	}
	if err := json.Unmarshal(pending, &doc.Pending); err != nil {
		return nil, fmt.Errorf("unmarshal pending keys: %w", err)
	}
	if len(doc.Pending) == 0 {
		doc.Pending = nil
	}
	var err error
	doc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &doc, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
