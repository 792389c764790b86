package device

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// TagRepository answers tag queries. Tags themselves are written by
// Repository.Save from the device's Tags.* parameters.
type TagRepository interface {
	// GetTags returns all tags for a device, sorted.
	GetTags(ctx context.Context, deviceID string) ([]string, error)

	// ListDevicesByTag returns all device IDs that have the given tag.
	ListDevicesByTag(ctx context.Context, tag string) ([]string, error)

	// ListAllTags returns all unique tags across all devices, sorted alphabetically.
	ListAllTags(ctx context.Context) ([]string, error)
}

// SQLiteTagRepository implements TagRepository using SQLite.
type SQLiteTagRepository struct {
	db *sql.DB
}

// NewSQLiteTagRepository creates a new SQLite-backed tag repository.
func NewSQLiteTagRepository(db *sql.DB) *SQLiteTagRepository {
	return &SQLiteTagRepository{db: db}
}

// GetTags returns all tags for a device.
func (r *SQLiteTagRepository) GetTags(ctx context.Context, deviceID string) ([]string, error) {
	return queryStringList(ctx, r.db, "SELECT tag FROM device_tags WHERE device_id = ? ORDER BY tag", "querying device tags", deviceID)
}

// ListDevicesByTag returns all device IDs carrying tag.
func (r *SQLiteTagRepository) ListDevicesByTag(ctx context.Context, tag string) ([]string, error) {
	tag = normaliseTag(tag)
	if tag == "" {
		return nil, nil
	}
	return queryStringList(ctx, r.db, "SELECT device_id FROM device_tags WHERE tag = ? ORDER BY device_id", "querying devices by tag", tag)
}

// ListAllTags returns every distinct tag.
func (r *SQLiteTagRepository) ListAllTags(ctx context.Context) ([]string, error) {
	return queryStringList(ctx, r.db, "SELECT DISTINCT tag FROM device_tags ORDER BY tag", "querying all tags")
}

// replaceTags rewrites a device's tags inside a save transaction.
func replaceTags(ctx context.Context, tx *sql.Tx, deviceID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM device_tags WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("clearing device tags: %w", err)
	}
	normalised := normaliseTags(tags)
	if len(normalised) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO device_tags (device_id, tag) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("preparing tag insert: %w", err)
	}
	defer stmt.Close()

	for _, tag := range normalised {
		if _, err := stmt.ExecContext(ctx, deviceID, tag); err != nil {
			return fmt.Errorf("inserting tag: %w", err)
		}
	}
	return nil
}

// allDeviceTags loads every device's tags for bulk listing.
func allDeviceTags(ctx context.Context, db *sql.DB) (map[string][]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT device_id, tag FROM device_tags ORDER BY device_id, tag")
	if err != nil {
		return nil, fmt.Errorf("querying device tags: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]string)
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, fmt.Errorf("scanning device tag: %w", err)
		}
		result[id] = append(result[id], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device tags: %w", err)
	}
	return result, nil
}

// normaliseTag trims whitespace. Tags are parameter names, so case is
// kept.
func normaliseTag(tag string) string {
	return strings.TrimSpace(tag)
}

// normaliseTags normalises and deduplicates a tag slice.
func normaliseTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	var normalised []string
	for _, tag := range tags {
		n := normaliseTag(tag)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		normalised = append(normalised, n)
	}

	sort.Strings(normalised)
	return normalised
}

// queryStringList executes a query and returns a string slice result.
func queryStringList(ctx context.Context, db *sql.DB, query string, op string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return values, nil
}
