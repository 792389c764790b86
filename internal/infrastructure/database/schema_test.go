package database_test

import (
	"context"
	"testing"

	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-acs/migrations"
)

func migratedDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:", BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func countRows(t *testing.T, db *database.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return n
}

func TestSchema_Tables(t *testing.T) {
	db := migratedDB(t)
	for _, table := range []string{"devices", "device_parameters", "device_tags", "faults", "operations", "tasks", "sessions"} {
		if countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table) != 1 {
			t.Errorf("table %s missing", table)
		}
	}

	status, err := db.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Current() != "20260301_090000" || len(status.Pending) != 0 {
		t.Errorf("Status() = %+v, want initial schema applied", status)
	}
}

func TestSchema_DeviceDeleteCascades(t *testing.T) {
	db := migratedDB(t)
	ctx := context.Background()
	const id = "001122-Router-SN1"

	for _, stmt := range []string{
		"INSERT INTO devices (id, oui, product_class, serial_number) VALUES (?, '001122', 'Router', 'SN1')",
		"INSERT INTO device_parameters (device_id, path, timestamp) VALUES (?, 'Device.WiFi.SSID.*', 1000)",
		"INSERT INTO device_tags (device_id, tag) VALUES (?, 'lab')",
	} {
		if _, err := db.ExecContext(ctx, stmt, id); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	// Parameters of an unknown device are rejected.
	if _, err := db.ExecContext(ctx,
		"INSERT INTO device_parameters (device_id, path) VALUES ('ghost', 'Device.')"); err == nil {
		t.Error("parameter insert for an unknown device should fail")
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id); err != nil {
		t.Fatalf("deleting device: %v", err)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM device_parameters WHERE device_id = ?", id); n != 0 {
		t.Errorf("device_parameters rows = %d after delete, want 0", n)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM device_tags WHERE device_id = ?", id); n != 0 {
		t.Errorf("device_tags rows = %d after delete, want 0", n)
	}
}

func TestSchema_SessionsAreStrict(t *testing.T) {
	db := migratedDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx,
		"INSERT INTO sessions (id, device_id, state, expires_at) VALUES ('S1', 'dev1', x'28b52ffd', 1700000030000)",
	); err != nil {
		t.Fatalf("inserting session: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO sessions (id, device_id, state, expires_at) VALUES ('S2', 'dev1', x'00', 'soon')",
	); err == nil {
		t.Error("STRICT sessions table accepted a text expiry")
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM sessions WHERE expires_at < ?", int64(1700000031000)); n != 1 {
		t.Errorf("expired sessions = %d, want 1", n)
	}
}

func TestSchema_Rollback(t *testing.T) {
	db := migratedDB(t)
	if err := db.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('devices', 'sessions')"); n != 0 {
		t.Errorf("%d ACS tables survived rollback", n)
	}
}
