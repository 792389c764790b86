package database

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
)

// withSchema registers fsys for the duration of the test.
func withSchema(t *testing.T, fsys fstest.MapFS) {
	t.Helper()
	prevFS, prevDir := schemaFS, schemaDir
	t.Cleanup(func() { RegisterSchema(prevFS, prevDir) })
	RegisterSchema(fsys, "schema")
}

func sessionSchema() fstest.MapFS {
	return fstest.MapFS{
		"schema/20260301_090000_sessions.up.sql": {Data: []byte(
			"CREATE TABLE sessions (id TEXT PRIMARY KEY, device_id TEXT NOT NULL, state BLOB NOT NULL) STRICT;")},
		"schema/20260301_090000_sessions.down.sql": {Data: []byte("DROP TABLE sessions;")},
		"schema/20260402_120000_session_expiry.up.sql": {Data: []byte(
			"ALTER TABLE sessions ADD COLUMN expires_at INTEGER NOT NULL DEFAULT 0;")},
		"schema/README.md": {Data: []byte("not a schema file")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n); err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

// ─── Migrate ───────────────────────────────────────────────────────

func TestMigrate_AppliesInVersionOrder(t *testing.T) {
	withSchema(t, sessionSchema())
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// The second version alters the table the first one creates.
	if _, err := db.ExecContext(ctx,
		"INSERT INTO sessions (id, device_id, state, expires_at) VALUES ('s1', 'dev1', x'00', 42)",
	); err != nil {
		t.Fatalf("insert into migrated sessions: %v", err)
	}

	status, err := db.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.Applied) != 2 || len(status.Pending) != 0 {
		t.Fatalf("Status() = %d applied, %d pending; want 2, 0", len(status.Applied), len(status.Pending))
	}
	if got := status.Current(); got != "20260402_120000" {
		t.Errorf("Current() = %q, want 20260402_120000", got)
	}
	if got := status.Applied[0].Name; got != "sessions" {
		t.Errorf("Applied[0].Name = %q, want sessions", got)
	}
	if status.Applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailedVersionResumes(t *testing.T) {
	fsys := sessionSchema()
	fsys["schema/20260402_120000_session_expiry.up.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE nope ADD COLUMN x;")}
	withSchema(t, fsys)
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() should fail on the broken version")
	}
	status, err := db.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Current() != "20260301_090000" || len(status.Pending) != 1 {
		t.Fatalf("Status() = %+v, want first version kept and one pending", status)
	}

	fsys["schema/20260402_120000_session_expiry.up.sql"] = sessionSchema()["schema/20260402_120000_session_expiry.up.sql"]
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() after fix error = %v", err)
	}
}

func TestMigrate_NothingRegistered(t *testing.T) {
	prevFS, prevDir := schemaFS, schemaDir
	t.Cleanup(func() { RegisterSchema(prevFS, prevDir) })
	RegisterSchema(nil, ".")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no schema error = %v", err)
	}
}

func TestMigrate_MissingUpScript(t *testing.T) {
	withSchema(t, fstest.MapFS{
		"schema/20260301_090000_sessions.down.sql": {Data: []byte("DROP TABLE sessions;")},
	})
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err == nil {
		t.Fatal("Migrate() should reject a version without an up script")
	}
}

// ─── Rollback ──────────────────────────────────────────────────────

func TestRollback(t *testing.T) {
	withSchema(t, fstest.MapFS{
		"schema/20260301_090000_sessions.up.sql":   sessionSchema()["schema/20260301_090000_sessions.up.sql"],
		"schema/20260301_090000_sessions.down.sql": sessionSchema()["schema/20260301_090000_sessions.down.sql"],
	})
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if tableExists(t, db, "sessions") {
		t.Error("sessions table survived rollback")
	}
	status, err := db.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Current() != "" || len(status.Pending) != 1 {
		t.Errorf("Status() = %+v, want nothing applied", status)
	}

	// Rolling back an empty schema is a no-op.
	if err := db.Rollback(ctx); err != nil {
		t.Errorf("Rollback() on empty schema error = %v", err)
	}
}

func TestRollback_NoDownScript(t *testing.T) {
	withSchema(t, sessionSchema())
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Rollback(ctx); !errors.Is(err, ErrNoDownMigration) {
		t.Errorf("Rollback() error = %v, want ErrNoDownMigration", err)
	}
}

// ─── File Names ────────────────────────────────────────────────────

func TestParseSchemaFile(t *testing.T) {
	tests := []struct {
		file        string
		wantVersion string
		wantName    string
		wantUp      bool
		wantOK      bool
	}{
		{"20260301_090000_initial_schema.up.sql", "20260301_090000", "initial_schema", true, true},
		{"20260301_090000_initial_schema.down.sql", "20260301_090000", "initial_schema", false, true},
		{"20260402_120000_add_session_expiry.up.sql", "20260402_120000", "add_session_expiry", true, true},
		{"20260301_090000.up.sql", "20260301_090000", "", true, true},
		{"20260301_090000_initial_schema.sql", "", "", false, false},
		{"initial_schema.up.sql", "", "", false, false},
		{"2026_090000_x.up.sql", "", "", false, false},
		{"README.md", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, up, ok := parseSchemaFile(tt.file)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || name != tt.wantName || up != tt.wantUp {
				t.Errorf("parseSchemaFile() = %q, %q, %v; want %q, %q, %v",
					version, name, up, tt.wantVersion, tt.wantName, tt.wantUp)
			}
		})
	}
}
