package database

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

// schemaTable records which schema versions have been applied.
const schemaTable = "acs_schema_versions"

// ErrNoDownMigration is returned by Rollback when the latest applied
// version has no .down.sql file.
var ErrNoDownMigration = errors.New("database: migration has no down script")

// Schema files are named VERSIONDATE_VERSIONTIME_name.{up,down}.sql, for
// example 20260301_090000_initial_schema.up.sql. The package that embeds
// them registers the filesystem with RegisterSchema from an init func.
var (
	schemaFS  fs.FS
	schemaDir = "."
)

// RegisterSchema sets the filesystem and directory Migrate reads the
// schema files from.
func RegisterSchema(fsys fs.FS, dir string) {
	schemaFS = fsys
	schemaDir = dir
}

// Migration is one schema version and its scripts.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// AppliedMigration is a row of the schema version table.
type AppliedMigration struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// SchemaStatus is the result of Status.
type SchemaStatus struct {
	Applied []AppliedMigration
	Pending []Migration
}

// Current returns the latest applied version, or "" on an empty database.
func (s SchemaStatus) Current() string {
	if len(s.Applied) == 0 {
		return ""
	}
	return s.Applied[len(s.Applied)-1].Version
}

// Migrate brings the schema up to date. Each version is applied in its
// own transaction, oldest first; a failing version is rolled back and
// stops the run, leaving earlier versions committed. Calling Migrate
// again resumes from the failed version.
func (db *DB) Migrate(ctx context.Context) error {
	status, err := db.Status(ctx)
	if err != nil {
		return err
	}
	for _, m := range status.Pending {
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("applying schema %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts the latest applied schema version. It exists for
// development; the ACS itself only migrates forward.
func (db *DB) Rollback(ctx context.Context) error {
	status, err := db.Status(ctx)
	if err != nil {
		return err
	}
	current := status.Current()
	if current == "" {
		return nil
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(all, func(m Migration) bool { return m.Version == current })
	if i < 0 {
		return fmt.Errorf("rolling back schema %s: no such file", current)
	}
	if all[i].Down == "" {
		return fmt.Errorf("rolling back schema %s: %w", current, ErrNoDownMigration)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rolling back schema %s: %w", current, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, all[i].Down); err != nil {
		return fmt.Errorf("rolling back schema %s: %w", current, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+schemaTable+" WHERE version = ?", current); err != nil {
		return fmt.Errorf("unrecording schema %s: %w", current, err)
	}
	return tx.Commit()
}

// Status reports applied and pending schema versions. It creates the
// version table when missing.
func (db *DB) Status(ctx context.Context) (SchemaStatus, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+schemaTable+` (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		) STRICT`); err != nil {
		return SchemaStatus{}, fmt.Errorf("creating schema version table: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return SchemaStatus{}, err
	}
	all, err := loadMigrations()
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Applied: applied}
	for _, m := range all {
		if !slices.ContainsFunc(applied, func(a AppliedMigration) bool { return a.Version == m.Version }) {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, name, applied_at FROM "+schemaTable+" ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying schema versions: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a  AppliedMigration
			at string
		)
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return nil, fmt.Errorf("scanning schema version: %w", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by apply
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schema versions: %w", err)
	}
	return out, nil
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+schemaTable+" (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}

// loadMigrations reads the registered schema files, oldest version first.
// Files that do not follow the naming scheme are ignored.
func loadMigrations() ([]Migration, error) {
	if schemaFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(schemaFS, schemaDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing schema files: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, up, ok := parseSchemaFile(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(schemaFS, path.Join(schemaDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if up {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("schema %s (%s) has no up script", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// parseSchemaFile splits "20260301_090000_initial_schema.up.sql" into
// version "20260301_090000", name "initial_schema" and direction.
func parseSchemaFile(file string) (version, name string, up, ok bool) {
	base, found := strings.CutSuffix(file, ".sql")
	if !found {
		return "", "", false, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return "", "", false, false
	}

	date, rest, found := strings.Cut(base, "_")
	if !found || len(date) != len("20060102") {
		return "", "", false, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	if len(clock) != len("150405") {
		return "", "", false, false
	}
	return date + "_" + clock, name, up, true
}
