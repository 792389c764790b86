// Package database provides SQLite connectivity for the Gray Logic ACS.
//
// It owns the connection (WAL mode, busy timeout, single writer), the
// embedded schema migrations and a health check. Repositories in
// internal/device build on the *sql.DB it wraps.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql and are applied in version order, one transaction
// each. Path ":memory:" opens a private in-memory database, which tests
// use to run the real schema.
package database
