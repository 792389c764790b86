// Package migrations embeds the ACS schema into the binary.
//
// Importing it for side effects registers the files with the database
// package, so Migrate works without the SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.RegisterSchema(migrationsFS, ".")
}
