// Package migrations holds the gateway's SQL schema. Importing it
// registers the embedded files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.Register(files)
}
