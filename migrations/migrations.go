// Package migrations embeds the SQL migration files applied by goose.
//
// Files are named YYYYMMDDHHMMSS_description.sql and run in order when the
// worker boots.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
