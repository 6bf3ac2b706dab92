// Package migrations embeds the SQL schema for the metadata tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
