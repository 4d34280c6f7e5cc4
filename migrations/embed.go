// Package migrations embeds the SQL schema applied by "hms-scheduler migrate".
package migrations

import "embed"

// Files holds the numbered migration scripts.
//
//go:embed *.sql
var Files embed.FS
