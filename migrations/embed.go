// Package migrations embeds the SQL schema so the server and the storage
// integration tests can apply it through goose without a filesystem path.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
