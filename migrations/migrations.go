// Package migrations embeds the ledger schema so the server binary can apply
// it without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
