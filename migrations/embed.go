// Package migrations embeds the SQL scripts that build the sample
// database used by "litelens demo" and by tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Dir is the script directory within FS.
const Dir = "."
