// Package sqlitedriver registers the pure-Go modernc.org/sqlite driver
// under the "sqlite3" database/sql driver name, so the rest of the tree
// can open connections without a CGO toolchain.
package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	sql.Register("sqlite3", &sqlite.Driver{})
}
