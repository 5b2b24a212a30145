//go:build cgo_sqlite

package sqlite

import (
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// journalDSN returns the mattn/go-sqlite3 form of path with pragmas
// applied on every connection: ?_journal_mode=WAL&_busy_timeout=5000.
func journalDSN(path string, pragmas ...pragma) string {
	if len(pragmas) == 0 {
		return path
	}
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	for _, p := range pragmas {
		b.WriteString(sep)
		sep = "&"
		b.WriteString("_" + p.name + "=" + p.value)
	}
	return b.String()
}
