//go:build !cgo_sqlite

package sqlite

import (
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// journalDSN returns the modernc.org/sqlite form of path with pragmas
// applied on every connection: ?_pragma=journal_mode(WAL)&...
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
		b.WriteString("_pragma=" + p.name + "(" + p.value + ")")
	}
	return b.String()
}
