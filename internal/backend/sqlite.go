package backend

import (
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rxledger/notesfeed/internal/notes"
)

// sqliteTimeLayout is fixed width so text comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteDialect = dialect{
	name:    "sqlite",
	driver:  "sqlite",
	rebind:  rebindQuestion,
	timeArg: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	schema: func(notesTable, namesTable string) []string {
		nt, dt := quoteIdentifier(notesTable), quoteIdentifier(namesTable)
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					scope_id TEXT NOT NULL,
					created_at TEXT NOT NULL,
					author_id TEXT NOT NULL,
					body TEXT NOT NULL,
					is_pinned INTEGER NOT NULL DEFAULT 0,
					is_done INTEGER NOT NULL DEFAULT 0
				)`, nt),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (scope_id, created_at)`,
				quoteIdentifier(notesTable+"_scope_created_idx"), nt),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					scope_id TEXT NOT NULL,
					author_id TEXT NOT NULL,
					display_name TEXT NOT NULL,
					PRIMARY KEY (scope_id, author_id)
				)`, dt),
		}
	},
	classify: classifySQLite,
	// One connection keeps ":memory:" databases shared and serializes writers.
	maxOpenConns: 1,
}

func classifySQLite(err error) notes.Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"):
		return notes.KindConfigurationMissing
	case strings.Contains(msg, "readonly"), strings.Contains(msg, "permission denied"):
		return notes.KindPermissionDenied
	case strings.Contains(msg, "constraint failed"):
		return notes.KindValidation
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return notes.KindTransient
	}
	return notes.KindUnknown
}

// NewSQLite returns a SQLite backend for path. ":memory:" keeps the database
// in process. Push is delivered to subscribers of this process only.
func NewSQLite(path string, opts Options) (*SQL, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, notes.Errorf(notes.KindConfigurationMissing, "open sqlite", "path is required")
	}
	return newSQL(path, sqliteDialect, opts), nil
}
