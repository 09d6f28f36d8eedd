package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"
)

// sqliteDriver is go-sqlite3 with a REGEXP function.
const sqliteDriver = "sqlite3_docmodel"

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", sqliteRegexp, true)
		},
	})
}

var sqliteRegexps sync.Map

// sqliteRegexp backs "value REGEXP pattern". Non-text values never match.
func sqliteRegexp(pattern string, value any) (bool, error) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return false, nil
	}
	re, ok := sqliteRegexps.Load(pattern)
	if !ok {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		re, _ = sqliteRegexps.LoadOrStore(pattern, compiled)
	}
	return re.(*regexp.Regexp).MatchString(s), nil
}

// sqlite stores documents as JSON text and queries them with the JSON1
// functions.
type sqlite struct{}

// NewSQLiteBackend opens (or creates) the database file at path.
func NewSQLiteBackend(ctx context.Context, path string, opts ...CollectionOption) (*SQLBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, err
	}
	return newSQLBackend(ctx, db, sqlite{}, opts)
}

func (sqlite) name() string { return "sqlite" }

func (sqlite) placeholder(int) string { return "?" }

func (sqlite) createTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		data TEXT NOT NULL
	)`, quoteIdent(table))
}

func (sqlite) docParam(ph string) string { return ph }

func (sqlite) dataColumn() string { return "data" }

// litePath renders a JSON path literal such as '$."a"[0]'.
func litePath(path []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, p := range path {
		if _, err := strconv.Atoi(p); err == nil {
			b.WriteString("[" + p + "]")
			continue
		}
		b.WriteString(`."` + strings.ReplaceAll(p, `"`, `\"`) + `"`)
	}
	return quoteLiteral(b.String())
}

func (sqlite) field(path []string) string {
	return "json_extract(data, " + litePath(path) + ")"
}

func (d sqlite) text(path []string) string { return d.field(path) }

func (sqlite) isKind(path []string, k valueKind) string {
	types := map[valueKind]string{
		kindNull:   "('null')",
		kindNumber: "('integer', 'real')",
		kindString: "('text')",
		kindBool:   "('true', 'false')",
		kindObject: "('object')",
		kindArray:  "('array')",
	}[k]
	return "(json_type(data, " + litePath(path) + ") IN " + types + ")"
}

func (sqlite) missing(path []string) string {
	return "(json_type(data, " + litePath(path) + ") IS NULL)"
}

// param matches what json_extract returns: numbers, text, 1/0 for booleans
// and minified JSON for objects and arrays.
func (sqlite) param(v any) any {
	switch t := v.(type) {
	case float64, string:
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func (sqlite) operand(ph string, v any) string {
	switch v.(type) {
	case map[string]any, []any:
		return "json(" + ph + ")"
	}
	return ph
}

func (sqlite) regexMatch(text, ph string) string { return text + " REGEXP " + ph }

func (sqlite) noLimit() string { return "-1" }

func (sqlite) forUpdate() string { return "" }

func (sqlite) indexExists() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?"
}

func (sqlite) listTables() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
}
