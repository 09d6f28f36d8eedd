package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgres stores documents as JSONB.
type postgres struct{}

// NewPostgresBackend connects to dsn through the pgx driver.
func NewPostgresBackend(ctx context.Context, dsn string, opts ...CollectionOption) (*SQLBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLBackend(ctx, db, postgres{}, opts)
}

func (postgres) name() string { return "postgres" }

func (postgres) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgres) createTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		data JSONB NOT NULL
	)`, quoteIdent(table))
}

func (postgres) docParam(ph string) string { return ph + "::text::jsonb" }

func (postgres) dataColumn() string { return "data::text" }

// pgPath renders a text[] literal such as '{"a","b"}'.
func pgPath(path []string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		p = strings.ReplaceAll(p, `\`, `\\`)
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `\"`) + `"`
	}
	return quoteLiteral("{" + strings.Join(parts, ",") + "}")
}

func (postgres) field(path []string) string {
	return "(data #> " + pgPath(path) + ")"
}

func (postgres) text(path []string) string {
	return "(data #>> " + pgPath(path) + ")"
}

func (d postgres) isKind(path []string, k valueKind) string {
	name := map[valueKind]string{
		kindNull:   "null",
		kindNumber: "number",
		kindString: "string",
		kindBool:   "boolean",
		kindObject: "object",
		kindArray:  "array",
	}[k]
	return fmt.Sprintf("(jsonb_typeof%s = '%s')", d.field(path), name)
}

func (d postgres) missing(path []string) string {
	return "(" + d.field(path) + " IS NULL)"
}

func (postgres) param(v any) any {
	b, _ := json.Marshal(v)
	return string(b)
}

func (postgres) operand(ph string, _ any) string { return ph + "::text::jsonb" }

func (postgres) regexMatch(text, ph string) string { return text + " ~ " + ph }

func (postgres) noLimit() string { return "ALL" }

func (postgres) forUpdate() string { return " FOR UPDATE" }

func (postgres) indexExists() string {
	return "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1"
}

func (postgres) listTables() string {
	return "SELECT tablename FROM pg_tables WHERE schemaname = current_schema() ORDER BY tablename"
}
