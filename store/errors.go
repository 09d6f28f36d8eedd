package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/query"
)

// uniqueViolationCode is the Postgres SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

var (
	// ErrQueryMaterialized is returned by a second Exec on the same Query.
	ErrQueryMaterialized = errors.New("store: query already executed")
	// ErrUnknownOption is returned for query options nobody declared.
	ErrUnknownOption = errors.New("store: unknown query option")
)

// uniqueViolation is the engine's duplicate key signal.
type uniqueViolation struct {
	Index string
	Key   string
	ID    any
}

func (e *uniqueViolation) Error() string {
	return fmt.Sprintf("duplicate key %q violates unique index %s", e.Key, e.Index)
}

// isDuplicateKey recognizes the duplicate key signal of every backend.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var uv *uniqueViolation
	if errors.As(err, &uv) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// normalize maps the failures the adapters recognize into the taxonomy and
// returns every other error unchanged. id is reported on duplicates.
func normalize(err error, id any) error {
	switch {
	case err == nil:
		return nil
	case isDuplicateKey(err):
		var uv *uniqueViolation
		if id == nil && errors.As(err, &uv) {
			id = uv.ID
		}
		return apperr.AlreadyExists(id)
	case errors.Is(err, query.ErrImmutableField):
		return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "_id", Type: "immutable"})
	case errors.Is(err, query.ErrInvalidFilter):
		return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "filter", Type: "invalid"})
	case errors.Is(err, query.ErrInvalidUpdate):
		return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "update", Type: "invalid"})
	case errors.Is(err, query.ErrInvalidPipeline):
		return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "pipeline", Type: "invalid"})
	}
	return err
}
