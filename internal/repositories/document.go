package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// saveFunc writes a document and its projected columns inside a transaction.
type saveFunc[T any] func(ctx context.Context, ex sqlx.ExtContext, doc *T) error

func loadDoc[T any](ctx context.Context, q sqlx.QueryerContext, table, id string, notFound error) (T, error) {
	var doc T
	var raw []byte
	err := sqlx.GetContext(ctx, q, &raw, fmt.Sprintf(`SELECT doc FROM %s WHERE id=$1`, table), id)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, notFound
	}
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(raw, &doc)
	return doc, err
}

func selectDocs[T any](ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]T, error) {
	var raws [][]byte
	if err := sqlx.SelectContext(ctx, q, &raws, query, args...); err != nil {
		return nil, err
	}
	docs := make([]T, 0, len(raws))
	for _, raw := range raws {
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// mutateDoc is the per-document read-modify-write: the row is locked with
// SELECT ... FOR UPDATE so concurrent mutations of one record serialize
// while other records stay unaffected.
func mutateDoc[T any](ctx context.Context, db *sqlx.DB, table, id string, notFound error, fn func(*T) error, save saveFunc[T]) (T, error) {
	var zero T
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.GetContext(ctx, &raw, fmt.Sprintf(`SELECT doc FROM %s WHERE id=$1 FOR UPDATE`, table), id)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, notFound
	}
	if err != nil {
		return zero, err
	}

	var doc T
	if err = json.Unmarshal(raw, &doc); err != nil {
		return zero, err
	}
	if err = fn(&doc); err != nil {
		return zero, err
	}
	if err = save(ctx, tx, &doc); err != nil {
		return zero, err
	}
	if err = tx.Commit(); err != nil {
		return zero, err
	}
	return doc, nil
}

// mutateMany applies fn to every id in its own transaction and counts the
// documents fn reported as changed.
func mutateMany[T any](ctx context.Context, db *sqlx.DB, table string, ids []string, notFound error, fn func(*T) bool, save saveFunc[T]) (int, error) {
	changed := 0
	for _, id := range ids {
		_, err := mutateDoc(ctx, db, table, id, notFound, func(doc *T) error {
			if !fn(doc) {
				return errUnchanged
			}
			return nil
		}, save)
		switch {
		case errors.Is(err, errUnchanged), errors.Is(err, notFound):
			continue
		case err != nil:
			return changed, err
		}
		changed++
	}
	return changed, nil
}

var errUnchanged = errors.New("document unchanged")

func marshalDoc(doc any) ([]byte, error) {
	return json.Marshal(doc)
}
