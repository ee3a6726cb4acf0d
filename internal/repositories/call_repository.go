package repositories

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"campus-realtime/internal/models"
)

var ErrCallNotFound = errors.New("call session not found")

// CallRepository abstracts call session persistence.
type CallRepository interface {
	Create(ctx context.Context, session models.CallSession) error
	Get(ctx context.Context, id string) (models.CallSession, error)
	Update(ctx context.Context, id string, fn func(*models.CallSession) error) (models.CallSession, error)
}

type CallRepo struct {
	db *sqlx.DB
}

func NewCallRepo(db *sqlx.DB) *CallRepo {
	return &CallRepo{db: db}
}

func (r *CallRepo) Create(ctx context.Context, session models.CallSession) error {
	return r.save(ctx, r.db, &session)
}

func (r *CallRepo) Get(ctx context.Context, id string) (models.CallSession, error) {
	return loadDoc[models.CallSession](ctx, r.db, "call_sessions", id, ErrCallNotFound)
}

func (r *CallRepo) Update(ctx context.Context, id string, fn func(*models.CallSession) error) (models.CallSession, error) {
	return mutateDoc(ctx, r.db, "call_sessions", id, ErrCallNotFound, fn, r.save)
}

func (r *CallRepo) save(ctx context.Context, ex sqlx.ExtContext, session *models.CallSession) error {
	doc, err := marshalDoc(session)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO call_sessions (id, status, doc, updated_at) VALUES ($1, $2, $3, NOW())
        ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, doc=EXCLUDED.doc, updated_at=NOW()`,
		session.ID, string(session.Status), doc)
	return err
}
