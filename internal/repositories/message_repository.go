package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"campus-realtime/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const defaultHistoryLimit = 50

// MessageRepository abstracts group message persistence.
type MessageRepository interface {
	Create(ctx context.Context, msg models.Message) error
	Get(ctx context.Context, id string) (models.Message, error)
	Update(ctx context.Context, id string, fn func(*models.Message) error) (models.Message, error)
	Find(ctx context.Context, query models.MessageQuery) ([]models.Message, error)
}

// MessageRepo is a sqlx implementation of MessageRepository.
type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Create(ctx context.Context, msg models.Message) error {
	return r.save(ctx, r.db, &msg)
}

func (r *MessageRepo) Get(ctx context.Context, id string) (models.Message, error) {
	return loadDoc[models.Message](ctx, r.db, "messages", id, ErrMessageNotFound)
}

func (r *MessageRepo) Update(ctx context.Context, id string, fn func(*models.Message) error) (models.Message, error) {
	return mutateDoc(ctx, r.db, "messages", id, ErrMessageNotFound, fn, r.save)
}

// Find returns a page of the group's history, newest first.
func (r *MessageRepo) Find(ctx context.Context, q models.MessageQuery) ([]models.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := `SELECT doc FROM messages WHERE group_id=$1`
	args := []any{q.GroupID}
	if !q.IncludeDeleted {
		query += ` AND NOT deleted`
	}
	if !q.Before.IsZero() {
		args = append(args, q.Before)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	return selectDocs[models.Message](ctx, r.db, query, args...)
}

func (r *MessageRepo) save(ctx context.Context, ex sqlx.ExtContext, msg *models.Message) error {
	doc, err := marshalDoc(msg)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO messages (id, group_id, deleted, created_at, doc) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET deleted=EXCLUDED.deleted, doc=EXCLUDED.doc`,
		msg.ID, msg.GroupID, msg.IsDeleted(), msg.CreatedAt, doc)
	return err
}
