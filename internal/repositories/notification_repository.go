package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"campus-realtime/internal/models"
)

var ErrNotificationNotFound = errors.New("notification not found")

// NotificationRepository abstracts notification persistence.
type NotificationRepository interface {
	Create(ctx context.Context, n models.Notification) error
	Get(ctx context.Context, id string) (models.Notification, error)
	Update(ctx context.Context, id string, fn func(*models.Notification) error) (models.Notification, error)
	Find(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error)
	// UpdateMany applies fn to every match; fn reports whether it changed
	// the document. It returns the number of changed documents.
	UpdateMany(ctx context.Context, filter models.NotificationFilter, fn func(*models.Notification) bool) (int, error)
}

type NotificationRepo struct {
	db *sqlx.DB
}

func NewNotificationRepo(db *sqlx.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

func (r *NotificationRepo) Create(ctx context.Context, n models.Notification) error {
	return r.save(ctx, r.db, &n)
}

func (r *NotificationRepo) Get(ctx context.Context, id string) (models.Notification, error) {
	return loadDoc[models.Notification](ctx, r.db, "notifications", id, ErrNotificationNotFound)
}

func (r *NotificationRepo) Update(ctx context.Context, id string, fn func(*models.Notification) error) (models.Notification, error) {
	return mutateDoc(ctx, r.db, "notifications", id, ErrNotificationNotFound, fn, r.save)
}

// Find returns matching notifications, newest first.
func (r *NotificationRepo) Find(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error) {
	query, args, err := r.where(`SELECT doc FROM notifications`, filter)
	if err != nil {
		return nil, err
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return selectDocs[models.Notification](ctx, r.db, query, args...)
}

func (r *NotificationRepo) UpdateMany(ctx context.Context, filter models.NotificationFilter, fn func(*models.Notification) bool) (int, error) {
	query, args, err := r.where(`SELECT id FROM notifications`, filter)
	if err != nil {
		return 0, err
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return 0, err
	}
	return mutateMany(ctx, r.db, "notifications", ids, ErrNotificationNotFound, fn, r.save)
}

func (r *NotificationRepo) where(base string, f models.NotificationFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", pq.Array(f.IDs))
	}
	if f.RecipientID != "" {
		needle, err := json.Marshal([]map[string]string{{"identity_id": f.RecipientID}})
		if err != nil {
			return "", nil, err
		}
		add("doc->'recipients' @> $%d::jsonb", string(needle))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Pending {
		where = append(where, "pending")
	}
	if f.DueBefore != nil {
		add("scheduled_for <= $%d", *f.DueBefore)
	}
	if f.ExpiredAt != nil {
		add("expires_at < $%d", *f.ExpiredAt)
	}
	if len(where) > 0 {
		base += " WHERE " + strings.Join(where, " AND ")
	}
	return base, args, nil
}

func (r *NotificationRepo) save(ctx context.Context, ex sqlx.ExtContext, n *models.Notification) error {
	doc, err := marshalDoc(n)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO notifications (id, status, pending, scheduled_for, expires_at, created_at, doc)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, pending=EXCLUDED.pending,
            scheduled_for=EXCLUDED.scheduled_for, expires_at=EXCLUDED.expires_at, doc=EXCLUDED.doc`,
		n.ID, string(n.Status), n.Delivery.Status == models.DeliveryPending,
		n.Delivery.ScheduledFor, n.Delivery.ExpiresAt, n.CreatedAt, doc)
	return err
}
