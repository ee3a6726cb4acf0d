package repositories

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"campus-realtime/internal/models"
)

var ErrGroupNotFound = errors.New("group not found")

// GroupRepository abstracts group persistence.
type GroupRepository interface {
	Create(ctx context.Context, group models.Group) error
	Get(ctx context.Context, id string) (models.Group, error)
	Update(ctx context.Context, id string, fn func(*models.Group) error) (models.Group, error)
	ListForIdentity(ctx context.Context, identityID string) ([]models.Group, error)
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// Create inserts a new group and fails with ErrDuplicateID when the id is
// taken.
func (r *GroupRepo) Create(ctx context.Context, group models.Group) error {
	doc, err := marshalDoc(&group)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO groups (id, doc, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (id) DO NOTHING`, group.ID, doc)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateID
	}
	return nil
}

// Get fetches a single group.
func (r *GroupRepo) Get(ctx context.Context, id string) (models.Group, error) {
	return loadDoc[models.Group](ctx, r.db, "groups", id, ErrGroupNotFound)
}

func (r *GroupRepo) Update(ctx context.Context, id string, fn func(*models.Group) error) (models.Group, error) {
	return mutateDoc(ctx, r.db, "groups", id, ErrGroupNotFound, fn, r.save)
}

// ListForIdentity returns groups that include the identity, most recently
// active first.
func (r *GroupRepo) ListForIdentity(ctx context.Context, identityID string) ([]models.Group, error) {
	needle, err := json.Marshal([]map[string]string{{"identity_id": identityID}})
	if err != nil {
		return nil, err
	}
	return selectDocs[models.Group](ctx, r.db,
		`SELECT doc FROM groups WHERE doc->'members' @> $1::jsonb ORDER BY (doc->>'last_activity')::timestamptz DESC`, string(needle))
}

func (r *GroupRepo) save(ctx context.Context, ex sqlx.ExtContext, group *models.Group) error {
	doc, err := marshalDoc(group)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO groups (id, doc, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (id) DO UPDATE SET doc=EXCLUDED.doc, updated_at=NOW()`, group.ID, doc)
	return err
}
