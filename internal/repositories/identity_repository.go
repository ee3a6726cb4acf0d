package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"campus-realtime/internal/models"
)

var ErrIdentityNotFound = errors.New("identity not found")

// IdentityRepository abstracts identity persistence.
type IdentityRepository interface {
	Get(ctx context.Context, id string) (models.Identity, error)
	Save(ctx context.Context, identity models.Identity) error
	Update(ctx context.Context, id string, fn func(*models.Identity) error) (models.Identity, error)
	Find(ctx context.Context, filter models.IdentityFilter) ([]models.Identity, error)
}

// IdentityRepo is a sqlx implementation of IdentityRepository.
type IdentityRepo struct {
	db *sqlx.DB
}

func NewIdentityRepo(db *sqlx.DB) *IdentityRepo {
	return &IdentityRepo{db: db}
}

func (r *IdentityRepo) Get(ctx context.Context, id string) (models.Identity, error) {
	return loadDoc[models.Identity](ctx, r.db, "identities", id, ErrIdentityNotFound)
}

// Save upserts the identity document.
func (r *IdentityRepo) Save(ctx context.Context, identity models.Identity) error {
	return r.save(ctx, r.db, &identity)
}

func (r *IdentityRepo) Update(ctx context.Context, id string, fn func(*models.Identity) error) (models.Identity, error) {
	return mutateDoc(ctx, r.db, "identities", id, ErrIdentityNotFound, fn, r.save)
}

func (r *IdentityRepo) Find(ctx context.Context, filter models.IdentityFilter) ([]models.Identity, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", pq.Array(filter.IDs))
	}
	if len(filter.Handles) > 0 {
		lowered := make([]string, len(filter.Handles))
		for i, h := range filter.Handles {
			lowered[i] = strings.ToLower(h)
		}
		add("lower(handle) = ANY($%d)", pq.Array(lowered))
	}
	if filter.Faculty != "" {
		add("faculty = $%d", filter.Faculty)
	}
	if filter.Department != "" {
		add("department = $%d", filter.Department)
	}
	if len(filter.Roles) > 0 {
		roles := make([]string, len(filter.Roles))
		for i, role := range filter.Roles {
			roles[i] = string(role)
		}
		add("role = ANY($%d)", pq.Array(roles))
	}

	query := `SELECT doc FROM identities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	return selectDocs[models.Identity](ctx, r.db, query, args...)
}

func (r *IdentityRepo) save(ctx context.Context, ex sqlx.ExtContext, identity *models.Identity) error {
	doc, err := marshalDoc(identity)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO identities (id, handle, role, faculty, department, doc, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (id) DO UPDATE SET handle=EXCLUDED.handle, role=EXCLUDED.role, faculty=EXCLUDED.faculty,
            department=EXCLUDED.department, doc=EXCLUDED.doc, updated_at=NOW()`,
		identity.ID, identity.Handle, string(identity.Role), identity.Faculty, identity.Department, doc)
	return err
}
