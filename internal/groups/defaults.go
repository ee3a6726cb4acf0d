package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/security"
)

// DefaultGroups returns the server-owned groups an identity belongs to:
// the university, its faculty and department, and for students the year
// of study. Ids are stable so every member lands in the same group.
func DefaultGroups(identity models.Identity) []models.Group {
	out := []models.Group{{
		ID:   "default-university",
		Name: "University",
		Type: models.GroupUniversity,
	}}
	if identity.Faculty != "" {
		out = append(out, models.Group{
			ID:       "default-faculty-" + slug(identity.Faculty),
			Name:     identity.Faculty,
			Type:     models.GroupFaculty,
			Category: identity.Faculty,
		})
	}
	if identity.Department != "" {
		out = append(out, models.Group{
			ID:         "default-department-" + slug(identity.Faculty) + "-" + slug(identity.Department),
			Name:       identity.Department,
			Type:       models.GroupDepartment,
			Category:   identity.Faculty,
			Department: identity.Department,
		})
	}
	if identity.Role == models.RoleStudent && identity.YearOfStudy > 0 {
		out = append(out, models.Group{
			ID:   fmt.Sprintf("default-year-%d", identity.YearOfStudy),
			Name: fmt.Sprintf("Year %d", identity.YearOfStudy),
			Type: models.GroupYear,
			Year: identity.YearOfStudy,
		})
	}
	for i := range out {
		out[i].IsDefault = true
		out[i].IsLocked = true
		out[i].Members = []models.Member{}
		out[i].Settings = models.DefaultGroupSettings()
	}
	return out
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}

// ProvisionDefaults creates missing default groups for identity and adds
// it to each one. It returns the identity with its refreshed memberships.
func (r *Registry) ProvisionDefaults(ctx context.Context, identity models.Identity) (models.Identity, error) {
	changed := false
	for _, g := range DefaultGroups(identity) {
		if identity.InGroup(g.ID) {
			continue
		}
		if err := r.ensure(ctx, g); err != nil {
			return identity, err
		}
		if _, err := r.AddMember(ctx, g.ID, identity.ID, models.GroupRoleMember); err != nil {
			return identity, err
		}
		changed = true
	}
	if !changed {
		return identity, nil
	}
	return r.identities.Get(ctx, identity.ID)
}

func (r *Registry) ensure(ctx context.Context, g models.Group) error {
	_, err := r.groups.Get(ctx, g.ID)
	if !errors.Is(err, repositories.ErrGroupNotFound) {
		return err
	}
	now := r.now()
	g.CreatedAt, g.LastActivity = now, now
	err = r.groups.Create(ctx, g)
	if errors.Is(err, repositories.ErrDuplicateID) {
		return nil
	}
	if err != nil {
		return err
	}
	logging.Ctx(ctx).Info().Str("group_id", g.ID).Str("type", string(g.Type)).Msg("default group created")
	return nil
}

type provisioningAuthenticator struct {
	next     security.Authenticator
	registry *Registry
}

// WithDefaultGroups wraps next so every authenticated identity is a member
// of its default groups before the request proceeds.
func WithDefaultGroups(next security.Authenticator, registry *Registry) security.Authenticator {
	return &provisioningAuthenticator{next: next, registry: registry}
}

func (a *provisioningAuthenticator) Authenticate(ctx context.Context, token string) (models.Identity, error) {
	identity, err := a.next.Authenticate(ctx, token)
	if err != nil {
		return identity, err
	}
	return a.registry.ProvisionDefaults(ctx, identity)
}
