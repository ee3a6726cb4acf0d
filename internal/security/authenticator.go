package security

import (
	"context"
	"errors"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
)

// Authenticator verifies a bearer credential and resolves the identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.Identity, error)
}

// Provision merges a verified profile into the directory. New identities
// are created; known ones get their profile refreshed while memberships,
// presence and push subscription are kept.
func Provision(ctx context.Context, identities repositories.IdentityRepository, profile models.Identity) (models.Identity, error) {
	updated, err := identities.Update(ctx, profile.ID, func(current *models.Identity) error {
		current.Handle = profile.Handle
		current.Role = profile.Role
		if profile.DisplayName != "" {
			current.DisplayName = profile.DisplayName
		}
		if profile.Email != "" {
			current.Email = profile.Email
		}
		current.Faculty = profile.Faculty
		current.Department = profile.Department
		current.YearOfStudy = profile.YearOfStudy
		return nil
	})
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, repositories.ErrIdentityNotFound) {
		return models.Identity{}, err
	}

	profile.GroupIDs = []string{}
	if err := identities.Save(ctx, profile); err != nil {
		return models.Identity{}, err
	}
	logging.Ctx(ctx).Info().Str("identity_id", profile.ID).Str("handle", profile.Handle).Msg("identity provisioned")
	return profile, nil
}

// JWTAuthenticator verifies HMAC-signed tokens locally.
type JWTAuthenticator struct {
	tokens     *TokenService
	identities repositories.IdentityRepository
}

func NewJWTAuthenticator(tokens *TokenService, identities repositories.IdentityRepository) *JWTAuthenticator {
	return &JWTAuthenticator{tokens: tokens, identities: identities}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (models.Identity, error) {
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return models.Identity{}, apperr.Unauthorized("authenticate", "invalid token")
	}
	profile := claims.Identity()
	if !profile.Role.Valid() {
		return models.Identity{}, apperr.Unauthorized("authenticate", "unknown role %q", profile.Role)
	}
	return Provision(ctx, a.identities, profile)
}
