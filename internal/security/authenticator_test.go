package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
)

func TestJWTAuthenticatorProvisionsAndKeepsMemberships(t *testing.T) {
	repo := repositories.NewMemoryIdentityRepo()
	tokens := NewTokenService("secret", time.Hour)
	auth := NewJWTAuthenticator(tokens, repo)

	token, err := tokens.CreateForIdentity(models.Identity{ID: "u1", Handle: "alice", Role: models.RoleStudent, Faculty: "science"})
	require.NoError(t, err)

	identity, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Handle)
	assert.Empty(t, identity.GroupIDs)

	_, err = repo.Update(context.Background(), "u1", func(i *models.Identity) error {
		i.GroupIDs = append(i.GroupIDs, "g1")
		return nil
	})
	require.NoError(t, err)

	token, err = tokens.CreateForIdentity(models.Identity{ID: "u1", Handle: "alice", Role: models.RoleStudent, Faculty: "engineering"})
	require.NoError(t, err)
	identity, err = auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, identity.GroupIDs)
	assert.Equal(t, "engineering", identity.Faculty)
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	repo := repositories.NewMemoryIdentityRepo()
	tokens := NewTokenService("secret", time.Hour)
	auth := NewJWTAuthenticator(tokens, repo)

	other, err := NewTokenService("other", time.Hour).CreateForIdentity(models.Identity{ID: "u1", Handle: "alice", Role: models.RoleStudent})
	require.NoError(t, err)
	expired, err := tokens.CreateWithTTL(models.Identity{ID: "u1", Handle: "alice", Role: models.RoleStudent}, -time.Minute)
	require.NoError(t, err)
	badRole, err := tokens.CreateForIdentity(models.Identity{ID: "u1", Handle: "alice", Role: "wizard"})
	require.NoError(t, err)

	for name, token := range map[string]string{"wrong secret": other, "expired": expired, "unknown role": badRole, "garbage": "x.y.z"} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Authenticate(context.Background(), token)
			require.ErrorIs(t, err, apperr.ErrUnauthorized)
		})
	}
}
