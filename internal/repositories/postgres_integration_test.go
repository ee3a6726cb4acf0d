//go:build integration

package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"campus-realtime/internal/db"
	"campus-realtime/internal/models"
)

func startPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "realtime",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "campus_realtime",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://realtime:password@%s:%s/campus_realtime?sslmode=disable", host, port.Port())
	database, err := db.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestPostgresRepositories(t *testing.T) {
	database := startPostgres(t)
	ctx := context.Background()

	t.Run("group membership query", func(t *testing.T) {
		repo := NewGroupRepo(database)
		now := time.Now().UTC()
		require.NoError(t, repo.Create(ctx, models.Group{ID: "g1", Name: "cs", Members: []models.Member{{IdentityID: "a"}}, LastActivity: now}))
		require.NoError(t, repo.Create(ctx, models.Group{ID: "g2", Name: "math", Members: []models.Member{{IdentityID: "b"}}, LastActivity: now}))

		groups, err := repo.ListForIdentity(ctx, "a")
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, "g1", groups[0].ID)

		_, err = repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrGroupNotFound)

		assert.ErrorIs(t, repo.Create(ctx, models.Group{ID: "g1", Name: "other", Members: []models.Member{}}), ErrDuplicateID)
		kept, err := repo.Get(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, "cs", kept.Name)
	})

	t.Run("concurrent read receipts do not lose writes", func(t *testing.T) {
		repo := NewMessageRepo(database)
		require.NoError(t, repo.Create(ctx, models.Message{ID: "m1", GroupID: "g1", Status: models.MessageSent, CreatedAt: time.Now()}))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Update(ctx, "m1", func(m *models.Message) error {
					if m.ReadBy == nil {
						m.ReadBy = map[string]time.Time{}
					}
					m.ReadBy[fmt.Sprintf("u%d", i)] = time.Now()
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		msg, err := repo.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Len(t, msg.ReadBy, 20)
	})

	t.Run("notification recipient filter", func(t *testing.T) {
		repo := NewNotificationRepo(database)
		require.NoError(t, repo.Create(ctx, models.Notification{
			ID:         "n1",
			Status:     models.NotificationActive,
			Recipients: []models.Recipient{{IdentityID: "bob", Status: models.RecipientDelivered}},
			Delivery:   models.Delivery{Status: models.DeliverySent},
			CreatedAt:  time.Now(),
		}))

		found, err := repo.Find(ctx, models.NotificationFilter{RecipientID: "bob"})
		require.NoError(t, err)
		require.Len(t, found, 1)

		found, err = repo.Find(ctx, models.NotificationFilter{RecipientID: "carol"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}
