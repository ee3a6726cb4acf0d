package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/ws/wstest"
)

func newTestHub(t *testing.T, ids ...string) (*Hub, *repositories.MemoryIdentityRepo) {
	t.Helper()
	repo := repositories.NewMemoryIdentityRepo()
	for _, id := range ids {
		require.NoError(t, repo.Save(context.Background(), models.Identity{ID: id, Handle: id, Role: models.RoleStudent, GroupIDs: []string{"g1"}}))
	}
	return NewHub(repo, nil), repo
}

func dial(identityID string) (*Conn, *wstest.Recorder) {
	rec := wstest.NewRecorder()
	return NewConn(rec, ConnInfo{IdentityID: identityID}, ConnOptions{QueueSize: 64}), rec
}

func TestHubPresenceTransitions(t *testing.T) {
	hub, repo := newTestHub(t, "alice", "bob")
	ctx := context.Background()

	bobConn, bobRec := dial("bob")
	require.NoError(t, hub.Register(ctx, "bob", bobConn))

	a1, _ := dial("alice")
	a2, _ := dial("alice")
	require.NoError(t, hub.Register(ctx, "alice", a1))
	require.NoError(t, hub.Register(ctx, "alice", a2))

	stored, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.Online)
	assert.Len(t, hub.ConnectionsFor("alice"), 2)

	hub.Unregister(ctx, a1)
	assert.True(t, hub.IsOnline("alice"))
	hub.Unregister(ctx, a2)
	assert.False(t, hub.IsOnline("alice"))

	stored, err = repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, stored.Online)
	require.NotNil(t, stored.LastSeen)

	require.Eventually(t, func() bool { return bobRec.Count(models.EventUserOffline) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bobRec.Count(models.EventUserOnline))
}

func TestHubUnregisterUnknownIsNoop(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	conn, _ := dial("alice")

	hub.Unregister(context.Background(), conn)
	hub.Unregister(context.Background(), conn)
	assert.False(t, hub.IsOnline("alice"))
}

func TestHubConcurrentConnectsAnnounceOnce(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "watcher")
	ctx := context.Background()
	watcher, watchRec := dial("watcher")
	require.NoError(t, hub.Register(ctx, "watcher", watcher))

	var (
		wg    sync.WaitGroup
		conns = make([]*Conn, 20)
	)
	for i := range conns {
		conns[i], _ = dial("alice")
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			assert.NoError(t, hub.Register(ctx, "alice", c))
		}(conns[i])
	}
	wg.Wait()

	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			hub.Unregister(ctx, c)
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return watchRec.Count(models.EventUserOffline) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, watchRec.Count(models.EventUserOnline))
}

func TestHubPublishOrderAndRooms(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	ctx := context.Background()
	aliceConn, aliceRec := dial("alice")
	bobConn, bobRec := dial("bob")
	require.NoError(t, hub.Register(ctx, "alice", aliceConn))
	require.NoError(t, hub.Register(ctx, "bob", bobConn))

	for i := 0; i < 30; i++ {
		hub.Publish("g1", models.NewEvent(models.EventMessageNew, map[string]int{"seq": i}))
	}
	hub.PublishExcept("g1", models.NewEvent(models.EventUserTyping, nil), "alice")

	seqs := func(rec *wstest.Recorder) []int {
		var out []int
		for _, f := range rec.Frames() {
			if f.Event != models.EventMessageNew {
				continue
			}
			var data map[string]int
			_ = json.Unmarshal(f.Data, &data)
			out = append(out, data["seq"])
		}
		return out
	}
	require.Eventually(t, func() bool { return len(seqs(aliceRec)) == 30 && bobRec.Count(models.EventUserTyping) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, seqs(aliceRec), seqs(bobRec))
	for i, s := range seqs(aliceRec) {
		assert.Equal(t, i, s)
	}
	assert.Zero(t, aliceRec.Count(models.EventUserTyping))

	hub.UnsubscribeIdentity("g1", "bob")
	assert.Equal(t, 1, hub.Publish("g1", models.NewEvent(models.EventMessageNew, map[string]int{"seq": 99})))
	hub.SubscribeIdentity("g2", "bob")
	assert.Equal(t, 1, hub.Publish("g2", models.NewEvent(models.EventGroupUpdated, nil)))
}

func TestHubBroadcastToOfflineDrops(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	assert.Zero(t, hub.BroadcastTo("alice", models.NewEvent(models.EventNotificationNew, nil)))
}

func TestConnSlowConsumerIsClosed(t *testing.T) {
	rec := wstest.NewRecorder()
	rec.Block = make(chan struct{})
	conn := NewConn(rec, ConnInfo{IdentityID: "alice"}, ConnOptions{QueueSize: 2})

	accepted := 0
	for i := 0; i < 10; i++ {
		if conn.Send([]byte(fmt.Sprintf(`{"event":"x%d"}`, i))) {
			accepted++
		}
	}
	close(rec.Block)

	assert.Less(t, accepted, 10)
	require.Eventually(t, rec.Closed, time.Second, 5*time.Millisecond)
	assert.False(t, conn.Send([]byte(`{}`)))
}
