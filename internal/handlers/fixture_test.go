package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"campus-realtime/internal/calls"
	"campus-realtime/internal/config"
	"campus-realtime/internal/groups"
	"campus-realtime/internal/messaging"
	"campus-realtime/internal/middleware"
	"campus-realtime/internal/models"
	"campus-realtime/internal/notify"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/ws"
	"campus-realtime/internal/ws/wstest"
)

type testApp struct {
	identities *repositories.MemoryIdentityRepo
	hub        *ws.Hub
	router     *ws.Router
	rt         Realtime
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()
	identities := repositories.NewMemoryIdentityRepo()
	for _, identity := range []models.Identity{
		{ID: "alice", Handle: "alice", Role: models.RoleLecturer, Faculty: "science", Department: "cs"},
		{ID: "bob", Handle: "bob", Role: models.RoleStudent, Faculty: "science", Department: "cs"},
		{ID: "carol", Handle: "carol", Role: models.RoleStudent, Faculty: "arts", Department: "history"},
	} {
		require.NoError(t, identities.Save(ctx, identity))
	}

	groupRepo := repositories.NewMemoryGroupRepo()
	hub := ws.NewHub(identities, nil)
	orch := notify.NewOrchestrator(repositories.NewMemoryNotificationRepo(), identities, groupRepo, hub, hub, notify.Options{}, nil,
		config.NotificationsConfig{DefaultExpiry: 24 * time.Hour})
	registry := groups.NewRegistry(groupRepo, identities, hub, orch, nil)
	rt := Realtime{
		Groups:        registry,
		Messages:      messaging.NewEngine(repositories.NewMemoryMessageRepo(), identities, registry, hub, orch, nil),
		Calls:         calls.NewEngine(repositories.NewMemoryCallRepo(), identities, registry, hub, orch, nil, calls.ICEServers(config.WebRTCConfig{STUNURLs: []string{"stun:stun.example.org:3478"}})),
		Notifications: orch,
	}
	router := ws.NewRouter()
	RegisterEvents(router, rt)
	return &testApp{identities: identities, hub: hub, router: router, rt: rt}
}

// client is one registered connection plus what it received.
type client struct {
	conn *ws.Conn
	rec  *wstest.Recorder
}

func (a *testApp) connect(t *testing.T, identityID string) client {
	t.Helper()
	rec := wstest.NewRecorder()
	conn := ws.NewConn(rec, ws.ConnInfo{IdentityID: identityID}, ws.ConnOptions{QueueSize: 64})
	require.NoError(t, a.hub.Register(context.Background(), identityID, conn))
	return client{conn: conn, rec: rec}
}

// emit sends one inbound event and waits for its ack.
func (a *testApp) emit(t *testing.T, c client, event, correlationID string, data any) wstest.Frame {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "correlation_id": correlationID, "data": data})
	require.NoError(t, err)
	a.router.Dispatch(context.Background(), c.conn, raw)

	var ack wstest.Frame
	require.Eventually(t, func() bool {
		for _, f := range c.rec.Frames() {
			if f.Event == ws.AckEvent && f.CorrelationID == correlationID {
				ack = f
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return ack
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// restRouter serves the REST handlers with identity injected directly.
func (a *testApp) restRouter(identityID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		identity, err := a.identities.Get(c.Request.Context(), identityID)
		if err == nil {
			middleware.SetIdentity(c, identity)
		}
		c.Next()
	})
	NewGroupHandler(a.rt.Groups, a.rt.Messages, nil).Register(r)
	NewCallHandler(a.rt.Calls).Register(r)
	NewNotificationHandler(a.rt.Notifications, nil).Register(r)
	return r
}
