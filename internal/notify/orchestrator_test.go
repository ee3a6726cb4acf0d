package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/config"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
)

type pushMock struct {
	mock.Mock
}

func (m *pushMock) SendPush(ctx context.Context, sub models.PushSubscription, payload PushPayload) error {
	return m.Called(ctx, sub, payload).Error(0)
}

type emailMock struct {
	mock.Mock
}

func (m *emailMock) SendEmail(ctx context.Context, to, template string, data EmailData) error {
	return m.Called(ctx, to, template, data).Error(0)
}

type recordingDirectory struct {
	mu     sync.Mutex
	online map[string]bool
	events map[string][]models.Event
}

func (d *recordingDirectory) BroadcastTo(identityID string, event models.Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.online[identityID] {
		return 0
	}
	d.events[identityID] = append(d.events[identityID], event)
	return 1
}

func (d *recordingDirectory) count(identityID, eventType string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.events[identityID] {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type recordingRooms struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func (r *recordingRooms) Publish(groupID string, event models.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[groupID] = append(r.events[groupID], event)
	return 1
}

type staticGroups map[string]models.Group

func (g staticGroups) Get(_ context.Context, id string) (models.Group, error) {
	group, ok := g[id]
	if !ok {
		return models.Group{}, apperr.NotFound("group.get", "group not found")
	}
	return group, nil
}

var bobSub = models.PushSubscription{Endpoint: "https://push.example/bob", Keys: models.PushKeys{P256dh: "key", Auth: "auth"}}

type fixture struct {
	orch          *Orchestrator
	notifications *repositories.MemoryNotificationRepo
	identities    *repositories.MemoryIdentityRepo
	directory     *recordingDirectory
	rooms         *recordingRooms
	push          *pushMock
	email         *emailMock
	clock         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		notifications: repositories.NewMemoryNotificationRepo(),
		identities:    repositories.NewMemoryIdentityRepo(),
		directory:     &recordingDirectory{online: map[string]bool{"bob": true}, events: map[string][]models.Event{}},
		rooms:         &recordingRooms{events: map[string][]models.Event{}},
		push:          new(pushMock),
		email:         new(emailMock),
		clock:         time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	people := []models.Identity{
		{ID: "alice", Handle: "alice", Role: models.RoleLecturer, Faculty: "science", Department: "cs"},
		{ID: "bob", Handle: "bob", Email: "bob@campus.example", Role: models.RoleStudent, Faculty: "science", Department: "cs", PushSubscription: &bobSub},
		{ID: "carol", Handle: "carol", Role: models.RoleStudent, Faculty: "science", Department: "math"},
		{ID: "dave", Handle: "dave", Role: models.RoleBursar, Faculty: "science", Department: "cs"},
	}
	for _, p := range people {
		require.NoError(t, f.identities.Save(ctx, p))
	}
	groups := staticGroups{"g1": {ID: "g1", Members: []models.Member{{IdentityID: "alice"}, {IdentityID: "bob"}, {IdentityID: "carol"}}}}
	f.orch = NewOrchestrator(f.notifications, f.identities, groups, f.directory, f.rooms, Options{Push: f.push, Email: f.email}, nil,
		config.NotificationsConfig{DefaultExpiry: 72 * time.Hour, ChannelTimeout: time.Second})
	f.orch.now = func() time.Time { return f.clock }
	return f
}

func TestDispatchDefaultsToInApp(t *testing.T) {
	f := newFixture(t)
	n, err := f.orch.Dispatch(context.Background(), models.NotificationRequest{
		Type: models.NotifyMessage, Title: "New mention", Body: "alice mentioned you", SenderID: "alice", RecipientIDs: []string{"bob", "bob"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PriorityMedium, n.Priority)
	assert.Equal(t, models.CategorySocial, n.Category)
	assert.Equal(t, []models.Channel{models.ChannelInApp}, n.Delivery.Channels)
	assert.True(t, n.Settings.Dismissible)
	require.NotNil(t, n.Delivery.ExpiresAt)
	assert.True(t, f.clock.Add(72*time.Hour).Equal(*n.Delivery.ExpiresAt))
	require.Len(t, n.Recipients, 1)
	assert.Equal(t, models.RecipientDelivered, n.Recipients[0].Status)
	assert.Equal(t, models.DeliverySent, n.Delivery.Status)
	require.Len(t, n.Delivery.Attempts, 1)
	assert.Equal(t, 1, f.directory.count("bob", models.EventNotificationNew))
	f.push.AssertNotCalled(t, "SendPush", mock.Anything, mock.Anything, mock.Anything)

	_, err = f.orch.Dispatch(context.Background(), models.NotificationRequest{Type: models.NotifyMessage, Title: "x"})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = f.orch.Dispatch(context.Background(), models.NotificationRequest{Type: models.NotifyMessage, RecipientIDs: []string{"bob"}})
	require.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestDeliveryStatusFailsOnlyWhenEveryAttemptFails(t *testing.T) {
	var d models.Delivery
	d.Record(models.DeliveryAttempt{Channel: models.ChannelPush, Outcome: models.AttemptFailed})
	d.Record(models.DeliveryAttempt{Channel: models.ChannelEmail, Outcome: models.AttemptFailed})
	assert.Equal(t, models.DeliveryFailed, d.Status)
	d.Record(models.DeliveryAttempt{Channel: models.ChannelInApp, Outcome: models.AttemptSuccess})
	assert.Equal(t, models.DeliverySent, d.Status)

	f := newFixture(t)
	f.push.On("SendPush", mock.Anything, bobSub, mock.Anything).Return(errors.New("push service unavailable")).Once()
	f.email.On("SendEmail", mock.Anything, "bob@campus.example", "assignment", mock.Anything).Return(errors.New("smtp down")).Once()

	n, err := f.orch.Dispatch(context.Background(), models.NotificationRequest{
		Type: models.NotifyAssignment, Title: "Lab 3", RecipientIDs: []string{"bob"},
		Channels: []models.Channel{models.ChannelPush, models.ChannelEmail},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, n.Delivery.Status)
	require.Len(t, n.Delivery.Attempts, 3)
	assert.Equal(t, models.ChannelInApp, n.Delivery.Attempts[0].Channel)
	assert.Equal(t, models.AttemptFailed, n.Delivery.Attempts[1].Outcome)
	assert.Equal(t, models.AttemptFailed, n.Delivery.Attempts[2].Outcome)
	f.push.AssertExpectations(t)
	f.email.AssertExpectations(t)

	ghost, err := f.orch.Dispatch(context.Background(), models.NotificationRequest{Type: models.NotifySystem, Title: "x", RecipientIDs: []string{"nobody"}})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, ghost.Delivery.Status)
}

func TestPreferencesGateOutOfBandChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	off := false
	prefs, err := f.orch.UpdatePreferences(ctx, "bob", models.PreferencesPatch{
		Email:      &off,
		MutedTypes: []models.NotificationType{models.NotifyAnnouncement},
	})
	require.NoError(t, err)
	assert.True(t, prefs.Push)
	assert.False(t, prefs.Email)

	_, err = f.orch.UpdatePreferences(ctx, "bob", models.PreferencesPatch{MutedTypes: []models.NotificationType{"gossip"}})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = f.orch.UpdatePreferences(ctx, "nobody", models.PreferencesPatch{Push: &off})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	f.push.On("SendPush", mock.Anything, bobSub, mock.Anything).Return(nil).Once()
	both := []models.Channel{models.ChannelPush, models.ChannelEmail}

	n, err := f.orch.Dispatch(ctx, models.NotificationRequest{Type: models.NotifyAssignment, Title: "Lab 4", RecipientIDs: []string{"bob"}, Channels: both})
	require.NoError(t, err)
	require.Len(t, n.Delivery.Attempts, 2)
	assert.Equal(t, models.ChannelPush, n.Delivery.Attempts[1].Channel)

	n, err = f.orch.Dispatch(ctx, models.NotificationRequest{Type: models.NotifyAnnouncement, Title: "Fire drill", RecipientIDs: []string{"bob"}, Channels: both})
	require.NoError(t, err)
	require.Len(t, n.Delivery.Attempts, 1)
	assert.Equal(t, models.ChannelInApp, n.Delivery.Attempts[0].Channel)
	assert.Equal(t, 2, f.directory.count("bob", models.EventNotificationNew))

	f.push.AssertNumberOfCalls(t, "SendPush", 1)
	f.email.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInvalidSubscriptionIsClearedAndNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.push.On("SendPush", mock.Anything, bobSub, mock.MatchedBy(func(p PushPayload) bool {
		return p.Priority == models.PriorityHigh && len(p.Actions) == 2
	})).Return(ErrInvalidSubscription).Once()

	n, err := f.orch.Dispatch(ctx, models.NotificationRequest{
		Type: models.NotifyCall, Title: "Incoming call", Priority: models.PriorityHigh, RecipientIDs: []string{"bob"},
		Channels: []models.Channel{models.ChannelPush},
	})
	require.NoError(t, err)
	require.Len(t, n.Delivery.Attempts, 2)
	assert.Equal(t, models.AttemptFailed, n.Delivery.Attempts[1].Outcome)

	bob, err := f.identities.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, bob.PushSubscription)

	again, err := f.orch.Redispatch(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, again.Delivery.Attempts, 3)
	assert.Equal(t, models.ChannelPush, again.Delivery.Attempts[1].Channel)
	assert.Equal(t, models.ChannelInApp, again.Delivery.Attempts[2].Channel)
	f.push.AssertNumberOfCalls(t, "SendPush", 1)
}

func TestRecipientStatusOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.orch.Dispatch(ctx, models.NotificationRequest{Type: models.NotifyGroup, Title: "Welcome", RecipientIDs: []string{"bob", "carol"}})
	require.NoError(t, err)

	changed, err := f.orch.MarkRead(ctx, []string{n.ID, "missing"}, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	changed, err = f.orch.MarkRead(ctx, []string{n.ID}, "bob")
	require.NoError(t, err)
	assert.Zero(t, changed)

	clicked, err := f.orch.MarkClicked(ctx, n.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RecipientClicked, clicked.Recipient("bob").Status)

	after, err := f.orch.Dismiss(ctx, n.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RecipientClicked, after.Recipient("bob").Status)
	changed, err = f.orch.MarkRead(ctx, []string{n.ID}, "bob")
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, models.RecipientDelivered, after.Recipient("carol").Status)

	_, err = f.orch.MarkClicked(ctx, n.ID, "dave")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, f.orch.MarkDelivered(ctx, n.ID, "carol"))
}

func TestDismissRejectedWhenNotDismissible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.orch.Dispatch(ctx, models.NotificationRequest{
		Type: models.NotifyAnnouncement, Title: "Exam timetable", RecipientIDs: []string{"bob"},
		Settings: &models.NotificationSettings{Dismissible: false, Persistent: true},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryAdministrative, n.Category)

	_, err = f.orch.Dismiss(ctx, n.ID, "bob")
	require.ErrorIs(t, err, apperr.ErrPolicyViolation)

	active, err := f.orch.Active(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestExpiredNotificationsLeaveActiveButAreKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	short := f.clock.Add(time.Hour)
	expiring, err := f.orch.Dispatch(ctx, models.NotificationRequest{Type: models.NotifyReminder, Title: "Lecture soon", RecipientIDs: []string{"bob"}, ExpiresAt: &short})
	require.NoError(t, err)
	_, err = f.orch.Dispatch(ctx, models.NotificationRequest{Type: models.NotifyGroup, Title: "Still here", RecipientIDs: []string{"bob"}})
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Hour)
	active, err := f.orch.Active(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Still here", active[0].Title)

	archived, err := f.orch.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	stored, err := f.notifications.Get(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationArchived, stored.Status)

	_, err = f.orch.Redispatch(ctx, expiring.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestScheduledNotificationWaitsForDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.clock.Add(30 * time.Minute)
	n, err := f.orch.Dispatch(ctx, models.NotificationRequest{Type: models.NotifyLecture, Title: "Lecture moved", RecipientIDs: []string{"bob"}, ScheduledFor: &later})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, n.Delivery.Status)
	assert.Zero(t, f.directory.count("bob", models.EventNotificationNew))

	delivered, err := f.orch.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	active, err := f.orch.Active(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, active)

	f.clock = f.clock.Add(time.Hour)
	delivered, err = f.orch.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, f.directory.count("bob", models.EventNotificationNew))

	delivered, err = f.orch.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestActionNotifiesReferencedGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.orch.DispatchToGroup(ctx, "g1", models.NotificationRequest{Type: models.NotifyGroup, Title: "Study session?", SenderID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, n.RecipientIDs())
	assert.Equal(t, models.ScopeGroup, n.Scope)
	assert.Equal(t, "g1", n.Metadata["group_id"])

	updated, err := f.orch.Action(ctx, n.ID, "bob", ActionInput{Type: "accept"})
	require.NoError(t, err)
	require.NotNil(t, updated.Recipient("bob").ActionTaken)
	assert.Len(t, f.rooms.events["g1"], 1)
	assert.Equal(t, models.EventNotificationActionTake, f.rooms.events["g1"][0].Type)

	_, err = f.orch.Action(ctx, n.ID, "bob", ActionInput{Type: "explode"})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = f.orch.Action(ctx, n.ID, "dave", ActionInput{Type: "reject"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAudienceResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dept, err := f.orch.DispatchToDepartment(ctx, "cs", models.NotificationRequest{Type: models.NotifyAnnouncement, Title: "Department meeting", SenderID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, dept.RecipientIDs())
	assert.Equal(t, models.ScopeDepartment, dept.Scope)

	faculty, err := f.orch.DispatchToFaculty(ctx, "science", models.NotificationRequest{Type: models.NotifyAnnouncement, Title: "Faculty week"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, faculty.RecipientIDs())

	system, err := f.orch.DispatchSystem(ctx, models.NotificationRequest{Title: "Maintenance tonight"})
	require.NoError(t, err)
	assert.Equal(t, models.NotifySystem, system.Type)
	assert.Equal(t, models.ScopeUniversity, system.Scope)
	assert.Len(t, system.Recipients, 4)
}

func TestPushSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.orch.Subscribe(ctx, "carol", models.PushSubscription{Endpoint: "https://push.example/c"}), apperr.ErrInvalid)
	sub := models.PushSubscription{Endpoint: "https://push.example/c", Keys: models.PushKeys{P256dh: "k", Auth: "a"}}
	require.NoError(t, f.orch.Subscribe(ctx, "carol", sub))
	carol, err := f.identities.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, &sub, carol.PushSubscription)

	require.NoError(t, f.orch.Unsubscribe(ctx, "carol"))
	carol, err = f.identities.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, carol.PushSubscription)

	require.ErrorIs(t, f.orch.Unsubscribe(ctx, "nobody"), apperr.ErrNotFound)
}
