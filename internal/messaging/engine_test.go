package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/groups"
	"campus-realtime/internal/mocks"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
)

type recordingBus struct {
	mu     sync.Mutex
	events []models.Event
	except []string
}

func (b *recordingBus) Publish(groupID string, event models.Event) int {
	return b.PublishExcept(groupID, event, "")
}

func (b *recordingBus) PublishExcept(_ string, event models.Event, except string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.except = append(b.except, except)
	return 1
}

func (b *recordingBus) SubscribeIdentity(string, string) {}
func (b *recordingBus) UnsubscribeIdentity(string, string) {}

func (b *recordingBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	engine   *Engine
	registry *groups.Registry
	bus      *recordingBus
	notifier *mocks.NotifierMock
	group    models.Group
}

func newFixture(t *testing.T, spec groups.Spec) *fixture {
	t.Helper()
	ctx := context.Background()
	identities := repositories.NewMemoryIdentityRepo()
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, identities.Save(ctx, models.Identity{ID: id, Handle: id, Role: models.RoleStudent, GroupIDs: []string{}}))
	}
	f := &fixture{bus: &recordingBus{}, notifier: new(mocks.NotifierMock)}
	f.registry = groups.NewRegistry(repositories.NewMemoryGroupRepo(), identities, f.bus, nil, nil)
	f.engine = NewEngine(repositories.NewMemoryMessageRepo(), identities, f.registry, f.bus, f.notifier, nil)

	if spec.Name == "" {
		spec = groups.Spec{Name: "CS Year 2", Type: models.GroupYear, Year: 2}
	}
	spec.MemberIDs = []string{"bob", "carol"}
	g, err := f.registry.Create(ctx, "alice", spec)
	require.NoError(t, err)
	f.group = g
	return f
}

func text(s string) SendInput {
	return SendInput{Type: models.MessageText, Content: models.Content{Text: s}}
}

func TestSendNotifiesMentionedMembersOnce(t *testing.T) {
	f := newFixture(t, groups.Spec{})
	f.notifier.On("Dispatch", mock.Anything, mock.MatchedBy(func(req models.NotificationRequest) bool {
		return req.Type == models.NotifyMessage &&
			req.Priority == models.PriorityMedium &&
			len(req.RecipientIDs) == 1 && req.RecipientIDs[0] == "bob"
	})).Return(nil, nil).Once()

	msg, err := f.engine.Send(context.Background(), "alice", f.group.ID, text("hello @bob and @Bob, @alice, @dave"))
	require.NoError(t, err)

	assert.Equal(t, models.MessageSent, msg.Status)
	assert.Equal(t, 1, f.bus.count(models.EventMessageNew))
	f.notifier.AssertExpectations(t)
}

func TestSendRequiresMembership(t *testing.T) {
	f := newFixture(t, groups.Spec{})

	_, err := f.engine.Send(context.Background(), "dave", f.group.ID, text("hi"))
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Zero(t, f.bus.count(models.EventMessageNew))

	_, err = f.engine.Send(context.Background(), "alice", "missing", text("hi"))
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendEnforcesGroupSettings(t *testing.T) {
	settings := models.DefaultGroupSettings()
	settings.AllowMedia = false
	settings.AllowReplies = false
	f := newFixture(t, groups.Spec{Name: "Strict", Type: models.GroupUniversity, Settings: &settings})
	ctx := context.Background()

	_, err := f.engine.Send(ctx, "alice", f.group.ID, SendInput{Type: models.MessageImage, Content: models.Content{URL: "https://cdn/x.png"}})
	require.ErrorIs(t, err, apperr.ErrPolicyViolation)

	first, err := f.engine.Send(ctx, "alice", f.group.ID, text("first"))
	require.NoError(t, err)
	reply := text("reply")
	reply.ReplyTo = first.ID
	_, err = f.engine.Send(ctx, "bob", f.group.ID, reply)
	require.ErrorIs(t, err, apperr.ErrPolicyViolation)

	_, err = f.engine.Send(ctx, "alice", f.group.ID, text("   "))
	require.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestEditAppendsHistoryAndDeletedIsFinal(t *testing.T) {
	f := newFixture(t, groups.Spec{})
	ctx := context.Background()
	msg, err := f.engine.Send(ctx, "alice", f.group.ID, text("v1"))
	require.NoError(t, err)

	_, err = f.engine.Edit(ctx, msg.ID, "bob", "hijack")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	edited, err := f.engine.Edit(ctx, msg.ID, "alice", "v2")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "v2", edited.Content.Text)
	require.Len(t, edited.EditHistory, 1)
	assert.Equal(t, "v1", edited.EditHistory[0].Content.Text)

	require.ErrorIs(t, f.engine.Delete(ctx, msg.ID, "bob"), apperr.ErrUnauthorized)
	require.NoError(t, f.engine.Delete(ctx, msg.ID, "alice"))
	require.NoError(t, f.engine.Delete(ctx, msg.ID, "alice"))
	assert.Equal(t, 1, f.bus.count(models.EventMessageDelete))

	_, err = f.engine.Edit(ctx, msg.ID, "alice", "v3")
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	history, err := f.engine.History(ctx, f.group.ID, "bob", msg.CreatedAt.Add(1), 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	stored, err := f.engine.Get(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted())
	assert.Len(t, stored.EditHistory, 1)
}

func TestReactReplacesPreviousReaction(t *testing.T) {
	f := newFixture(t, groups.Spec{})
	ctx := context.Background()
	msg, err := f.engine.Send(ctx, "alice", f.group.ID, text("poll"))
	require.NoError(t, err)

	_, err = f.engine.React(ctx, msg.ID, "bob", "like")
	require.NoError(t, err)
	updated, err := f.engine.React(ctx, msg.ID, "bob", "love")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	assert.Equal(t, "love", updated.Reactions["bob"].Type)

	_, err = f.engine.React(ctx, msg.ID, "dave", "like")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	updated, err = f.engine.Unreact(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Empty(t, updated.Reactions)
}

func TestMarkReadIsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t, groups.Spec{})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := f.engine.Send(ctx, "alice", f.group.ID, text("m"))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	targets := append(append([]string(nil), ids...), "unknown")
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.engine.MarkRead(ctx, targets, "bob")
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, len(ids), total)
	for _, id := range ids {
		msg, err := f.engine.Get(ctx, id, "bob")
		require.NoError(t, err)
		assert.Len(t, msg.ReadBy, 1)
		assert.Contains(t, msg.ReadBy, "bob")
	}
}

func TestTypingSkipsSender(t *testing.T) {
	f := newFixture(t, groups.Spec{})
	require.NoError(t, f.engine.Typing(context.Background(), f.group.ID, "bob", true))
	require.ErrorIs(t, f.engine.Typing(context.Background(), f.group.ID, "dave", true), apperr.ErrUnauthorized)

	assert.Equal(t, 1, f.bus.count(models.EventUserTyping))
	assert.Equal(t, "bob", f.bus.except[len(f.bus.except)-1])
}

func TestMentions(t *testing.T) {
	assert.Equal(t, []string{"bob", "carol_2"}, Mentions("hi @Bob, @carol_2 and @bob again"))
	assert.Nil(t, Mentions("no mentions here"))
}
