package groups

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/mocks"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
)

type fakeRooms struct {
	mu        sync.Mutex
	published []string
	subs      map[string]bool
}

func (f *fakeRooms) Publish(groupID string, event models.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event.Type)
	return 0
}

func (f *fakeRooms) SubscribeIdentity(groupID, identityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[groupID+"/"+identityID] = true
}

func (f *fakeRooms) UnsubscribeIdentity(groupID, identityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, groupID+"/"+identityID)
}

type fixture struct {
	registry   *Registry
	identities *repositories.MemoryIdentityRepo
	rooms      *fakeRooms
	notifier   *mocks.NotifierMock
	clock      time.Time
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	f := &fixture{
		identities: repositories.NewMemoryIdentityRepo(),
		rooms:      &fakeRooms{subs: map[string]bool{}},
		notifier:   new(mocks.NotifierMock),
		clock:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, id := range ids {
		role := models.RoleStudent
		if id == "admin" {
			role = models.RoleAdmin
		}
		require.NoError(t, f.identities.Save(context.Background(), models.Identity{ID: id, Handle: id, Role: role, GroupIDs: []string{}}))
	}
	f.registry = NewRegistry(repositories.NewMemoryGroupRepo(), f.identities, f.rooms, f.notifier, nil)
	f.registry.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) tick() {
	f.clock = f.clock.Add(time.Minute)
}

func TestCreateValidatesVariants(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	cases := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"year missing year", Spec{Name: "Y", Type: models.GroupYear}, false},
		{"year out of range", Spec{Name: "Y", Type: models.GroupYear, Year: 5}, false},
		{"year", Spec{Name: "Y", Type: models.GroupYear, Year: 2}, true},
		{"department needs department", Spec{Name: "D", Type: models.GroupDepartment, Category: "Education"}, false},
		{"course", Spec{Name: "C", Type: models.GroupCourse, Semester: 1, CourseCode: "CS101"}, true},
		{"unknown type", Spec{Name: "X", Type: "club"}, false},
		{"missing name", Spec{Type: models.GroupUniversity}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.registry.Create(ctx, "alice", tc.spec)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, apperr.ErrInvalid)
			}
		})
	}

	_, err := f.registry.Create(ctx, "", Spec{Name: "Custom", Type: models.GroupCustom})
	require.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestCreateAddsMembersAndNotifies(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	f.notifier.On("Dispatch", mock.Anything, mock.MatchedBy(func(req models.NotificationRequest) bool {
		return req.Type == models.NotifyGroup && assert.ObjectsAreEqual([]string{"bob", "carol"}, req.RecipientIDs)
	})).Return(nil, nil).Once()

	g, err := f.registry.Create(ctx, "alice", Spec{Name: "Study", Type: models.GroupDiscussion, MemberIDs: []string{"bob", "carol", "ghost"}})
	require.NoError(t, err)
	assert.Len(t, g.Members, 3)
	assert.True(t, g.IsAdmin("alice"))
	assert.False(t, g.IsAdmin("bob"))

	bob, err := f.identities.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, bob.GroupIDs)
	assert.True(t, f.rooms.subs[g.ID+"/bob"])
	f.notifier.AssertExpectations(t)
}

func TestAddMemberIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	g, err := f.registry.Create(ctx, "alice", Spec{Name: "Uni", Type: models.GroupUniversity})
	require.NoError(t, err)

	f.tick()
	g1, err := f.registry.AddMember(ctx, g.ID, "bob", models.GroupRoleMember)
	require.NoError(t, err)
	assert.Equal(t, f.clock, g1.LastActivity)

	f.tick()
	g2, err := f.registry.AddMember(ctx, g.ID, "bob", models.GroupRoleAdmin)
	require.NoError(t, err)
	assert.Len(t, g2.Members, 2)
	m, _ := g2.Member("bob")
	assert.Equal(t, models.GroupRoleMember, m.Role)

	bob, err := f.identities.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, bob.GroupIDs)
}

func TestDefaultGroupCannotBeLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dora := models.Identity{ID: "dora", Handle: "dora", Role: models.RoleStudent, Faculty: "Science", Department: "Computer Science", YearOfStudy: 2, GroupIDs: []string{}}
	require.NoError(t, f.identities.Save(ctx, dora))

	got, err := f.registry.ProvisionDefaults(ctx, dora)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"default-university",
		"default-faculty-science",
		"default-department-science-computer-science",
		"default-year-2",
	}, got.GroupIDs)
	assert.True(t, f.rooms.subs["default-year-2/dora"])

	err = f.registry.Leave(ctx, "default-university", "dora")
	require.ErrorIs(t, err, apperr.ErrPolicyViolation)
	_, err = f.registry.RemoveMember(ctx, "default-faculty-science", "dora")
	require.ErrorIs(t, err, apperr.ErrPolicyViolation)

	again, err := f.registry.ProvisionDefaults(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, got.GroupIDs, again.GroupIDs)

	uni, err := f.registry.Get(ctx, "default-university")
	require.NoError(t, err)
	assert.True(t, uni.IsDefault)
	assert.Len(t, uni.Members, 1)
}

func TestDefaultGroupsSharedAcrossIdentities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ed := models.Identity{ID: "ed", Handle: "ed", Role: models.RoleLecturer, Faculty: "Science", YearOfStudy: 3, GroupIDs: []string{}}
	fay := models.Identity{ID: "fay", Handle: "fay", Role: models.RoleStudent, Faculty: "Science", GroupIDs: []string{}}
	require.NoError(t, f.identities.Save(ctx, ed))
	require.NoError(t, f.identities.Save(ctx, fay))

	var wg sync.WaitGroup
	for _, identity := range []models.Identity{ed, fay} {
		wg.Add(1)
		go func(identity models.Identity) {
			defer wg.Done()
			_, err := f.registry.ProvisionDefaults(ctx, identity)
			assert.NoError(t, err)
		}(identity)
	}
	wg.Wait()

	faculty, err := f.registry.Get(ctx, "default-faculty-science")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ed", "fay"}, faculty.MemberIDs())

	stored, err := f.identities.Get(ctx, "ed")
	require.NoError(t, err)
	assert.NotContains(t, stored.GroupIDs, "default-year-3")
}

func TestClientCannotCreateDefaultGroup(t *testing.T) {
	f := newFixture(t, "mallory", "bob")
	ctx := context.Background()
	f.notifier.On("Dispatch", mock.Anything, mock.Anything).Return(nil, nil)

	var spec Spec
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Trap","type":"custom","is_default":true,"members":["bob"]}`), &spec))
	g, err := f.registry.Create(ctx, "mallory", spec)
	require.NoError(t, err)
	assert.False(t, g.IsDefault)

	require.NoError(t, f.registry.Leave(ctx, g.ID, "bob"))
	member, err := f.registry.IsMember(ctx, g.ID, "bob")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestWithDefaultGroupsProvisionsOnAuthenticate(t *testing.T) {
	f := newFixture(t, "bob")
	ctx := context.Background()
	bob, err := f.identities.Get(ctx, "bob")
	require.NoError(t, err)

	inner := new(mocks.AuthenticatorMock)
	inner.On("Authenticate", mock.Anything, "tok").Return(bob, nil).Once()
	inner.On("Authenticate", mock.Anything, "bad").Return(nil, apperr.Unauthorized("authenticate", "invalid token")).Once()
	auth := WithDefaultGroups(inner, f.registry)

	got, err := auth.Authenticate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"default-university"}, got.GroupIDs)

	_, err = auth.Authenticate(ctx, "bad")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	inner.AssertExpectations(t)
}

func TestLockedGroupRejectsJoinButAllowsProvisioning(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	g, err := f.registry.Create(ctx, "alice", Spec{Name: "Closed", Type: models.GroupCustom, IsLocked: true})
	require.NoError(t, err)

	_, err = f.registry.Join(ctx, g.ID, "bob")
	require.ErrorIs(t, err, apperr.ErrPolicyViolation)

	_, err = f.registry.AddMember(ctx, g.ID, "bob", models.GroupRoleMember)
	require.NoError(t, err)

	carol, err := f.identities.Get(ctx, "carol")
	require.NoError(t, err)
	_, err = f.registry.ProvisionDefaults(ctx, carol)
	require.NoError(t, err)
	_, err = f.registry.Join(ctx, "default-university", "bob")
	require.NoError(t, err)
	assert.Contains(t, f.rooms.published, models.EventGroupMemberJoined)
}

func TestPlatformAdminIsNotGroupAdmin(t *testing.T) {
	f := newFixture(t, "alice", "admin", "bob")
	ctx := context.Background()
	f.notifier.On("Dispatch", mock.Anything, mock.Anything).Return(nil, nil)
	g, err := f.registry.Create(ctx, "alice", Spec{Name: "Mine", Type: models.GroupCustom, MemberIDs: []string{"admin", "bob"}})
	require.NoError(t, err)

	isAdmin, err := f.registry.IsAdmin(ctx, g.ID, "admin")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	name := "Renamed"
	_, err = f.registry.Update(ctx, g.ID, "admin", models.GroupUpdate{Name: &name})
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.registry.RemoveMemberAs(ctx, g.ID, "admin", "bob")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	updated, err := f.registry.Update(ctx, g.ID, "alice", models.GroupUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
}

func TestLeaveAndRemoveSyncRooms(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	f.notifier.On("Dispatch", mock.Anything, mock.Anything).Return(nil, nil)
	g, err := f.registry.Create(ctx, "alice", Spec{Name: "Study", Type: models.GroupDiscussion, MemberIDs: []string{"bob", "carol"}})
	require.NoError(t, err)

	require.NoError(t, f.registry.Leave(ctx, g.ID, "bob"))
	assert.False(t, f.rooms.subs[g.ID+"/bob"])
	bob, err := f.identities.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bob.GroupIDs)

	f.tick()
	after, err := f.registry.RemoveMemberAs(ctx, g.ID, "alice", "carol")
	require.NoError(t, err)
	assert.Equal(t, f.clock, after.LastActivity)
	assert.Equal(t, []string{"alice"}, after.MemberIDs())
	assert.Contains(t, f.rooms.published, models.EventGroupMemberRemoved)
}

func TestUnknownGroupIsNotFound(t *testing.T) {
	f := newFixture(t, "alice")
	_, err := f.registry.Join(context.Background(), "missing", "alice")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
