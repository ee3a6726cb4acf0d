package groups

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/telemetry"
)

// Rooms is the part of the bus that tracks which connections hear a group.
type Rooms interface {
	Publish(groupID string, event models.Event) int
	SubscribeIdentity(groupID, identityID string)
	UnsubscribeIdentity(groupID, identityID string)
}

// Notifier dispatches notifications about membership changes.
type Notifier interface {
	Dispatch(ctx context.Context, req models.NotificationRequest) (models.Notification, error)
}

// Registry owns group membership, roles and lock/default rules.
type Registry struct {
	groups     repositories.GroupRepository
	identities repositories.IdentityRepository
	rooms      Rooms
	notifier   Notifier
	emitter    *telemetry.Emitter
	now        func() time.Time
}

func NewRegistry(groups repositories.GroupRepository, identities repositories.IdentityRepository, rooms Rooms, notifier Notifier, emitter *telemetry.Emitter) *Registry {
	return &Registry{
		groups:     groups,
		identities: identities,
		rooms:      rooms,
		notifier:   notifier,
		emitter:    emitter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var errNoChange = errors.New("no change")

type memberPayload struct {
	GroupID    string `json:"group_id"`
	IdentityID string `json:"identity_id"`
	Handle     string `json:"handle,omitempty"`
}

func (r *Registry) Get(ctx context.Context, groupID string) (models.Group, error) {
	g, err := r.groups.Get(ctx, groupID)
	return g, mapErr("group.get", err)
}

func (r *Registry) GroupsFor(ctx context.Context, identityID string) ([]models.Group, error) {
	return r.groups.ListForIdentity(ctx, identityID)
}

func (r *Registry) IsMember(ctx context.Context, groupID, identityID string) (bool, error) {
	g, err := r.Get(ctx, groupID)
	if err != nil {
		return false, err
	}
	return g.IsMember(identityID), nil
}

// IsAdmin checks the group role only; platform roles grant nothing here.
func (r *Registry) IsAdmin(ctx context.Context, groupID, identityID string) (bool, error) {
	g, err := r.Get(ctx, groupID)
	if err != nil {
		return false, err
	}
	return g.IsAdmin(identityID), nil
}

// Create builds a group of spec.Type with creatorID as its admin. Listed
// members that exist are added and notified.
func (r *Registry) Create(ctx context.Context, creatorID string, spec Spec) (models.Group, error) {
	const op = "group.create"
	g, err := build(op, spec, creatorID)
	if err != nil {
		return models.Group{}, err
	}
	now := r.now()
	g.ID = uuid.NewString()
	g.CreatedAt, g.LastActivity = now, now
	if creatorID != "" {
		g.AddMember(creatorID, models.GroupRoleAdmin, now)
	}

	added, err := r.existing(ctx, spec.MemberIDs)
	if err != nil {
		return models.Group{}, err
	}
	for _, identity := range added {
		g.AddMember(identity.ID, models.GroupRoleMember, now)
	}

	if err := r.groups.Create(ctx, g); err != nil {
		return models.Group{}, err
	}
	for _, id := range g.MemberIDs() {
		r.attach(ctx, g.ID, id)
	}

	var notify []string
	for _, identity := range added {
		if identity.ID != creatorID {
			notify = append(notify, identity.ID)
		}
	}
	r.notifyMembers(ctx, g, creatorID, notify, "New Group", fmt.Sprintf("You were added to %s", g.Name))

	logging.Ctx(ctx).Info().Str("group_id", g.ID).Str("type", string(g.Type)).Int("members", len(g.Members)).Msg("group created")
	r.emitter.Domain(ctx, "group:created", g)
	r.emitter.Audit(ctx, "INFO", fmt.Sprintf("group %s created", g.ID), creatorID)
	return g, nil
}

// AddMember adds identityID with role. Adding an existing member changes
// nothing. No lock or admin checks apply: this is the provisioning path.
func (r *Registry) AddMember(ctx context.Context, groupID, identityID string, role models.GroupRole) (models.Group, error) {
	g, changed, err := r.mutate(ctx, "group.add_member", groupID, func(g *models.Group) (bool, error) {
		return g.AddMember(identityID, role, r.now()), nil
	})
	if err != nil || !changed {
		return g, err
	}
	r.attach(ctx, groupID, identityID)
	return g, nil
}

// RemoveMember drops identityID. Default groups cannot lose members.
func (r *Registry) RemoveMember(ctx context.Context, groupID, identityID string) (models.Group, error) {
	const op = "group.remove_member"
	g, changed, err := r.mutate(ctx, op, groupID, func(g *models.Group) (bool, error) {
		if g.IsDefault {
			return false, apperr.PolicyViolation(op, "cannot remove members from default group")
		}
		return g.RemoveMember(identityID), nil
	})
	if err != nil || !changed {
		return g, err
	}
	r.detach(ctx, groupID, identityID)
	return g, nil
}

// Join adds identityID on its own request. Locked groups only accept
// members through provisioning, except default groups.
func (r *Registry) Join(ctx context.Context, groupID, identityID string) (models.Group, error) {
	const op = "group.join"
	g, changed, err := r.mutate(ctx, op, groupID, func(g *models.Group) (bool, error) {
		if g.IsLocked && !g.IsDefault {
			return false, apperr.PolicyViolation(op, "group is locked")
		}
		if g.Settings.MaxMembers > 0 && !g.IsMember(identityID) && len(g.Members) >= g.Settings.MaxMembers {
			return false, apperr.PolicyViolation(op, "group is full")
		}
		return g.AddMember(identityID, models.GroupRoleMember, r.now()), nil
	})
	if err != nil {
		return g, err
	}
	if changed {
		r.attach(ctx, groupID, identityID)
		r.rooms.Publish(groupID, models.NewEvent(models.EventGroupMemberJoined, memberPayload{GroupID: groupID, IdentityID: identityID, Handle: r.handle(ctx, identityID)}))
		r.emitter.Audit(ctx, "INFO", fmt.Sprintf("joined group %s", groupID), identityID)
	}
	return g, nil
}

// Leave removes identityID on its own request.
func (r *Registry) Leave(ctx context.Context, groupID, identityID string) error {
	const op = "group.leave"
	_, changed, err := r.mutate(ctx, op, groupID, func(g *models.Group) (bool, error) {
		if g.IsDefault {
			return false, apperr.PolicyViolation(op, "cannot leave default group")
		}
		return g.RemoveMember(identityID), nil
	})
	if err != nil || !changed {
		return err
	}
	r.detach(ctx, groupID, identityID)
	r.rooms.Publish(groupID, models.NewEvent(models.EventGroupMemberLeft, memberPayload{GroupID: groupID, IdentityID: identityID}))
	r.emitter.Audit(ctx, "INFO", fmt.Sprintf("left group %s", groupID), identityID)
	return nil
}

// Update applies upd on behalf of a group admin.
func (r *Registry) Update(ctx context.Context, groupID, actorID string, upd models.GroupUpdate) (models.Group, error) {
	const op = "group.update"
	if upd.Name != nil && *upd.Name == "" {
		return models.Group{}, apperr.Invalid(op, "name cannot be empty")
	}
	g, _, err := r.mutate(ctx, op, groupID, func(g *models.Group) (bool, error) {
		if !g.IsAdmin(actorID) {
			return false, apperr.Unauthorized(op, "not authorized to update group settings")
		}
		if upd.Name != nil {
			g.Name = *upd.Name
		}
		if upd.Description != nil {
			g.Description = *upd.Description
		}
		if upd.IsLocked != nil {
			g.IsLocked = *upd.IsLocked
		}
		if upd.Settings != nil {
			g.Settings = *upd.Settings
		}
		return true, nil
	})
	if err != nil {
		return g, err
	}
	r.rooms.Publish(groupID, models.NewEvent(models.EventGroupUpdated, map[string]any{"group_id": groupID, "updates": upd}))
	r.emitter.Domain(ctx, models.EventGroupUpdated, g)
	return g, nil
}

// AddMembers adds identities on behalf of a group admin. Unknown ids are
// skipped; newly added members are notified.
func (r *Registry) AddMembers(ctx context.Context, groupID, actorID string, identityIDs []string) (models.Group, error) {
	const op = "group.add_members"
	found, err := r.existing(ctx, identityIDs)
	if err != nil {
		return models.Group{}, err
	}

	var added []models.Identity
	g, _, err := r.mutate(ctx, op, groupID, func(g *models.Group) (bool, error) {
		if !g.IsAdmin(actorID) {
			return false, apperr.Unauthorized(op, "not authorized to add members")
		}
		added = added[:0]
		now := r.now()
		for _, identity := range found {
			if g.AddMember(identity.ID, models.GroupRoleMember, now) {
				added = append(added, identity)
			}
		}
		return len(added) > 0, nil
	})
	if err != nil || len(added) == 0 {
		return g, err
	}

	ids := make([]string, 0, len(added))
	summary := make([]memberPayload, 0, len(added))
	for _, identity := range added {
		r.attach(ctx, groupID, identity.ID)
		ids = append(ids, identity.ID)
		summary = append(summary, memberPayload{GroupID: groupID, IdentityID: identity.ID, Handle: identity.Handle})
	}
	r.notifyMembers(ctx, g, actorID, ids, "Added to Group", fmt.Sprintf("You were added to %s", g.Name))
	r.rooms.Publish(groupID, models.NewEvent(models.EventGroupMembersAdded, map[string]any{"group_id": groupID, "members": summary}))
	return g, nil
}

// RemoveMemberAs removes identityID on behalf of a group admin.
func (r *Registry) RemoveMemberAs(ctx context.Context, groupID, actorID, identityID string) (models.Group, error) {
	const op = "group.remove_member"
	admin, err := r.IsAdmin(ctx, groupID, actorID)
	if err != nil {
		return models.Group{}, err
	}
	if !admin {
		return models.Group{}, apperr.Unauthorized(op, "not authorized to remove members")
	}
	g, err := r.RemoveMember(ctx, groupID, identityID)
	if err != nil {
		return g, err
	}
	r.notifyMembers(ctx, g, actorID, []string{identityID}, "Removed from Group", fmt.Sprintf("You were removed from %s", g.Name))
	r.rooms.Publish(groupID, models.NewEvent(models.EventGroupMemberRemoved, memberPayload{GroupID: groupID, IdentityID: identityID}))
	return g, nil
}

// Touch stamps last-activity, e.g. after a message is sent.
func (r *Registry) Touch(ctx context.Context, groupID string) error {
	_, _, err := r.mutate(ctx, "group.touch", groupID, func(*models.Group) (bool, error) { return true, nil })
	return err
}

// mutate runs fn under the group's row lock and stamps last-activity when
// fn reports a change.
func (r *Registry) mutate(ctx context.Context, op, groupID string, fn func(*models.Group) (bool, error)) (models.Group, bool, error) {
	g, err := r.groups.Update(ctx, groupID, func(g *models.Group) error {
		changed, err := fn(g)
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		g.LastActivity = r.now()
		return nil
	})
	if errors.Is(err, errNoChange) {
		g, err = r.groups.Get(ctx, groupID)
		return g, false, mapErr(op, err)
	}
	return g, err == nil, mapErr(op, err)
}

// attach mirrors a new membership onto the identity and its live connections.
func (r *Registry) attach(ctx context.Context, groupID, identityID string) {
	_, err := r.identities.Update(ctx, identityID, func(i *models.Identity) error {
		if slices.Contains(i.GroupIDs, groupID) {
			return nil
		}
		i.GroupIDs = append(i.GroupIDs, groupID)
		return nil
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("group_id", groupID).Str("member_id", identityID).Msg("sync identity groups failed")
	}
	r.rooms.SubscribeIdentity(groupID, identityID)
}

func (r *Registry) detach(ctx context.Context, groupID, identityID string) {
	_, err := r.identities.Update(ctx, identityID, func(i *models.Identity) error {
		i.GroupIDs = slices.DeleteFunc(i.GroupIDs, func(id string) bool { return id == groupID })
		return nil
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("group_id", groupID).Str("member_id", identityID).Msg("sync identity groups failed")
	}
	r.rooms.UnsubscribeIdentity(groupID, identityID)
}

func (r *Registry) existing(ctx context.Context, ids []string) ([]models.Identity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.identities.Find(ctx, models.IdentityFilter{IDs: ids})
}

func (r *Registry) handle(ctx context.Context, identityID string) string {
	identity, err := r.identities.Get(ctx, identityID)
	if err != nil {
		return ""
	}
	return identity.Handle
}

func (r *Registry) notifyMembers(ctx context.Context, g models.Group, senderID string, recipients []string, title, body string) {
	if r.notifier == nil || len(recipients) == 0 {
		return
	}
	_, err := r.notifier.Dispatch(ctx, models.NotificationRequest{
		Type:         models.NotifyGroup,
		Title:        title,
		Body:         body,
		SenderID:     senderID,
		RecipientIDs: recipients,
		Priority:     models.PriorityMedium,
		Category:     models.CategorySocial,
		Scope:        models.ScopeIndividual,
		Reference:    &models.Reference{Type: "group", ID: g.ID},
		Metadata:     map[string]any{"group_id": g.ID},
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("group_id", g.ID).Msg("membership notification failed")
	}
}

func mapErr(op string, err error) error {
	if errors.Is(err, repositories.ErrGroupNotFound) {
		return apperr.NotFound(op, "group not found")
	}
	return err
}
