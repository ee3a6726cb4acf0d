package notify

import (
	"context"
	"errors"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
)

// ActionInput is a recipient's response to a notification action.
type ActionInput struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

var actionTypes = map[string]bool{"accept": true, "reject": true, "snooze": true, "custom": true}

// MarkRead moves the caller's recipient entry to read on each notification.
// Entries already read or further along are left alone.
func (o *Orchestrator) MarkRead(ctx context.Context, ids []string, identityID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := o.now()
	return o.notifications.UpdateMany(ctx, models.NotificationFilter{IDs: ids, RecipientID: identityID}, func(n *models.Notification) bool {
		r := n.Recipient(identityID)
		if r == nil || !r.Status.CanAdvance(models.RecipientRead) {
			return false
		}
		r.Status = models.RecipientRead
		r.ReadAt = &now
		n.UpdatedAt = now
		return true
	})
}

func (o *Orchestrator) MarkClicked(ctx context.Context, id, identityID string) (models.Notification, error) {
	return o.advance(ctx, "notification.click", id, identityID, models.RecipientClicked)
}

// Dismiss hides a notification for the caller. Notifications marked
// non-dismissible reject it.
func (o *Orchestrator) Dismiss(ctx context.Context, id, identityID string) (models.Notification, error) {
	return o.advance(ctx, "notification.dismiss", id, identityID, models.RecipientDismissed)
}

// MarkDelivered confirms client receipt. Delivered is the initial state, so
// this only verifies the caller is a recipient.
func (o *Orchestrator) MarkDelivered(ctx context.Context, id, identityID string) error {
	const op = "notification.delivered"
	n, err := o.notifications.Get(ctx, id)
	if err != nil {
		return mapErr(op, err)
	}
	if n.Recipient(identityID) == nil {
		return apperr.NotFound(op, "notification not found")
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, op, id, identityID string, next models.RecipientStatus) (models.Notification, error) {
	n, err := o.notifications.Update(ctx, id, func(n *models.Notification) error {
		r := n.Recipient(identityID)
		if r == nil {
			return apperr.NotFound(op, "notification not found")
		}
		if next == models.RecipientDismissed && !n.Settings.Dismissible {
			return apperr.PolicyViolation(op, "notification cannot be dismissed")
		}
		if !r.Status.CanAdvance(next) {
			return errNoChange
		}
		now := o.now()
		if r.ReadAt == nil {
			r.ReadAt = &now
		}
		r.Status = next
		n.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNoChange) {
		return o.notifications.Get(ctx, id)
	}
	return n, mapErr(op, err)
}

// Action records the caller's action and tells the referenced group.
func (o *Orchestrator) Action(ctx context.Context, id, identityID string, in ActionInput) (models.Notification, error) {
	const op = "notification.action"
	if !actionTypes[in.Type] {
		return models.Notification{}, apperr.Invalid(op, "invalid action type %q", in.Type)
	}
	n, err := o.notifications.Update(ctx, id, func(n *models.Notification) error {
		r := n.Recipient(identityID)
		if r == nil {
			return apperr.NotFound(op, "notification not found")
		}
		now := o.now()
		r.ActionTaken = &models.ActionTaken{Type: in.Type, Timestamp: now, Data: in.Data}
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Notification{}, mapErr(op, err)
	}

	if ref := n.Reference; ref != nil && ref.Type == "group" && o.rooms != nil {
		o.rooms.Publish(ref.ID, models.NewEvent(models.EventNotificationActionTake, map[string]any{
			"notification_id": id,
			"identity_id":     identityID,
			"action":          in,
		}))
	}
	o.emitter.Domain(ctx, models.EventNotificationActionTake, map[string]any{"notification_id": id, "identity_id": identityID, "type": in.Type})
	return n, nil
}

// Active lists the caller's visible notifications, newest first. Expired,
// archived, scheduled and dismissed ones are excluded.
func (o *Orchestrator) Active(ctx context.Context, identityID string) ([]models.Notification, error) {
	found, err := o.notifications.Find(ctx, models.NotificationFilter{RecipientID: identityID, Status: models.NotificationActive})
	if err != nil {
		return nil, err
	}
	now := o.now()
	active := make([]models.Notification, 0, len(found))
	for _, n := range found {
		if n.ActiveFor(identityID, now) {
			active = append(active, n)
		}
	}
	return active, nil
}

// Subscribe registers a browser push endpoint, replacing any previous one.
func (o *Orchestrator) Subscribe(ctx context.Context, identityID string, sub models.PushSubscription) error {
	const op = "notification.subscribe"
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return apperr.Invalid(op, "subscription needs an endpoint and p256dh/auth keys")
	}
	_, err := o.identities.Update(ctx, identityID, func(i *models.Identity) error {
		i.PushSubscription = &sub
		return nil
	})
	return identityErr(op, err)
}

func (o *Orchestrator) Unsubscribe(ctx context.Context, identityID string) error {
	_, err := o.identities.Update(ctx, identityID, func(i *models.Identity) error {
		i.PushSubscription = nil
		return nil
	})
	return identityErr("notification.unsubscribe", err)
}

// UpdatePreferences merges patch into the identity's notification
// preferences and returns the result.
func (o *Orchestrator) UpdatePreferences(ctx context.Context, identityID string, patch models.PreferencesPatch) (models.NotificationPreferences, error) {
	const op = "notification.preferences"
	if err := validate.Struct(patch); err != nil {
		return models.NotificationPreferences{}, apperr.Invalid(op, "%s", err.Error())
	}
	updated, err := o.identities.Update(ctx, identityID, func(i *models.Identity) error {
		prefs := i.NotificationPreferences()
		prefs.Apply(patch)
		i.Preferences = &prefs
		return nil
	})
	if err != nil {
		return models.NotificationPreferences{}, identityErr(op, err)
	}
	return updated.NotificationPreferences(), nil
}

func identityErr(op string, err error) error {
	if errors.Is(err, repositories.ErrIdentityNotFound) {
		return apperr.NotFound(op, "identity not found")
	}
	return err
}
