package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/config"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/observability"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/telemetry"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var errNoChange = errors.New("no change")

const (
	defaultChannelTimeout = 10 * time.Second
	deliveryParallelism   = 16
)

type Groups interface {
	Get(ctx context.Context, groupID string) (models.Group, error)
}

// Options wires the optional delivery channels. A nil sender disables its
// channel; requested attempts on it are recorded as failed.
type Options struct {
	Push  PushSender
	Email EmailSender
}

// Orchestrator persists notifications and fans them out over in-app, push
// and email channels.
type Orchestrator struct {
	notifications repositories.NotificationRepository
	identities    repositories.IdentityRepository
	groups        Groups
	directory     Directory
	rooms         Rooms
	push          PushSender
	email         EmailSender
	emitter       *telemetry.Emitter
	cfg           config.NotificationsConfig
	now           func() time.Time
}

func NewOrchestrator(
	notifications repositories.NotificationRepository,
	identities repositories.IdentityRepository,
	groups Groups,
	directory Directory,
	rooms Rooms,
	opts Options,
	emitter *telemetry.Emitter,
	cfg config.NotificationsConfig,
) *Orchestrator {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = defaultChannelTimeout
	}
	return &Orchestrator{
		notifications: notifications,
		identities:    identities,
		groups:        groups,
		directory:     directory,
		rooms:         rooms,
		push:          opts.Push,
		email:         opts.Email,
		emitter:       emitter,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch persists a notification and delivers it unless it is scheduled
// for later. Channel failures are recorded in the attempt log and never
// returned.
func (o *Orchestrator) Dispatch(ctx context.Context, req models.NotificationRequest) (models.Notification, error) {
	const op = "notification.dispatch"
	if err := validate.Struct(req); err != nil {
		return models.Notification{}, apperr.Invalid(op, "%v", err)
	}
	recipients := dedupe(req.RecipientIDs)
	if len(recipients) == 0 {
		return models.Notification{}, apperr.Invalid(op, "at least one recipient is required")
	}

	now := o.now()
	n := models.Notification{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		SenderID:  req.SenderID,
		Priority:  req.Priority,
		Category:  req.Category,
		Scope:     req.Scope,
		Reference: req.Reference,
		Metadata:  req.Metadata,
		Actions:   req.Actions,
		Status:    models.NotificationActive,
		Settings:  models.NotificationSettings{Dismissible: true},
		CreatedAt: now,
		UpdatedAt: now,
		Delivery: models.Delivery{
			Channels:     channels(req.Channels),
			Status:       models.DeliveryPending,
			Attempts:     []models.DeliveryAttempt{},
			ScheduledFor: req.ScheduledFor,
			ExpiresAt:    req.ExpiresAt,
		},
	}
	if n.Priority == "" {
		n.Priority = models.PriorityMedium
	}
	if n.Category == "" {
		n.Category = defaultCategory(n.Type)
	}
	if n.Scope == "" {
		n.Scope = models.ScopeIndividual
	}
	if req.Settings != nil {
		n.Settings = *req.Settings
	}
	if n.Delivery.ExpiresAt == nil && o.cfg.DefaultExpiry > 0 {
		expires := now.Add(o.cfg.DefaultExpiry)
		n.Delivery.ExpiresAt = &expires
	}
	for _, id := range recipients {
		n.Recipients = append(n.Recipients, models.Recipient{IdentityID: id, Status: models.RecipientDelivered})
	}

	if err := o.notifications.Create(ctx, n); err != nil {
		return models.Notification{}, err
	}
	o.emitter.Domain(ctx, "notification:created", map[string]any{"id": n.ID, "type": n.Type, "recipients": len(recipients)})

	if n.Delivery.ScheduledFor != nil && n.Delivery.ScheduledFor.After(now) {
		logging.Ctx(ctx).Debug().Str("notification_id", n.ID).Time("scheduled_for", *n.Delivery.ScheduledFor).Msg("notification scheduled")
		return n, nil
	}
	return o.deliver(ctx, n)
}

// DispatchToGroup addresses every member of a group except the sender.
func (o *Orchestrator) DispatchToGroup(ctx context.Context, groupID string, req models.NotificationRequest) (models.Notification, error) {
	g, err := o.groups.Get(ctx, groupID)
	if errors.Is(err, repositories.ErrGroupNotFound) {
		return models.Notification{}, apperr.NotFound("notification.dispatch_group", "group not found")
	}
	if err != nil {
		return models.Notification{}, err
	}
	req.RecipientIDs = slices.DeleteFunc(g.MemberIDs(), func(id string) bool { return id == req.SenderID })
	req.Scope = models.ScopeGroup
	req.Metadata = withMeta(req.Metadata, "group_id", groupID)
	if req.Reference == nil {
		req.Reference = &models.Reference{Type: "group", ID: groupID}
	}
	return o.Dispatch(ctx, req)
}

// DispatchToFaculty addresses deans, heads of department, lecturers and
// students of a faculty.
func (o *Orchestrator) DispatchToFaculty(ctx context.Context, faculty string, req models.NotificationRequest) (models.Notification, error) {
	return o.dispatchAudience(ctx, models.IdentityFilter{
		Faculty: faculty,
		Roles:   []models.Role{models.RoleDean, models.RoleHeadOfDepartment, models.RoleLecturer, models.RoleStudent},
	}, models.ScopeFaculty, withMeta(req.Metadata, "faculty", faculty), req)
}

// DispatchToDepartment addresses heads of department, lecturers and
// students of a department.
func (o *Orchestrator) DispatchToDepartment(ctx context.Context, department string, req models.NotificationRequest) (models.Notification, error) {
	return o.dispatchAudience(ctx, models.IdentityFilter{
		Department: department,
		Roles:      []models.Role{models.RoleHeadOfDepartment, models.RoleLecturer, models.RoleStudent},
	}, models.ScopeDepartment, withMeta(req.Metadata, "department", department), req)
}

// DispatchSystem sends a system notification. Without explicit recipients
// it goes to everyone.
func (o *Orchestrator) DispatchSystem(ctx context.Context, req models.NotificationRequest) (models.Notification, error) {
	req.Type = models.NotifySystem
	if req.SenderID == "" {
		req.SenderID = "system"
	}
	if len(req.RecipientIDs) > 0 {
		return o.Dispatch(ctx, req)
	}
	return o.dispatchAudience(ctx, models.IdentityFilter{}, models.ScopeUniversity, req.Metadata, req)
}

func (o *Orchestrator) dispatchAudience(ctx context.Context, filter models.IdentityFilter, scope models.Scope, meta map[string]any, req models.NotificationRequest) (models.Notification, error) {
	audience, err := o.identities.Find(ctx, filter)
	if err != nil {
		return models.Notification{}, err
	}
	req.RecipientIDs = nil
	for _, identity := range audience {
		if identity.ID != req.SenderID {
			req.RecipientIDs = append(req.RecipientIDs, identity.ID)
		}
	}
	req.Scope = scope
	req.Metadata = meta
	return o.Dispatch(ctx, req)
}

// Redispatch runs delivery again. Attempts are appended to the existing log
// and the overall status is recomputed over all of them.
func (o *Orchestrator) Redispatch(ctx context.Context, notificationID string) (models.Notification, error) {
	const op = "notification.redispatch"
	n, err := o.notifications.Get(ctx, notificationID)
	if err != nil {
		return models.Notification{}, mapErr(op, err)
	}
	if n.Status != models.NotificationActive || n.Expired(o.now()) {
		return models.Notification{}, apperr.InvalidState(op, "notification is no longer active")
	}
	return o.deliver(ctx, n)
}

// RedispatchAs is Redispatch on behalf of actor, who must be the sender
// or a platform admin.
func (o *Orchestrator) RedispatchAs(ctx context.Context, notificationID string, actor models.Identity) (models.Notification, error) {
	const op = "notification.redispatch"
	n, err := o.notifications.Get(ctx, notificationID)
	if err != nil {
		return models.Notification{}, mapErr(op, err)
	}
	if actor.Role != models.RoleAdmin && (n.SenderID == "" || n.SenderID != actor.ID) {
		return models.Notification{}, apperr.Unauthorized(op, "only the sender can redispatch")
	}
	logging.Ctx(ctx).Info().Str("notification_id", notificationID).Str("actor_id", actor.ID).Msg("notification redispatch requested")
	return o.Redispatch(ctx, notificationID)
}

func (o *Orchestrator) deliver(ctx context.Context, n models.Notification) (models.Notification, error) {
	identities, err := o.identities.Find(ctx, models.IdentityFilter{IDs: n.RecipientIDs()})
	if err != nil {
		return models.Notification{}, err
	}

	var (
		mu       sync.Mutex
		attempts = make([][]models.DeliveryAttempt, len(identities))
		g        errgroup.Group
	)
	g.SetLimit(deliveryParallelism)
	record := func(i int, a models.DeliveryAttempt) {
		observability.IncNotificationAttempt(string(a.Channel), string(a.Outcome))
		mu.Lock()
		attempts[i] = append(attempts[i], a)
		mu.Unlock()
	}
	for i, identity := range identities {
		record(i, o.deliverInApp(identity, n))
		prefs := identity.NotificationPreferences()
		if n.Delivery.Wants(models.ChannelPush) && identity.PushSubscription != nil && prefs.Allows(models.ChannelPush, n.Type) {
			g.Go(func() error {
				record(i, o.deliverPush(ctx, identity, n))
				return nil
			})
		}
		if n.Delivery.Wants(models.ChannelEmail) && prefs.Allows(models.ChannelEmail, n.Type) {
			g.Go(func() error {
				record(i, o.deliverEmail(ctx, identity, n))
				return nil
			})
		}
	}
	_ = g.Wait()

	updated, err := o.notifications.Update(ctx, n.ID, func(doc *models.Notification) error {
		total := 0
		for _, batch := range attempts {
			slices.SortStableFunc(batch, func(a, b models.DeliveryAttempt) int { return channelRank(a.Channel) - channelRank(b.Channel) })
			for _, a := range batch {
				doc.Delivery.Record(a)
				total++
			}
		}
		if total == 0 && len(doc.Delivery.Attempts) == 0 {
			doc.Delivery.Status = models.DeliveryFailed
		}
		doc.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		return models.Notification{}, err
	}
	if updated.Delivery.Status == models.DeliveryFailed {
		logging.Ctx(ctx).Warn().Str("notification_id", n.ID).Msg("every delivery attempt failed")
	}
	return updated, nil
}

// deliverInApp always succeeds: offline recipients see the notification on
// their next poll.
func (o *Orchestrator) deliverInApp(identity models.Identity, n models.Notification) models.DeliveryAttempt {
	if o.directory != nil {
		o.directory.BroadcastTo(identity.ID, models.NewEvent(models.EventNotificationNew, map[string]any{"notification": n}))
	}
	return o.attempt(models.ChannelInApp, identity.ID, nil)
}

func (o *Orchestrator) deliverPush(ctx context.Context, identity models.Identity, n models.Notification) models.DeliveryAttempt {
	if o.push == nil {
		return o.attempt(models.ChannelPush, identity.ID, errors.New("push channel disabled"))
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ChannelTimeout)
	defer cancel()

	sub := *identity.PushSubscription
	err := o.push.SendPush(ctx, sub, PushPayload{
		Title:    n.Title,
		Body:     n.Body,
		Icon:     "/logo192.png",
		Badge:    "/notification-badge.png",
		Priority: n.Priority,
		Data:     map[string]any{"notification_id": n.ID, "type": n.Type, "url": n.Metadata["url"]},
		Actions:  pushActions(n.Type),
	})
	if errors.Is(err, ErrInvalidSubscription) {
		o.clearSubscription(ctx, identity.ID, sub.Endpoint)
	}
	return o.attempt(models.ChannelPush, identity.ID, err)
}

func (o *Orchestrator) deliverEmail(ctx context.Context, identity models.Identity, n models.Notification) models.DeliveryAttempt {
	if o.email == nil {
		return o.attempt(models.ChannelEmail, identity.ID, errors.New("email channel disabled"))
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ChannelTimeout)
	defer cancel()

	name := identity.DisplayName
	if name == "" {
		name = identity.Handle
	}
	err := o.email.SendEmail(ctx, identity.Email, emailTemplate(n.Type), EmailData{Name: name, Notification: n})
	return o.attempt(models.ChannelEmail, identity.ID, err)
}

// clearSubscription drops a dead endpoint unless the browser has already
// registered a new one.
func (o *Orchestrator) clearSubscription(ctx context.Context, identityID, endpoint string) {
	_, err := o.identities.Update(context.WithoutCancel(ctx), identityID, func(i *models.Identity) error {
		if i.PushSubscription == nil || i.PushSubscription.Endpoint != endpoint {
			return errNoChange
		}
		i.PushSubscription = nil
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		logging.Ctx(ctx).Warn().Err(err).Str("identity_id", identityID).Msg("clear push subscription failed")
	}
}

func (o *Orchestrator) attempt(ch models.Channel, recipientID string, err error) models.DeliveryAttempt {
	a := models.DeliveryAttempt{Channel: ch, RecipientID: recipientID, Timestamp: o.now(), Outcome: models.AttemptSuccess}
	if err != nil {
		a.Outcome = models.AttemptFailed
		a.Error = err.Error()
		logging.Warn().Err(apperr.DeliveryFailure("notification."+string(ch), err)).Str("recipient_id", recipientID).Msg("delivery attempt failed")
	}
	return a
}

func channels(requested []models.Channel) []models.Channel {
	out := []models.Channel{models.ChannelInApp}
	for _, ch := range requested {
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}

func channelRank(ch models.Channel) int {
	switch ch {
	case models.ChannelInApp:
		return 0
	case models.ChannelPush:
		return 1
	default:
		return 2
	}
}

func defaultCategory(t models.NotificationType) models.Category {
	switch t {
	case models.NotifyTimetable, models.NotifyLecture, models.NotifyAssignment:
		return models.CategoryAcademic
	case models.NotifyAnnouncement:
		return models.CategoryAdministrative
	case models.NotifySystem, models.NotifyReminder:
		return models.CategoryTechnical
	default:
		return models.CategorySocial
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func withMeta(meta map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}

func mapErr(op string, err error) error {
	if errors.Is(err, repositories.ErrNotificationNotFound) {
		return apperr.NotFound(op, "notification not found")
	}
	return err
}
