package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/telemetry"
)

type Bus interface {
	Publish(groupID string, event models.Event) int
	PublishExcept(groupID string, event models.Event, exceptIdentity string) int
}

type Groups interface {
	Get(ctx context.Context, groupID string) (models.Group, error)
	Touch(ctx context.Context, groupID string) error
}

type Notifier interface {
	Dispatch(ctx context.Context, req models.NotificationRequest) (models.Notification, error)
}

// SendInput is the client-supplied part of a new message.
type SendInput struct {
	Type    models.MessageType `json:"type"`
	Content models.Content     `json:"content"`
	ReplyTo string             `json:"reply_to,omitempty"`
}

// Engine applies message mutations. Every mutation is persisted before the
// matching bus event is published.
type Engine struct {
	messages   repositories.MessageRepository
	identities repositories.IdentityRepository
	groups     Groups
	bus        Bus
	notifier   Notifier
	emitter    *telemetry.Emitter
	now        func() time.Time
}

func NewEngine(messages repositories.MessageRepository, identities repositories.IdentityRepository, groups Groups, bus Bus, notifier Notifier, emitter *telemetry.Emitter) *Engine {
	return &Engine{
		messages:   messages,
		identities: identities,
		groups:     groups,
		bus:        bus,
		notifier:   notifier,
		emitter:    emitter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var errAlreadyApplied = errors.New("already applied")

// Send stores a new message from a group member and fans it out.
func (e *Engine) Send(ctx context.Context, senderID, groupID string, in SendInput) (models.Message, error) {
	const op = "message.send"
	g, err := e.groups.Get(ctx, groupID)
	if err != nil {
		return models.Message{}, err
	}
	if !g.IsMember(senderID) {
		return models.Message{}, apperr.Unauthorized(op, "not authorized to send messages in this group")
	}
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if err := e.checkContent(ctx, op, g, in); err != nil {
		return models.Message{}, err
	}

	now := e.now()
	msg := models.Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		GroupID:   groupID,
		Type:      in.Type,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
		Status:    models.MessageSent,
		ReadBy:    map[string]time.Time{},
		Reactions: map[string]models.Reaction{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.messages.Create(ctx, msg); err != nil {
		return models.Message{}, err
	}

	e.bus.Publish(groupID, models.NewEvent(models.EventMessageNew, map[string]any{"message": msg, "group_id": groupID}))
	e.emitter.Domain(ctx, models.EventMessageNew, msg)
	if err := e.groups.Touch(ctx, groupID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("group_id", groupID).Msg("touch group activity failed")
	}
	e.notifyMentions(ctx, g, msg)
	return msg, nil
}

func (e *Engine) checkContent(ctx context.Context, op string, g models.Group, in SendInput) error {
	switch {
	case in.Type == models.MessageText && strings.TrimSpace(in.Content.Text) == "":
		return apperr.Invalid(op, "message text is required")
	case in.Type.IsMedia() && in.Content.URL == "":
		return apperr.Invalid(op, "%s message requires a url", in.Type)
	case in.Type.IsMedia() && !g.Settings.AllowMedia:
		return apperr.PolicyViolation(op, "media is disabled in this group")
	case in.Type.IsMedia() && g.Settings.MaxFileSize > 0 && in.Content.Size > g.Settings.MaxFileSize:
		return apperr.PolicyViolation(op, "attachment exceeds %d bytes", g.Settings.MaxFileSize)
	case in.Type == models.MessageSystem || in.Type == models.MessageCall:
		return apperr.Invalid(op, "%s messages cannot be sent by clients", in.Type)
	}
	if in.ReplyTo == "" {
		return nil
	}
	if !g.Settings.AllowReplies {
		return apperr.PolicyViolation(op, "replies are disabled in this group")
	}
	parent, err := e.messages.Get(ctx, in.ReplyTo)
	if err != nil || parent.GroupID != g.ID {
		return apperr.Invalid(op, "reply target not found in group")
	}
	return nil
}

// Edit replaces the text of the sender's own message, keeping the prior
// content in the edit history.
func (e *Engine) Edit(ctx context.Context, messageID, editorID, text string) (models.Message, error) {
	const op = "message.edit"
	if strings.TrimSpace(text) == "" {
		return models.Message{}, apperr.Invalid(op, "message text is required")
	}
	msg, err := e.messages.Update(ctx, messageID, func(m *models.Message) error {
		if m.IsDeleted() {
			return apperr.InvalidState(op, "message is deleted")
		}
		if m.SenderID != editorID {
			return apperr.Unauthorized(op, "not authorized to edit this message")
		}
		now := e.now()
		m.EditHistory = append(m.EditHistory, models.Edit{Content: m.Content, EditedAt: now, EditedBy: editorID})
		m.Content.Text = text
		m.Edited = true
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Message{}, mapErr(op, err)
	}
	e.bus.Publish(msg.GroupID, models.NewEvent(models.EventMessageUpdate, map[string]any{
		"message_id": msg.ID,
		"group_id":   msg.GroupID,
		"content":    msg.Content,
		"edited_at":  msg.UpdatedAt,
	}))
	e.emitter.Domain(ctx, models.EventMessageUpdate, msg)
	return msg, nil
}

// Delete marks the sender's own message deleted. Deleting twice is a no-op.
func (e *Engine) Delete(ctx context.Context, messageID, actorID string) error {
	const op = "message.delete"
	msg, err := e.messages.Update(ctx, messageID, func(m *models.Message) error {
		if m.SenderID != actorID {
			return apperr.Unauthorized(op, "not authorized to delete this message")
		}
		if m.IsDeleted() {
			return errAlreadyApplied
		}
		m.Status = models.MessageDeleted
		m.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	if err != nil {
		return mapErr(op, err)
	}
	e.bus.Publish(msg.GroupID, models.NewEvent(models.EventMessageDelete, map[string]any{"message_id": msg.ID, "group_id": msg.GroupID}))
	e.emitter.Domain(ctx, models.EventMessageDelete, map[string]string{"message_id": msg.ID, "group_id": msg.GroupID})
	e.emitter.Audit(ctx, "INFO", fmt.Sprintf("message %s deleted", msg.ID), actorID)
	return nil
}

// React sets actorID's single reaction, replacing any previous one. An
// empty reaction removes it.
func (e *Engine) React(ctx context.Context, messageID, actorID, reaction string) (models.Message, error) {
	const op = "message.react"
	current, err := e.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, mapErr(op, err)
	}
	if err := e.requireMember(ctx, op, current.GroupID, actorID); err != nil {
		return models.Message{}, err
	}

	msg, err := e.messages.Update(ctx, messageID, func(m *models.Message) error {
		if m.IsDeleted() {
			return apperr.InvalidState(op, "message is deleted")
		}
		if m.Reactions == nil {
			m.Reactions = map[string]models.Reaction{}
		}
		if reaction == "" {
			delete(m.Reactions, actorID)
		} else {
			m.Reactions[actorID] = models.Reaction{Type: reaction, ReactedAt: e.now()}
		}
		return nil
	})
	if err != nil {
		return models.Message{}, mapErr(op, err)
	}
	e.bus.Publish(msg.GroupID, models.NewEvent(models.EventMessageReaction, map[string]any{
		"message_id":  msg.ID,
		"identity_id": actorID,
		"reaction":    reaction,
	}))
	return msg, nil
}

// Unreact removes actorID's reaction.
func (e *Engine) Unreact(ctx context.Context, messageID, actorID string) (models.Message, error) {
	return e.React(ctx, messageID, actorID, "")
}

// MarkRead records a read receipt for every listed message not yet read by
// actorID and returns how many were newly marked. Unknown, deleted and
// foreign-group messages are skipped.
func (e *Engine) MarkRead(ctx context.Context, messageIDs []string, actorID string) (int, error) {
	marked := 0
	for _, id := range messageIDs {
		current, err := e.messages.Get(ctx, id)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return marked, err
		}
		if current.IsDeleted() || current.SenderID == actorID || e.requireMember(ctx, "message.read", current.GroupID, actorID) != nil {
			continue
		}
		_, err = e.messages.Update(ctx, id, func(m *models.Message) error {
			if _, ok := m.ReadBy[actorID]; ok {
				return errAlreadyApplied
			}
			if m.ReadBy == nil {
				m.ReadBy = map[string]time.Time{}
			}
			m.ReadBy[actorID] = e.now()
			return nil
		})
		switch {
		case errors.Is(err, errAlreadyApplied):
		case err != nil:
			return marked, err
		default:
			marked++
		}
	}
	return marked, nil
}

// History returns non-deleted messages of a group, newest first.
func (e *Engine) History(ctx context.Context, groupID, actorID string, before time.Time, limit int) ([]models.Message, error) {
	if err := e.requireMember(ctx, "message.history", groupID, actorID); err != nil {
		return nil, err
	}
	return e.messages.Find(ctx, models.MessageQuery{GroupID: groupID, Before: before, Limit: limit})
}

// Get returns a message by id, deleted or not, to a member of its group.
func (e *Engine) Get(ctx context.Context, messageID, actorID string) (models.Message, error) {
	const op = "message.get"
	msg, err := e.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, mapErr(op, err)
	}
	if err := e.requireMember(ctx, op, msg.GroupID, actorID); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Typing broadcasts a typing indicator to the rest of the group.
func (e *Engine) Typing(ctx context.Context, groupID, identityID string, typing bool) error {
	if err := e.requireMember(ctx, "message.typing", groupID, identityID); err != nil {
		return err
	}
	event := models.EventUserTyping
	if !typing {
		event = models.EventUserStopTyping
	}
	e.bus.PublishExcept(groupID, models.NewEvent(event, map[string]string{"group_id": groupID, "identity_id": identityID}), identityID)
	return nil
}

func (e *Engine) requireMember(ctx context.Context, op, groupID, identityID string) error {
	g, err := e.groups.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.IsMember(identityID) {
		return apperr.Unauthorized(op, "not a member of this group")
	}
	return nil
}

// notifyMentions sends one notification per mentioned group member other
// than the sender.
func (e *Engine) notifyMentions(ctx context.Context, g models.Group, msg models.Message) {
	handles := Mentions(msg.Content.Text)
	if len(handles) == 0 || e.notifier == nil {
		return
	}
	mentioned, err := e.identities.Find(ctx, models.IdentityFilter{IDs: g.MemberIDs(), Handles: handles})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("message_id", msg.ID).Msg("resolve mentions failed")
		return
	}

	senderHandle := msg.SenderID
	if sender, err := e.identities.Get(ctx, msg.SenderID); err == nil {
		senderHandle = sender.Handle
	}
	for _, identity := range mentioned {
		if identity.ID == msg.SenderID {
			continue
		}
		_, err := e.notifier.Dispatch(ctx, models.NotificationRequest{
			Type:         models.NotifyMessage,
			Title:        "New mention",
			Body:         fmt.Sprintf("%s mentioned you in %s", senderHandle, g.Name),
			SenderID:     msg.SenderID,
			RecipientIDs: []string{identity.ID},
			Priority:     models.PriorityMedium,
			Category:     models.CategorySocial,
			Scope:        models.ScopeIndividual,
			Reference:    &models.Reference{Type: "message", ID: msg.ID},
			Metadata:     map[string]any{"group_id": g.ID},
		})
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("recipient_id", identity.ID).Msg("mention notification failed")
		}
	}
}

func mapErr(op string, err error) error {
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return apperr.NotFound(op, "message not found")
	}
	return err
}
