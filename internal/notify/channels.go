package notify

import (
	"context"
	"errors"

	"campus-realtime/internal/models"
)

// ErrInvalidSubscription means the push endpoint is gone for good and must
// not be retried.
var ErrInvalidSubscription = errors.New("push subscription is no longer valid")

// PushPayload is the JSON body delivered to a service worker.
type PushPayload struct {
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Icon     string          `json:"icon,omitempty"`
	Badge    string          `json:"badge,omitempty"`
	Priority models.Priority `json:"-"`
	Data     map[string]any  `json:"data,omitempty"`
	Actions  []PushAction    `json:"actions,omitempty"`
}

type PushAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// PushSender delivers one web push message. It returns
// ErrInvalidSubscription for expired endpoints.
type PushSender interface {
	SendPush(ctx context.Context, sub models.PushSubscription, payload PushPayload) error
}

// EmailData is what email templates render from.
type EmailData struct {
	Name         string
	Notification models.Notification
	URL          string
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, template string, data EmailData) error
}

// Directory delivers in-app events to live connections.
type Directory interface {
	BroadcastTo(identityID string, event models.Event) int
}

// Rooms publishes to group subscribers.
type Rooms interface {
	Publish(groupID string, event models.Event) int
}

func pushActions(t models.NotificationType) []PushAction {
	switch t {
	case models.NotifyMessage:
		return []PushAction{{"reply", "Reply"}, {"view", "View"}}
	case models.NotifyCall:
		return []PushAction{{"answer", "Answer"}, {"decline", "Decline"}}
	case models.NotifyGroup:
		return []PushAction{{"view", "View Group"}}
	case models.NotifyTimetable:
		return []PushAction{{"view", "View Changes"}}
	case models.NotifyLecture:
		return []PushAction{{"join", "Join Lecture"}, {"view", "View Details"}}
	case models.NotifyAssignment:
		return []PushAction{{"view", "View Assignment"}}
	default:
		return []PushAction{{"view", "View"}}
	}
}

// emailTemplate picks the template name for a notification type.
func emailTemplate(t models.NotificationType) string {
	switch t {
	case models.NotifyMessage, models.NotifyCall, models.NotifyGroup, models.NotifyTimetable,
		models.NotifyLecture, models.NotifyAssignment, models.NotifyAnnouncement:
		return string(t)
	default:
		return "default"
	}
}
