package models

import "time"

type NotificationType string

const (
	NotifyMessage      NotificationType = "message"
	NotifyCall         NotificationType = "call"
	NotifyGroup        NotificationType = "group"
	NotifyTimetable    NotificationType = "timetable"
	NotifyLecture      NotificationType = "lecture"
	NotifyAssignment   NotificationType = "assignment"
	NotifyAnnouncement NotificationType = "announcement"
	NotifyReminder     NotificationType = "reminder"
	NotifySystem       NotificationType = "system"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Category string

const (
	CategoryAcademic       Category = "academic"
	CategoryAdministrative Category = "administrative"
	CategorySocial         Category = "social"
	CategoryTechnical      Category = "technical"
)

type Scope string

const (
	ScopeIndividual Scope = "individual"
	ScopeGroup      Scope = "group"
	ScopeDepartment Scope = "department"
	ScopeFaculty    Scope = "faculty"
	ScopeUniversity Scope = "university"
)

type Channel string

const (
	ChannelInApp Channel = "in-app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// RecipientStatus only moves forward: delivered -> read -> clicked|dismissed.
type RecipientStatus string

const (
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientClicked   RecipientStatus = "clicked"
	RecipientDismissed RecipientStatus = "dismissed"
)

func (s RecipientStatus) rank() int {
	switch s {
	case RecipientRead:
		return 1
	case RecipientClicked, RecipientDismissed:
		return 2
	default:
		return 0
	}
}

// CanAdvance reports whether next is strictly ahead of s.
func (s RecipientStatus) CanAdvance(next RecipientStatus) bool {
	return next.rank() > s.rank()
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailed  AttemptOutcome = "failed"
)

// DeliveryAttempt is one channel attempt for one recipient.
type DeliveryAttempt struct {
	Channel     Channel        `json:"channel"`
	RecipientID string         `json:"recipient_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Outcome     AttemptOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
}

type ActionTaken struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Recipient struct {
	IdentityID  string          `json:"identity_id"`
	Status      RecipientStatus `json:"status"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	ActionTaken *ActionTaken    `json:"action_taken,omitempty"`
}

type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type NotificationAction struct {
	Label string         `json:"label"`
	Type  string         `json:"type"`
	URL   string         `json:"url,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type Delivery struct {
	Channels     []Channel         `json:"channels"`
	Status       DeliveryStatus    `json:"status"`
	Attempts     []DeliveryAttempt `json:"attempts"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// Wants reports whether ch was requested.
func (d Delivery) Wants(ch Channel) bool {
	for _, c := range d.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Record appends an attempt and recomputes the overall status: failed only
// when every attempt so far has failed.
func (d *Delivery) Record(a DeliveryAttempt) {
	d.Attempts = append(d.Attempts, a)
	d.Status = DeliveryFailed
	for _, at := range d.Attempts {
		if at.Outcome != AttemptFailed {
			d.Status = DeliverySent
			return
		}
	}
}

type NotificationStatus string

const (
	NotificationActive   NotificationStatus = "active"
	NotificationArchived NotificationStatus = "archived"
	NotificationDeleted  NotificationStatus = "deleted"
)

type NotificationSettings struct {
	Dismissible bool `json:"dismissible"`
	Persistent  bool `json:"persistent"`
}

type Notification struct {
	ID         string               `json:"id"`
	Type       NotificationType     `json:"type"`
	Title      string               `json:"title"`
	Body       string               `json:"body"`
	SenderID   string               `json:"sender_id"`
	Recipients []Recipient          `json:"recipients"`
	Priority   Priority             `json:"priority"`
	Category   Category             `json:"category"`
	Scope      Scope                `json:"scope"`
	Reference  *Reference           `json:"reference,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	Delivery   Delivery             `json:"delivery"`
	Actions    []NotificationAction `json:"actions,omitempty"`
	Status     NotificationStatus   `json:"status"`
	Settings   NotificationSettings `json:"settings"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func (n *Notification) Recipient(identityID string) *Recipient {
	for i := range n.Recipients {
		if n.Recipients[i].IdentityID == identityID {
			return &n.Recipients[i]
		}
	}
	return nil
}

func (n *Notification) RecipientIDs() []string {
	ids := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		ids = append(ids, r.IdentityID)
	}
	return ids
}

// Expired reports whether the notification is past its expiry at now.
func (n *Notification) Expired(now time.Time) bool {
	return n.Delivery.ExpiresAt != nil && now.After(*n.Delivery.ExpiresAt)
}

// ActiveFor reports whether identityID should see the notification at now.
func (n *Notification) ActiveFor(identityID string, now time.Time) bool {
	if n.Status != NotificationActive || n.Expired(now) {
		return false
	}
	if n.Delivery.ScheduledFor != nil && n.Delivery.ScheduledFor.After(now) {
		return false
	}
	r := n.Recipient(identityID)
	return r != nil && r.Status != RecipientDismissed
}

// NotificationFilter selects notifications from the store. Zero values
// match everything.
type NotificationFilter struct {
	IDs         []string
	RecipientID string
	Status      NotificationStatus
	DueBefore   *time.Time
	ExpiredAt   *time.Time
	Pending     bool
	Limit       int
}

// NotificationRequest describes a notification to dispatch. Zero-valued
// optional fields take orchestrator defaults.
type NotificationRequest struct {
	Type         NotificationType      `json:"type" validate:"required"`
	Title        string                `json:"title" validate:"required,max=200"`
	Body         string                `json:"body" validate:"max=2000"`
	SenderID     string                `json:"sender_id,omitempty"`
	RecipientIDs []string              `json:"recipient_ids"`
	Priority     Priority              `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Category     Category              `json:"category,omitempty" validate:"omitempty,oneof=academic administrative social technical"`
	Scope        Scope                 `json:"scope,omitempty"`
	Reference    *Reference            `json:"reference,omitempty"`
	Metadata     map[string]any        `json:"metadata,omitempty"`
	Channels     []Channel             `json:"channels,omitempty" validate:"dive,oneof=in-app push email"`
	Actions      []NotificationAction  `json:"actions,omitempty"`
	Settings     *NotificationSettings `json:"settings,omitempty"`
	ScheduledFor *time.Time            `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time            `json:"expires_at,omitempty"`
}
