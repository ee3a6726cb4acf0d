package models

import (
	"slices"
	"time"
)

// Role is a platform-wide role. It never implies group admin rights.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleChancellor        Role = "chancellor"
	RoleViceChancellor    Role = "vice_chancellor"
	RoleDean              Role = "dean"
	RoleHeadOfDepartment  Role = "head_of_department"
	RoleLecturer          Role = "lecturer"
	RoleStudent           Role = "student"
	RoleBursar            Role = "bursar"
	RoleAcademicRegistrar Role = "academic_registrar"
	RoleDeanOfStudents    Role = "dean_of_students"
	RoleQualityAssurance  Role = "quality_assurance"
)

var roles = map[Role]struct{}{
	RoleAdmin: {}, RoleChancellor: {}, RoleViceChancellor: {}, RoleDean: {},
	RoleHeadOfDepartment: {}, RoleLecturer: {}, RoleStudent: {}, RoleBursar: {},
	RoleAcademicRegistrar: {}, RoleDeanOfStudents: {}, RoleQualityAssurance: {},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roles[r]
	return ok
}

// CanAnnounce reports whether the role may dispatch broadcast notifications.
func (r Role) CanAnnounce() bool {
	switch r {
	case RoleStudent, "":
		return false
	default:
		return true
	}
}

// PushSubscription is a Web Push endpoint registered by a browser.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// NotificationPreferences controls out-of-band delivery. In-app delivery
// is never suppressed.
type NotificationPreferences struct {
	Push       bool               `json:"push"`
	Email      bool               `json:"email"`
	MutedTypes []NotificationType `json:"muted_types,omitempty"`
}

// DefaultNotificationPreferences enables every channel.
func DefaultNotificationPreferences() NotificationPreferences {
	return NotificationPreferences{Push: true, Email: true}
}

// Allows reports whether channel may carry a notification of type t.
func (p NotificationPreferences) Allows(channel Channel, t NotificationType) bool {
	switch channel {
	case ChannelInApp:
		return true
	case ChannelPush:
		if !p.Push {
			return false
		}
	case ChannelEmail:
		if !p.Email {
			return false
		}
	}
	for _, muted := range p.MutedTypes {
		if muted == t {
			return false
		}
	}
	return true
}

// PreferencesPatch merges into NotificationPreferences. Nil fields are
// left untouched; an empty MutedTypes clears the list.
type PreferencesPatch struct {
	Push       *bool              `json:"push,omitempty"`
	Email      *bool              `json:"email,omitempty"`
	MutedTypes []NotificationType `json:"muted_types" validate:"omitempty,dive,oneof=message call group timetable lecture assignment announcement reminder system"`
}

func (p *NotificationPreferences) Apply(patch PreferencesPatch) {
	if patch.Push != nil {
		p.Push = *patch.Push
	}
	if patch.Email != nil {
		p.Email = *patch.Email
	}
	if patch.MutedTypes != nil {
		p.MutedTypes = slices.Clone(patch.MutedTypes)
	}
}

// Identity is an authenticated campus member.
type Identity struct {
	ID               string            `json:"id"`
	Handle           string            `json:"handle"`
	DisplayName      string            `json:"display_name,omitempty"`
	Email            string            `json:"email,omitempty"`
	Role             Role              `json:"role"`
	Faculty          string            `json:"faculty,omitempty"`
	Department       string            `json:"department,omitempty"`
	YearOfStudy      int               `json:"year_of_study,omitempty"`
	GroupIDs         []string          `json:"group_ids"`
	Online           bool              `json:"online"`
	LastSeen         *time.Time        `json:"last_seen,omitempty"`
	PushSubscription *PushSubscription `json:"push_subscription,omitempty"`
	// Preferences is nil until the identity changes them.
	Preferences *NotificationPreferences `json:"notification_preferences,omitempty"`
}

// NotificationPreferences returns the stored preferences or the defaults.
func (i Identity) NotificationPreferences() NotificationPreferences {
	if i.Preferences == nil {
		return DefaultNotificationPreferences()
	}
	return *i.Preferences
}

// InGroup reports whether groupID is among the identity's memberships.
func (i Identity) InGroup(groupID string) bool {
	for _, id := range i.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// IdentityFilter selects identities for audience resolution. Empty fields
// match everything.
type IdentityFilter struct {
	IDs        []string
	Handles    []string
	Faculty    string
	Department string
	Roles      []Role
}
