package models

import "time"

type GroupType string

const (
	GroupUniversity GroupType = "university"
	GroupFaculty    GroupType = "faculty"
	GroupDepartment GroupType = "department"
	GroupYear       GroupType = "year"
	GroupCourse     GroupType = "course"
	GroupDiscussion GroupType = "discussion"
	GroupCustom     GroupType = "custom"
)

// GroupRole is a role within one group.
type GroupRole string

const (
	GroupRoleMember    GroupRole = "member"
	GroupRoleModerator GroupRole = "moderator"
	GroupRoleAdmin     GroupRole = "admin"
)

// Member is one identity's membership of a group.
type Member struct {
	IdentityID string    `json:"identity_id"`
	Role       GroupRole `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
}

type GroupSettings struct {
	AllowMedia   bool  `json:"allow_media"`
	AllowLinks   bool  `json:"allow_links"`
	AllowReplies bool  `json:"allow_replies"`
	AllowVoice   bool  `json:"allow_voice"`
	AllowVideo   bool  `json:"allow_video"`
	MaxFileSize  int64 `json:"max_file_size"`
	MaxMembers   int   `json:"max_members"`
}

// DefaultGroupSettings allows everything with a 25MB file limit.
func DefaultGroupSettings() GroupSettings {
	return GroupSettings{
		AllowMedia:   true,
		AllowLinks:   true,
		AllowReplies: true,
		AllowVoice:   true,
		AllowVideo:   true,
		MaxFileSize:  25 << 20,
	}
}

// Group represents a chat group.
type Group struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Type         GroupType     `json:"type"`
	Category     string        `json:"category,omitempty"`
	Department   string        `json:"department,omitempty"`
	Year         int           `json:"year,omitempty"`
	Semester     int           `json:"semester,omitempty"`
	CourseCode   string        `json:"course_code,omitempty"`
	CreatorID    string        `json:"creator_id,omitempty"`
	IsDefault    bool          `json:"is_default"`
	IsLocked     bool          `json:"is_locked"`
	Members      []Member      `json:"members"`
	Settings     GroupSettings `json:"settings"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// Member returns the membership record of identityID.
func (g *Group) Member(identityID string) (Member, bool) {
	for _, m := range g.Members {
		if m.IdentityID == identityID {
			return m, true
		}
	}
	return Member{}, false
}

func (g *Group) IsMember(identityID string) bool {
	_, ok := g.Member(identityID)
	return ok
}

// IsAdmin is true for group admins and moderators only.
func (g *Group) IsAdmin(identityID string) bool {
	m, ok := g.Member(identityID)
	return ok && (m.Role == GroupRoleAdmin || m.Role == GroupRoleModerator)
}

// AddMember appends identityID unless already present. It reports whether
// the membership changed.
func (g *Group) AddMember(identityID string, role GroupRole, now time.Time) bool {
	if g.IsMember(identityID) {
		return false
	}
	if role == "" {
		role = GroupRoleMember
	}
	g.Members = append(g.Members, Member{IdentityID: identityID, Role: role, JoinedAt: now})
	return true
}

// RemoveMember drops identityID and reports whether it was present.
func (g *Group) RemoveMember(identityID string) bool {
	for i, m := range g.Members {
		if m.IdentityID == identityID {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			return true
		}
	}
	return false
}

func (g *Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.IdentityID)
	}
	return ids
}

// GroupUpdate carries the mutable fields of a group. Nil fields are left
// untouched.
type GroupUpdate struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	IsLocked    *bool          `json:"is_locked,omitempty"`
	Settings    *GroupSettings `json:"settings,omitempty"`
}
