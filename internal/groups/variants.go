package groups

import (
	"github.com/go-playground/validator/v10"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Spec is a group creation request. Default groups are never created from
// a Spec; see DefaultGroups.
type Spec struct {
	Name        string                `json:"name" validate:"required,max=100"`
	Description string                `json:"description" validate:"max=500"`
	Type        models.GroupType      `json:"type" validate:"required,oneof=university faculty department year course discussion custom"`
	Category    string                `json:"category,omitempty"`
	Department  string                `json:"department,omitempty"`
	Year        int                   `json:"year,omitempty"`
	Semester    int                   `json:"semester,omitempty"`
	CourseCode  string                `json:"course_code,omitempty"`
	IsLocked    bool                  `json:"is_locked,omitempty"`
	Settings    *models.GroupSettings `json:"settings,omitempty"`
	MemberIDs   []string              `json:"members,omitempty" validate:"max=500,dive,required"`
}

type facultyGroup struct {
	Category string `validate:"required"`
}

type departmentGroup struct {
	Category   string `validate:"required"`
	Department string `validate:"required"`
}

type yearGroup struct {
	Year int `validate:"required,min=1,max=4"`
}

type courseGroup struct {
	Semester   int    `validate:"required,min=1,max=2"`
	CourseCode string `validate:"required,max=20"`
}

type userGroup struct {
	CreatorID string `validate:"required"`
}

// constructors hold the per-type rules. Each returns the type-specific
// fields it checked; everything else on the group is common.
var constructors = map[models.GroupType]func(s Spec, creatorID string) any{
	models.GroupUniversity: func(Spec, string) any { return nil },
	models.GroupFaculty:    func(s Spec, _ string) any { return facultyGroup{Category: s.Category} },
	models.GroupDepartment: func(s Spec, _ string) any {
		return departmentGroup{Category: s.Category, Department: s.Department}
	},
	models.GroupYear:       func(s Spec, _ string) any { return yearGroup{Year: s.Year} },
	models.GroupCourse:     func(s Spec, _ string) any { return courseGroup{Semester: s.Semester, CourseCode: s.CourseCode} },
	models.GroupDiscussion: func(_ Spec, creatorID string) any { return userGroup{CreatorID: creatorID} },
	models.GroupCustom:     func(_ Spec, creatorID string) any { return userGroup{CreatorID: creatorID} },
}

// build validates s for its type and returns the group without members.
func build(op string, s Spec, creatorID string) (models.Group, error) {
	if err := validate.Struct(s); err != nil {
		return models.Group{}, apperr.Invalid(op, "%s", err.Error())
	}
	variant := constructors[s.Type](s, creatorID)
	if variant != nil {
		if err := validate.Struct(variant); err != nil {
			return models.Group{}, apperr.Invalid(op, "%s group: %s", s.Type, err.Error())
		}
	}

	settings := models.DefaultGroupSettings()
	if s.Settings != nil {
		settings = *s.Settings
	}
	g := models.Group{
		Name:        s.Name,
		Description: s.Description,
		Type:        s.Type,
		CreatorID:   creatorID,
		IsLocked:    s.IsLocked,
		Members:     []models.Member{},
		Settings:    settings,
	}
	switch v := variant.(type) {
	case facultyGroup:
		g.Category = v.Category
	case departmentGroup:
		g.Category, g.Department = v.Category, v.Department
	case yearGroup:
		g.Year = v.Year
	case courseGroup:
		g.Semester, g.CourseCode = v.Semester, v.CourseCode
	}
	return g, nil
}
