package dto

import "github.com/noah-isme/sma-offline-sync/internal/models"

// Payload shapes validated before a local write. Only the listed fields are
// checked; any other field in the document is stored and synced untouched.
// References to other records use the "objectid" rule.

// StudentPayload is the validated subset of a student document.
type StudentPayload struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"omitempty,email"`
	Phone    string `json:"phone" validate:"omitempty,max=32"`
	CenterID string `json:"centerId" validate:"omitempty,objectid"`
}

// TeacherPayload is the validated subset of a teacher document.
type TeacherPayload struct {
	Name       string   `json:"name" validate:"required,max=200"`
	Email      string   `json:"email" validate:"omitempty,email"`
	CenterID   string   `json:"centerId" validate:"omitempty,objectid"`
	SubjectIDs []string `json:"subjects" validate:"omitempty,dive,objectid"`
}

// SubjectPayload is the validated subset of a subject document.
type SubjectPayload struct {
	Name     string `json:"name" validate:"required,max=200"`
	CenterID string `json:"centerId" validate:"omitempty,objectid"`
}

// CenterPayload is the validated subset of a center document.
type CenterPayload struct {
	Name    string `json:"name" validate:"required,max=200"`
	Address string `json:"address" validate:"omitempty,max=500"`
	Phone   string `json:"phone" validate:"omitempty,max=32"`
}

// ReceiptPayload is the validated subset of a receipt document.
type ReceiptPayload struct {
	StudentID string  `json:"studentId" validate:"required,objectid"`
	CenterID  string  `json:"centerId" validate:"omitempty,objectid"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Date      string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// SchedulePayload is the validated subset of a schedule document.
type SchedulePayload struct {
	SubjectID string `json:"subjectId" validate:"required,objectid"`
	TeacherID string `json:"teacherId" validate:"omitempty,objectid"`
	CenterID  string `json:"centerId" validate:"omitempty,objectid"`
	Day       string `json:"day" validate:"omitempty,oneof=monday tuesday wednesday thursday friday saturday sunday"`
	StartTime string `json:"startTime" validate:"omitempty,datetime=15:04"`
	EndTime   string `json:"endTime" validate:"omitempty,datetime=15:04"`
}

// UserPayload is the validated subset of a user document.
type UserPayload struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"required,email"`
	Role     string `json:"role" validate:"omitempty,oneof=superadmin admin teacher student staff"`
	CenterID string `json:"centerId" validate:"omitempty,objectid"`
}

// NewPayload returns an empty validation target for entity.
func NewPayload(entity models.EntityType) (interface{}, bool) {
	switch entity {
	case models.EntityStudents:
		return &StudentPayload{}, true
	case models.EntityTeachers:
		return &TeacherPayload{}, true
	case models.EntitySubjects:
		return &SubjectPayload{}, true
	case models.EntityCenters:
		return &CenterPayload{}, true
	case models.EntityReceipts:
		return &ReceiptPayload{}, true
	case models.EntitySchedules:
		return &SchedulePayload{}, true
	case models.EntityUsers:
		return &UserPayload{}, true
	default:
		return nil, false
	}
}
