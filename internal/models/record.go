package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names one synchronized collection. The value doubles as the
// remote endpoint path segment.
type EntityType string

const (
	EntityUsers     EntityType = "users"
	EntityCenters   EntityType = "centers"
	EntityTeachers  EntityType = "teachers"
	EntityStudents  EntityType = "students"
	EntitySubjects  EntityType = "subjects"
	EntityReceipts  EntityType = "receipts"
	EntitySchedules EntityType = "schedules"
)

// AllEntityTypes returns every entity type in default sync order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityUsers,
		EntityCenters,
		EntityTeachers,
		EntityStudents,
		EntitySubjects,
		EntityReceipts,
		EntitySchedules,
	}
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	for _, known := range AllEntityTypes() {
		if e == known {
			return true
		}
	}
	return false
}

// ParseEntityType validates raw as an entity type.
func ParseEntityType(raw string) (EntityType, error) {
	e := EntityType(raw)
	if !e.Valid() {
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
	return e, nil
}

// RecordStatus is the synchronization tag of a local record.
type RecordStatus uint8

const (
	StatusSynced RecordStatus = iota + 1
	StatusPendingDeletion
	StatusWaitingToSync
)

// Storage codes kept compatible with data written by older clients.
const (
	statusCodeSynced          = "1"
	statusCodePendingDeletion = "0"
	statusCodeWaitingToSync   = "w"
)

// Code returns the persisted representation.
func (s RecordStatus) Code() string {
	switch s {
	case StatusSynced:
		return statusCodeSynced
	case StatusPendingDeletion:
		return statusCodePendingDeletion
	case StatusWaitingToSync:
		return statusCodeWaitingToSync
	default:
		return ""
	}
}

func (s RecordStatus) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusPendingDeletion:
		return "pending-deletion"
	case StatusWaitingToSync:
		return "waiting-to-sync"
	default:
		return fmt.Sprintf("RecordStatus(%d)", uint8(s))
	}
}

// Dirty reports whether the record carries an unconfirmed local change.
func (s RecordStatus) Dirty() bool {
	return s == StatusPendingDeletion || s == StatusWaitingToSync
}

// ParseRecordStatus accepts either a storage code or a status name.
func ParseRecordStatus(raw string) (RecordStatus, error) {
	switch raw {
	case statusCodeSynced, "synced":
		return StatusSynced, nil
	case statusCodePendingDeletion, "pending-deletion":
		return StatusPendingDeletion, nil
	case statusCodeWaitingToSync, "waiting-to-sync":
		return StatusWaitingToSync, nil
	default:
		return 0, fmt.Errorf("invalid record status %q", raw)
	}
}

// MarshalJSON encodes the status name.
func (s RecordStatus) MarshalJSON() ([]byte, error) {
	if s.Code() == "" {
		return nil, fmt.Errorf("invalid record status %d", uint8(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a status name or a storage code.
func (s *RecordStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRecordStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Record is one entity instance in the local store.
type Record struct {
	ID           string          `json:"id"`
	Entity       EntityType      `json:"entity"`
	Status       RecordStatus    `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	LastModified time.Time       `json:"lastModified"`
}
