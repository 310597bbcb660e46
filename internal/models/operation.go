package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationKind is the mutation an operation log entry delivers.
type OperationKind string

const (
	OperationCreate OperationKind = "CREATE"
	OperationUpdate OperationKind = "UPDATE"
	OperationDelete OperationKind = "DELETE"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// OperationStatus tracks delivery of an operation log entry.
type OperationStatus string

const (
	OperationPending  OperationStatus = "pending"
	OperationInFlight OperationStatus = "in-flight"
	OperationFailed   OperationStatus = "failed"
)

// ParseOperationStatus validates raw as an operation status.
func ParseOperationStatus(raw string) (OperationStatus, error) {
	switch s := OperationStatus(raw); s {
	case OperationPending, OperationInFlight, OperationFailed:
		return s, nil
	default:
		return "", fmt.Errorf("invalid operation status %q", raw)
	}
}

// Operation is a queued mutation not yet confirmed by the server.
type Operation struct {
	ID        string          `json:"id"`
	Kind      OperationKind   `json:"operation"`
	Entity    EntityType      `json:"entity"`
	EntityID  string          `json:"entityId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    OperationStatus `json:"status"`
	Attempts  int             `json:"attempts"`
	// Sent is set once the entry has been handed to the server, so its
	// effect may exist remotely even if delivery was never confirmed.
	Sent      bool            `json:"sent"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// OperationFilter narrows List and Count queries. Zero values match all.
type OperationFilter struct {
	Entity   EntityType
	EntityID string
	Statuses []OperationStatus
	Limit    int
}

// EnqueueResult describes how Enqueue treated a mutation.
type EnqueueResult struct {
	Operation *Operation
	// Collapsed is set when an existing unresolved entry absorbed the mutation.
	Collapsed bool
	// Dropped is set when the mutation cancelled an entry the server never
	// saw; the caller removes the local record and no entry remains.
	Dropped bool
}

// CollapseOperation folds an incoming mutation into an unresolved entry of
// kind existing for the same record. It returns the resulting kind, or
// drop=true when both cancel out.
func CollapseOperation(existing, incoming OperationKind) (kind OperationKind, drop bool) {
	switch existing {
	case OperationCreate:
		if incoming == OperationDelete {
			return "", true
		}
		return OperationCreate, false
	case OperationUpdate:
		if incoming == OperationDelete {
			return OperationDelete, false
		}
		return OperationUpdate, false
	case OperationDelete:
		if incoming == OperationDelete {
			return OperationDelete, false
		}
		// Resurrected before the delete was delivered.
		return OperationUpdate, false
	default:
		return incoming, false
	}
}

// UnconfirmedCreate reports whether op stands for a create the server may
// have applied without acknowledging it. A delete that absorbed such a
// create keeps the created document as its data.
func (op *Operation) UnconfirmedCreate() bool {
	switch op.Kind {
	case OperationCreate:
		return op.Sent
	case OperationDelete:
		return len(op.Data) > 0
	default:
		return false
	}
}

// Collapse folds an incoming mutation into op. Only a create that never
// left the device cancels out with a delete; once sent it becomes a delete
// so the server copy is removed too.
func (op *Operation) Collapse(incoming OperationKind) (kind OperationKind, drop bool) {
	kind, drop = CollapseOperation(op.Kind, incoming)
	if drop && op.Sent {
		return OperationDelete, false
	}
	if kind == OperationUpdate && op.Kind == OperationDelete && op.UnconfirmedCreate() {
		return OperationCreate, false
	}
	return kind, drop
}

// CollapsedData picks the data an entry of kind carries after op absorbed a
// mutation with incoming data.
func (op *Operation) CollapsedData(kind OperationKind, incoming json.RawMessage) json.RawMessage {
	if kind != OperationDelete {
		return incoming
	}
	if op.UnconfirmedCreate() {
		return op.Data
	}
	return nil
}
