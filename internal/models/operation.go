package models

import (
	"encoding/json"
	"time"
)

// OperationID identifies a queued operation. Values are ULID strings.
type OperationID string

// OperationKind selects the remote handler and payload shape of an operation.
type OperationKind string

const (
	KindCreateUpdate   OperationKind = "CreateUpdate"
	KindCreateComment  OperationKind = "CreateComment"
	KindToggleReaction OperationKind = "ToggleReaction"
)

// Kinds lists every supported operation kind.
func Kinds() []OperationKind {
	return []OperationKind{KindCreateUpdate, KindCreateComment, KindToggleReaction}
}

// Valid reports whether k belongs to the closed set of kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case KindCreateUpdate, KindCreateComment, KindToggleReaction:
		return true
	default:
		return false
	}
}

func (k OperationKind) String() string {
	return string(k)
}

// QueuedOperation is a pending mutation awaiting remote execution.
type QueuedOperation struct {
	ID         OperationID     `json:"id"`
	Kind       OperationKind   `json:"kind"`
	Data       json.RawMessage `json:"data"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// Clone returns a copy that does not share the payload buffer.
func (op QueuedOperation) Clone() QueuedOperation {
	if op.Data != nil {
		op.Data = append(json.RawMessage(nil), op.Data...)
	}
	return op
}

// CreateUpdatePayload is the data of a CreateUpdate operation.
type CreateUpdatePayload struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// CreateCommentPayload is the data of a CreateComment operation.
type CreateCommentPayload struct {
	UpdateID string `json:"update_id"`
	Text     string `json:"text"`
}

// ToggleReactionPayload is the data of a ToggleReaction operation.
type ToggleReactionPayload struct {
	TargetID string `json:"target_id"`
	Reaction string `json:"reaction"`
}

// QueueStatus is a read-only view of the live queue.
type QueueStatus struct {
	Count      int               `json:"count"`
	Operations []QueuedOperation `json:"operations"`
	Draining   bool              `json:"draining"`
	InFlight   int               `json:"in_flight"`
}
