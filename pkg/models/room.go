// Package models defines the persistent records of the coordination room.
// Records are plain structs serialized as JSON by the storage backend;
// cross-entity references are by ID so no pointer cycles arise.
package models

import "time"

// ProtocolVersion is the wire protocol version reported by Status.
const ProtocolVersion = "2.0"

// Room is the singleton record for one coordination space.
type Room struct {
	ProtocolVersion string    `json:"protocol_version"`
	ProjectName     string    `json:"project_name"`
	StartedAt       time.Time `json:"started_at"`

	// MessageSeq is the room-global monotonic counter. It never decreases
	// and equals the largest seq ever allocated. Allocation happens through
	// the backend's atomic increment, not by mutating this snapshot.
	MessageSeq uint64 `json:"message_seq"`

	Paused      bool      `json:"paused"`
	PauseReason string    `json:"pause_reason,omitempty"`
	PausedBy    string    `json:"paused_by,omitempty"`
	PausedAt    time.Time `json:"paused_at,omitzero"`
}
