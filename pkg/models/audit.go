package models

import "time"

// Audit event kinds appended to the room's audit log.
const (
	AuditRoomInit     = "RoomInit"
	AuditRoomReset    = "RoomReset"
	AuditAgentJoined  = "AgentJoined"
	AuditAgentLeft    = "AgentLeft"
	AuditTaskReverted = "TaskReverted"
	AuditFileLocked   = "FileLocked"
	AuditFileUnlocked = "FileUnlocked"
	AuditRoomPaused   = "RoomPaused"
	AuditRoomResumed  = "RoomResumed"
)

// AuditEvent is one line of the append-only audit log.
type AuditEvent struct {
	Kind      string            `json:"kind"`
	Agent     string            `json:"agent,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
