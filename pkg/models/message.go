package models

import "time"

// MessageType discriminates board messages.
type MessageType string

// Message types.
const (
	MessageBroadcast MessageType = "broadcast"
	MessageSystem    MessageType = "system"
	MessagePortal    MessageType = "portal"
)

// Message is one append-only board message, keyed by its room-global seq.
// Seq values are strictly increasing but not necessarily dense: a crash
// between counter allocation and record write leaves a gap, which readers
// tolerate.
type Message struct {
	Seq       uint64      `json:"seq"`
	FromAgent string      `json:"from_agent"`
	Type      MessageType `json:"msg_type"`
	Content   string      `json:"content"`
	Mention   string      `json:"mention,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
