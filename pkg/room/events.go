package room

import "time"

// Event types emitted to the streaming fabric after state transitions.
const (
	EventTaskUpdate = "task_update"
	EventBroadcast  = "broadcast"
	EventCompletion = "completion"
	EventError      = "error"
)

// Event is one domain event pushed to subscribers. Data is opaque to the
// fabric; the engine fills it with the record fields relevant to the
// transition.
type Event struct {
	Type      string         `json:"type"`
	Agent     string         `json:"agent"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier receives every domain event the engine emits. Implemented by
// the streaming fabric; a nil notifier disables event delivery.
type Notifier interface {
	Notify(Event)
}
