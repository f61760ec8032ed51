package models

import (
	"fmt"
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

// Agent status values.
const (
	AgentActive   AgentStatus = "active"
	AgentBusy     AgentStatus = "busy"
	AgentIdle     AgentStatus = "idle"
	AgentInactive AgentStatus = "inactive"
)

// AgentNameMaxLen is the maximum accepted agent name length.
const AgentNameMaxLen = 64

// Agent is one registered worker process.
type Agent struct {
	Name         string            `json:"name"`
	Status       AgentStatus       `json:"status"`
	Capabilities []string          `json:"capabilities,omitempty"`
	CurrentTask  string            `json:"current_task,omitempty"`
	JoinedAt     time.Time         `json:"joined_at"`
	LastSeen     time.Time         `json:"last_seen"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// HasCapability reports whether the agent advertises the given capability.
// An empty capability matches any agent.
func (a *Agent) HasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ValidateAgentName enforces the agent naming rules: 1–64 chars drawn from
// [A-Za-z0-9_-], with no path separators. Returns a SchemaError-shaped error
// so adapters surface it as a request decoding failure.
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	if len(name) > AgentNameMaxLen {
		return fmt.Errorf("agent name exceeds %d characters", AgentNameMaxLen)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("agent name must not contain path separators")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return fmt.Errorf("agent name contains invalid character %q", r)
		}
	}
	return nil
}
