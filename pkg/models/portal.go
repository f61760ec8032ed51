package models

import "time"

// PortalMessageCap bounds the private message buffer of a portal.
const PortalMessageCap = 200

// PortalMessage is one private message inside a portal.
type PortalMessage struct {
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Portal is a private point-to-point buffer between two named agents.
// At most one open portal exists per owner; the record is keyed by owner.
type Portal struct {
	Owner        string          `json:"owner"`
	Peer         string          `json:"peer"`
	Messages     []PortalMessage `json:"messages"`
	OpenedAt     time.Time       `json:"opened_at"`
	LastActivity time.Time       `json:"last_activity"`
}

// Append adds a message, evicting the oldest when the buffer is full.
func (p *Portal) Append(m PortalMessage) {
	if len(p.Messages) >= PortalMessageCap {
		p.Messages = p.Messages[1:]
	}
	p.Messages = append(p.Messages, m)
	p.LastActivity = m.Timestamp
}
