package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/masc-io/masc/pkg/stream"
)

// wsWriteTimeout bounds one frame write to a live client.
const wsWriteTimeout = 5 * time.Second

// wsClientMessage is what a connected client may send: manage its
// subscriptions over the socket instead of the REST endpoints.
type wsClientMessage struct {
	Action         string   `json:"action"` // subscribe, attach, unsubscribe
	SubscriptionID string   `json:"subscription_id,omitempty"`
	AgentFilter    string   `json:"agent_filter,omitempty"`
	EventTypes     []string `json:"event_types,omitempty"`
}

// wsHandler upgrades to WebSocket and streams fabric events to the
// client. Blocks until the connection closes.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Agents connect from local processes with arbitrary origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request().Context()
	send := func(payload []byte) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, payload)
	}

	// Subscriptions this connection attached to, detached on exit.
	attached := make(map[string]bool)
	defer func() {
		for id := range attached {
			s.fabric.DetachClient(id)
		}
	}()

	s.wsReply(send, map[string]any{"type": "connection.established"})

	// An existing subscription can be attached straight from the URL.
	if id := c.QueryParam("subscription_id"); id != "" {
		if err := s.fabric.AttachClient(id, send); err != nil {
			s.wsReply(send, map[string]any{"type": "error", "message": err.Error()})
		} else {
			attached[id] = true
			s.wsReply(send, map[string]any{"type": "attached", "subscription_id": id})
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Invalid WebSocket message", "error", err)
			continue
		}
		s.handleWSMessage(&msg, send, attached)
	}
}

func (s *Server) handleWSMessage(msg *wsClientMessage, send stream.SendFunc, attached map[string]bool) {
	switch msg.Action {
	case "subscribe":
		sub := s.fabric.Subscribe(msg.AgentFilter, msg.EventTypes)
		if err := s.fabric.AttachClient(sub.ID, send); err != nil {
			s.wsReply(send, map[string]any{"type": "error", "message": err.Error()})
			return
		}
		attached[sub.ID] = true
		s.wsReply(send, map[string]any{"type": "subscribed", "subscription_id": sub.ID})

	case "attach":
		if err := s.fabric.AttachClient(msg.SubscriptionID, send); err != nil {
			s.wsReply(send, map[string]any{"type": "error", "message": err.Error()})
			return
		}
		attached[msg.SubscriptionID] = true
		s.wsReply(send, map[string]any{"type": "attached", "subscription_id": msg.SubscriptionID})

	case "unsubscribe":
		if !s.fabric.Unsubscribe(msg.SubscriptionID) {
			s.wsReply(send, map[string]any{"type": "error", "message": "subscription not found"})
			return
		}
		delete(attached, msg.SubscriptionID)
		s.wsReply(send, map[string]any{"type": "unsubscribed", "subscription_id": msg.SubscriptionID})

	default:
		s.wsReply(send, map[string]any{"type": "error", "message": "unknown action"})
	}
}

// wsReply pushes a control frame, logging rather than failing the
// connection on error. Event delivery failures are what detach clients.
func (s *Server) wsReply(send stream.SendFunc, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := send(data); err != nil {
		s.logger.Debug("WebSocket control write failed", "error", err)
	}
}
