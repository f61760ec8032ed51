package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/masc-io/masc/pkg/stream"
)

// subscriptionResponse is the public shape of a subscription.
type subscriptionResponse struct {
	SubscriptionID string    `json:"subscription_id"`
	AgentFilter    string    `json:"agent_filter,omitempty"`
	EventTypes     []string  `json:"event_types,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) subscribeHandler(c *echo.Context) error {
	var in struct {
		AgentFilter string   `json:"agent_filter"`
		EventTypes  []string `json:"event_types"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "subscribe"), func(ctx context.Context, _ string) (any, error) {
		sub := s.fabric.Subscribe(in.AgentFilter, in.EventTypes)
		return subscriptionResponse{
			SubscriptionID: sub.ID,
			AgentFilter:    sub.AgentFilter,
			EventTypes:     in.EventTypes,
			CreatedAt:      sub.CreatedAt,
		}, nil
	})
}

func (s *Server) unsubscribeHandler(c *echo.Context) error {
	id := c.Param("id")
	return s.dispatch(c, requestOf(c, "unsubscribe"), func(ctx context.Context, _ string) (any, error) {
		if !s.fabric.Unsubscribe(id) {
			return nil, stream.ErrSubscriptionNotFound
		}
		return map[string]any{"subscription_id": id, "unsubscribed": true}, nil
	})
}

func (s *Server) pollEventsHandler(c *echo.Context) error {
	id := c.Param("id")
	clear := c.QueryParam("clear") != "false"
	return s.dispatch(c, requestOf(c, "poll_events"), func(ctx context.Context, _ string) (any, error) {
		events, err := s.fabric.Poll(id, clear)
		if err != nil {
			return nil, err
		}
		return map[string]any{"subscription_id": id, "events": events}, nil
	})
}
