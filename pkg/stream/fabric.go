// Package stream is the Event Streaming Fabric: it fans the engine's
// domain events out to subscriptions, each holding a bounded buffer, and
// pushes best-effort to attached live clients.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/masc-io/masc/pkg/room"
)

// MaxBufferedEvents caps each subscription's buffer. On overflow the
// oldest event is evicted first.
const MaxBufferedEvents = 100

// DefaultMaxPendingSends is the backpressure limit for live clients.
const DefaultMaxPendingSends = 100

// ErrSubscriptionNotFound is returned for operations on unknown ids.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SendFunc pushes one encoded frame to a live client. It must not block;
// an error marks the client unhealthy and detaches it.
type SendFunc func(payload []byte) error

// Subscription is one registered event consumer.
//
// Lock order: Fabric.mu before Subscription.mu before client.mu. Never the
// reverse.
type Subscription struct {
	ID          string
	AgentFilter string // "" or "*" matches any agent
	EventTypes  map[string]bool
	CreatedAt   time.Time

	mu     sync.Mutex
	buffer []room.Event
	client *client
}

type client struct {
	mu           sync.Mutex
	send         SendFunc
	pendingSends int
	maxPending   int
	closed       bool
}

// Fabric is the subscription table. It implements room.Notifier.
type Fabric struct {
	mu             sync.RWMutex
	subscriptions  map[string]*Subscription
	maxPendingSend int
	logger         *slog.Logger
}

var _ room.Notifier = (*Fabric)(nil)

// Option configures a Fabric.
type Option func(*Fabric)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fabric) { f.logger = l }
}

// WithMaxPendingSends overrides the per-client backpressure limit.
func WithMaxPendingSends(n int) Option {
	return func(f *Fabric) { f.maxPendingSend = n }
}

// New creates an empty fabric.
func New(opts ...Option) *Fabric {
	f := &Fabric{
		subscriptions:  make(map[string]*Subscription),
		maxPendingSend: DefaultMaxPendingSends,
	}
	for _, o := range opts {
		o(f)
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	return f
}

// Subscribe registers a consumer. agentFilter "" or "*" matches every
// agent; an empty eventTypes list matches every type.
func (f *Fabric) Subscribe(agentFilter string, eventTypes []string) *Subscription {
	sub := &Subscription{
		ID:          uuid.NewString(),
		AgentFilter: agentFilter,
		EventTypes:  make(map[string]bool, len(eventTypes)),
		CreatedAt:   time.Now().UTC(),
	}
	for _, t := range eventTypes {
		sub.EventTypes[t] = true
	}

	f.mu.Lock()
	f.subscriptions[sub.ID] = sub
	f.mu.Unlock()

	f.logger.Debug("Subscription created", "subscription_id", sub.ID, "agent_filter", agentFilter, "event_types", eventTypes)
	return sub
}

// Unsubscribe removes a subscription, its buffer, and any attached client.
func (f *Fabric) Unsubscribe(id string) bool {
	f.mu.Lock()
	sub, ok := f.subscriptions[id]
	delete(f.subscriptions, id)
	f.mu.Unlock()
	if !ok {
		return false
	}

	sub.mu.Lock()
	sub.buffer = nil
	cl := sub.client
	sub.client = nil
	sub.mu.Unlock()
	if cl != nil {
		cl.mu.Lock()
		cl.closed = true
		cl.mu.Unlock()
	}
	return true
}

// Notify delivers one event to every matching subscription: buffered
// always, pushed to the live client when one is attached. Push failures
// and backpressure detach the client; the buffer keeps filling either way.
func (f *Fabric) Notify(ev room.Event) {
	f.mu.RLock()
	subs := make([]*Subscription, 0, len(f.subscriptions))
	for _, sub := range f.subscriptions {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		if !sub.matches(ev) {
			continue
		}
		sub.mu.Lock()
		if len(sub.buffer) >= MaxBufferedEvents {
			sub.buffer = sub.buffer[1:]
		}
		sub.buffer = append(sub.buffer, ev)
		cl := sub.client
		sub.mu.Unlock()

		if cl == nil {
			continue
		}
		if err := cl.push(Envelope(ev, sub.ID)); err != nil {
			f.logger.Warn("Streaming client unhealthy, detaching",
				"subscription_id", sub.ID, "error", err)
			f.DetachClient(sub.ID)
		}
	}
}

// Poll returns the buffered events of a subscription. With clear, the
// buffer is emptied.
func (f *Fabric) Poll(id string, clear bool) ([]room.Event, error) {
	f.mu.RLock()
	sub, ok := f.subscriptions[id]
	f.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	events := append([]room.Event(nil), sub.buffer...)
	if clear {
		sub.buffer = sub.buffer[:0]
	}
	return events, nil
}

// AttachClient binds a live streaming channel to a subscription. At most
// one client per subscription; attaching replaces the previous one.
func (f *Fabric) AttachClient(id string, send SendFunc) error {
	f.mu.RLock()
	sub, ok := f.subscriptions[id]
	f.mu.RUnlock()
	if !ok {
		return ErrSubscriptionNotFound
	}

	sub.mu.Lock()
	sub.client = &client{send: send, maxPending: f.maxPendingSend}
	sub.mu.Unlock()
	return nil
}

// DetachClient removes the live channel without dropping the subscription.
func (f *Fabric) DetachClient(id string) {
	f.mu.RLock()
	sub, ok := f.subscriptions[id]
	f.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	if sub.client != nil {
		sub.client.mu.Lock()
		sub.client.closed = true
		sub.client.mu.Unlock()
		sub.client = nil
	}
	sub.mu.Unlock()
}

// Count reports the live subscription count.
func (f *Fabric) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscriptions)
}

func (s *Subscription) matches(ev room.Event) bool {
	if s.AgentFilter != "" && s.AgentFilter != "*" && s.AgentFilter != ev.Agent {
		return false
	}
	if len(s.EventTypes) > 0 && !s.EventTypes[ev.Type] {
		return false
	}
	return true
}

// push sends one frame, counting in-flight sends. Exceeding the pending
// limit is a backpressure failure.
func (c *client) push(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	if c.pendingSends >= c.maxPending {
		c.mu.Unlock()
		return fmt.Errorf("backpressure: %d pending sends", c.maxPending)
	}
	c.pendingSends++
	send := c.send
	c.mu.Unlock()

	err := send(payload)

	c.mu.Lock()
	c.pendingSends--
	c.mu.Unlock()
	return err
}

// envelope is the JSON-RPC notification pushed to streaming clients.
type envelope struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  envelopeParams `json:"params"`
}

type envelopeParams struct {
	Type           string         `json:"type"`
	Agent          string         `json:"agent"`
	Data           map[string]any `json:"data"`
	Timestamp      time.Time      `json:"timestamp"`
	SubscriptionID string         `json:"subscription_id"`
}

// Envelope encodes an event as the masc/event notification frame.
func Envelope(ev room.Event, subscriptionID string) []byte {
	payload, err := json.Marshal(envelope{
		JSONRPC: "2.0",
		Method:  "masc/event",
		Params: envelopeParams{
			Type:           ev.Type,
			Agent:          ev.Agent,
			Data:           ev.Data,
			Timestamp:      ev.Timestamp,
			SubscriptionID: subscriptionID,
		},
	})
	if err != nil {
		// Event data is map[string]any of JSON-safe values; this cannot
		// fail for events the engine produces.
		return nil
	}
	return payload
}
