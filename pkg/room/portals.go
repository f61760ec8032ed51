package room

import (
	"context"
	"time"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// portalPollInterval paces the cooperative wait in PortalSend.
const portalPollInterval = 50 * time.Millisecond

// PortalOpen opens a private channel from owner to peer. An owner can hold
// at most one open portal.
func (e *Engine) PortalOpen(ctx context.Context, owner, peer string) (*models.Portal, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, owner); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, peer); err != nil {
		return nil, err
	}
	if owner == peer {
		return nil, &PortalError{Detail: "portal endpoints must differ"}
	}

	key := storage.PrefixPortals + owner
	var existing models.Portal
	ok, err := e.getJSON(ctx, key, &existing)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, &PortalError{Detail: "portal already open to " + existing.Peer}
	}

	now := e.clock.Now()
	portal := &models.Portal{
		Owner:        owner,
		Peer:         peer,
		OpenedAt:     now,
		LastActivity: now,
	}
	if err := e.putJSON(ctx, key, portal); err != nil {
		return nil, err
	}
	e.logger.Info("Portal opened", "owner", owner, "peer", peer)
	return portal, nil
}

// PortalSend appends a message to the portal the caller participates in,
// as owner or peer. When the caller has no portal yet, the call waits
// cooperatively for one to appear, up to the timeout.
func (e *Engine) PortalSend(ctx context.Context, caller, content string, timeout time.Duration) (*models.Portal, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, &SchemaError{Detail: "portal message content must not be empty"}
	}

	deadline := e.clock.Now().Add(timeout)
	for {
		portal, key, err := e.findPortal(ctx, caller)
		if err != nil {
			return nil, err
		}
		if portal != nil {
			msg := models.PortalMessage{From: caller, Content: content, Timestamp: e.clock.Now()}
			portal.Append(msg)
			if err := e.putJSON(ctx, key, portal); err != nil {
				return nil, err
			}
			receiver := portal.Peer
			if caller == portal.Peer {
				receiver = portal.Owner
			}
			if _, err := e.appendMessage(ctx, caller, models.MessagePortal, content, receiver); err != nil {
				e.logger.Warn("Portal board message failed", "from", caller, "error", err)
			}
			return portal, nil
		}

		if timeout <= 0 || !e.clock.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(portalPollInterval):
		}
	}
}

// PortalClose closes the portal the caller participates in.
func (e *Engine) PortalClose(ctx context.Context, caller string) error {
	if _, err := e.getAgent(ctx, caller); err != nil {
		return err
	}
	portal, key, err := e.findPortal(ctx, caller)
	if err != nil {
		return err
	}
	if portal == nil {
		return &PortalError{Detail: "no open portal for " + caller}
	}
	if _, err := e.backend.Delete(ctx, key); err != nil {
		return err
	}
	e.logger.Info("Portal closed", "owner", portal.Owner, "peer", portal.Peer, "by", caller)
	return nil
}

// PortalStatus returns the portal the agent participates in, or nil.
func (e *Engine) PortalStatus(ctx context.Context, agent string) (*models.Portal, error) {
	if _, err := e.getAgent(ctx, agent); err != nil {
		return nil, err
	}
	portal, _, err := e.findPortal(ctx, agent)
	return portal, err
}

// findPortal locates the portal where the agent is owner or peer. The
// owner-keyed record is checked first.
func (e *Engine) findPortal(ctx context.Context, agent string) (*models.Portal, string, error) {
	key := storage.PrefixPortals + agent
	var own models.Portal
	ok, err := e.getJSON(ctx, key, &own)
	if err != nil {
		return nil, "", err
	}
	if ok {
		return &own, key, nil
	}

	keys, err := e.backend.List(ctx, storage.PrefixPortals)
	if err != nil {
		return nil, "", err
	}
	for _, k := range keys {
		var p models.Portal
		found, err := e.getJSON(ctx, k, &p)
		if err != nil {
			return nil, "", err
		}
		if found && p.Peer == agent {
			return &p, k, nil
		}
	}
	return nil, "", nil
}
