package room

import (
	"context"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// Broadcast appends a broadcast message from the caller, optionally
// mentioning one agent.
func (e *Engine) Broadcast(ctx context.Context, caller, content, mention string) (*models.Message, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, &SchemaError{Detail: "message content must not be empty"}
	}
	if mention != "" {
		if _, err := e.getAgent(ctx, mention); err != nil {
			return nil, err
		}
	}

	msg, err := e.appendMessage(ctx, caller, models.MessageBroadcast, content, mention)
	if err != nil {
		return nil, err
	}
	e.notify(EventBroadcast, caller, map[string]any{
		"seq":     msg.Seq,
		"content": content,
		"mention": mention,
	})
	return msg, nil
}

// GetMessages returns messages with seq > sinceSeq, oldest first, at most
// limit records. Seq gaps from crashed writers are skipped silently.
func (e *Engine) GetMessages(ctx context.Context, sinceSeq uint64, limit int) ([]*models.Message, error) {
	if _, err := e.loadRoom(ctx); err != nil {
		return nil, err
	}
	keys, err := e.backend.List(ctx, storage.PrefixMessages)
	if err != nil {
		return nil, err
	}

	msgs := make([]*models.Message, 0, min(len(keys), limit))
	for _, key := range keys {
		seq, err := storage.SeqFromMessageKey(key)
		if err != nil || seq <= sinceSeq {
			continue
		}
		var m models.Message
		found, err := e.getJSON(ctx, key, &m)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		msgs = append(msgs, &m)
		if limit > 0 && len(msgs) >= limit {
			break
		}
	}
	return msgs, nil
}

// appendMessage allocates the next seq and writes the record, in that
// order. A crash between the two steps skips the seq permanently; readers
// tolerate the gap.
func (e *Engine) appendMessage(ctx context.Context, from string, typ models.MessageType, content, mention string) (*models.Message, error) {
	n, err := e.backend.AtomicInc(ctx, storage.CounterMessage, 1)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		Seq:       uint64(n),
		FromAgent: from,
		Type:      typ,
		Content:   content,
		Mention:   mention,
		Timestamp: e.clock.Now(),
	}
	if err := e.putJSON(ctx, storage.MessageKey(msg.Seq), msg); err != nil {
		return nil, err
	}
	return msg, nil
}
