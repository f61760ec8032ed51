package room

import (
	"context"
	"encoding/json"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// AuditEntry is one audit event with its log position, for pagination.
type AuditEntry struct {
	Index uint64            `json:"index"`
	Event models.AuditEvent `json:"event"`
}

// GetAudit returns audit events recorded after the given log index,
// oldest first, at most limit entries. Lines that fail to decode are
// skipped; the audit log is best-effort evidence, not a ledger.
func (e *Engine) GetAudit(ctx context.Context, afterIndex uint64, limit int) ([]AuditEntry, error) {
	if _, err := e.loadRoom(ctx); err != nil {
		return nil, err
	}
	lines, err := e.backend.ReadLog(ctx, storage.KeyAudit, afterIndex, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]AuditEntry, 0, len(lines))
	for _, l := range lines {
		var ev models.AuditEvent
		if err := json.Unmarshal(l.Line, &ev); err != nil {
			e.logger.Warn("Skipping corrupt audit line", "index", l.Index)
			continue
		}
		entries = append(entries, AuditEntry{Index: l.Index, Event: ev})
	}
	return entries, nil
}
