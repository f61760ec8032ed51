package storage

import (
	"fmt"
	"strings"
)

// Key namespaces shared by the engine and both backends.
const (
	KeyRoom          = "state"
	PrefixAgents     = "agents/"
	PrefixTasks      = "tasks/"
	PrefixMessages   = "messages/"
	PrefixLocks      = "locks/"
	PrefixVotes      = "votes/"
	PrefixPortals    = "portals/"
	KeyAudit         = "audit"
	CounterMessage   = "room.message_seq"
	CounterTask      = "room.task_seq"
	KeySecurityRates = "security/rate_limits"
)

// MessageKey formats the record key for a message seq. Seqs are zero-padded
// to 20 digits so lexicographic key order equals numeric seq order for the
// full uint64 range.
func MessageKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", PrefixMessages, seq)
}

// SeqFromMessageKey parses the seq back out of a message key.
func SeqFromMessageKey(key string) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(strings.TrimPrefix(key, PrefixMessages), "%d", &seq)
	if err != nil {
		return 0, fmt.Errorf("malformed message key %q: %w", key, err)
	}
	return seq, nil
}

// EscapeKeySegment makes an arbitrary string safe for use as one key
// segment: every byte outside [A-Za-z0-9._-] is percent-encoded, and the
// dot-only segments "." and ".." are fully encoded so a key can never
// traverse upwards when mapped to a file path. Used for lock resources,
// which are paths.
func EscapeKeySegment(s string) string {
	if s == "." {
		return "%2E"
	}
	if s == ".." {
		return "%2E%2E"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.' || c == '_' || c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
