package room

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Cursor kinds, one per paginated collection.
const (
	CursorMessages = "messages"
	CursorTasks    = "tasks"
	CursorAudit    = "audit"
)

// EncodeCursor packs a collection kind and a position into an opaque
// pagination token. Decoding checks the kind so a token minted for one
// collection cannot page through another.
func EncodeCursor(kind, position string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(kind + ":" + position))
}

// DecodeCursor unpacks a cursor, enforcing the expected kind. An empty
// cursor means "from the start" and yields an empty position.
func DecodeCursor(cursor, wantKind string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", &SchemaError{Detail: "malformed cursor"}
	}
	kind, position, ok := strings.Cut(string(raw), ":")
	if !ok || kind != wantKind {
		return "", &SchemaError{Detail: fmt.Sprintf("cursor is not a %s cursor", wantKind)}
	}
	return position, nil
}
