// Package pagination implements the opaque cursor protocol for keyset
// pagination over a parent collection's jobs.
//
// Pages are ordered by (updated_at DESC, id ASC). A cursor encodes the
// ordering key of the last item returned; resuming scans strictly after
// that key. Because updated_at only ever moves forward, a concurrently
// updated job may migrate past a page boundary. The protocol accepts
// that a boundary can occasionally omit or duplicate such an item.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxLimit is the upper bound on page size. Larger requested limits are
// clamped, not rejected.
const MaxLimit = 100

// DefaultLimit applies when the caller does not specify a limit.
const DefaultLimit = 20

// ErrInvalidCursor is returned when a cursor cannot be decoded or was
// issued for a different parent collection.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the decoded ordering key of the last item seen in a page.
// Valid only against the parent collection and ordering it was issued from.
type Cursor struct {
	ParentID  string    `json:"p"`
	UpdatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"i"`
}

// Encode serializes the cursor into its opaque wire form.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses an opaque cursor token and checks it against the parent
// collection being scanned. Returns ErrInvalidCursor on malformed tokens
// or a parent mismatch.
func Decode(token, parentID string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ParentID != parentID {
		return Cursor{}, fmt.Errorf("%w: cursor was issued for a different parent", ErrInvalidCursor)
	}
	if c.UpdatedAt.IsZero() || c.ID == uuid.Nil {
		return Cursor{}, fmt.Errorf("%w: missing ordering key", ErrInvalidCursor)
	}
	return c, nil
}

// ClampLimit normalizes a requested page size: non-positive values fall
// back to DefaultLimit, values above MaxLimit are clamped.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
