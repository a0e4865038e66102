// Package pagination implements opaque keyset cursors over
// (created_at, id) ordering.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that do not decode.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor marks the last item of a page. The next page starts strictly
// after this position in newest-first order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque wire form of a cursor.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input decodes to a nil cursor,
// meaning start from the top.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosStr, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a result set fetched with one extra row past the page
// size. When the extra row is present there is a further page; the returned
// cursor points at the last item kept. key extracts (createdAt, id) from an
// item.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
