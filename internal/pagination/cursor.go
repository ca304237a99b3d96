// Package pagination encodes keyset cursors for newest-first listings
// ordered by (created_at, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the last row of the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether a row sorts after the cursor in newest-first
// order, i.e. belongs on a later page.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// Encode returns the opaque form of (createdAt, id).
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses s. The empty string means the first page and yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page trims items fetched with limit+1 down to limit. next is the cursor of
// the last kept item when more rows exist, else "".
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string) {
	if len(items) <= limit {
		return items, ""
	}
	page = items[:limit]
	createdAt, id := key(page[limit-1])
	return page, Encode(createdAt, id)
}

// EncodeKey returns the opaque form of a cursor over a listing ordered by a
// single unique key.
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte("k:" + key))
}

// DecodeKey reverses EncodeKey. The empty string yields "".
func DecodeKey(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", ErrInvalidCursor
	}
	key, ok := strings.CutPrefix(string(raw), "k:")
	if !ok || key == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}

// PageByKey is Page for key cursors.
func PageByKey[T any](items []T, limit int, key func(T) string) (page []T, next string) {
	if len(items) <= limit {
		return items, ""
	}
	page = items[:limit]
	return page, EncodeKey(key(page[limit-1]))
}
