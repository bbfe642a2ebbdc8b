// Package pagination implements keyset paging over (timestamp, id) ordered
// rows. Cursors are opaque to clients and safe to put in a query string.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100

	cursorVersion = "v1"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor points at the first row of the next page. ID breaks ties between
// rows sharing a timestamp.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LimitWithBuffer is the row count to fetch so Split can tell whether a
// further page exists.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// Split trims rows fetched with LimitWithBuffer to the page size and returns
// the cursor of the first row left out, or nil on the last page.
func Split[T any](rows []T, limit int, key func(T) Cursor) ([]T, *Cursor) {
	size := NormalizeLimit(limit)
	if len(rows) <= size {
		return rows, nil
	}
	next := key(rows[size])
	return rows[:size], &next
}

func EncodeCursor(c Cursor) string {
	raw := strings.Join([]string{cursorVersion, strconv.FormatInt(c.At.UnixNano(), 10), c.ID.String()}, ".")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor returns nil for a blank value.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	parts := strings.Split(string(decoded), ".")
	if len(parts) != 3 || parts[0] != cursorVersion {
		return nil, fmt.Errorf("%w: unrecognized format", ErrInvalidCursor)
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrInvalidCursor, err)
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrInvalidCursor, err)
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), ID: id}, nil
}
