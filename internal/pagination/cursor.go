// Package pagination implements the opaque keyset cursors used by the
// escrow listing endpoints. A cursor names the (createdAt, id) key of the
// last row a caller has seen; listings resume strictly past it, so rows
// created while a client pages never shift earlier pages.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor reports a cursor that did not round-trip. Callers
// treat it as "start from the top" rather than failing the request.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the decoded resume position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a row key into the opaque wire form. The ID rides along
// to break ties between rows created in the same nanosecond.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a wire cursor. An empty string decodes to nil, meaning
// the listing starts from the newest row.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. The extra row, if
// present, proves another page exists; the returned cursor points at the
// last row actually handed to the caller.
func ComputePage[T any](rows []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return rows, Encode(createdAt, id), true
}
