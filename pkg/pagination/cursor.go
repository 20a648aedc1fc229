// Package pagination implements opaque offset cursors for list endpoints.
//
// A cursor is the URL-safe base64 encoding of a small JSON document,
// currently {"offset": N}. Clients must treat cursors as opaque tokens;
// the encoding may change between releases.
package pagination

import (
	"encoding/base64"
	"encoding/json"
)

// DefaultPageSize is used when a request does not specify a page size.
const DefaultPageSize = 100

type cursor struct {
	Offset int `json:"offset"`
}

// Encode renders an offset as an opaque cursor token.
func Encode(offset int) string {
	data, _ := json.Marshal(cursor{Offset: offset})
	return base64.URLEncoding.EncodeToString(data)
}

// Decode extracts the offset from a cursor token. Empty, malformed or
// negative cursors decode to offset 0 so stale tokens restart the listing
// instead of failing it.
func Decode(token string) int {
	if token == "" {
		return 0
	}
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return 0
		}
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil || c.Offset < 0 {
		return 0
	}
	return c.Offset
}

// Page computes the [start, end) window over n items for the given offset
// and page size. It returns the next cursor, or "" when the window reaches
// the end of the listing. A non-positive pageSize falls back to
// DefaultPageSize.
func Page(n, offset, pageSize int) (start, end int, next string) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end = offset + pageSize
	if end > n {
		end = n
	}
	if end < n {
		next = Encode(end)
	}
	return offset, end, next
}
