package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 99, 100, 12345} {
		token := Encode(offset)
		assert.Equal(t, offset, Decode(token), "offset %d should round-trip", offset)
	}
}

func TestDecodeInvalidTokens(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"base64 but not json", base64.URLEncoding.EncodeToString([]byte("hello"))},
		{"negative offset", base64.URLEncoding.EncodeToString([]byte(`{"offset":-5}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0, Decode(tt.token), "invalid cursors restart the listing")
		})
	}
}

func TestDecodeAcceptsUnpaddedTokens(t *testing.T) {
	// Some clients strip base64 padding when echoing cursors back.
	token := base64.RawURLEncoding.EncodeToString([]byte(`{"offset":42}`))
	assert.Equal(t, 42, Decode(token))
}

func TestPage(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		offset    int
		pageSize  int
		wantStart int
		wantEnd   int
		wantNext  bool
	}{
		{"empty list", 0, 0, 10, 0, 0, false},
		{"default page covers all", 50, 0, 0, 0, 50, false},
		{"default page partial", 120, 0, 0, 0, 100, true},
		{"second page", 120, 100, 0, 100, 120, false},
		{"small page", 10, 0, 3, 0, 3, true},
		{"last partial page", 10, 9, 3, 9, 10, false},
		{"offset past end", 10, 50, 3, 10, 10, false},
		{"negative offset clamps", 10, -4, 5, 0, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, next := Page(tt.n, tt.offset, tt.pageSize)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
			if tt.wantNext {
				assert.Equal(t, end, Decode(next), "next cursor resumes at the window end")
			} else {
				assert.Empty(t, next)
			}
		})
	}
}
