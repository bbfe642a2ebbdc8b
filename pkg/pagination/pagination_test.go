package pagination

import (
	"encoding/base64"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripIsQuerySafe(t *testing.T) {
	original := Cursor{At: time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC), ID: uuid.New()}

	encoded := EncodeCursor(original)
	assert.Equal(t, encoded, url.QueryEscape(encoded))

	parsed, err := ParseCursor(encoded)
	require.NoError(t, err)
	assert.True(t, parsed.At.Equal(original.At))
	assert.Equal(t, original.ID, parsed.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	c, err := ParseCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, c)

	for name, value := range map[string]string{
		"not base64":    "!!!",
		"no separators": base64.RawURLEncoding.EncodeToString([]byte("nope")),
		"wrong version": base64.RawURLEncoding.EncodeToString([]byte("v9.1." + uuid.NewString())),
		"bad timestamp": base64.RawURLEncoding.EncodeToString([]byte("v1.soon." + uuid.NewString())),
		"bad id":        base64.RawURLEncoding.EncodeToString([]byte("v1.1.nope")),
	} {
		_, err := ParseCursor(value)
		assert.Truef(t, errors.Is(err, ErrInvalidCursor), "%s: got %v", name, err)
	}
}

func TestSplit(t *testing.T) {
	key := func(n int) Cursor { return Cursor{ID: uuid.NewSHA1(uuid.Nil, []byte{byte(n)})} }

	page, next := Split([]int{1, 2, 3}, 2, key)
	assert.Equal(t, []int{1, 2}, page)
	require.NotNil(t, next)
	assert.Equal(t, key(3).ID, next.ID)

	page, next = Split([]int{1, 2}, 2, key)
	assert.Equal(t, []int{1, 2}, page)
	assert.Nil(t, next)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, MaxLimit, NormalizeLimit(500))
	assert.Equal(t, 11, LimitWithBuffer(10))
}
