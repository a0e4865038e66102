package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 12, 9, 45, 0, 123456789, time.UTC)
	id := "trd_9f3a0c21de44ab0187cc54e2"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.CreatedAt.Equal(ts))
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_EmptyMeansTop(t *testing.T) {
	cursor, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "%%%garbage%%%"},
		{"no separator", "bm9waXBl"},              // "nopipe"
		{"non-numeric timestamp", "YWJjfHRyZF94"}, // "abc|trd_x"
		{"missing id", "MTIzNDV8"},                // "12345|"
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePage_LastPage(t *testing.T) {
	items := []string{"trd_a", "trd_b", "trd_c"}
	page, next, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, hasMore)
}

func TestComputePage_FullPageWithOverflowRow(t *testing.T) {
	when := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []string{"trd_a", "trd_b", "trd_c", "trd_d"}

	page, next, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return when, s
	})
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "trd_c", cursor.ID)
	assert.True(t, cursor.CreatedAt.Equal(when))
}

func TestComputePage_ExactlyLimit(t *testing.T) {
	items := []string{"trd_a", "trd_b", "trd_c"}
	page, next, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, hasMore)
}
