package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{
		ParentID:  "s1",
		UpdatedAt: time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC),
		ID:        uuid.New(),
	}

	got, err := Decode(c.Encode(), "s1")
	require.NoError(t, err)
	assert.Equal(t, c.ParentID, got.ParentID)
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, c.UpdatedAt.Equal(got.UpdatedAt))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "not base64 ???", "bm90IGpzb24"} {
		_, err := Decode(token, "s1")
		require.Error(t, err, "token %q", token)
		assert.ErrorIs(t, err, ErrInvalidCursor)
	}
}

func TestDecodeRejectsWrongParent(t *testing.T) {
	c := Cursor{ParentID: "s1", UpdatedAt: time.Now(), ID: uuid.New()}
	_, err := Decode(c.Encode(), "s2")
	require.ErrorIs(t, err, ErrInvalidCursor)
	assert.Contains(t, err.Error(), "different parent")
}

func TestDecodeRejectsMissingKey(t *testing.T) {
	c := Cursor{ParentID: "s1"}
	_, err := Decode(c.Encode(), "s1")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-5))
	assert.Equal(t, 1, ClampLimit(1))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
	assert.Equal(t, MaxLimit, ClampLimit(10_000))
}
