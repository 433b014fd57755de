package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_WithDoesNotMutate(t *testing.T) {
	base := Cursor{}.With(0, "a", false)
	next := base.With(0, "b", true).With(3, "x", false)

	assert.Equal(t, "a", base.LastKey(0))
	assert.False(t, base.Finished(0))
	assert.Equal(t, "", base.LastKey(3))

	assert.Equal(t, "b", next.LastKey(0))
	assert.True(t, next.Finished(0))
	assert.Equal(t, "x", next.LastKey(3))
}

func TestCursor_AllFinished(t *testing.T) {
	c := Cursor{}
	assert.False(t, c.AllFinished(2))
	assert.True(t, c.AllFinished(0))

	c = c.With(0, "k", true)
	assert.False(t, c.AllFinished(2))
	c = c.With(1, "", true)
	assert.True(t, c.AllFinished(2))
}

func TestCursor_TextRoundTrip(t *testing.T) {
	c := Cursor{}.
		With(0, "sensors/1/temp", false).
		With(5, "", true).
		With(63, "$SYS/broker/uptime", true)

	token, err := c.MarshalText()
	require.NoError(t, err)
	assert.NotContains(t, string(token), "=")
	assert.NotContains(t, string(token), "/")

	parsed, err := ParseCursor(string(token))
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	var viaText Cursor
	require.NoError(t, viaText.UnmarshalText(token))
	assert.Equal(t, c, viaText)
}

func TestCursor_EmptyToken(t *testing.T) {
	token, err := Cursor{}.MarshalText()
	require.NoError(t, err)
	assert.Empty(t, token)

	c, err := ParseCursor("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}

func TestParseCursor_Invalid(t *testing.T) {
	for _, token := range []string{"!!!", "AQ", "CgA"} {
		_, err := ParseCursor(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}
