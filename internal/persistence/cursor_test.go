package persistence

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/sadhana/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	in := &domain.Cursor{SubmittedAt: time.Date(2025, 3, 1, 4, 30, 0, 123, time.UTC), ID: "entry-1"}

	token := EncodeCursor(in)
	require.NotEmpty(t, token)

	out, err := DecodeCursor(token)
	require.NoError(t, err)
	require.True(t, in.SubmittedAt.Equal(out.SubmittedAt))
	require.Equal(t, in.ID, out.ID)
}

func TestDecodeCursorEmpty(t *testing.T) {
	c, err := DecodeCursor("  ")
	require.NoError(t, err)
	require.Nil(t, c)
	require.Empty(t, EncodeCursor(nil))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("!!!")
	require.Error(t, err)

	_, err = DecodeCursor(base64.RawURLEncoding.EncodeToString([]byte("no-separator")))
	require.Error(t, err)

	_, err = DecodeCursor(base64.RawURLEncoding.EncodeToString([]byte("yesterday|id")))
	require.Error(t, err)
}
