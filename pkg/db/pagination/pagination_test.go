package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestCursorRoundTrip(t *testing.T) {
	enc, err := EncodeCursor(Cursor{ID: "42"})
	require.NoError(t, err)

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	require.Equal(t, "42", dec.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestBuildCursorPage(t *testing.T) {
	rows := []*row{{"1"}, {"2"}, {"3"}}
	extract := func(r *row) Cursor { return Cursor{ID: r.id} }

	page, info := BuildCursorPage(rows, 2, extract)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	next, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", next.ID)

	page, info = BuildCursorPage(rows, 5, extract)
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)

	page, info = BuildCursorPage([]*row{}, 5, extract)
	require.Empty(t, page)
	require.False(t, info.HasMore)
}
