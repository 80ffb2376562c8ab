package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"xts-grid-engine/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordFillAndForPosition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordFill(ctx, "pos-1", "ord-1", "entry", types.BUY, "10", "101.50"))
	require.NoError(t, s.RecordFill(ctx, "pos-1", "ord-2", "target", types.SELL, "10", "103.25"))
	require.NoError(t, s.RecordFill(ctx, "pos-2", "ord-3", "entry", types.BUY, "5", "50.00"))

	fills, err := s.ForPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	require.Equal(t, "entry", fills[0].Role)
	require.Equal(t, types.BUY, fills[0].Side)
	require.Equal(t, "target", fills[1].Role)
	require.Equal(t, types.SELL, fills[1].Side)

	other, err := s.ForPosition(ctx, "pos-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestForPositionIsOrderedOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordFill(ctx, "pos-1", fmtOrderID(i), "entry", types.BUY, "1", "100"))
	}

	fills, err := s.ForPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, fills, 3)
	require.True(t, fills[0].ID < fills[1].ID && fills[1].ID < fills[2].ID)
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, s.RecordFill(ctx, "pos-1", "ord-1", "entry", types.BUY, "1", "100"))
	require.NoError(t, s.RecordFill(ctx, "pos-1", "ord-2", "target", types.SELL, "1", "101"))

	n, err = s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestForPositionEmptyForUnknownPosition(t *testing.T) {
	s := openTestStore(t)
	fills, err := s.ForPosition(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Empty(t, fills)
}

func fmtOrderID(i int) string {
	return "ord-" + string(rune('a'+i))
}
