package journal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"xts-grid-engine/pkg/types"
)

func TestLoadMissingFileStartsFresh(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 30)
	require.NoError(t, err)
	require.NoError(t, j.Load())
	require.Empty(t, j.OpenPositionsForSymbol("RELIANCE"))
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	j, err := Open(dir, 30)
	require.NoError(t, err)
	j.SetAnchor("RELIANCE", decimal.NewFromFloat(100.0))
	j.SetSpacing("RELIANCE", decimal.NewFromFloat(0.10))

	pos := types.Position{
		PositionID:   "abcd1234",
		Kind:         types.KindGrid,
		Status:       types.StatusEntering,
		Symbol:       "RELIANCE",
		Side:         types.BUY,
		Level:        0,
		EntryPrice:   decimal.NewFromFloat(100.0),
		Qty:          decimal.NewFromInt(10),
		EntryOrderID: "ord-1",
	}
	j.AddPosition(pos)
	require.NoError(t, j.Save())

	reloaded, err := Open(dir, 30)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load())

	require.True(t, reloaded.Anchor("RELIANCE").Equal(decimal.NewFromFloat(100.0)))
	got, ok := reloaded.GetPositionByOrder("ord-1")
	require.True(t, ok)
	require.Equal(t, "abcd1234", got.PositionID)
}

func TestClosePositionAccumulatesPnLAndRetiresIndex(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 30)
	require.NoError(t, err)

	pos := types.Position{
		PositionID:   "p1",
		Kind:         types.KindGrid,
		EntryOrderID: "ord-1",
		RealizedPnL:  decimal.NewFromFloat(1.00),
	}
	j.AddPosition(pos)
	j.ClosePosition("p1")

	require.True(t, j.TotalRealizedPnL().Equal(decimal.NewFromFloat(1.00)))
	_, ok := j.GetPositionByOrder("ord-1")
	require.False(t, ok, "order index entry must be retired once its position closes")

	closed := j.ClosedPositions()
	require.Len(t, closed, 1)
	require.Equal(t, types.StatusClosed, closed[0].Status)
}

func TestClosePositionPnLCompositionInvariant(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 30)
	require.NoError(t, err)

	pnls := []float64{1.00, -0.50, 2.25}
	for i, pnl := range pnls {
		pid := string(rune('a' + i))
		j.AddPosition(types.Position{PositionID: pid, Kind: types.KindGrid, RealizedPnL: decimal.NewFromFloat(pnl)})
		j.ClosePosition(pid)
	}

	sum := decimal.Zero
	for _, p := range j.ClosedPositions() {
		sum = sum.Add(p.RealizedPnL)
	}
	require.True(t, j.TotalRealizedPnL().Equal(sum), "total_realized_pnl must equal the sum of closed positions' realized_pnl")
}

func TestDropPositionCreatesNoClosedEntryAndNoPnLChange(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 30)
	require.NoError(t, err)

	j.AddPosition(types.Position{PositionID: "rejected-1", Kind: types.KindGrid, EntryOrderID: "ord-rej"})
	before := j.TotalRealizedPnL()

	j.DropPosition("rejected-1")

	require.Empty(t, j.ClosedPositions(), "a dropped (rejected) position must never appear in closed_positions")
	require.True(t, j.TotalRealizedPnL().Equal(before))
	_, ok := j.GetOpenPosition("rejected-1")
	require.False(t, ok)
	_, ok = j.GetPositionByOrder("ord-rej")
	require.False(t, ok)
}

func TestClosedPositionsAreRetentionCapped(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 30)
	require.NoError(t, err)

	for i := 0; i < closedGridRetention+10; i++ {
		pid := decimal.NewFromInt(int64(i)).String()
		j.AddPosition(types.Position{PositionID: pid, Kind: types.KindGrid})
		j.ClosePosition(pid)
	}

	require.Len(t, j.ClosedPositions(), closedGridRetention)
}

func TestNextCycleForLevelIncrements(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 30)
	require.NoError(t, err)

	first := j.NextCycleForLevel(types.BUY, 0)
	second := j.NextCycleForLevel(types.BUY, 0)
	require.Equal(t, 1, first)
	require.Equal(t, 2, second)

	otherLevel := j.NextCycleForLevel(types.BUY, 1)
	require.Equal(t, 1, otherLevel, "cycle counters are per (side, level), not global")
}

func TestRollingStatsWarmupBoundary(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 3)
	require.NoError(t, err)

	j.AddSample("A/B", types.RatioSample{Timestamp: time.Now(), Ratio: 1.0})
	j.AddSample("A/B", types.RatioSample{Timestamp: time.Now(), Ratio: 1.1})
	_, _, ok := j.GetRollingStats("A/B")
	require.False(t, ok, "fewer than rolling_window samples must return no stats")

	j.AddSample("A/B", types.RatioSample{Timestamp: time.Now(), Ratio: 1.2})
	mean, sd, ok := j.GetRollingStats("A/B")
	require.True(t, ok)
	require.InDelta(t, 1.1, mean, 1e-9)
	require.Greater(t, sd, 0.0)
}

func TestRollingStatsSingleSampleWindowHasZeroStdev(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 1)
	require.NoError(t, err)

	j.AddSample("A/B", types.RatioSample{Timestamp: time.Now(), Ratio: 1.0})
	mean, sd, ok := j.GetRollingStats("A/B")
	require.True(t, ok)
	require.Equal(t, 1.0, mean)
	require.Equal(t, 0.0, sd)
}

func TestAddSampleTrimsToTwiceRollingWindow(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), 2)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		j.AddSample("A/B", types.RatioSample{Timestamp: time.Now(), Ratio: float64(i)})
	}

	j.mu.Lock()
	kept := len(j.doc.RatioSeries["A/B"])
	j.mu.Unlock()
	require.Equal(t, 4, kept, "series should be trimmed to 2x rolling_window")
}
