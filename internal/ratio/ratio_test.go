package ratio

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"xts-grid-engine/internal/config"
	"xts-grid-engine/internal/journal"
	"xts-grid-engine/pkg/types"
)

type fakeBroker struct {
	nextID int
	ltp    map[string]decimal.Decimal
	placed []types.OrderRequest
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{ltp: make(map[string]decimal.Decimal)}
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	b.nextID++
	b.placed = append(b.placed, req)
	return fmt.Sprintf("ord-%d", b.nextID), nil
}

func (b *fakeBroker) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return b.ltp[symbol], nil
}

func testConfig() config.RatioConfig {
	return config.RatioConfig{
		NumeratorSymbol:        "ABC",
		DenominatorSymbol:      "XYZ",
		RollingWindow:          3,
		WarmupSamples:          3,
		EntrySD:                1.0,
		MeanReversionTolerance: 0.002,
		MaxPositionsPerPair:    1,
		BaseQty:                10,
		PerLegPct:              100,
		Slippage:               0,
	}
}

func newTestRatio(t *testing.T, cfg config.RatioConfig) (*Ratio, *fakeBroker, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(t.TempDir(), cfg.RollingWindow)
	require.NoError(t, err)
	broker := newFakeBroker()
	r := New(cfg, broker, j, zerolog.Nop())
	return r, broker, j
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func setLTP(b *fakeBroker, num, den float64) {
	b.ltp["ABC"] = dec(num)
	b.ltp["XYZ"] = dec(den)
}

// TestRatioEntryOnZScoreBreach models spec Scenario D's warmup + entry half:
// three equal-denominator samples establish mean=1.02/sd=0.02, then a fourth
// sample pushes the rolling z-score past entry_sd and both pair legs fire.
func TestRatioEntryOnZScoreBreach(t *testing.T) {
	t.Parallel()
	r, broker, j := newTestRatio(t, testConfig())
	ctx := context.Background()

	setLTP(broker, 1.00, 1.00)
	r.Sample(ctx)
	setLTP(broker, 1.02, 1.00)
	r.Sample(ctx)
	setLTP(broker, 1.04, 1.00)
	r.Sample(ctx)
	require.Empty(t, broker.placed, "warmup window just filled, z=1.0 does not exceed entry_sd=1.0")

	mean, sd, ok := j.GetRollingStats(r.pairKey)
	require.True(t, ok)
	require.InDelta(t, 1.02, mean, 1e-9)
	require.InDelta(t, 0.02, sd, 1e-9)

	// Fourth sample: ratio=1.08 against a shifted window [1.02,1.04,1.08].
	setLTP(broker, 1.08, 1.00)
	r.Sample(ctx)

	require.Len(t, broker.placed, 2, "z-score breach opens both pair legs")
	sellLeg, buyLeg := broker.placed[0], broker.placed[1]
	require.Equal(t, types.SELL, sellLeg.Side, "SHORT_NUM sells the overpriced numerator")
	require.Equal(t, "ABC", sellLeg.Symbol)
	require.Equal(t, types.BUY, buyLeg.Side)
	require.Equal(t, "XYZ", buyLeg.Symbol)

	open := j.OpenPositionsForPair(r.pairKey)
	require.Len(t, open, 1)
	pos := open[0]
	require.Equal(t, types.KindRatio, pos.Kind)
	require.Equal(t, types.StatusEntering, pos.Status)
	require.Equal(t, types.ShortNum, pos.Direction)
	require.True(t, pos.NumQty.Equal(dec(10)))
	require.True(t, pos.DenQty.Equal(dec(10)))

	// A second z-score breach must not open another position (cap=1).
	setLTP(broker, 1.15, 1.00)
	r.Sample(ctx)
	require.Len(t, broker.placed, 2, "max_positions_per_pair blocks a second entry")
}

// TestRatioFullLifecycleEntryToExit drives a position from ENTERING through
// OPEN to CLOSED with a direction-signed PnL, covering spec Scenario D's
// exit half: the ratio reverts within tolerance of the rolling mean.
func TestRatioFullLifecycleEntryToExit(t *testing.T) {
	t.Parallel()
	r, broker, j := newTestRatio(t, testConfig())
	ctx := context.Background()

	setLTP(broker, 1.00, 1.00)
	r.Sample(ctx)
	setLTP(broker, 1.02, 1.00)
	r.Sample(ctx)
	setLTP(broker, 1.04, 1.00)
	r.Sample(ctx)
	setLTP(broker, 1.08, 1.00)
	r.Sample(ctx)

	open := j.OpenPositionsForPair(r.pairKey)
	require.Len(t, open, 1)
	pos := open[0]
	require.Equal(t, "ord-1", pos.NumEntryOrderID)
	require.Equal(t, "ord-2", pos.DenEntryOrderID)

	// Both entry legs fill completely -> OPEN.
	err := r.HandleFill(ctx, types.NormalisedOrder{
		OrderID: pos.NumEntryOrderID, Status: types.StatusComplete,
		AveragePrice: dec(1.08), FilledQty: dec(10),
	}, pos)
	require.NoError(t, err)
	pos, _ = j.GetOpenPosition(pos.PositionID)
	require.Equal(t, types.StatusEntering, pos.Status, "only one leg filled so far")

	err = r.HandleFill(ctx, types.NormalisedOrder{
		OrderID: pos.DenEntryOrderID, Status: types.StatusComplete,
		AveragePrice: dec(1.00), FilledQty: dec(10),
	}, pos)
	require.NoError(t, err)
	pos, _ = j.GetOpenPosition(pos.PositionID)
	require.Equal(t, types.StatusOpenPos, pos.Status)

	// Rolling mean is currently ~1.046667 (window [1.02,1.04,1.08]); price
	// the market back to within mean_reversion_tolerance of it.
	mean, _, ok := j.GetRollingStats(r.pairKey)
	require.True(t, ok)
	setLTP(broker, mean, 1.00)
	r.CheckExits(ctx)

	pos, ok = j.GetOpenPosition(pos.PositionID)
	require.True(t, ok, "position still open pending both exit fills")
	require.Equal(t, types.StatusExiting, pos.Status)
	require.NotEmpty(t, pos.NumExitOrderID)
	require.NotEmpty(t, pos.DenExitOrderID)

	exitNumPrice := broker.placed[2].Price
	exitDenPrice := broker.placed[3].Price
	require.Equal(t, types.BUY, broker.placed[2].Side, "SHORT_NUM exit buys numerator back")
	require.Equal(t, types.SELL, broker.placed[3].Side)

	err = r.HandleFill(ctx, types.NormalisedOrder{
		OrderID: pos.NumExitOrderID, Status: types.StatusComplete,
		AveragePrice: exitNumPrice, FilledQty: dec(10),
	}, pos)
	require.NoError(t, err)
	pos, _ = j.GetOpenPosition(pos.PositionID)

	err = r.HandleFill(ctx, types.NormalisedOrder{
		OrderID: pos.DenExitOrderID, Status: types.StatusComplete,
		AveragePrice: exitDenPrice, FilledQty: dec(10),
	}, pos)
	require.NoError(t, err)

	_, stillOpen := j.GetOpenPosition(pos.PositionID)
	require.False(t, stillOpen)
	closed := j.ClosedPositions()
	require.Len(t, closed, 1)
	require.Equal(t, types.StatusClosed, closed[0].Status)

	// SHORT_NUM: num_pnl=(entry-exit)*qty, den_pnl=(exit-entry)*qty.
	wantNumPnL := dec(1.08).Sub(exitNumPrice).Mul(dec(10))
	wantDenPnL := exitDenPrice.Sub(dec(1.00)).Mul(dec(10))
	require.True(t, closed[0].RealizedPnL.Equal(wantNumPnL.Add(wantDenPnL).Round(2)))
	require.True(t, j.TotalRealizedPnL().Equal(closed[0].RealizedPnL))
}

// TestRatioRejectedLegDropsPosition models spec Scenario F for the ratio
// variant: a rejected leg's position disappears from open state entirely,
// with no closed-position entry and no PnL impact.
func TestRatioRejectedLegDropsPosition(t *testing.T) {
	t.Parallel()
	r, _, j := newTestRatio(t, testConfig())

	pos := types.Position{
		PositionID: types.NewPositionID(), Kind: types.KindRatio, Status: types.StatusEntering,
		PairKey: r.pairKey, NumEntryOrderID: "ord-1", DenEntryOrderID: "ord-2",
		NumQty: dec(10), DenQty: dec(10),
	}
	j.AddPosition(pos)
	j.DropPosition(pos.PositionID)
	r.HandleRejection(types.NormalisedOrder{OrderID: "ord-1", StatusMessage: "margin exceeded"}, pos)

	_, ok := j.GetOpenPosition(pos.PositionID)
	require.False(t, ok)
	require.Empty(t, j.ClosedPositions())
	require.True(t, j.TotalRealizedPnL().IsZero())
}
