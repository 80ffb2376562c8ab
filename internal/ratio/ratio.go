// Package ratio implements StrategyCore's ratio mean-reversion variant:
// pair stat-arb between one numerator and one denominator instrument.
//
// Grounded on original_source/TG/AMM/engine.py's `_sample_ratios`/
// `_check_entry_signal`/`_check_exits`/`_compute_pnl` and TG/AMM/state.py's
// rolling mean/stdev bookkeeping (spec §4.5). Unlike the grid variant there
// is no ladder or re-anchor protocol: a timer tick samples the ratio,
// entries fire on a z-score breach, and the only exit trigger is reversion
// to the rolling mean — no stop-loss, matching the Python original's
// explicit design note.
package ratio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"xts-grid-engine/internal/config"
	"xts-grid-engine/pkg/types"
)

// OrderPlacer is the subset of BrokerClient the ratio strategy needs.
// Declared here rather than imported from internal/broker so this package
// stays free of any import-cycle risk (same pattern as internal/grid).
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
	GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Store is the subset of StateJournal the ratio strategy needs.
type Store interface {
	AddSample(pairKey string, sample types.RatioSample)
	GetRollingStats(pairKey string) (mean, sd float64, ok bool)
	SampleCount(pairKey string) int
	AddPosition(pos types.Position)
	RegisterOrder(orderID, positionID string)
	GetPositionByOrder(orderID string) (types.Position, bool)
	UpdatePosition(pos types.Position)
	GetOpenPosition(positionID string) (types.Position, bool)
	OpenPositionsForPair(pairKey string) []types.Position
	ClosePosition(positionID string)
}

// Ratio runs one numerator/denominator pair's sampling, entry, and exit
// logic. One process runs exactly one Ratio (spec §6 single-pair config),
// unlike the Python original's multi-pair loop over a pair list.
type Ratio struct {
	cfg     config.RatioConfig
	pairKey string
	broker  OrderPlacer
	store   Store
	logger  zerolog.Logger
}

// New builds a Ratio for cfg's numerator/denominator pair.
func New(cfg config.RatioConfig, broker OrderPlacer, store Store, logger zerolog.Logger) *Ratio {
	return &Ratio{
		cfg:     cfg,
		pairKey: pairKey(cfg.NumeratorSymbol, cfg.DenominatorSymbol),
		broker:  broker,
		store:   store,
		logger:  logger.With().Str("component", "ratio").Str("pair", pairKey(cfg.NumeratorSymbol, cfg.DenominatorSymbol)).Logger(),
	}
}

func pairKey(num, den string) string {
	return fmt.Sprintf("%s/%s", num, den)
}

// Sample fetches both legs' LTP, records one rolling-window datapoint, and
// checks the entry signal once warmup is complete (spec §4.5). Grounded on
// `_sample_ratios`: missing LTP or a zero denominator silently skips the
// tick rather than erroring — a broker hiccup should not kill the loop.
func (r *Ratio) Sample(ctx context.Context) {
	numLTP, err := r.broker.GetLTP(ctx, r.cfg.NumeratorSymbol)
	if err != nil || numLTP.IsZero() {
		r.logger.Debug().Msg("numerator LTP unavailable, skipping sample")
		return
	}
	denLTP, err := r.broker.GetLTP(ctx, r.cfg.DenominatorSymbol)
	if err != nil || denLTP.IsZero() {
		r.logger.Debug().Msg("denominator LTP unavailable, skipping sample")
		return
	}

	ratioDec := numLTP.Div(denLTP)
	ratio, _ := ratioDec.Float64()
	num, _ := numLTP.Float64()
	den, _ := denLTP.Float64()

	r.store.AddSample(r.pairKey, types.RatioSample{Timestamp: time.Now(), NumPrice: num, DenPrice: den, Ratio: ratio})

	mean, sd, ok := r.store.GetRollingStats(r.pairKey)
	if !ok {
		r.logger.Debug().Float64("ratio", ratio).Int("samples", r.store.SampleCount(r.pairKey)).
			Int("warmup_target", r.cfg.WarmupSamples).Msg("warming up")
		return
	}
	if sd == 0 {
		r.logger.Debug().Msg("rolling sd is zero, skipping signal check")
		return
	}

	zScore := (ratio - mean) / sd
	r.logger.Info().Float64("ratio", ratio).Float64("mean", mean).Float64("sd", sd).
		Float64("z", zScore).Msg("sampled")

	r.checkEntry(ctx, zScore, ratio, mean, sd, numLTP, denLTP)
}

// checkEntry opens a pair trade when |z| exceeds entry_sd and the pair is
// under its concurrent-position cap (spec §4.5).
func (r *Ratio) checkEntry(ctx context.Context, zScore, ratio, mean, sd float64, numLTP, denLTP decimal.Decimal) {
	if len(r.store.OpenPositionsForPair(r.pairKey)) >= r.cfg.MaxPositionsPerPair {
		return
	}

	switch {
	case zScore > r.cfg.EntrySD:
		// Ratio high: numerator overpriced relative to denominator.
		r.enter(ctx, types.ShortNum, ratio, mean, sd, numLTP, denLTP)
	case zScore < -r.cfg.EntrySD:
		// Ratio low: numerator underpriced relative to denominator.
		r.enter(ctx, types.LongNum, ratio, mean, sd, numLTP, denLTP)
	}
}

// legQty applies the configured per-leg percentage to base_qty, floored at 1.
func (r *Ratio) legQty() decimal.Decimal {
	qty := decimal.NewFromFloat(r.cfg.BaseQty).Mul(decimal.NewFromFloat(r.cfg.PerLegPct)).Div(decimal.NewFromInt(100)).Round(0)
	if qty.LessThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return qty
}

// aggressivePrice prices a leg at LTP offset by slippage in the direction
// that crosses the spread, floored at 0.01 (spec §4.4 "market order" proxy,
// grounded on hybrid_client.py's place_market_order — an aggressive LIMIT,
// never a true market order).
func (r *Ratio) aggressivePrice(ltp decimal.Decimal, side types.Side) decimal.Decimal {
	slip := decimal.NewFromFloat(r.cfg.Slippage)
	price := ltp.Add(slip)
	if side == types.SELL {
		price = ltp.Sub(slip)
	}
	if price.LessThan(decimal.NewFromFloat(0.01)) {
		return decimal.NewFromFloat(0.01)
	}
	return price.Round(2)
}

// enter places both legs of a pair trade and registers the new position.
func (r *Ratio) enter(ctx context.Context, direction types.Direction, ratio, mean, sd float64, numLTP, denLTP decimal.Decimal) {
	numSide, denSide := types.SELL, types.BUY
	if direction == types.LongNum {
		numSide, denSide = types.BUY, types.SELL
	}

	numQty, denQty := r.legQty(), r.legQty()
	numPrice := r.aggressivePrice(numLTP, numSide)
	denPrice := r.aggressivePrice(denLTP, denSide)

	pos := types.Position{
		PositionID:    types.NewPositionID(),
		Kind:          types.KindRatio,
		Status:        types.StatusEntering,
		CreatedAt:     time.Now(),
		PairKey:       r.pairKey,
		Direction:     direction,
		EntryRatio:    ratio,
		EntryMean:     mean,
		EntrySD:       sd,
		NumSymbol:     r.cfg.NumeratorSymbol,
		DenSymbol:     r.cfg.DenominatorSymbol,
		NumEntryPrice: numPrice,
		DenEntryPrice: denPrice,
		NumQty:        numQty,
		DenQty:        denQty,
	}

	numOID, numErr := r.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: r.cfg.NumeratorSymbol, Side: numSide, Qty: numQty, Price: numPrice,
		ClientTag: types.ClientTag(types.RoleRatioNum, numSide, 0, 0, pos.PositionID), Validity: "DAY",
	})
	if numErr != nil {
		r.logger.Warn().Err(numErr).Msg("numerator entry leg failed")
	} else {
		pos.NumEntryOrderID = numOID
	}

	denOID, denErr := r.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: r.cfg.DenominatorSymbol, Side: denSide, Qty: denQty, Price: denPrice,
		ClientTag: types.ClientTag(types.RoleRatioDen, denSide, 0, 0, pos.PositionID), Validity: "DAY",
	})
	if denErr != nil {
		r.logger.Warn().Err(denErr).Msg("denominator entry leg failed")
	} else {
		pos.DenEntryOrderID = denOID
	}

	if numOID == "" && denOID == "" {
		r.logger.Error().Msg("both entry legs failed, position not opened")
		return
	}

	r.store.AddPosition(pos)
	r.logger.Info().Str("position", pos.PositionID).Str("direction", string(direction)).
		Str("num_oid", numOID).Str("den_oid", denOID).Msg("entering pair position")
}

// CheckExits scans open positions for this pair and closes any whose ratio
// has reverted within tolerance of the rolling mean (spec §4.5). No
// stop-loss path exists — reversion to mean is the only exit trigger.
func (r *Ratio) CheckExits(ctx context.Context) {
	for _, pos := range r.store.OpenPositionsForPair(r.pairKey) {
		if pos.Status != types.StatusOpenPos {
			continue
		}

		mean, _, ok := r.store.GetRollingStats(r.pairKey)
		if !ok {
			continue
		}

		numLTP, err := r.broker.GetLTP(ctx, r.cfg.NumeratorSymbol)
		if err != nil || numLTP.IsZero() {
			continue
		}
		denLTP, err := r.broker.GetLTP(ctx, r.cfg.DenominatorSymbol)
		if err != nil || denLTP.IsZero() {
			continue
		}

		currentRatio, _ := numLTP.Div(denLTP).Float64()
		tolerance := r.cfg.MeanReversionTolerance * mean
		if deviation := currentRatio - mean; deviation < -tolerance || deviation > tolerance {
			continue
		}

		r.logger.Info().Str("position", pos.PositionID).Float64("ratio", currentRatio).
			Float64("mean", mean).Msg("exit signal: ratio reverted to mean")
		r.exit(ctx, pos, numLTP, denLTP)
	}
}

// exit places both closing legs, opposite to the entry sides.
func (r *Ratio) exit(ctx context.Context, pos types.Position, numLTP, denLTP decimal.Decimal) {
	pos.Status = types.StatusExiting

	numSide, denSide := types.BUY, types.SELL
	if pos.Direction == types.LongNum {
		numSide, denSide = types.SELL, types.BUY
	}

	numPrice := r.aggressivePrice(numLTP, numSide)
	denPrice := r.aggressivePrice(denLTP, denSide)

	numOID, numErr := r.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: pos.NumSymbol, Side: numSide, Qty: pos.NumQty, Price: numPrice,
		ClientTag: types.ClientTag(types.RoleRatioNum, numSide, 0, 1, pos.PositionID), Validity: "DAY",
	})
	if numErr != nil {
		r.logger.Warn().Err(numErr).Msg("numerator exit leg failed")
	} else {
		pos.NumExitOrderID = numOID
		r.store.RegisterOrder(numOID, pos.PositionID)
	}

	denOID, denErr := r.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: pos.DenSymbol, Side: denSide, Qty: pos.DenQty, Price: denPrice,
		ClientTag: types.ClientTag(types.RoleRatioDen, denSide, 0, 1, pos.PositionID), Validity: "DAY",
	})
	if denErr != nil {
		r.logger.Warn().Err(denErr).Msg("denominator exit leg failed")
	} else {
		pos.DenExitOrderID = denOID
		r.store.RegisterOrder(denOID, pos.PositionID)
	}

	r.store.UpdatePosition(pos)
}

// HandleFill applies a PARTIAL or COMPLETE fill of one leg to pos, advancing
// its lifecycle and, on full exit, computing and persisting realized PnL.
// Grounded on `_process_fill`'s leg-matching + status-transition structure.
func (r *Ratio) HandleFill(ctx context.Context, order types.NormalisedOrder, pos types.Position) error {
	changed := false

	switch order.OrderID {
	case pos.NumEntryOrderID:
		if order.FilledQty.GreaterThan(pos.NumEntryFilled) {
			pos.NumEntryFilled = order.FilledQty
			pos.NumEntryFillPrice = order.AveragePrice
			changed = true
		}
	case pos.DenEntryOrderID:
		if order.FilledQty.GreaterThan(pos.DenEntryFilled) {
			pos.DenEntryFilled = order.FilledQty
			pos.DenEntryFillPrice = order.AveragePrice
			changed = true
		}
	case pos.NumExitOrderID:
		if order.FilledQty.GreaterThan(pos.NumExitFilled) {
			pos.NumExitFilled = order.FilledQty
			pos.NumExitFillPrice = order.AveragePrice
			changed = true
		}
	case pos.DenExitOrderID:
		if order.FilledQty.GreaterThan(pos.DenExitFilled) {
			pos.DenExitFilled = order.FilledQty
			pos.DenExitFillPrice = order.AveragePrice
			changed = true
		}
	}

	if !changed {
		return fmt.Errorf("fill did not advance any leg of position %s", pos.PositionID)
	}

	switch pos.Status {
	case types.StatusEntering:
		if pos.NumEntryFilled.GreaterThanOrEqual(pos.NumQty) && pos.DenEntryFilled.GreaterThanOrEqual(pos.DenQty) {
			pos.Status = types.StatusOpenPos
			r.logger.Info().Str("position", pos.PositionID).Msg("both entry legs filled, position open")
		}
		r.store.UpdatePosition(pos)

	case types.StatusExiting:
		if pos.NumExitFilled.GreaterThanOrEqual(pos.NumQty) && pos.DenExitFilled.GreaterThanOrEqual(pos.DenQty) {
			pos.RealizedPnL = computePnL(pos)
			r.logger.Info().Str("position", pos.PositionID).
				Str("pnl", pos.RealizedPnL.String()).Msg("both exit legs filled, position closed")
			r.store.UpdatePosition(pos)
			r.store.ClosePosition(pos.PositionID)
		} else {
			r.store.UpdatePosition(pos)
		}

	default:
		r.store.UpdatePosition(pos)
	}

	return nil
}

// computePnL returns the direction-signed realized PnL for a fully-exited
// position (spec §4.5, grounded on `_compute_pnl`).
func computePnL(pos types.Position) decimal.Decimal {
	var numPnL, denPnL decimal.Decimal
	if pos.Direction == types.ShortNum {
		numPnL = pos.NumEntryFillPrice.Sub(pos.NumExitFillPrice).Mul(pos.NumQty)
		denPnL = pos.DenExitFillPrice.Sub(pos.DenEntryFillPrice).Mul(pos.DenQty)
	} else {
		numPnL = pos.NumExitFillPrice.Sub(pos.NumEntryFillPrice).Mul(pos.NumQty)
		denPnL = pos.DenEntryFillPrice.Sub(pos.DenExitFillPrice).Mul(pos.DenQty)
	}
	return numPnL.Add(denPnL).Round(2)
}

// HandleRejection logs a rejected leg. The router has already dropped pos
// from the journal's open set by the time this runs (spec §7 category 3) —
// both legs of the pair vanish together since they share one position id.
func (r *Ratio) HandleRejection(order types.NormalisedOrder, pos types.Position) {
	r.logger.Warn().Str("position", pos.PositionID).Str("order", order.OrderID).
		Str("message", order.StatusMessage).Msg("leg rejected, position dropped")
}

// HandleCancellation is informational only (spec §4.3) — no state mutation.
func (r *Ratio) HandleCancellation(order types.NormalisedOrder, pos types.Position) {
	r.logger.Info().Str("position", pos.PositionID).Str("order", order.OrderID).Msg("leg cancelled")
}
