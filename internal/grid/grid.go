// Package grid implements StrategyCore's Grid variant: a ladder of resting
// limit orders around an anchor price, per-increment opposite-side targets,
// and a re-anchor protocol triggered by one-sided exhaustion.
//
// The hedged-grid variant (TG Grid) is not a separate type — it is this
// same state machine with one optional extra step at each entry/target
// increment, switched on by cfg.HasPair (spec §4.4). Grounded on
// original_source/TG/TollGate/engine.py (ladder placement, grid-exhaustion
// check, 10-step re-anchor protocol) merged with TG/engine.py (dual
// hedge_ratio/partial_hedge_ratio hedge sizing, _flatten_pair_position).
package grid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"xts-grid-engine/internal/config"
	"xts-grid-engine/pkg/types"
)

// OrderPlacer is the subset of BrokerClient the grid strategy needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Store is the subset of StateJournal the grid strategy needs. Satisfied
// structurally by *internal/journal.Journal.
type Store interface {
	Anchor(symbol string) decimal.Decimal
	SetAnchor(symbol string, anchor decimal.Decimal)
	Spacing(symbol string) decimal.Decimal
	SetSpacing(symbol string, spacing decimal.Decimal)
	AddNetInventory(symbol string, delta decimal.Decimal)
	RecordReanchor(symbol string, side types.Side)
	ReanchorCounts(symbol string) (buy, sell, total int)
	NextCycleForLevel(side types.Side, level int) int
	AddPosition(pos types.Position)
	RegisterOrder(orderID, positionID string)
	GetPositionByOrder(orderID string) (types.Position, bool)
	UpdatePosition(pos types.Position)
	GetOpenPosition(positionID string) (types.Position, bool)
	OpenPositionsForSymbol(symbol string) []types.Position
	DropPosition(positionID string)
	ClosePosition(positionID string)
}

// ReanchorObserver receives a side label on every reanchor, used to drive
// the operations surface's reanchor counter without coupling this package
// to the operations package directly. Optional — nil unless set.
type ReanchorObserver interface {
	RecordReanchor(side string)
}

// level is one rung of the ladder, recomputed on every reanchor.
type level struct {
	side        types.Side
	index       int
	entryPrice  decimal.Decimal
	targetPrice decimal.Decimal
	qty         decimal.Decimal
}

// Grid implements router.Handler and the strategy-side half of EngineLoop's
// per-iteration contract (onPollEnd / place-entries-at-startup).
type Grid struct {
	cfg    config.GridConfig
	broker OrderPlacer
	store  Store
	logger zerolog.Logger

	observer ReanchorObserver

	mu             sync.Mutex
	buyLevels      []level
	sellLevels     []level
	levelPositions map[string]string // "BUY:0" -> positionID
	lastReanchor   time.Time
}

// SetReanchorObserver wires an optional ReanchorObserver, called once per
// reanchor with the exhausted side. Must be called before Start/OnPollEnd
// if the caller wants every reanchor observed.
func (g *Grid) SetReanchorObserver(obs ReanchorObserver) {
	g.observer = obs
}

// New builds a Grid strategy. HasPair on cfg switches on the hedged-grid
// extra steps; everything else is identical between the two variants.
func New(cfg config.GridConfig, broker OrderPlacer, store Store, logger zerolog.Logger) *Grid {
	return &Grid{
		cfg:            cfg,
		broker:         broker,
		store:          store,
		logger:         logger.With().Str("component", "grid").Str("symbol", cfg.Symbol).Logger(),
		levelPositions: make(map[string]string),
	}
}

// Start computes the ladder from the journal's persisted (or configured
// fresh) anchor/spacing, rebuilds the level index from any positions already
// open, and places entries for every free level.
func (g *Grid) Start(ctx context.Context) {
	g.mu.Lock()
	anchor := g.store.Anchor(g.cfg.Symbol)
	if anchor.IsZero() {
		anchor = decimal.NewFromFloat(g.cfg.AnchorPrice)
		g.store.SetAnchor(g.cfg.Symbol, anchor)
	}
	spacing := g.store.Spacing(g.cfg.Symbol)
	if spacing.IsZero() {
		spacing = decimal.NewFromFloat(g.cfg.BaseSpacing)
		g.store.SetSpacing(g.cfg.Symbol, spacing)
	}
	g.buyLevels, g.sellLevels = computeLevels(g.cfg, anchor, spacing)
	g.rebuildLevelIndexLocked()
	g.mu.Unlock()

	g.placeEntries(ctx)
}

// computeLevels mirrors TollGateConfig.compute_levels: buy level i sits at
// anchor - spacing*(i+1) with its target one round-trip-profit above; sell
// levels mirror above the anchor, with targets one round-trip-profit below.
func computeLevels(cfg config.GridConfig, anchor, spacing decimal.Decimal) (buy, sell []level) {
	profit := decimal.NewFromFloat(cfg.RoundTripProfit)
	qty := decimal.NewFromFloat(cfg.QtyPerLevel)

	for i := 0; i < cfg.LevelsPerSide; i++ {
		distance := spacing.Mul(decimal.NewFromInt(int64(i + 1)))

		buyEntry := anchor.Sub(distance).Round(2)
		buy = append(buy, level{
			side: types.BUY, index: i,
			entryPrice: buyEntry, targetPrice: buyEntry.Add(profit).Round(2), qty: qty,
		})

		sellEntry := anchor.Add(distance).Round(2)
		sell = append(sell, level{
			side: types.SELL, index: i,
			entryPrice: sellEntry, targetPrice: sellEntry.Sub(profit).Round(2), qty: qty,
		})
	}
	return buy, sell
}

func levelKey(side types.Side, index int) string {
	return fmt.Sprintf("%s:%d", side, index)
}

// rebuildLevelIndexLocked reconstructs levelPositions from whatever
// positions the journal already has open for this symbol (resume-from-state
// path). Caller must hold mu.
func (g *Grid) rebuildLevelIndexLocked() {
	g.levelPositions = make(map[string]string)
	for _, pos := range g.store.OpenPositionsForSymbol(g.cfg.Symbol) {
		if pos.Kind != types.KindGrid {
			continue
		}
		g.levelPositions[levelKey(pos.Side, pos.Level)] = pos.PositionID
	}
}

// placeEntries places an entry order for every level on both sides that has
// no tracked position yet.
func (g *Grid) placeEntries(ctx context.Context) {
	g.mu.Lock()
	buyLevels := append([]level(nil), g.buyLevels...)
	sellLevels := append([]level(nil), g.sellLevels...)
	g.mu.Unlock()

	for _, lvl := range buyLevels {
		g.placeEntryIfFree(ctx, lvl)
	}
	for _, lvl := range sellLevels {
		g.placeEntryIfFree(ctx, lvl)
	}
}

func (g *Grid) placeEntryIfFree(ctx context.Context, lvl level) {
	key := levelKey(lvl.side, lvl.index)

	g.mu.Lock()
	_, occupied := g.levelPositions[key]
	g.mu.Unlock()
	if occupied {
		return
	}

	cycle := g.store.NextCycleForLevel(lvl.side, lvl.index)
	positionID := types.NewPositionID()
	tag := types.ClientTag(types.RoleEntry, lvl.side, lvl.index, cycle, positionID)

	orderID, err := g.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: g.cfg.Symbol, Side: lvl.side, Qty: lvl.qty, Price: lvl.entryPrice,
		Product: "CNC", ClientTag: tag, Validity: "DAY",
	})
	if err != nil {
		g.logger.Error().Err(err).Str("side", string(lvl.side)).Int("level", lvl.index).
			Msg("entry placement failed")
		return
	}

	pos := types.Position{
		PositionID: positionID, Kind: types.KindGrid, Status: types.StatusEntering,
		CycleNumber: cycle, CreatedAt: time.Now(),
		Symbol: g.cfg.Symbol, Side: lvl.side, Level: lvl.index,
		EntryPrice: lvl.entryPrice, TargetPrice: lvl.targetPrice, Qty: lvl.qty,
		EntryOrderID: orderID, EntryFilledSoFar: decimal.Zero,
		SecondarySymbol: g.cfg.SecondarySymbol,
	}
	g.store.AddPosition(pos)
	g.store.RegisterOrder(orderID, positionID)

	g.mu.Lock()
	g.levelPositions[key] = positionID
	g.mu.Unlock()

	g.logger.Info().Str("side", string(lvl.side)).Int("level", lvl.index).Int("cycle", cycle).
		Str("price", lvl.entryPrice.String()).Str("order_id", orderID).Msg("entry placed")
}

// HandleFill implements router.Handler. It routes a fill to the entry or
// target-order leg of pos based on which order_id it matches, per spec §4.4.
func (g *Grid) HandleFill(ctx context.Context, order types.NormalisedOrder, pos types.Position) error {
	if pos.Kind != types.KindGrid {
		return fmt.Errorf("grid handler received non-grid position %s", pos.PositionID)
	}
	if order.AveragePrice.IsZero() || order.FilledQty.IsZero() {
		return fmt.Errorf("fill with zero price/qty: order=%s", order.OrderID)
	}

	isComplete := order.Status == types.StatusComplete

	if order.OrderID == pos.EntryOrderID {
		return g.onEntryFill(ctx, pos, order.AveragePrice, order.FilledQty, isComplete)
	}
	for _, t := range pos.TargetOrders {
		if t.OrderID == order.OrderID {
			return g.onTargetFill(ctx, pos, order.OrderID, order.AveragePrice, order.FilledQty, isComplete)
		}
	}
	return fmt.Errorf("order %s matches neither entry nor target leg of position %s", order.OrderID, pos.PositionID)
}

// onEntryFill implements spec §4.4's entry-fill handler, steps 1-5.
func (g *Grid) onEntryFill(ctx context.Context, pos types.Position, fillPrice, filledQty decimal.Decimal, isComplete bool) error {
	increment := filledQty.Sub(pos.EntryFilledSoFar)
	if !increment.IsPositive() {
		return fmt.Errorf("zero or negative entry fill increment for position %s", pos.PositionID)
	}

	if g.cfg.HasPair {
		g.hedgeEntryIncrement(ctx, &pos, filledQty, increment, isComplete)
	}

	pos.EntryFillPrice = fillPrice
	pos.EntryFilledSoFar = filledQty
	g.store.AddNetInventory(pos.Symbol, signedQty(pos.Side, increment))

	pos.TargetSeq++
	targetRole := types.OrderRole(fmt.Sprintf("%s%d", types.RoleTarget, pos.TargetSeq))
	targetTag := types.ClientTag(targetRole, pos.Side, pos.Level, pos.CycleNumber, pos.PositionID)
	targetOrderID, err := g.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: pos.Symbol, Side: pos.Side.Opposite(), Qty: increment, Price: pos.TargetPrice,
		Product: "CNC", ClientTag: targetTag, Validity: "DAY",
	})
	if err != nil {
		g.logger.Error().Err(err).Str("position_id", pos.PositionID).Msg("target placement failed")
	} else {
		pos.TargetOrders = append(pos.TargetOrders, types.TargetOrder{
			OrderID: targetOrderID, Qty: increment, FilledQty: decimal.Zero,
		})
		g.store.RegisterOrder(targetOrderID, pos.PositionID)
		g.logger.Info().Str("position_id", pos.PositionID).Int("seq", pos.TargetSeq).
			Str("qty", increment.String()).Str("price", pos.TargetPrice.String()).
			Str("order_id", targetOrderID).Msg("target placed")
	}

	if isComplete {
		pos.Status = types.StatusTargetPending
		now := time.Now()
		pos.EntryFilledAt = &now
	} else {
		pos.Status = types.StatusEntryPartial
	}
	g.store.UpdatePosition(pos)
	return nil
}

// hedgeEntryIncrement implements spec §4.4 step 1a: on a COMPLETE fill,
// hedge up to filled_qty*hedge_ratio net of what's already hedged; on a
// PARTIAL fill, hedge this increment at partial_hedge_ratio directly.
func (g *Grid) hedgeEntryIncrement(ctx context.Context, pos *types.Position, filledQty, increment decimal.Decimal, isComplete bool) {
	var hedgeQty decimal.Decimal
	if isComplete {
		targetHedge := filledQty.Mul(decimal.NewFromFloat(g.cfg.HedgeRatio))
		remaining := targetHedge.Sub(pos.PairHedgedQty)
		if !remaining.IsPositive() {
			return
		}
		hedgeQty = remaining
	} else {
		if g.cfg.PartialHedgeRatio <= 0 {
			return
		}
		hedgeQty = increment.Mul(decimal.NewFromFloat(g.cfg.PartialHedgeRatio))
	}
	if !hedgeQty.IsPositive() {
		return
	}

	hedgeSide := pos.Side.Opposite() // BUY entry hedges by SELLing secondary, SELL entry by BUYing it.
	price, err := g.aggressiveLimit(ctx, pos.SecondarySymbol, hedgeSide, g.cfg.Slippage)
	if err != nil {
		g.logger.Error().Err(err).Str("position_id", pos.PositionID).Msg("hedge quote failed")
		return
	}

	tag := types.ClientTag(types.RolePairHedge, pos.Side, pos.Level, pos.CycleNumber, pos.PositionID)
	orderID, err := g.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: pos.SecondarySymbol, Side: hedgeSide, Qty: hedgeQty, Price: price,
		Product: "CNC", ClientTag: tag, Validity: "DAY",
	})
	if err != nil {
		g.logger.Error().Err(err).Str("position_id", pos.PositionID).Msg("hedge placement failed")
		return
	}

	pos.PairHedgedQty = pos.PairHedgedQty.Add(hedgeQty)
	pos.PairHedgeTotal = pos.PairHedgeTotal.Add(price.Mul(hedgeQty))
	pos.PairOrders = append(pos.PairOrders, types.PairOrderRecord{
		OrderID: orderID, Role: types.RolePairHedge, Qty: hedgeQty, Price: price, At: time.Now(),
	})
}

// onTargetFill implements spec §4.4's target-fill handler, steps 1-5. The
// caller has already matched orderID against one of pos.TargetOrders.
func (g *Grid) onTargetFill(ctx context.Context, pos types.Position, orderID string, fillPrice, filledQty decimal.Decimal, isComplete bool) error {
	var increment decimal.Decimal
	matched := false
	for i := range pos.TargetOrders {
		t := &pos.TargetOrders[i]
		if t.OrderID != orderID {
			continue
		}
		increment = filledQty.Sub(t.FilledQty)
		if !increment.IsPositive() {
			return fmt.Errorf("zero or negative target fill increment for position %s", pos.PositionID)
		}
		t.FilledQty = filledQty
		t.FillPrice = fillPrice
		matched = true
		break
	}
	if !matched {
		return fmt.Errorf("target order %s not found on position %s", orderID, pos.PositionID)
	}

	if g.cfg.HasPair {
		g.unwindTargetIncrement(ctx, &pos, filledQty, increment, isComplete)
	}

	g.store.AddNetInventory(pos.Symbol, signedQty(pos.Side.Opposite(), increment))

	var pnlIncrement decimal.Decimal
	if pos.Side == types.BUY {
		pnlIncrement = fillPrice.Sub(pos.EntryFillPrice).Mul(increment)
	} else {
		pnlIncrement = pos.EntryFillPrice.Sub(fillPrice).Mul(increment)
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(pnlIncrement).Round(2)

	g.logger.Info().Str("position_id", pos.PositionID).Str("qty", increment.String()).
		Str("price", fillPrice.String()).Str("pnl_increment", pnlIncrement.String()).
		Msg("target fill")

	allFilled := pos.Status == types.StatusTargetPending && pos.AllTargetsFilled() &&
		pos.TotalTargetFilledQty().GreaterThanOrEqual(pos.EntryFilledSoFar)

	if allFilled {
		g.logger.Info().Str("position_id", pos.PositionID).Str("pnl", pos.RealizedPnL.String()).
			Msg("cycle complete")

		g.mu.Lock()
		delete(g.levelPositions, levelKey(pos.Side, pos.Level))
		levels := g.levelsForSide(pos.Side)
		g.mu.Unlock()

		g.store.UpdatePosition(pos)
		g.store.ClosePosition(pos.PositionID)

		if pos.Level < len(levels) {
			g.placeEntryIfFree(ctx, levels[pos.Level])
		}
		return nil
	}

	g.store.UpdatePosition(pos)
	return nil
}

// unwindTargetIncrement mirrors hedgeEntryIncrement for the exit leg: the
// secondary-ticker hedge is unwound as each target increment fills.
func (g *Grid) unwindTargetIncrement(ctx context.Context, pos *types.Position, filledQty, increment decimal.Decimal, isComplete bool) {
	var unwindQty decimal.Decimal
	if isComplete {
		targetUnwind := filledQty.Mul(decimal.NewFromFloat(g.cfg.HedgeRatio))
		remaining := targetUnwind.Sub(pos.PairUnwoundQty)
		if !remaining.IsPositive() {
			return
		}
		unwindQty = remaining
	} else {
		if g.cfg.PartialHedgeRatio <= 0 {
			return
		}
		unwindQty = increment.Mul(decimal.NewFromFloat(g.cfg.PartialHedgeRatio))
	}
	if !unwindQty.IsPositive() {
		return
	}

	unwindSide := pos.Side // mirror of the hedge side: undo the hedge direction.
	price, err := g.aggressiveLimit(ctx, pos.SecondarySymbol, unwindSide, g.cfg.Slippage)
	if err != nil {
		g.logger.Error().Err(err).Str("position_id", pos.PositionID).Msg("unwind quote failed")
		return
	}

	tag := types.ClientTag(types.RolePairUnwind, pos.Side, pos.Level, pos.CycleNumber, pos.PositionID)
	orderID, err := g.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: pos.SecondarySymbol, Side: unwindSide, Qty: unwindQty, Price: price,
		Product: "CNC", ClientTag: tag, Validity: "DAY",
	})
	if err != nil {
		g.logger.Error().Err(err).Str("position_id", pos.PositionID).Msg("unwind placement failed")
		return
	}

	pos.PairUnwoundQty = pos.PairUnwoundQty.Add(unwindQty)
	pos.PairUnwindTotal = pos.PairUnwindTotal.Add(price.Mul(unwindQty))
	pos.PairOrders = append(pos.PairOrders, types.PairOrderRecord{
		OrderID: orderID, Role: types.RolePairUnwind, Qty: unwindQty, Price: price, At: time.Now(),
	})
}

// aggressiveLimit prices a hedge/unwind/flatten leg at LTP +/- slippage,
// grounded on hybrid_client.py's place_market_order (a "market-like" order
// is always an aggressive LIMIT in this system, never a true market order).
func (g *Grid) aggressiveLimit(ctx context.Context, symbol string, side types.Side, slippage float64) (decimal.Decimal, error) {
	ltp, err := g.broker.GetLTP(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	slip := decimal.NewFromFloat(slippage)
	if side == types.SELL {
		return ltp.Sub(slip).Round(2), nil
	}
	return ltp.Add(slip).Round(2), nil
}

func (g *Grid) levelsForSide(side types.Side) []level {
	if side == types.BUY {
		return g.buyLevels
	}
	return g.sellLevels
}

func signedQty(side types.Side, qty decimal.Decimal) decimal.Decimal {
	if side == types.BUY {
		return qty
	}
	return qty.Neg()
}

// HandleRejection implements router.Handler: the router has already dropped
// pos from the journal; the grid only needs to free the level it occupied
// (spec §7 category 3 / Scenario F).
func (g *Grid) HandleRejection(order types.NormalisedOrder, pos types.Position) {
	if pos.Kind != types.KindGrid {
		return
	}
	g.mu.Lock()
	delete(g.levelPositions, levelKey(pos.Side, pos.Level))
	g.mu.Unlock()
	g.logger.Error().Str("order_id", order.OrderID).Str("position_id", pos.PositionID).
		Str("reason", order.StatusMessage).Msg("order rejected, level freed")
}

// HandleCancellation is informational only (spec §4.3).
func (g *Grid) HandleCancellation(order types.NormalisedOrder, pos types.Position) {
	g.logger.Info().Str("order_id", order.OrderID).Str("position_id", pos.PositionID).
		Msg("order cancelled")
}

// OnPollEnd runs the grid-exhaustion check and, if a side is exhausted and
// the cooldown has elapsed, performs the full re-anchor protocol (spec §4.4).
func (g *Grid) OnPollEnd(ctx context.Context) {
	side, ok := g.checkExhausted()
	if !ok {
		return
	}
	g.reanchor(ctx, side)
}

// checkExhausted counts TARGET_PENDING positions per side; ENTRY_PARTIAL
// positions never count toward exhaustion.
func (g *Grid) checkExhausted() (types.Side, bool) {
	g.mu.Lock()
	lastReanchor := g.lastReanchor
	g.mu.Unlock()
	if !lastReanchor.IsZero() && time.Since(lastReanchor) < g.cfg.ReanchorCooldown {
		return "", false
	}

	var buyTP, sellTP int
	for _, pos := range g.store.OpenPositionsForSymbol(g.cfg.Symbol) {
		if pos.Kind != types.KindGrid || pos.Status != types.StatusTargetPending {
			continue
		}
		if pos.Side == types.BUY {
			buyTP++
		} else {
			sellTP++
		}
	}

	if buyTP >= g.cfg.LevelsPerSide {
		g.logger.Info().Int("count", buyTP).Msg("grid exhausted: buy side")
		return types.BUY, true
	}
	if sellTP >= g.cfg.LevelsPerSide {
		g.logger.Info().Int("count", sellTP).Msg("grid exhausted: sell side")
		return types.SELL, true
	}
	return "", false
}

// reanchor runs the 10-step re-anchor protocol from spec §4.4, merged with
// TG/engine.py's pair-flatten step (5) for the hedged-grid variant.
func (g *Grid) reanchor(ctx context.Context, exhaustedSide types.Side) {
	open := g.store.OpenPositionsForSymbol(g.cfg.Symbol)

	// Step 1: deepest fill price on the exhausted side, falling back to the
	// current anchor if nothing has filled yet.
	newAnchor := g.deepestFillPrice(open, exhaustedSide)

	// Step 2: side counter, total_reanchors, max-reanchors safety stop.
	g.store.RecordReanchor(g.cfg.Symbol, exhaustedSide)
	if g.observer != nil {
		g.observer.RecordReanchor(string(exhaustedSide))
	}
	_, _, total := g.store.ReanchorCounts(g.cfg.Symbol)
	if total >= g.cfg.MaxReanchors {
		g.logger.Warn().Int("total_reanchors", total).Int("max", g.cfg.MaxReanchors).
			Msg("max reanchors reached, stopping strategy")
		return
	}

	// Step 3: widen spacing unconditionally (spec §4.4; TollGate/engine.py's
	// _reanchor_grid widens current_spacing on every call, no throttle).
	spacing := g.store.Spacing(g.cfg.Symbol).Add(decimal.NewFromFloat(g.cfg.BaseSpacing))
	g.store.SetSpacing(g.cfg.Symbol, spacing)

	// Step 4: cancel every open order on both sides, entry and target alike.
	g.cancelAll(ctx, open)

	// Step 5 (hedged-grid only): flatten the net secondary-ticker position.
	if g.cfg.HasPair {
		g.flattenPairPosition(ctx, open)
	}

	// Step 6: move every still-open position to closed with CANCELLED/zero pnl.
	for i := range open {
		open[i].Status = types.StatusCancelledPos
		open[i].RealizedPnL = decimal.Zero
		now := time.Now()
		open[i].ClosedAt = &now
		g.store.UpdatePosition(open[i])
		g.store.ClosePosition(open[i].PositionID)
	}

	// Step 7: clear the strategy-local level index. The journal's
	// order_to_position entries were retired by ClosePosition above;
	// router.Router's order-status cache is not cleared here.
	g.mu.Lock()
	g.levelPositions = make(map[string]string)
	g.mu.Unlock()

	// Step 8: recompute the ladder around the new anchor.
	g.store.SetAnchor(g.cfg.Symbol, newAnchor)
	g.mu.Lock()
	g.buyLevels, g.sellLevels = computeLevels(g.cfg, newAnchor, spacing)
	g.lastReanchor = time.Now()
	g.mu.Unlock()

	// Step 9: fresh entries, cooldown already set above. The journal is not
	// saved here; the poll loop's save handles persistence.
	g.placeEntries(ctx)

	g.logger.Info().Str("new_anchor", newAnchor.String()).Str("spacing", spacing.String()).
		Str("exhausted_side", string(exhaustedSide)).Msg("reanchor complete")
}

func (g *Grid) deepestFillPrice(open []types.Position, side types.Side) decimal.Decimal {
	var best decimal.Decimal
	found := false
	for _, pos := range open {
		if pos.Kind != types.KindGrid || pos.Side != side || pos.Status != types.StatusTargetPending {
			continue
		}
		if pos.EntryFillPrice.IsZero() {
			continue
		}
		if !found {
			best = pos.EntryFillPrice
			found = true
			continue
		}
		if side == types.BUY && pos.EntryFillPrice.LessThan(best) {
			best = pos.EntryFillPrice
		}
		if side == types.SELL && pos.EntryFillPrice.GreaterThan(best) {
			best = pos.EntryFillPrice
		}
	}
	if !found {
		return g.store.Anchor(g.cfg.Symbol)
	}
	return best
}

func (g *Grid) cancelAll(ctx context.Context, open []types.Position) {
	cancelled := 0
	for _, pos := range open {
		if pos.Status == types.StatusEntering || pos.Status == types.StatusEntryPartial {
			if pos.EntryOrderID != "" {
				if err := g.broker.CancelOrder(ctx, pos.EntryOrderID); err == nil {
					cancelled++
				}
			}
		}
		for _, t := range pos.TargetOrders {
			if t.FilledQty.LessThan(t.Qty) && t.OrderID != "" {
				if err := g.broker.CancelOrder(ctx, t.OrderID); err == nil {
					cancelled++
				}
			}
		}
	}
	g.logger.Info().Int("cancelled", cancelled).Msg("cancelled all open orders for reanchor")
}

// flattenPairPosition implements TG/engine.py's _flatten_pair_position:
// net hedge exposure across all still-open positions is closed with a
// single aggressive-limit order at the wider reanchor-flatten slippage,
// since the secondary ticker is understood to be comparatively illiquid
// (spec §4.8).
func (g *Grid) flattenPairPosition(ctx context.Context, open []types.Position) {
	net := decimal.Zero
	for _, pos := range open {
		remaining := pos.PairHedgedQty.Sub(pos.PairUnwoundQty)
		if !remaining.IsPositive() {
			continue
		}
		if pos.Side == types.BUY {
			net = net.Sub(remaining) // BuyBot hedged by selling the secondary -> net short.
		} else {
			net = net.Add(remaining) // SellBot hedged by buying the secondary -> net long.
		}
	}
	if net.IsZero() {
		g.logger.Info().Str("symbol", g.cfg.SecondarySymbol).Msg("no net pair position to flatten")
		return
	}

	var side types.Side
	var qty decimal.Decimal
	if net.IsPositive() {
		side, qty = types.SELL, net
	} else {
		side, qty = types.BUY, net.Neg()
	}

	price, err := g.aggressiveLimit(ctx, g.cfg.SecondarySymbol, side, g.cfg.ReanchorFlattenSlip)
	if err != nil {
		g.logger.Error().Err(err).Msg("pair flatten quote failed")
		return
	}

	tag := types.ClientTag(types.RolePairUnwind, side, 0, 0, "REANCHOR")
	orderID, err := g.broker.PlaceOrder(ctx, types.OrderRequest{
		Symbol: g.cfg.SecondarySymbol, Side: side, Qty: qty, Price: price,
		Product: "CNC", ClientTag: tag, Validity: "DAY",
	})
	if err != nil {
		g.logger.Error().Err(err).Str("side", string(side)).Str("qty", qty.String()).
			Msg("pair flatten FAILED")
		return
	}

	g.logger.Info().Str("side", string(side)).Str("qty", qty.String()).Str("price", price.String()).
		Str("order_id", orderID).Msg("pair flatten order placed")

	for i := range open {
		remaining := open[i].PairHedgedQty.Sub(open[i].PairUnwoundQty)
		if !remaining.IsPositive() {
			continue
		}
		open[i].PairUnwoundQty = open[i].PairHedgedQty
		open[i].PairUnwindTotal = open[i].PairUnwindTotal.Add(price.Mul(remaining))
		if open[i].Side == types.BUY {
			open[i].RealizedPnL = open[i].PairHedgeTotal.Sub(open[i].PairUnwindTotal).Round(2)
		} else {
			open[i].RealizedPnL = open[i].PairUnwindTotal.Sub(open[i].PairHedgeTotal).Round(2)
		}
		open[i].PairOrders = append(open[i].PairOrders, types.PairOrderRecord{
			OrderID: orderID, Role: types.RolePairUnwind, Qty: remaining, Price: price, At: time.Now(),
		})
	}
}
