// Package router implements FillRouter: the broker-agnostic order-event
// dispatcher shared by every StrategyCore variant.
//
// No direct teacher (Go) ancestor exists — the teacher's strategy/maker.go
// reconciles desired-vs-actual resting quotes rather than routing discrete
// fill events. This package is grounded on
// original_source/TG/TollGate/engine.py's `_poll_orders`/`_handle_fill_event`
// cache-key idempotence algorithm (spec §4.3): each polled order is keyed by
// "{status}:{filled_qty}"; a repeat observation with the same key is a
// guaranteed no-op and is skipped before it ever reaches a strategy.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"xts-grid-engine/pkg/types"
)

// OrdersSource is the subset of BrokerClient the router polls.
type OrdersSource interface {
	GetOrders(ctx context.Context) ([]types.NormalisedOrder, error)
}

// PositionIndex is the subset of StateJournal the router needs to resolve
// an order back to the position it belongs to.
type PositionIndex interface {
	GetPositionByOrder(orderID string) (types.Position, bool)
	DropPosition(positionID string)
}

// Handler receives dispatched fill/rejection/cancellation events. Grid and
// ratio StrategyCore variants each implement this to apply their own
// increment/PnL/target-placement semantics; the router itself is agnostic
// to which strategy it is feeding.
type Handler interface {
	// HandleFill applies a PARTIAL or COMPLETE fill to pos. Returning an
	// error means the fill was not applied (e.g. zero-increment duplicate,
	// or a zero price/qty fill) and does not count toward fillsProcessed.
	HandleFill(ctx context.Context, order types.NormalisedOrder, pos types.Position) error
	// HandleRejection frees the level/slot the rejected order occupied.
	// The router has already dropped pos from the journal's open set by
	// the time this is called (spec §7 category 3 / Scenario F: no
	// closed_positions entry, no PnL change).
	HandleRejection(order types.NormalisedOrder, pos types.Position)
	// HandleCancellation is informational only — no state mutation (spec §4.3).
	HandleCancellation(order types.NormalisedOrder, pos types.Position)
}

// Recorder appends a processed fill to the audit ledger (spec §10.3). It is
// optional — a Router with no recorder set behaves exactly as before.
type Recorder interface {
	RecordFill(ctx context.Context, positionID, orderID, role string, side types.Side, qty, price string) error
}

type orderState struct {
	key       string // "{status}:{filled_qty}", the dedup cache key
	filledQty decimal.Decimal
}

// Router polls orders, deduplicates repeat observations, and dispatches
// fills/rejections/cancellations to a Handler.
type Router struct {
	broker   OrdersSource
	index    PositionIndex
	handler  Handler
	recorder Recorder

	mu    sync.Mutex
	cache map[string]orderState // orderID -> last-seen state
}

// New builds a Router over broker and index, dispatching to handler.
func New(broker OrdersSource, index PositionIndex, handler Handler) *Router {
	return &Router{
		broker:  broker,
		index:   index,
		handler: handler,
		cache:   make(map[string]orderState),
	}
}

// SetRecorder wires an audit ledger into the router; every fill the router
// successfully dispatches is also appended there. Called once at startup,
// never concurrently with Poll.
func (r *Router) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Poll fetches the current order book and processes every status change
// since the last poll, returning the number of fills actually applied.
// Ordering guarantee: within one Poll call, fills are processed in the
// order the broker returned them; there is no ordering guarantee across
// separate Poll calls (spec §4.3).
func (r *Router) Poll(ctx context.Context) (int, error) {
	orders, err := r.broker.GetOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("poll orders: %w", err)
	}

	fillsProcessed := 0
	for _, order := range orders {
		alreadySeen, prevQty := r.seen(order)
		if alreadySeen {
			continue
		}

		switch order.Status {
		case types.StatusComplete, types.StatusPartial:
			pos, ok := r.index.GetPositionByOrder(order.OrderID)
			if !ok {
				// Fill of an untracked order: silently ignored (spec §7 category 4).
				continue
			}
			if err := r.handler.HandleFill(ctx, order, pos); err == nil {
				fillsProcessed++
				r.recordFill(ctx, order, pos, prevQty)
			}

		case types.StatusRejected:
			pos, ok := r.index.GetPositionByOrder(order.OrderID)
			if !ok {
				continue // rejected order untracked — nothing to free
			}
			r.index.DropPosition(pos.PositionID)
			r.handler.HandleRejection(order, pos)

		case types.StatusCancelled:
			pos, ok := r.index.GetPositionByOrder(order.OrderID)
			if !ok {
				continue
			}
			r.handler.HandleCancellation(order, pos)
		}
	}

	return fillsProcessed, nil
}

// seen reports whether order's (status, filled_qty) pair was already
// observed, updating the cache as a side effect when it has not. The second
// return value is the filled quantity recorded on the previous observation
// of this order (zero if this is the first), used to compute the fill
// increment actually applied this round.
func (r *Router) seen(order types.NormalisedOrder) (bool, decimal.Decimal) {
	key := order.CacheKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.cache[order.OrderID]
	if existed && prev.key == key {
		return true, prev.filledQty
	}
	r.cache[order.OrderID] = orderState{key: key, filledQty: order.FilledQty}
	if existed {
		return false, prev.filledQty
	}
	return false, decimal.Zero
}

// recordFill appends the fill increment just applied to the audit ledger,
// if one is wired in. role labels which side of the position's own entry
// this fill represents — not which strategy leg it belongs to, which the
// router has no visibility into.
func (r *Router) recordFill(ctx context.Context, order types.NormalisedOrder, pos types.Position, prevQty decimal.Decimal) {
	if r.recorder == nil {
		return
	}
	increment := order.FilledQty.Sub(prevQty)
	if increment.IsZero() || increment.IsNegative() {
		return
	}
	role := "exit"
	if order.Side == pos.Side {
		role = "entry"
	}
	if err := r.recorder.RecordFill(ctx, pos.PositionID, order.OrderID, role, order.Side, increment.String(), order.AveragePrice.String()); err != nil {
		// The ledger is a best-effort audit trail; a write failure here must
		// never affect the trading state machine's own accounting.
		_ = err
	}
}
