// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order sides,
// broker order status, position lifecycle state, and the WS/Socket.IO
// touchline event shapes. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderStatus is the broker-agnostic normalised status every BrokerClient
// implementation must map vendor strings onto (spec §6). Unknown vendor
// statuses must map to OPEN — conservative, keeps the position tracked.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusComplete  OrderStatus = "COMPLETE"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Product identifies the broker order product type.
type Product string

const (
	ProductCNC  Product = "CNC"  // carry-forward equity delivery
	ProductNRML Product = "NRML" // normal (F&O carry-forward)
	ProductMIS  Product = "MIS"  // intraday
)

// Direction is the ratio strategy's pair-trade direction.
type Direction string

const (
	LongNum  Direction = "LONG_NUM"  // long the numerator leg, short the denominator
	ShortNum Direction = "SHORT_NUM" // short the numerator leg, long the denominator
)

// PositionStatus is the lifecycle state of a Position (grid cell or ratio pair).
type PositionStatus string

const (
	StatusEntering      PositionStatus = "ENTERING"
	StatusEntryPartial  PositionStatus = "ENTRY_PARTIAL"
	StatusOpenPos       PositionStatus = "OPEN"
	StatusTargetPending PositionStatus = "TARGET_PENDING"
	StatusExiting       PositionStatus = "EXITING"
	StatusClosed        PositionStatus = "CLOSED"
	StatusCancelledPos  PositionStatus = "CANCELLED"
)

// OrderRole identifies which leg of a Position an order belongs to, used in
// the client_tag encoding (spec §6).
type OrderRole string

const (
	RoleEntry      OrderRole = "EN"
	RoleTarget     OrderRole = "T"  // T1, T2, ... per target_seq
	RolePairHedge  OrderRole = "PH" // hedged-grid secondary hedge leg
	RolePairUnwind OrderRole = "PU" // hedged-grid secondary unwind leg
	RoleRatioNum   OrderRole = "RN" // ratio strategy numerator leg
	RoleRatioDen   OrderRole = "RD" // ratio strategy denominator leg
)

// ————————————————————————————————————————————————————————————————————————
// Identity
// ————————————————————————————————————————————————————————————————————————

// NewPositionID returns a stable 8-hex position identifier: the first 8
// hex characters of a v4 UUID, generalising the Python original's
// `uuid.uuid4().hex[:8]` (SPEC_FULL §3) onto github.com/google/uuid.
func NewPositionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ClientTag encodes role, side, level, cycle, and position into the broker's
// orderUniqueIdentifier (spec §6): "{ROLE}-{SIDE}L{LEVEL}C{CYCLE}-{POSITION_ID}".
// The result is not truncated: a two-letter role stays within the broker's
// 20-char limit while level and cycle together take at most five digits.
// Used for forensic reconstruction only, not trusted for routing.
func ClientTag(role OrderRole, side Side, level, cycle int, positionID string) string {
	sideCode := "B"
	if side == SELL {
		sideCode = "S"
	}
	return fmt.Sprintf("%s-%sL%dC%d-%s", role, sideCode, level, cycle, positionID)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is what a StrategyCore hands to BrokerClient.PlaceOrder.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Product    Product
	ClientTag  string
	Validity   string // "DAY" — only validity the spec requires
}

// NormalisedOrder is the broker-agnostic shape BrokerClient.GetOrders returns
// (spec §4.1/§6). Every vendor order-book entry is mapped to this before
// FillRouter ever sees it.
type NormalisedOrder struct {
	OrderID       string
	Status        OrderStatus
	AveragePrice  decimal.Decimal
	FilledQty     decimal.Decimal
	Quantity      decimal.Decimal
	StatusMessage string
	Side          Side
	ClientTag     string
}

// CacheKey returns the dedup key FillRouter uses to detect a no-op repeat
// observation of the same order ("{status}:{filled_qty}", spec §4.3).
func (o NormalisedOrder) CacheKey() string {
	return fmt.Sprintf("%s:%s", o.Status, o.FilledQty.String())
}

// ————————————————————————————————————————————————————————————————————————
// Quotes / instruments
// ————————————————————————————————————————————————————————————————————————

// Quote is a point-in-time {ltp, best_bid, best_ask} snapshot (spec §4.1).
type Quote struct {
	LTP      decimal.Decimal
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal
	AsOf     time.Time
}

// Mid returns the bid/ask midpoint when both sides are present and
// consistent, else the zero value with ok=false.
func (q Quote) Mid() (decimal.Decimal, bool) {
	if q.BestBid.IsPositive() && q.BestAsk.IsPositive() && q.BestAsk.GreaterThanOrEqual(q.BestBid) {
		return q.BestBid.Add(q.BestAsk).Div(decimal.NewFromInt(2)), true
	}
	return decimal.Zero, false
}

// Instrument is one entry of the broker's tradable-instrument master,
// refreshed by InstrumentRegistry (spec §4.7).
type Instrument struct {
	Symbol       string
	InstrumentID int64
	TickSize     decimal.Decimal
	LotSize      int64
	Exchange     string
}

// ————————————————————————————————————————————————————————————————————————
// Target / hedge tracking
// ————————————————————————————————————————————————————————————————————————

// TargetOrder is one per-increment opposite-side target placement
// (spec §3 "the novel part" — not a single target order per position).
type TargetOrder struct {
	OrderID   string
	Qty       decimal.Decimal
	FilledQty decimal.Decimal
	FillPrice decimal.Decimal
}

// PairOrderRecord is one append-only entry in a hedged-grid position's
// pair_orders journal (spec §3).
type PairOrderRecord struct {
	OrderID string
	Role    OrderRole // PH or PU
	Qty     decimal.Decimal
	Price   decimal.Decimal
	At      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket / Socket.IO touchline events
// ————————————————————————————————————————————————————————————————————————
// These structs map the XTS-style Socket.IO v2 touchline broadcast payload
// onto Go. The wire envelope itself is `42["1502",payload]` (or
// `42["touchline",payload]`) — see broker.SocketIOFeed for the framing.

// TouchlineEvent is a push of one instrument's latest traded price and
// top-of-book bid/ask (spec §4.1 "WebSocket cache contract").
type TouchlineEvent struct {
	ExchangeSegment    string        `json:"ExchangeSegment"`
	ExchangeInstrument int64         `json:"ExchangeInstrumentID"`
	LastTradedPrice    float64       `json:"LastTradedPrice"`
	BidInfo            TouchlineSide `json:"BidInfo"`
	AskInfo            TouchlineSide `json:"AskInfo"`
	// Flat-field fallbacks some feed generations send instead of BidInfo/AskInfo.
	BidPrice float64 `json:"BidPrice,omitempty"`
	AskPrice float64 `json:"AskPrice,omitempty"`
}

// TouchlineSide is the nested best-price/size payload for one book side.
type TouchlineSide struct {
	Price float64 `json:"Price"`
	Size  float64 `json:"Size"`
}

// OrderUpdateEvent is the Socket.IO push of an order lifecycle change.
// BrokerClient treats getOrders() REST polling as the source of truth
// (spec §4.3); the feed publishes these on SocketIOFeed.OrderUpdates(),
// which nothing in the engine reads, and FillRouter does not use them.
type OrderUpdateEvent struct {
	OrderID           string  `json:"AppOrderID"`
	OrderStatus       string  `json:"OrderStatus"`
	OrderAverageTradedPrice string `json:"OrderAverageTradedPrice"`
	CumulativeQty     float64 `json:"CumulativeQuantity"`
	ClientTag         string  `json:"OrderUniqueIdentifier"`
}

// ————————————————————————————————————————————————————————————————————————
// Position — StateJournal's central entity (spec §3)
// ————————————————————————————————————————————————————————————————————————
//
// Position covers both families StateJournal persists: a grid/hedged-grid
// cell (grounded on original_source/TG/TollGate/state.py's TollGateGroup,
// extended with TG/group.py's pair-hedge fields) and a ratio-strategy pair
// trade (grounded on original_source/TG/AMM/state.py's AMMPosition). The
// two families use disjoint field groups below; a Position only ever
// populates one group, selected by Kind.

// PositionKind distinguishes which field group of a Position is populated.
type PositionKind string

const (
	KindGrid  PositionKind = "GRID"  // plain grid or hedged-grid cell
	KindRatio PositionKind = "RATIO" // ratio mean-reversion pair trade
)

// Position is the unit StateJournal's open_positions/closed_positions track.
type Position struct {
	PositionID string
	Kind       PositionKind
	Status     PositionStatus
	CycleNumber int
	CreatedAt   time.Time
	ClosedAt    *time.Time
	RealizedPnL decimal.Decimal

	// --- Grid / hedged-grid fields (Kind == KindGrid) ---
	Symbol          string
	Side            Side // entry side: BUY or SELL
	Level           int  // grid subset_index, 0..levels_per_side-1
	EntryPrice      decimal.Decimal
	TargetPrice     decimal.Decimal
	Qty             decimal.Decimal
	EntryOrderID    string
	EntryFillPrice  decimal.Decimal // VWAP across partials
	EntryFilledSoFar decimal.Decimal
	EntryFilledAt   *time.Time
	TargetOrders    []TargetOrder // one per partial-fill increment
	TargetSeq       int           // counter for T1, T2, T3...

	// Hedged-grid pair-hedge tracking, populated only when the grid has a
	// secondary instrument (has_pair=true, spec §4.8).
	SecondarySymbol  string
	PairHedgedQty    decimal.Decimal
	PairHedgeTotal   decimal.Decimal
	PairUnwoundQty   decimal.Decimal
	PairUnwindTotal  decimal.Decimal
	PairOrders       []PairOrderRecord

	// --- Ratio strategy fields (Kind == KindRatio) ---
	PairKey        string // "NUMSYMBOL/DENSYMBOL"
	Direction      Direction
	EntryRatio     float64
	EntryMean      float64
	EntrySD        float64
	NumSymbol      string
	DenSymbol      string
	NumEntryPrice  decimal.Decimal
	DenEntryPrice  decimal.Decimal
	NumQty         decimal.Decimal
	DenQty         decimal.Decimal
	NumEntryOrderID string
	DenEntryOrderID string
	NumExitOrderID  string
	DenExitOrderID  string
	NumEntryFilled  decimal.Decimal
	DenEntryFilled  decimal.Decimal
	NumExitFilled   decimal.Decimal
	DenExitFilled   decimal.Decimal
	NumEntryFillPrice decimal.Decimal
	DenEntryFillPrice decimal.Decimal
	NumExitFillPrice  decimal.Decimal
	DenExitFillPrice  decimal.Decimal
}

// TotalTargetFilledQty sums filled qty across all target orders (spec §3
// invariant: Σtarget qty ≤ entry_filled_so_far).
func (p Position) TotalTargetFilledQty() decimal.Decimal {
	total := decimal.Zero
	for _, t := range p.TargetOrders {
		total = total.Add(t.FilledQty)
	}
	return total
}

// AllTargetsFilled reports whether every placed target has been fully filled.
func (p Position) AllTargetsFilled() bool {
	if len(p.TargetOrders) == 0 {
		return false
	}
	for _, t := range p.TargetOrders {
		if t.FilledQty.LessThan(t.Qty) {
			return false
		}
	}
	return true
}

// RatioSample is one {timestamp, num_price, den_price, ratio} datapoint in a
// pair's rolling series (spec §3). Ratio statistics are descriptive, not
// money math, so float64 is used here per the teacher's convention of
// float64 for approximate/analytical quantities.
type RatioSample struct {
	Timestamp time.Time
	NumPrice  float64
	DenPrice  float64
	Ratio     float64
}
