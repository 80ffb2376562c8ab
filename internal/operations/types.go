// Package operations implements OperationsSurface: a local read-only
// status/control HTTP API, Prometheus metrics, and a fill/event websocket
// feed layered over EngineLoop's running state.
//
// Grounded on the teacher's internal/api package (Server/Handlers/Hub/
// snapshot/stream), re-implemented with github.com/gin-gonic/gin instead of
// net/http.ServeMux — grounded instead on poorman-SynapseStrike/api's gin
// usage, since gin appears nowhere in the teacher's own dashboard server but
// is the pack's only HTTP-router dependency (SPEC_FULL §10.1).
package operations

import (
	"time"

	"xts-grid-engine/pkg/types"
)

// PositionView is the JSON projection of a types.Position returned by
// GET /positions, trimmed to fields an operator actually wants to see.
type PositionView struct {
	PositionID  string    `json:"position_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Symbol      string    `json:"symbol,omitempty"`
	PairKey     string    `json:"pair_key,omitempty"`
	Side        string    `json:"side,omitempty"`
	Direction   string    `json:"direction,omitempty"`
	Level       int       `json:"level,omitempty"`
	CycleNumber int       `json:"cycle_number,omitempty"`
	EntryPrice  string    `json:"entry_price,omitempty"`
	Qty         string    `json:"qty,omitempty"`
	RealizedPnL string    `json:"realized_pnl"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewPositionView projects a types.Position into its wire representation.
func NewPositionView(p types.Position) PositionView {
	v := PositionView{
		PositionID:  p.PositionID,
		Kind:        string(p.Kind),
		Status:      string(p.Status),
		CycleNumber: p.CycleNumber,
		RealizedPnL: p.RealizedPnL.String(),
		CreatedAt:   p.CreatedAt,
	}
	switch p.Kind {
	case types.KindGrid:
		v.Symbol = p.Symbol
		v.Side = string(p.Side)
		v.Level = p.Level
		v.EntryPrice = p.EntryPrice.String()
		v.Qty = p.Qty.String()
	case types.KindRatio:
		v.PairKey = p.PairKey
		v.Direction = string(p.Direction)
		v.Qty = p.NumQty.String()
	}
	return v
}

// RatioWarmup reports how far one pair's sample series has progressed
// toward its configured warmup threshold (spec §7 "ratio warmup per pair").
type RatioWarmup struct {
	PairKey   string `json:"pair_key"`
	Samples   int    `json:"samples"`
	Required  int    `json:"required"`
	WarmedUp  bool   `json:"warmed_up"`
}

// StatusSnapshot is the payload for GET /status, mirroring the teacher's
// BuildSnapshot (spec §10.1).
type StatusSnapshot struct {
	Timestamp         time.Time     `json:"timestamp"`
	Strategy          string        `json:"strategy"`
	Symbols           []string      `json:"symbols"`
	Anchor            string        `json:"anchor,omitempty"`
	Spacing           string        `json:"spacing,omitempty"`
	TotalRealizedPnL  string        `json:"total_realized_pnl"`
	TotalCycles       int           `json:"total_cycles"`
	OpenPositions     int           `json:"open_positions"`
	ClosedPositions   int           `json:"closed_positions"`
	BuyReanchors      int           `json:"buy_reanchors,omitempty"`
	SellReanchors     int           `json:"sell_reanchors,omitempty"`
	TotalReanchors    int           `json:"total_reanchors,omitempty"`
	RatioWarmup       []RatioWarmup `json:"ratio_warmup,omitempty"`
}

// Event is one item broadcast over the /ws feed: fills, re-anchors, and the
// snapshot sent on connect (spec §10.1).
type Event struct {
	Type      string      `json:"type"` // "fill", "reanchor", "snapshot"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// FillEvent is the Data payload of an Event{Type: "fill"} — the same
// increment handed to the audit ledger (SPEC_FULL §10.3), broadcast live.
type FillEvent struct {
	PositionID string `json:"position_id"`
	OrderID    string `json:"order_id"`
	Role       string `json:"role"` // "entry" or "exit"
	Side       string `json:"side"`
	Qty        string `json:"qty"`
	Price      string `json:"price"`
}

// ReanchorEvent is the Data payload of an Event{Type: "reanchor"}.
type ReanchorEvent struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
}
