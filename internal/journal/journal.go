// Package journal implements StateJournal: the single root document that
// owns every open/closed Position, the order->position index, grid
// anchor/spacing/reanchor bookkeeping, and per-pair ratio sample series.
//
// Grounded on the teacher's internal/store/store.go for its atomic
// tmp-file-then-rename write discipline, generalized from one file per
// market to a single root document per the schema in spec §3/§6. The
// field set and retention/capping rules (500 closed grid positions, 200
// closed ratio positions, rolling_window*2 ratio samples) are grounded on
// original_source/TG/TollGate/state.py's TollGateState and
// original_source/TG/AMM/state.py's AMMState.
package journal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xts-grid-engine/pkg/types"
)

const (
	closedGridRetention  = 500
	closedRatioRetention = 200
)

// document is the on-disk root schema (spec §6).
type document struct {
	Anchor             map[string]float64        `json:"anchor"`        // symbol -> anchor_price
	Spacing            map[string]float64         `json:"spacing"`       // symbol -> current_spacing
	TotalRealizedPnL   float64                    `json:"total_realized_pnl"`
	TotalCycles        int                        `json:"total_cycles"`
	NetInventory       map[string]float64         `json:"net_inventory"` // symbol -> signed qty
	BuyReanchorCount   map[string]int             `json:"buy_reanchor_count"`
	SellReanchorCount  map[string]int             `json:"sell_reanchor_count"`
	TotalReanchors     int                        `json:"total_reanchors"`
	OpenPositions      map[string]types.Position  `json:"open_positions"`
	ClosedPositions    []types.Position           `json:"closed_positions"`
	OrderToPosition    map[string]string           `json:"order_to_position"`
	LevelCycleCounters map[string]int              `json:"level_cycle_counters"` // "BUY:0" -> next cycle
	RatioSeries        map[string][]types.RatioSample `json:"ratio_series"`      // pair key -> samples
	LastUpdated        time.Time                  `json:"last_updated"`
}

func newDocument() document {
	return document{
		Anchor:             make(map[string]float64),
		Spacing:            make(map[string]float64),
		NetInventory:       make(map[string]float64),
		BuyReanchorCount:   make(map[string]int),
		SellReanchorCount:  make(map[string]int),
		OpenPositions:      make(map[string]types.Position),
		OrderToPosition:    make(map[string]string),
		LevelCycleCounters: make(map[string]int),
		RatioSeries:        make(map[string][]types.RatioSample),
	}
}

// Journal owns the root document and serializes all mutating access. Every
// exported method takes the lock; callers never see a torn read.
type Journal struct {
	path         string
	rollingWindow int // for ratio_series retention (2x rolling window kept)
	mu           sync.Mutex
	doc          document
}

// Open returns a Journal backed by <dir>/state.json, starting from an empty
// document until Load is called.
func Open(dir string, rollingWindow int) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{
		path:          filepath.Join(dir, "state.json"),
		rollingWindow: rollingWindow,
		doc:           newDocument(),
	}, nil
}

// Load reads the root document from disk. A missing file is not an error —
// the journal starts fresh. A file that fails to parse is copied to
// <path>.corrupt-<timestamp> and Load returns an error, leaving the
// in-memory document empty; Load does not itself continue with that empty
// state in place of the error.
func (j *Journal) Load() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	body, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read journal: %w", err)
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		corrupt := j.path + ".corrupt-" + time.Now().UTC().Format("20060102T150405")
		_ = os.WriteFile(corrupt, body, 0o600)
		return fmt.Errorf("unmarshal journal (preserved at %s): %w", corrupt, err)
	}

	if doc.OpenPositions == nil {
		doc.OpenPositions = make(map[string]types.Position)
	}
	if doc.OrderToPosition == nil {
		doc.OrderToPosition = make(map[string]string)
	}
	if doc.LevelCycleCounters == nil {
		doc.LevelCycleCounters = make(map[string]int)
	}
	if doc.RatioSeries == nil {
		doc.RatioSeries = make(map[string][]types.RatioSample)
	}
	if doc.Anchor == nil {
		doc.Anchor = make(map[string]float64)
	}
	if doc.Spacing == nil {
		doc.Spacing = make(map[string]float64)
	}
	if doc.NetInventory == nil {
		doc.NetInventory = make(map[string]float64)
	}
	if doc.BuyReanchorCount == nil {
		doc.BuyReanchorCount = make(map[string]int)
	}
	if doc.SellReanchorCount == nil {
		doc.SellReanchorCount = make(map[string]int)
	}

	j.doc = doc
	return nil
}

// Save persists the root document atomically: write to .tmp, then rename.
func (j *Journal) Save() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saveLocked()
}

func (j *Journal) saveLocked() error {
	j.doc.LastUpdated = time.Now()

	body, err := json.MarshalIndent(j.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return os.Rename(tmp, j.path)
}

// --- anchor / spacing / reanchor bookkeeping ---

func (j *Journal) Anchor(symbol string) decimal.Decimal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return decimalFromFloat(j.doc.Anchor[symbol])
}

func (j *Journal) SetAnchor(symbol string, anchor decimal.Decimal) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, _ := anchor.Float64()
	j.doc.Anchor[symbol] = v
}

func (j *Journal) Spacing(symbol string) decimal.Decimal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return decimalFromFloat(j.doc.Spacing[symbol])
}

func (j *Journal) SetSpacing(symbol string, spacing decimal.Decimal) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, _ := spacing.Float64()
	j.doc.Spacing[symbol] = v
}

func (j *Journal) NetInventory(symbol string) decimal.Decimal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return decimalFromFloat(j.doc.NetInventory[symbol])
}

func (j *Journal) AddNetInventory(symbol string, delta decimal.Decimal) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, _ := delta.Float64()
	j.doc.NetInventory[symbol] += v
}

// RecordReanchor increments the side-specific and total reanchor counters.
func (j *Journal) RecordReanchor(symbol string, side types.Side) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if side == types.BUY {
		j.doc.BuyReanchorCount[symbol]++
	} else {
		j.doc.SellReanchorCount[symbol]++
	}
	j.doc.TotalReanchors++
}

func (j *Journal) ReanchorCounts(symbol string) (buy, sell, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doc.BuyReanchorCount[symbol], j.doc.SellReanchorCount[symbol], j.doc.TotalReanchors
}

// NextCycleForLevel returns and increments the cycle counter for a
// (side, level) key, grounded on TollGateState.next_cycle_for_level.
func (j *Journal) NextCycleForLevel(side types.Side, level int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := fmt.Sprintf("%s:%d", side, level)
	current, ok := j.doc.LevelCycleCounters[key]
	if !ok {
		current = 1
	}
	j.doc.LevelCycleCounters[key] = current + 1
	return current
}

// --- position lifecycle ---

// AddPosition registers a new open position and indexes its entry order
// (and, for ratio positions, both leg entry orders).
func (j *Journal) AddPosition(pos types.Position) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.doc.OpenPositions[pos.PositionID] = pos

	switch pos.Kind {
	case types.KindGrid:
		if pos.EntryOrderID != "" {
			j.doc.OrderToPosition[pos.EntryOrderID] = pos.PositionID
		}
	case types.KindRatio:
		if pos.NumEntryOrderID != "" {
			j.doc.OrderToPosition[pos.NumEntryOrderID] = pos.PositionID
		}
		if pos.DenEntryOrderID != "" {
			j.doc.OrderToPosition[pos.DenEntryOrderID] = pos.PositionID
		}
	}
}

// RegisterOrder maps a new order id (e.g. a target or exit leg) onto an
// existing position id. order_to_position is a weak, rebuildable index
// (spec §3) — it is never the source of truth for position contents.
func (j *Journal) RegisterOrder(orderID, positionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.doc.OrderToPosition[orderID] = positionID
}

// GetPositionByOrder looks up the open position an order belongs to.
func (j *Journal) GetPositionByOrder(orderID string) (types.Position, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pid, ok := j.doc.OrderToPosition[orderID]
	if !ok {
		return types.Position{}, false
	}
	pos, ok := j.doc.OpenPositions[pid]
	return pos, ok
}

// UpdatePosition overwrites an open position's stored state (after a fill,
// hedge increment, etc). No-op if the position has already closed.
func (j *Journal) UpdatePosition(pos types.Position) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.doc.OpenPositions[pos.PositionID]; !ok {
		return
	}
	j.doc.OpenPositions[pos.PositionID] = pos
}

// GetOpenPosition returns an open position by id.
func (j *Journal) GetOpenPosition(positionID string) (types.Position, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pos, ok := j.doc.OpenPositions[positionID]
	return pos, ok
}

// OpenPositionsForSymbol returns every open position for one grid symbol.
func (j *Journal) OpenPositionsForSymbol(symbol string) []types.Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.Position
	for _, p := range j.doc.OpenPositions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// OpenPositionsForPair returns every open position for one ratio pair key,
// mirroring OpenPositionsForSymbol for the ratio (Kind == KindRatio) family.
func (j *Journal) OpenPositionsForPair(pairKey string) []types.Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.Position
	for _, p := range j.doc.OpenPositions {
		if p.Kind == types.KindRatio && p.PairKey == pairKey {
			out = append(out, p)
		}
	}
	return out
}

// DropPosition removes a position from open_positions without creating a
// closed_positions entry and without touching total_realized_pnl — used
// only for the REJECTED-order reconciliation path (spec §7 category 3 /
// Scenario F): the position is invisible to PnL, as if it never existed.
func (j *Journal) DropPosition(positionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.doc.OpenPositions, positionID)
	for orderID, pid := range j.doc.OrderToPosition {
		if pid == positionID {
			delete(j.doc.OrderToPosition, orderID)
		}
	}
}

// ClosePosition moves an open position to closed_positions, accumulates its
// realized PnL into the running total, and retires its order index entries.
// Closed positions are immutable thereafter and capped at a fixed retention
// (spec §3 invariant).
func (j *Journal) ClosePosition(positionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	pos, ok := j.doc.OpenPositions[positionID]
	if !ok {
		return
	}
	delete(j.doc.OpenPositions, positionID)

	now := time.Now()
	pos.ClosedAt = &now

	j.doc.TotalRealizedPnL += mustFloat64(pos.RealizedPnL)
	// Re-anchor closures keep their CANCELLED status and are not round-trips.
	if pos.Status != types.StatusCancelledPos {
		pos.Status = types.StatusClosed
		if pos.Kind == types.KindGrid {
			j.doc.TotalCycles++
		}
	}
	j.doc.ClosedPositions = append(j.doc.ClosedPositions, pos)

	retention := closedGridRetention
	if pos.Kind == types.KindRatio {
		retention = closedRatioRetention
	}
	if len(j.doc.ClosedPositions) > retention {
		j.doc.ClosedPositions = j.doc.ClosedPositions[len(j.doc.ClosedPositions)-retention:]
	}

	for orderID, pid := range j.doc.OrderToPosition {
		if pid == positionID {
			delete(j.doc.OrderToPosition, orderID)
		}
	}
}

// TotalRealizedPnL returns the running total (spec §8 invariant: must equal
// the sum of every closed position's realized_pnl at every save).
func (j *Journal) TotalRealizedPnL() decimal.Decimal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return decimalFromFloat(j.doc.TotalRealizedPnL)
}

// ClosedPositions returns a copy of the closed-position retention buffer.
func (j *Journal) ClosedPositions() []types.Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.Position, len(j.doc.ClosedPositions))
	copy(out, j.doc.ClosedPositions)
	return out
}

// AllOpenPositions returns every open position, grid and ratio alike, for
// the read-only operations surface (§10.1's GET /positions).
func (j *Journal) AllOpenPositions() []types.Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.Position, 0, len(j.doc.OpenPositions))
	for _, p := range j.doc.OpenPositions {
		out = append(out, p)
	}
	return out
}

// TotalCycles returns the running count of completed grid round-trips.
func (j *Journal) TotalCycles() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doc.TotalCycles
}

// --- ratio sample series ---

// AddSample appends a ratio sample for pairKey, trimming to 2x the rolling
// window (spec §3 "kept for chart display", grounded on AMMState.add_sample).
func (j *Journal) AddSample(pairKey string, sample types.RatioSample) {
	j.mu.Lock()
	defer j.mu.Unlock()
	series := append(j.doc.RatioSeries[pairKey], sample)
	maxKeep := j.rollingWindow * 2
	if maxKeep > 0 && len(series) > maxKeep {
		series = series[len(series)-maxKeep:]
	}
	j.doc.RatioSeries[pairKey] = series
}

// SampleCount returns how many ratio samples a pair has accumulated, used
// only to report warmup progress (spec §4.5, grounded on `_sample_ratios`'s
// "warmup %d/%d" debug log).
func (j *Journal) SampleCount(pairKey string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.doc.RatioSeries[pairKey])
}

// GetRollingStats computes the mean and sample (n-1) standard deviation of
// the most recent rolling_window samples, returning ok=false until warmed up.
func (j *Journal) GetRollingStats(pairKey string) (mean, sd float64, ok bool) {
	j.mu.Lock()
	series := append([]types.RatioSample(nil), j.doc.RatioSeries[pairKey]...)
	j.mu.Unlock()

	if len(series) < j.rollingWindow {
		return 0, 0, false
	}
	recent := series[len(series)-j.rollingWindow:]

	sum := 0.0
	for _, s := range recent {
		sum += s.Ratio
	}
	mean = sum / float64(len(recent))

	if len(recent) < 2 {
		return mean, 0, true
	}
	variance := 0.0
	for _, s := range recent {
		d := s.Ratio - mean
		variance += d * d
	}
	variance /= float64(len(recent) - 1)
	return mean, math.Sqrt(variance), true
}

func mustFloat64(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
