// quotecache.go maintains an in-memory, WebSocket-fed quote cache keyed by
// symbol. Grounded on the teacher's internal/market/book.go (RWMutex-guarded
// local mirror, IsStale/LastUpdated accessors) — generalised from a
// two-sided CLOB order-book mirror down to the single {ltp, best_bid,
// best_ask} touchline snapshot this domain's WebSocket feed pushes
// (spec §4.1 "WebSocket cache contract").
package broker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xts-grid-engine/pkg/types"
)

// quoteCache is a mutex-guarded symbol -> Quote map. Writes come from the
// Socket.IO reader goroutine; reads come from the strategy thread. Both take
// the lock only long enough to read or replace one entry (spec §5).
type quoteCache struct {
	mu      sync.RWMutex
	quotes  map[string]types.Quote
	symbols map[int64]string // reverse instrumentID -> symbol, built at subscribe time
}

func newQuoteCache() *quoteCache {
	return &quoteCache{
		quotes:  make(map[string]types.Quote),
		symbols: make(map[int64]string),
	}
}

func (c *quoteCache) registerInstrument(symbol string, instrumentID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[instrumentID] = symbol
}

func (c *quoteCache) applyTouchline(evt types.TouchlineEvent) {
	symbol, ok := func() (string, bool) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		s, ok := c.symbols[evt.ExchangeInstrument]
		return s, ok
	}()
	if !ok {
		return
	}

	bid := evt.BidInfo.Price
	ask := evt.AskInfo.Price
	if bid == 0 && evt.BidPrice != 0 {
		bid = evt.BidPrice
	}
	if ask == 0 && evt.AskPrice != 0 {
		ask = evt.AskPrice
	}

	q := types.Quote{
		LTP:     decimal.NewFromFloat(evt.LastTradedPrice),
		BestBid: decimal.NewFromFloat(bid),
		BestAsk: decimal.NewFromFloat(ask),
		AsOf:    time.Now(),
	}

	c.mu.Lock()
	c.quotes[symbol] = q
	c.mu.Unlock()
}

// get returns the cached quote for symbol and whether it is fresher than maxAge.
func (c *quoteCache) get(symbol string, maxAge time.Duration) (types.Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if !ok {
		return types.Quote{}, false
	}
	if time.Since(q.AsOf) > maxAge {
		return types.Quote{}, false
	}
	return q, true
}
