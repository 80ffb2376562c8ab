// client.go implements the REST half of BrokerClient: login, order
// placement/cancellation, order-book polling, quote/LTP lookups, and the
// instrument-master fetch InstrumentRegistry polls.
//
// Grounded on the teacher's internal/exchange/client.go (resty client,
// rate-limited + retried request pattern) reframed from Polymarket CLOB
// wire shapes onto an XTS-style interactive API, using
// original_source/TG/hybrid_client.py as ground truth for the exact
// status-mapping and order-placement parameters.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"xts-grid-engine/internal/config"
	"xts-grid-engine/internal/session"
	"xts-grid-engine/pkg/types"
)

// staleness threshold for trusting the WebSocket-fed quote cache before
// falling back to a REST quote request (spec §4.1).
const quoteCacheStaleness = 30 * time.Second

// statusMap normalises XTS vendor order statuses, grounded on
// hybrid_client.py's _STATUS_MAP. Anything absent here is treated as OPEN
// (spec §6 — conservative, keeps the position tracked).
var statusMap = map[string]types.OrderStatus{
	"New":              types.StatusOpen,
	"PendingNew":       types.StatusOpen,
	"Open":             types.StatusOpen,
	"Replaced":         types.StatusOpen,
	"PendingReplace":   types.StatusOpen,
	"PartiallyFilled":  types.StatusPartial,
	"Filled":           types.StatusComplete,
	"Cancelled":        types.StatusCancelled,
	"PendingCancel":    types.StatusCancelled,
	"Rejected":         types.StatusRejected,
}

func normaliseStatus(vendor string) types.OrderStatus {
	if s, ok := statusMap[vendor]; ok {
		return s
	}
	return types.StatusOpen
}

// Resolver looks up a symbol's instrument metadata. Implemented by
// internal/registry.Registry; declared here (not imported from there) so
// broker has no dependency on registry, and registry none on broker.
type Resolver interface {
	Get(symbol string) (types.Instrument, bool)
}

// Client is the XTS interactive-API REST client plus its attached
// Socket.IO touchline feed and quote cache.
type Client struct {
	http     *resty.Client
	auth     *Auth
	sessions *session.Store
	rl       *RateLimiter
	resolver Resolver
	cache    *quoteCache
	feed     *SocketIOFeed
	dryRun   bool
	logger   zerolog.Logger
}

// NewClient builds a REST client with rate limiting, retry, and the
// attached WebSocket feed. Connect and GetQuote look symbols up through
// resolver directly and do not wait for it; the caller ensures the
// InstrumentRegistry has its first snapshot before calling Connect.
func NewClient(cfg config.Config, auth *Auth, sessions *session.Store, resolver Resolver, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Broker.InteractiveBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	cache := newQuoteCache()
	child := logger.With().Str("component", "broker").Logger()

	return &Client{
		http:     httpClient,
		auth:     auth,
		sessions: sessions,
		rl:       NewRateLimiter(),
		resolver: resolver,
		cache:    cache,
		feed:     NewSocketIOFeed(cfg.Broker.WSURL, cache, child),
		dryRun:   cfg.DryRun,
		logger:   child,
	}
}

// Connect performs the session-reuse/login protocol (spec §4.1 step 1),
// resolves each configured symbol against the InstrumentRegistry, registers
// them in the quote cache, and starts the Socket.IO feed in the background.
// Returns once the feed either connects or a 5s startup timeout elapses — a
// stale connection is acceptable, since REST remains available as fallback.
func (c *Client) Connect(ctx context.Context, symbols []string) error {
	if err := c.ensureSession(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	instrumentIDs := make([]int64, 0, len(symbols))
	for _, sym := range symbols {
		inst, ok := c.resolver.Get(sym)
		if !ok {
			c.logger.Warn().Str("symbol", sym).Msg("symbol not found in instrument registry")
			continue
		}
		c.cache.registerInstrument(sym, inst.InstrumentID)
		instrumentIDs = append(instrumentIDs, inst.InstrumentID)
	}

	go func() {
		if err := c.feed.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("touchline feed terminated")
		}
	}()

	startup, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.feed.WaitConnected(startup)
	if err := c.feed.Subscribe(ctx, instrumentIDs); err != nil {
		c.logger.Warn().Err(err).Msg("initial touchline subscribe failed; will retry on reconnect")
	}

	return nil
}

// Login performs the same session-reuse/fresh-login bootstrap as Connect,
// without resolving symbols or starting the touchline feed. For CLI
// subcommands (e.g. cancel-all) that need an authenticated REST session
// and nothing else.
func (c *Client) Login(ctx context.Context) error {
	return c.ensureSession(ctx)
}

// CancelAllOrders cancels every order still open or partially filled,
// returning the count successfully cancelled and the first error
// encountered (cancellation continues past individual failures so one
// rejected cancel doesn't block the rest of the book from clearing).
func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	orders, err := c.GetOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch orders: %w", err)
	}

	var firstErr error
	cancelled := 0
	for _, order := range orders {
		if order.Status != types.StatusOpen && order.Status != types.StatusPartial {
			continue
		}
		if err := c.CancelOrder(ctx, order.OrderID); err != nil {
			c.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("cancel-all: failed to cancel order")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cancelled++
	}
	return cancelled, firstErr
}

// ensureSession implements the login bootstrap half of the session-reuse
// protocol: try the shared file first, fresh-login only if that fails.
func (c *Client) ensureSession(ctx context.Context) error {
	probe := func(ctx context.Context, token string) bool {
		c.auth.SetToken(token)
		_, err := c.GetOrders(ctx)
		return err == nil
	}

	if data, ok := c.sessions.TryReuse(ctx, probe); ok {
		// A token whose exp claim has passed is stale even if the file is fresh;
		// a token without a readable claim falls back to the mtime check alone.
		if exp, err := TokenExpiry(data.Token); err != nil || time.Now().Before(exp) {
			c.auth.SetToken(data.Token)
			return nil
		}
	}

	return c.freshLogin(ctx)
}

func (c *Client) freshLogin(ctx context.Context) error {
	req, err := c.auth.LoginRequest()
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}

	var result struct {
		Token            string `json:"token"`
		UserID           string `json:"userID"`
		IsInvestorClient bool   `json:"isInvestorClient"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-TOTP-Code", req.TOTPCode).
		SetBody(req).
		SetResult(&result).
		Post("/interactive/user/session")
	if err != nil {
		return fmt.Errorf("interactive login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: interactive login status %d: %s", ErrSessionExpired, resp.StatusCode(), resp.String())
	}

	c.auth.SetToken(result.Token)
	return c.sessions.Save(session.Data{
		Token:            result.Token,
		UserID:           result.UserID,
		IsInvestorClient: result.IsInvestorClient,
	})
}

// RefreshSession re-reads the shared session file first — a sibling process
// may have just refreshed — and only performs a fresh login if that also
// fails (spec §4.1 step 2: "skipping this re-read is a bug").
func (c *Client) RefreshSession(ctx context.Context) error {
	return c.ensureSession(ctx)
}

// GetLTP returns the last traded price, preferring the WebSocket-fed cache
// when fresh, falling back to a REST quote request otherwise (spec §4.1).
func (c *Client) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := c.GetQuote(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.LTP, nil
}

// GetQuote returns {ltp, best_bid, best_ask}, preferring the cache.
func (c *Client) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	if q, ok := c.cache.get(symbol, quoteCacheStaleness); ok {
		return q, nil
	}

	if err := c.rl.Quote.Wait(ctx); err != nil {
		return types.Quote{}, err
	}

	inst, ok := c.resolver.Get(symbol)
	if !ok {
		return types.Quote{}, fmt.Errorf("%w: unknown symbol %s", ErrQuoteUnavailable, symbol)
	}

	var result struct {
		LastTradedPrice float64 `json:"LastTradedPrice"`
		BidPrice        float64 `json:"BidPrice"`
		AskPrice        float64 `json:"AskPrice"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers()).
		SetQueryParam("exchangeInstrumentID", fmt.Sprintf("%d", inst.InstrumentID)).
		SetResult(&result).
		Get("/marketdata/instruments/quotes")
	if err != nil {
		return types.Quote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Quote{}, fmt.Errorf("%w: status %d", ErrQuoteUnavailable, resp.StatusCode())
	}

	q := types.Quote{
		LTP:     decimal.NewFromFloat(result.LastTradedPrice),
		BestBid: decimal.NewFromFloat(result.BidPrice),
		BestAsk: decimal.NewFromFloat(result.AskPrice),
		AsOf:    time.Now(),
	}
	return q, nil
}

// PlaceOrder emits a DAY-validity LIMIT order, returning the broker-assigned
// order id. client_tag is round-tripped via orderUniqueIdentifier.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).
			Str("qty", req.Qty.String()).Str("price", req.Price.String()).
			Str("client_tag", req.ClientTag).Msg("DRY-RUN: would place order")
		return "dry-run-" + req.ClientTag, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	inst, ok := c.resolver.Get(req.Symbol)
	if !ok {
		return "", fmt.Errorf("place order: unknown symbol %s", req.Symbol)
	}

	body := map[string]any{
		"exchangeSegment":       inst.Exchange,
		"exchangeInstrumentID":  inst.InstrumentID,
		"orderSide":             string(req.Side),
		"orderType":             "Limit",
		"timeInForce":           "DAY",
		"orderQuantity":         req.Qty.String(),
		"limitPrice":            req.Price.String(),
		"productType":           string(req.Product),
		"orderUniqueIdentifier": req.ClientTag,
	}

	var result struct {
		Type   string `json:"type"`
		Result struct {
			AppOrderID int64 `json:"AppOrderID"`
		} `json:"result"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers()).
		SetBody(body).
		SetResult(&result).
		Post("/interactive/orders")
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrOrderRejected, resp.StatusCode(), resp.String())
	}

	return fmt.Sprintf("%d", result.Result.AppOrderID), nil
}

// CancelOrder cancels a single resting order by broker-assigned id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info().Str("order_id", orderID).Msg("DRY-RUN: would cancel order")
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers()).
		SetQueryParam("appOrderID", orderID).
		Delete("/interactive/orders")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetOrders returns every day's order in normalised form. Distinguishing a
// transport error from a genuinely empty order book is mandatory (spec
// §4.1) — callers must use the returned error, not an empty slice, to
// decide whether to trigger a session refresh.
func (c *Client) GetOrders(ctx context.Context) ([]types.NormalisedOrder, error) {
	var result struct {
		Type   string `json:"type"`
		Result []struct {
			AppOrderID              int64   `json:"AppOrderID"`
			OrderStatus             string  `json:"OrderStatus"`
			OrderAverageTradedPrice string  `json:"OrderAverageTradedPrice"`
			CumulativeQuantity      float64 `json:"CumulativeQuantity"`
			OrderQuantity           float64 `json:"OrderQuantity"`
			CancelRejectReason      string  `json:"CancelRejectReason"`
			OrderSide               string  `json:"OrderSide"`
			OrderUniqueIdentifier   string  `json:"OrderUniqueIdentifier"`
		} `json:"result"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers()).
		SetResult(&result).
		Get("/interactive/orders")
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: get orders status %d", ErrSessionExpired, resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	orders := make([]types.NormalisedOrder, 0, len(result.Result))
	for _, o := range result.Result {
		avg, _ := decimal.NewFromString(o.OrderAverageTradedPrice)
		side := types.BUY
		if o.OrderSide == "SELL" {
			side = types.SELL
		}
		orders = append(orders, types.NormalisedOrder{
			OrderID:       fmt.Sprintf("%d", o.AppOrderID),
			Status:        normaliseStatus(o.OrderStatus),
			AveragePrice:  avg,
			FilledQty:     decimal.NewFromFloat(o.CumulativeQuantity),
			Quantity:      decimal.NewFromFloat(o.OrderQuantity),
			StatusMessage: o.CancelRejectReason,
			Side:          side,
			ClientTag:     o.OrderUniqueIdentifier,
		})
	}
	return orders, nil
}

// FetchInstrumentMaster retrieves the broker's tradable-instrument catalogue.
// Polled by internal/registry.Registry on a slow cadence (spec §4.7).
func (c *Client) FetchInstrumentMaster(ctx context.Context) ([]types.Instrument, error) {
	var result struct {
		Result []struct {
			Symbol       string  `json:"DisplayName"`
			InstrumentID int64   `json:"ExchangeInstrumentID"`
			TickSize     float64 `json:"TickSize"`
			LotSize      int64   `json:"LotSize"`
			Exchange     string  `json:"ExchangeSegment"`
		} `json:"result"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers()).
		SetResult(&result).
		Get("/marketdata/instruments/master")
	if err != nil {
		return nil, fmt.Errorf("fetch instrument master: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch instrument master: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.Instrument, 0, len(result.Result))
	for _, r := range result.Result {
		out = append(out, types.Instrument{
			Symbol:       r.Symbol,
			InstrumentID: r.InstrumentID,
			TickSize:     decimal.NewFromFloat(r.TickSize),
			LotSize:      r.LotSize,
			Exchange:     r.Exchange,
		})
	}
	return out, nil
}

// Close releases the WebSocket feed.
func (c *Client) Close() error {
	return c.feed.Close()
}
