// ws.go implements the touchline/order-update feed over XTS's Socket.IO v2
// transport. Grounded on the teacher's internal/exchange/ws.go — same
// reconnect/backoff loop, ping/read-deadline shape, and non-blocking
// dispatch-with-drop pattern — reframed from the Polymarket market/user
// WebSocket channels onto Socket.IO's "42[event,payload]" envelope.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"xts-grid-engine/pkg/types"
)

const (
	wsMinBackoff  = 1 * time.Second
	wsMaxBackoff  = 30 * time.Second
	wsPingEvery   = 50 * time.Second
	wsReadTimeout = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// SocketIOFeed maintains one reconnecting Socket.IO connection carrying
// touchline ("1502") and order-update ("order") events.
type SocketIOFeed struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.Mutex
	subscribed   map[int64]bool

	connectedOnce sync.Once
	connectedCh   chan struct{}

	orderCh chan types.OrderUpdateEvent

	cache  *quoteCache
	logger zerolog.Logger
}

// NewSocketIOFeed builds a feed that writes touchline ticks into cache.
func NewSocketIOFeed(url string, cache *quoteCache, logger zerolog.Logger) *SocketIOFeed {
	return &SocketIOFeed{
		url:         url,
		subscribed:  make(map[int64]bool),
		connectedCh: make(chan struct{}),
		orderCh:     make(chan types.OrderUpdateEvent, 64),
		cache:       cache,
		logger:      logger.With().Str("component", "ws").Logger(),
	}
}

// OrderUpdates exposes the order-event channel read-only.
func (f *SocketIOFeed) OrderUpdates() <-chan types.OrderUpdateEvent { return f.orderCh }

// WaitConnected blocks until the first successful connection or ctx expires.
func (f *SocketIOFeed) WaitConnected(ctx context.Context) {
	select {
	case <-f.connectedCh:
	case <-ctx.Done():
	}
}

// Run drives the reconnect loop with exponential backoff until ctx is
// cancelled.
func (f *SocketIOFeed) Run(ctx context.Context) error {
	backoff := wsMinBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := f.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("touchline feed disconnected")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (f *SocketIOFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	// Socket.IO engine.io connect packet for the default namespace.
	if err := f.writeRaw("40"); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	f.connectedOnce.Do(func() { close(f.connectedCh) })
	f.resendSubscriptions(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go f.pingLoop(stop)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *SocketIOFeed) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.writeRaw("2"); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Subscribe sends a touchline subscription for the given instrument ids and
// remembers them so a reconnect can resend the subscription set.
func (f *SocketIOFeed) Subscribe(ctx context.Context, instrumentIDs []int64) error {
	f.subscribedMu.Lock()
	for _, id := range instrumentIDs {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	if len(instrumentIDs) == 0 {
		return nil
	}
	return f.sendSubscribe(instrumentIDs)
}

func (f *SocketIOFeed) resendSubscriptions(ctx context.Context) {
	f.subscribedMu.Lock()
	ids := make([]int64, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := f.sendSubscribe(ids); err != nil {
		f.logger.Warn().Err(err).Msg("resubscribe after reconnect failed")
	}
}

func (f *SocketIOFeed) sendSubscribe(instrumentIDs []int64) error {
	payload := map[string]any{
		"instruments": instrumentIDs,
		"xtsMessageCode": 1502,
	}
	body, err := json.Marshal([]any{"subscribe", payload})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	return f.writeRaw("42" + string(body))
}

// dispatchMessage decodes one Socket.IO frame and routes recognised events
// onto the quote cache / order channel. Unrecognised frames and event types
// are dropped, matching the teacher's non-blocking peek-and-switch pattern.
func (f *SocketIOFeed) dispatchMessage(raw []byte) {
	s := string(raw)
	if !strings.HasPrefix(s, "42") {
		return // engine.io control frame (ping/pong/connect ack) — ignored
	}

	var frame []json.RawMessage
	if err := json.Unmarshal([]byte(s[2:]), &frame); err != nil || len(frame) < 2 {
		return
	}

	var event string
	if err := json.Unmarshal(frame[0], &event); err != nil {
		return
	}

	switch event {
	case "1502", "touchline":
		var evt types.TouchlineEvent
		if err := json.Unmarshal(frame[1], &evt); err != nil {
			f.logger.Warn().Err(err).Msg("malformed touchline event")
			return
		}
		f.cache.applyTouchline(evt)

	case "order":
		var evt types.OrderUpdateEvent
		if err := json.Unmarshal(frame[1], &evt); err != nil {
			f.logger.Warn().Err(err).Msg("malformed order event")
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn().Msg("order event channel full, dropping")
		}

	default:
		// informational / unhandled event type — ignored
	}
}

func (f *SocketIOFeed) writeRaw(msg string) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	conn := f.conn
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close tears down the active connection, if any.
func (f *SocketIOFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}
