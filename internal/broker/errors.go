package broker

import "errors"

// Sentinel errors per the error taxonomy in spec §7, compared with errors.Is
// at call sites rather than string-matched.
var (
	// ErrSessionExpired is returned when a REST call fails with an
	// auth-typed error, triggering RefreshSession (spec §7 category 2).
	ErrSessionExpired = errors.New("broker: session expired")

	// ErrQuoteUnavailable is returned when both the WebSocket cache and the
	// REST fallback fail to produce a quote (spec §4.1).
	ErrQuoteUnavailable = errors.New("broker: quote unavailable")

	// ErrOrderRejected is surfaced (never retried) when placeOrder itself
	// reports rejection rather than returning an order id (spec §7 category 5).
	ErrOrderRejected = errors.New("broker: order rejected")
)
