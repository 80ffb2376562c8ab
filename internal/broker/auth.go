// Package broker implements the BrokerClient capability: a resty-based REST
// client against an XTS-style interactive API, and a gorilla/websocket feed
// speaking a thin Socket.IO v2 framing for touchline market data.
//
// auth.go replaces the teacher's EIP-712/HMAC wallet auth (Polymarket has no
// broker login — orders are self-signed) with a plain interactive login:
// app key + secret key, optionally stepped up with a TOTP code for brokers
// that require one on headless logins. The resulting bearer token is handed
// to SessionStore (internal/session) for cross-process sharing; this file
// only knows how to mint credentials and read a token's claimed expiry.
package broker

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"

	"xts-grid-engine/internal/config"
)

// LoginRequest is what the interactive-login endpoint expects.
type LoginRequest struct {
	AppKey    string `json:"appKey"`
	SecretKey string `json:"secretKey"`
	TOTPCode  string `json:"-"` // sent as a separate header/step by some brokers, not part of the JSON body
}

// Auth mints interactive-login credentials and holds the resulting bearer
// token for building authenticated request headers. It does not own the
// session file — that discipline lives in internal/session.
type Auth struct {
	appKey     string
	secretKey  string
	totpSecret string // base32 TOTP seed; empty if the account doesn't require one
	token      string
}

// NewAuth builds an Auth from broker config.
func NewAuth(cfg config.BrokerConfig) *Auth {
	return &Auth{
		appKey:     cfg.AppKey,
		secretKey:  cfg.SecretKey,
		totpSecret: cfg.TOTPSecret,
	}
}

// LoginRequest builds the interactive-login request, deriving the current
// TOTP code via github.com/pquerna/otp/totp when a secret is configured —
// many Indian broker interactive-login flows require a rotating OTP for
// headless automation (spec §4.1, §9).
func (a *Auth) LoginRequest() (LoginRequest, error) {
	req := LoginRequest{AppKey: a.appKey, SecretKey: a.secretKey}
	if a.totpSecret == "" {
		return req, nil
	}
	code, err := totp.GenerateCode(a.totpSecret, time.Now())
	if err != nil {
		return LoginRequest{}, fmt.Errorf("generate totp code: %w", err)
	}
	req.TOTPCode = code
	return req, nil
}

// SetToken stores the bearer token returned by a successful login.
func (a *Auth) SetToken(token string) {
	a.token = token
}

// Token returns the current bearer token.
func (a *Auth) Token() string {
	return a.token
}

// Headers returns the Authorization header for trading/market-data requests.
func (a *Auth) Headers() map[string]string {
	return map[string]string{"Authorization": a.token}
}

// TokenExpiry parses (never verifies — this is not a trust boundary, just a
// second staleness signal alongside the session file's mtime) the bearer
// token's "exp" claim, grounded on poorman-SynapseStrike's auth package use
// of golang-jwt for claim inspection.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return time.Unix(int64(exp), 0), nil
}
