package operations

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"xts-grid-engine/internal/config"
)

type fakeProvider struct {
	status    StatusSnapshot
	positions []PositionView
}

func (f *fakeProvider) Status() StatusSnapshot    { return f.status }
func (f *fakeProvider) Positions() []PositionView { return f.positions }

type fakeKiller struct{ killed bool }

func (f *fakeKiller) Kill() { f.killed = true }

func newTestServer(cfg config.OperationsConfig) (*Server, *fakeProvider, *fakeKiller) {
	provider := &fakeProvider{status: StatusSnapshot{Strategy: "grid"}}
	killer := &fakeKiller{}
	return NewServer(cfg, provider, killer, nil, zerolog.Nop()), provider, killer
}

func TestHandleHealthAlwaysOK(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(config.OperationsConfig{})
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestHandleStatusReturnsProviderSnapshot(t *testing.T) {
	t.Parallel()
	s, provider, _ := newTestServer(config.OperationsConfig{})
	provider.status.TotalRealizedPnL = "42.50"

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "42.50")
}

// TestHandleKillRequiresMatchingBearerToken covers the control endpoint's
// auth gate: no token configured disables it, a missing/incorrect bearer
// token is rejected, and the correct one invokes Kill.
func TestHandleKillRequiresMatchingBearerToken(t *testing.T) {
	t.Parallel()

	t.Run("disabled without a configured token", func(t *testing.T) {
		s, _, killer := newTestServer(config.OperationsConfig{})
		req := httptest.NewRequest("POST", "/control/kill", nil)
		rec := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rec, req)
		require.Equal(t, 403, rec.Code)
		require.False(t, killer.killed)
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		s, _, killer := newTestServer(config.OperationsConfig{ControlToken: "secret"})
		req := httptest.NewRequest("POST", "/control/kill", nil)
		rec := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rec, req)
		require.Equal(t, 401, rec.Code)
		require.False(t, killer.killed)
	})

	t.Run("accepts the matching bearer token", func(t *testing.T) {
		s, _, killer := newTestServer(config.OperationsConfig{ControlToken: "secret"})
		req := httptest.NewRequest("POST", "/control/kill", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rec, req)
		require.Equal(t, 200, rec.Code)
		require.True(t, killer.killed)
	})
}

// TestIsOriginAllowed covers the three matching paths: an explicit
// allow-list, the bare-localhost default, and same-host fallback.
func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	t.Run("empty origin passes (non-browser clients)", func(t *testing.T) {
		require.True(t, isOriginAllowed("", config.OperationsConfig{}, "engine.local:9090"))
	})

	t.Run("explicit allow-list match", func(t *testing.T) {
		cfg := config.OperationsConfig{AllowedOrigins: []string{"https://dash.example.com"}}
		require.True(t, isOriginAllowed("https://dash.example.com", cfg, "engine.local:9090"))
		require.False(t, isOriginAllowed("https://evil.example.com", cfg, "engine.local:9090"))
	})

	t.Run("localhost default without an allow-list", func(t *testing.T) {
		require.True(t, isOriginAllowed("http://localhost:3000", config.OperationsConfig{}, "engine.local:9090"))
	})

	t.Run("same-host fallback without an allow-list", func(t *testing.T) {
		require.True(t, isOriginAllowed("http://engine.local:3000", config.OperationsConfig{}, "engine.local:9090"))
		require.False(t, isOriginAllowed("http://other.local:3000", config.OperationsConfig{}, "engine.local:9090"))
	})
}
