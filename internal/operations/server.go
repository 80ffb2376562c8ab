package operations

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"xts-grid-engine/internal/config"
)

// StatusProvider is the subset of Engine the operations surface reads from.
// Declared in the consuming package (this one) and satisfied structurally
// by *engine.Engine, matching the router/grid/ratio interface-in-consumer
// pattern used throughout this module.
type StatusProvider interface {
	Status() StatusSnapshot
	Positions() []PositionView
}

// Killer exposes the single mutating action the surface offers: asking the
// engine to shut down gracefully, the same flag SIGTERM sets (spec §10.1).
type Killer interface {
	Kill()
}

// Server runs the read-only status/control HTTP surface described in
// SPEC_FULL §10.1. Grounded on the teacher's internal/api.Server, rebuilt on
// gin instead of net/http.ServeMux.
type Server struct {
	cfg      config.OperationsConfig
	provider StatusProvider
	killer   Killer
	hub      *Hub
	metrics  *Metrics
	logger   zerolog.Logger
	http     *http.Server
}

// NewServer wires routes but does not bind a listener; call Start for that.
func NewServer(cfg config.OperationsConfig, provider StatusProvider, killer Killer, metrics *Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "operations").Logger()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		provider: provider,
		killer:   killer,
		hub:      NewHub(logger),
		metrics:  metrics,
		logger:   logger,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/positions", s.handlePositions)
	router.POST("/control/kill", s.handleKill)
	router.GET("/ws", s.handleWS)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the websocket hub and blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("operations surface starting")

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operations server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping operations surface")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// BroadcastEvent fans evt out to every connected /ws client.
func (s *Server) BroadcastEvent(evt Event) {
	s.hub.BroadcastEvent(evt)
}

func isOriginAllowed(origin string, cfg config.OperationsConfig, reqHost string) bool {
	if origin == "" {
		return true // non-browser clients routinely omit Origin
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}

var upgrader = func(cfg config.OperationsConfig) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
}
