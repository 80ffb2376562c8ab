// Package engine implements EngineLoop: the orchestrator that wires broker,
// session, registry, journal, router, and exactly one StrategyCore variant
// together and drives them until cancelled.
//
// Grounded on the teacher's internal/engine/engine.go (New/Start/Stop,
// signal-driven shutdown, goroutine fan-out) generalized per SPEC_FULL
// §4.6/§5 onto the single poll-loop shape of the Python originals'
// `_run_loop`: there is no per-market slot table here — one process runs
// exactly one grid/hedged-grid/ratio instance against one symbol or pair
// (spec §6), so the teacher's scanner-driven start/stop-market machinery
// collapses into a single long-lived strategy plus a fixed poll cadence.
// Uses golang.org/x/sync/errgroup (grounded on poorman-SynapseStrike and
// stadam23-Eve-flipper) to fan out the poll loop, the ratio sample loop,
// and the registry poller under one cancellable context, replacing the
// teacher's ad hoc sync.WaitGroup goroutine bookkeeping.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"xts-grid-engine/internal/broker"
	"xts-grid-engine/internal/config"
	"xts-grid-engine/internal/grid"
	"xts-grid-engine/internal/journal"
	"xts-grid-engine/internal/ledger"
	"xts-grid-engine/internal/operations"
	"xts-grid-engine/internal/ratio"
	"xts-grid-engine/internal/registry"
	"xts-grid-engine/internal/router"
	"xts-grid-engine/internal/session"
	"xts-grid-engine/pkg/types"
)

// resolverRef is a settable broker.Resolver, used to break the
// client<->registry construction cycle: the registry needs the client as
// its Fetcher, and the client needs the registry as its Resolver, so
// neither can be constructed fully formed before the other. The client
// holds this indirection instead of a concrete *registry.Registry.
type resolverRef struct {
	get func(symbol string) (types.Instrument, bool)
}

func (r *resolverRef) Get(symbol string) (types.Instrument, bool) {
	if r.get == nil {
		return types.Instrument{}, false
	}
	return r.get(symbol)
}

// Engine owns every subsystem's lifecycle for one strategy process.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger

	client   *broker.Client
	sessions *session.Store
	reg      *registry.Registry
	journ    *journal.Journal
	rtr      *router.Router
	ledger   *ledger.Store

	// exactly one of these is non-nil, selected by cfg.Strategy.
	gridStrategy  *grid.Grid
	ratioStrategy *ratio.Ratio

	symbols []string
	ratioPairKey string

	ops     *operations.Server
	metrics *operations.Metrics
	cancel  context.CancelFunc
}

// New wires every subsystem for cfg but does not start any goroutine or
// touch the network — that is Run's job.
func New(cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	logger = logger.With().Str("component", "engine").Logger()

	sessions, err := session.Open(cfg.Broker.SessionDir, cfg.Broker.SessionMaxAge)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	journ, err := journal.Open(cfg.Store.DataDir, cfg.Ratio.RollingWindow)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := journ.Load(); err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	auth := broker.NewAuth(cfg.Broker)
	ref := &resolverRef{}
	client := broker.NewClient(cfg, auth, sessions, ref, logger)
	reg := registry.New(client, time.Hour, logger)
	ref.get = reg.Get

	var ledgerStore *ledger.Store
	if cfg.Store.LedgerPath != "" {
		ledgerStore, err = ledger.Open(cfg.Store.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open fill ledger: %w", err)
		}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		sessions: sessions,
		reg:      reg,
		journ:    journ,
		ledger:   ledgerStore,
	}

	switch cfg.Strategy {
	case config.StrategyGrid, config.StrategyHedgedGrid:
		e.symbols = []string{cfg.Grid.Symbol}
		if cfg.Grid.HasPair {
			e.symbols = append(e.symbols, cfg.Grid.SecondarySymbol)
		}
		e.gridStrategy = grid.New(cfg.Grid, client, journ, logger)
		e.rtr = router.New(client, journ, e.gridStrategy)

	case config.StrategyRatio:
		e.symbols = []string{cfg.Ratio.NumeratorSymbol, cfg.Ratio.DenominatorSymbol}
		e.ratioPairKey = fmt.Sprintf("%s/%s", cfg.Ratio.NumeratorSymbol, cfg.Ratio.DenominatorSymbol)
		e.ratioStrategy = ratio.New(cfg.Ratio, client, journ, logger)
		e.rtr = router.New(client, journ, e.ratioStrategy)

	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}

	if cfg.Operations.Enabled {
		e.metrics = operations.NewMetrics()
		e.ops = operations.NewServer(cfg.Operations, e, e, e.metrics, logger)
	}

	if e.ledger != nil || e.metrics != nil || e.ops != nil {
		e.rtr.SetRecorder(&fillRecorder{ledger: e.ledger, metrics: e.metrics, ops: e.ops})
	}
	if e.gridStrategy != nil && (e.metrics != nil || e.ops != nil) {
		e.gridStrategy.SetReanchorObserver(&reanchorBroadcaster{symbol: cfg.Grid.Symbol, metrics: e.metrics, ops: e.ops})
	}

	return e, nil
}

// fillRecorder fans one Router.Recorder callback out to the audit ledger
// (persistent record), the Prometheus fills counter, and the /ws event feed
// (live "fill" events per spec §10.1/§10.2/§10.3) — any of the three may be
// nil depending on cfg.Store.LedgerPath/cfg.Operations.Enabled.
type fillRecorder struct {
	ledger  *ledger.Store
	metrics *operations.Metrics
	ops     *operations.Server
}

func (f *fillRecorder) RecordFill(ctx context.Context, positionID, orderID, role string, side types.Side, qty, price string) error {
	if f.metrics != nil {
		f.metrics.RecordFill(role)
	}
	if f.ops != nil {
		f.ops.BroadcastEvent(operations.Event{
			Type:      "fill",
			Timestamp: time.Now(),
			Data: operations.FillEvent{
				PositionID: positionID, OrderID: orderID, Role: role,
				Side: string(side), Qty: qty, Price: price,
			},
		})
	}
	if f.ledger != nil {
		return f.ledger.RecordFill(ctx, positionID, orderID, role, side, qty, price)
	}
	return nil
}

// reanchorBroadcaster fans one grid.ReanchorObserver callback out to the
// Prometheus reanchor counter and the /ws event feed's "reanchor" events.
type reanchorBroadcaster struct {
	symbol  string
	metrics *operations.Metrics
	ops     *operations.Server
}

func (r *reanchorBroadcaster) RecordReanchor(side string) {
	if r.metrics != nil {
		r.metrics.RecordReanchor(side)
	}
	if r.ops != nil {
		r.ops.BroadcastEvent(operations.Event{
			Type:      "reanchor",
			Timestamp: time.Now(),
			Data:      operations.ReanchorEvent{Symbol: r.symbol, Side: side},
		})
	}
}

// Status implements operations.StatusProvider, building a point-in-time
// snapshot from exported, mutex-guarded journal accessors only — the
// operations surface never reaches into engine internals directly (spec §5).
func (e *Engine) Status() operations.StatusSnapshot {
	snap := operations.StatusSnapshot{
		Timestamp:        time.Now(),
		Strategy:         string(e.cfg.Strategy),
		Symbols:          e.symbols,
		TotalRealizedPnL: e.journ.TotalRealizedPnL().String(),
		TotalCycles:      e.journ.TotalCycles(),
		OpenPositions:    len(e.journ.AllOpenPositions()),
		ClosedPositions:  len(e.journ.ClosedPositions()),
	}

	if e.gridStrategy != nil {
		snap.Anchor = e.journ.Anchor(e.cfg.Grid.Symbol).String()
		snap.Spacing = e.journ.Spacing(e.cfg.Grid.Symbol).String()
		buy, sell, total := e.journ.ReanchorCounts(e.cfg.Grid.Symbol)
		snap.BuyReanchors, snap.SellReanchors, snap.TotalReanchors = buy, sell, total
	}

	if e.ratioStrategy != nil {
		required := e.cfg.Ratio.WarmupSamples
		if required <= 0 {
			required = e.cfg.Ratio.RollingWindow
		}
		samples := e.journ.SampleCount(e.ratioPairKey)
		snap.RatioWarmup = []operations.RatioWarmup{{
			PairKey:  e.ratioPairKey,
			Samples:  samples,
			Required: required,
			WarmedUp: samples >= required,
		}}
	}

	return snap
}

// Positions implements operations.StatusProvider.
func (e *Engine) Positions() []operations.PositionView {
	open := e.journ.AllOpenPositions()
	views := make([]operations.PositionView, 0, len(open))
	for _, p := range open {
		views = append(views, operations.NewPositionView(p))
	}
	return views
}

// Kill implements operations.Killer: it cancels Run's context exactly as
// SIGTERM would, causing every fan-out goroutine to unwind so Run returns;
// the caller's Shutdown then saves final state (spec §10.1).
func (e *Engine) Kill() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Run connects to the broker, places the strategy's initial orders, and
// blocks running the poll/sample loops until ctx is cancelled. Grounded on
// `_run_loop`'s structure: proactive session refresh, a fixed-interval
// poll, reactive refresh after a run of consecutive poll errors.
func (e *Engine) Run(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	e.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.reg.Run(gctx)
		return nil
	})
	if !e.reg.WaitReady(gctx) {
		return gctx.Err()
	}

	if err := e.resolveAutoAnchor(gctx); err != nil {
		return fmt.Errorf("resolve auto anchor: %w", err)
	}

	if err := e.client.Connect(gctx, e.symbols); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	if e.gridStrategy != nil {
		e.gridStrategy.Start(gctx)
	}

	if e.ops != nil {
		g.Go(func() error {
			if err := e.ops.Start(); err != nil {
				return fmt.Errorf("operations server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return e.ops.Stop()
		})
	}

	g.Go(func() error { return e.pollLoop(gctx) })
	if e.ratioStrategy != nil {
		g.Go(func() error { return e.sampleLoop(gctx) })
	}

	return g.Wait()
}

// resolveAutoAnchor fetches the current quote and seeds the journal's anchor
// with the bid/ask mid (falling back to LTP with a warning) before the grid
// computes its first ladder, when grid.auto_anchor is set and no anchor has
// been persisted yet (spec §4.4, §9 open question).
func (e *Engine) resolveAutoAnchor(ctx context.Context) error {
	if e.gridStrategy == nil || !e.cfg.Grid.AutoAnchor {
		return nil
	}
	if !e.journ.Anchor(e.cfg.Grid.Symbol).IsZero() {
		return nil
	}
	q, err := e.client.GetQuote(ctx, e.cfg.Grid.Symbol)
	if err != nil {
		return fmt.Errorf("fetch quote for auto anchor: %w", err)
	}
	anchor := q.LTP
	if mid, ok := q.Mid(); ok && q.LTP.GreaterThanOrEqual(q.BestBid) && q.LTP.LessThanOrEqual(q.BestAsk) {
		anchor = mid
	} else {
		e.logger.Warn().Str("symbol", e.cfg.Grid.Symbol).Msg("no usable bid/ask mid for auto-anchor, using ltp")
	}
	e.journ.SetAnchor(e.cfg.Grid.Symbol, anchor)
	e.logger.Info().Str("symbol", e.cfg.Grid.Symbol).Str("anchor", anchor.String()).
		Msg("auto-anchor resolved")
	return nil
}

// pollLoop is the shared poll/refresh cadence for every strategy variant:
// fetch orders, dispatch fills through Router, let the active strategy
// react, refresh the broker session proactively or after repeated errors,
// and periodically persist the journal.
func (e *Engine) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Loop.PollInterval)
	defer ticker.Stop()

	var lastRefresh time.Time
	var consecutiveErrors int
	var pollCount int

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pollStart := time.Now()

			if e.cfg.Loop.ProactiveRefreshEvery > 0 && (lastRefresh.IsZero() || time.Since(lastRefresh) >= e.cfg.Loop.ProactiveRefreshEvery) {
				if err := e.client.RefreshSession(ctx); err != nil {
					e.logger.Warn().Err(err).Msg("proactive session refresh failed")
				} else {
					lastRefresh = time.Now()
				}
			}

			fills, err := e.rtr.Poll(ctx)
			if err != nil {
				consecutiveErrors++
				e.logger.Warn().Err(err).Int("consecutive_errors", consecutiveErrors).Msg("poll failed")
				if consecutiveErrors >= e.cfg.Loop.MaxConsecutiveErrors {
					e.logger.Warn().Msg("reactive session refresh after consecutive poll errors")
					if err := e.client.RefreshSession(ctx); err != nil {
						e.logger.Error().Err(err).Msg("reactive session refresh failed")
					}
					consecutiveErrors = 0
				}
				continue
			}
			consecutiveErrors = 0

			if e.gridStrategy != nil {
				e.gridStrategy.OnPollEnd(ctx)
			}
			if e.ratioStrategy != nil {
				e.ratioStrategy.CheckExits(ctx)
			}

			if fills > 0 {
				if err := e.journ.Save(); err != nil {
					e.logger.Error().Err(err).Msg("journal save failed")
				}
			}

			if e.metrics != nil {
				e.metrics.ObservePollDuration(time.Since(pollStart))
				e.metrics.SetOpenPositions(len(e.journ.AllOpenPositions()))
				pnl, _ := e.journ.TotalRealizedPnL().Float64()
				e.metrics.SetRealizedPnL(pnl)
			}

			pollCount++
			if pollCount%100 == 0 {
				e.logger.Info().Int("poll", pollCount).
					Str("total_realized_pnl", e.journ.TotalRealizedPnL().String()).
					Msg("poll checkpoint")
				if err := e.journ.Save(); err != nil {
					e.logger.Error().Err(err).Msg("periodic journal save failed")
				}
			}
		}
	}
}

// sampleLoop drives the ratio variant's timer-tick ratio sampling
// (spec §4.5) on its own cadence, independent of the order-poll cadence.
func (e *Engine) sampleLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Ratio.SampleInterval)
	defer ticker.Stop()

	e.ratioStrategy.Sample(ctx) // force an immediate first sample, per `_run_loop`

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.ratioStrategy.Sample(ctx)
		}
	}
}

// Shutdown persists final state, disconnects the broker feed, and closes the
// ledger. Resting orders are left with the broker. Call after Run returns.
func (e *Engine) Shutdown(ctx context.Context) {
	e.logger.Info().Msg("shutting down")

	if err := e.journ.Save(); err != nil {
		e.logger.Error().Err(err).Msg("final journal save failed")
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			e.logger.Error().Err(err).Msg("broker disconnect failed")
		}
	}

	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			e.logger.Error().Err(err).Msg("ledger close failed")
		}
	}

	e.logger.Info().
		Str("total_realized_pnl", e.journ.TotalRealizedPnL().String()).
		Msg("shutdown complete")
}
