// Package registry implements InstrumentRegistry: a slow-cadence poller
// that keeps a symbol -> instrument-metadata snapshot fresh and publishes a
// change signal only when the snapshot actually moves.
//
// Grounded on the teacher's internal/market/scanner.go — same
// immediate-scan-then-ticker polling loop, same non-blocking
// replace-stale-result channel send — repurposed per spec §4.7/§11 from
// ranking Polymarket markets by opportunity score to refreshing an XTS
// instrument master (instrument id, tick size, lot size per symbol).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xts-grid-engine/pkg/types"
)

// Fetcher retrieves the broker's tradable-instrument catalogue. Satisfied
// structurally by internal/broker.Client — declared here so registry does
// not import broker (and broker.Client.Connect depends on Registry only
// through the small broker.Resolver interface it declares).
type Fetcher interface {
	FetchInstrumentMaster(ctx context.Context) ([]types.Instrument, error)
}

// Registry holds the current symbol -> Instrument snapshot and refreshes it
// on a slow cadence (default one hour, per spec §4.7).
type Registry struct {
	fetcher      Fetcher
	pollInterval time.Duration
	logger       zerolog.Logger

	mu       sync.RWMutex
	snapshot map[string]types.Instrument
	ready    bool

	changedCh chan struct{}
	readyCh   chan struct{}
	readyOnce sync.Once
}

// New creates a Registry. pollInterval defaults to one hour if zero.
func New(fetcher Fetcher, pollInterval time.Duration, logger zerolog.Logger) *Registry {
	if pollInterval <= 0 {
		pollInterval = time.Hour
	}
	return &Registry{
		fetcher:      fetcher,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "registry").Logger(),
		snapshot:     make(map[string]types.Instrument),
		changedCh:    make(chan struct{}, 1),
		readyCh:      make(chan struct{}),
	}
}

// Changed signals (non-blocking, buffered 1) whenever the snapshot changes.
func (r *Registry) Changed() <-chan struct{} { return r.changedCh }

// Get returns the current metadata for symbol, implementing
// internal/broker.Resolver.
func (r *Registry) Get(symbol string) (types.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.snapshot[symbol]
	return inst, ok
}

// WaitReady blocks until the first successful fetch has populated the
// snapshot, or ctx is cancelled — Engine.Run waits on this before calling
// broker.Client.Connect; there is no separate timeout (spec §4.7).
func (r *Registry) WaitReady(ctx context.Context) bool {
	select {
	case <-r.readyCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run drives the poll loop. Blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Registry) refresh(ctx context.Context) {
	instruments, err := r.fetcher.FetchInstrumentMaster(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("instrument master fetch failed")
		return
	}

	next := make(map[string]types.Instrument, len(instruments))
	for _, inst := range instruments {
		next[inst.Symbol] = inst
	}

	r.mu.Lock()
	changed := !snapshotEqual(r.snapshot, next)
	r.snapshot = next
	wasReady := r.ready
	r.ready = true
	r.mu.Unlock()

	if !wasReady {
		r.readyOnce.Do(func() { close(r.readyCh) })
	}

	if !changed {
		return
	}

	r.logger.Info().Int("instruments", len(next)).Msg("instrument master changed")
	select {
	case r.changedCh <- struct{}{}:
	default:
	}
}

func snapshotEqual(a, b map[string]types.Instrument) bool {
	if len(a) != len(b) {
		return false
	}
	for sym, inst := range a {
		other, ok := b[sym]
		if !ok {
			return false
		}
		if inst.InstrumentID != other.InstrumentID ||
			!inst.TickSize.Equal(other.TickSize) ||
			inst.LotSize != other.LotSize ||
			inst.Exchange != other.Exchange {
			return false
		}
	}
	return true
}
