package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"xts-grid-engine/pkg/types"
)

type fakeFetcher struct {
	mu   sync.Mutex
	page []types.Instrument
	err  error
}

func (f *fakeFetcher) set(page []types.Instrument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page = page
}

func (f *fakeFetcher) FetchInstrumentMaster(ctx context.Context) ([]types.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Instrument, len(f.page))
	copy(out, f.page)
	return out, nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestRefreshPopulatesSnapshotAndSignalsReady(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{page: []types.Instrument{
		{Symbol: "RELIANCE", InstrumentID: 1, TickSize: decimal.NewFromFloat(0.05), LotSize: 1, Exchange: "NSECM"},
	}}
	r := New(fetcher, time.Hour, testLogger())

	r.refresh(context.Background())

	inst, ok := r.Get("RELIANCE")
	require.True(t, ok)
	require.Equal(t, int64(1), inst.InstrumentID)

	ready := make(chan struct{})
	go func() {
		r.WaitReady(context.Background())
		close(ready)
	}()
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("WaitReady never unblocked after a successful refresh")
	}
}

func TestRefreshSignalsChangeOnlyWhenSnapshotDiffers(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{page: []types.Instrument{
		{Symbol: "RELIANCE", InstrumentID: 1, TickSize: decimal.NewFromFloat(0.05), LotSize: 1, Exchange: "NSECM"},
	}}
	r := New(fetcher, time.Hour, testLogger())

	r.refresh(context.Background())
	select {
	case <-r.Changed():
	default:
		t.Fatal("expected a change signal on first populate")
	}

	// Re-fetching the identical snapshot must not signal again.
	r.refresh(context.Background())
	select {
	case <-r.Changed():
		t.Fatal("unexpected change signal for an unchanged snapshot")
	default:
	}

	// A genuinely different snapshot must signal.
	fetcher.set([]types.Instrument{
		{Symbol: "RELIANCE", InstrumentID: 1, TickSize: decimal.NewFromFloat(0.10), LotSize: 1, Exchange: "NSECM"},
	})
	r.refresh(context.Background())
	select {
	case <-r.Changed():
	default:
		t.Fatal("expected a change signal when tick size changed")
	}
}

func TestGetUnknownSymbol(t *testing.T) {
	t.Parallel()
	r := New(&fakeFetcher{}, time.Hour, testLogger())
	_, ok := r.Get("UNKNOWN")
	require.False(t, ok)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	r := New(&fakeFetcher{}, time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
