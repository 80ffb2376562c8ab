package router

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"xts-grid-engine/pkg/types"
)

type fakeBroker struct {
	orders []types.NormalisedOrder
}

func (f *fakeBroker) GetOrders(ctx context.Context) ([]types.NormalisedOrder, error) {
	return f.orders, nil
}

type fakeIndex struct {
	positions map[string]types.Position // orderID -> position
	dropped   []string
}

func newFakeIndex() *fakeIndex { return &fakeIndex{positions: make(map[string]types.Position)} }

func (f *fakeIndex) GetPositionByOrder(orderID string) (types.Position, bool) {
	pos, ok := f.positions[orderID]
	return pos, ok
}

func (f *fakeIndex) DropPosition(positionID string) {
	f.dropped = append(f.dropped, positionID)
	for oid, pos := range f.positions {
		if pos.PositionID == positionID {
			delete(f.positions, oid)
		}
	}
}

type fakeHandler struct {
	fills         []types.NormalisedOrder
	rejections    []types.NormalisedOrder
	cancellations []types.NormalisedOrder
	failFill      bool
}

func (h *fakeHandler) HandleFill(ctx context.Context, order types.NormalisedOrder, pos types.Position) error {
	if h.failFill {
		return errors.New("zero increment")
	}
	h.fills = append(h.fills, order)
	return nil
}

func (h *fakeHandler) HandleRejection(order types.NormalisedOrder, pos types.Position) {
	h.rejections = append(h.rejections, order)
}

func (h *fakeHandler) HandleCancellation(order types.NormalisedOrder, pos types.Position) {
	h.cancellations = append(h.cancellations, order)
}

func TestPollDispatchesFillToTrackedPosition(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	index.positions["ord-1"] = types.Position{PositionID: "p1"}
	broker := &fakeBroker{orders: []types.NormalisedOrder{
		{OrderID: "ord-1", Status: types.StatusPartial, FilledQty: decimal.NewFromInt(5)},
	}}
	handler := &fakeHandler{}
	r := New(broker, index, handler)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, handler.fills, 1)
}

func TestPollSkipsRepeatObservationOfSameStatusAndQty(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	index.positions["ord-1"] = types.Position{PositionID: "p1"}
	order := types.NormalisedOrder{OrderID: "ord-1", Status: types.StatusPartial, FilledQty: decimal.NewFromInt(5)}
	broker := &fakeBroker{orders: []types.NormalisedOrder{order}}
	handler := &fakeHandler{}
	r := New(broker, index, handler)

	n1, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n1)

	// Identical status:filled_qty observed again — must be a no-op.
	n2, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n2)
	require.Len(t, handler.fills, 1, "a repeat observation must not be dispatched twice")
}

func TestPollDispatchesAgainWhenFilledQtyIncreases(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	index.positions["ord-1"] = types.Position{PositionID: "p1"}
	handler := &fakeHandler{}
	broker := &fakeBroker{orders: []types.NormalisedOrder{
		{OrderID: "ord-1", Status: types.StatusPartial, FilledQty: decimal.NewFromInt(5)},
	}}
	r := New(broker, index, handler)
	_, err := r.Poll(context.Background())
	require.NoError(t, err)

	broker.orders[0].FilledQty = decimal.NewFromInt(8)
	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, handler.fills, 2)
}

func TestPollIgnoresFillOfUntrackedOrder(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	broker := &fakeBroker{orders: []types.NormalisedOrder{
		{OrderID: "mystery-order", Status: types.StatusComplete, FilledQty: decimal.NewFromInt(10)},
	}}
	handler := &fakeHandler{}
	r := New(broker, index, handler)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, handler.fills)
}

// TestRejectionDropsPositionWithNoClosedEntry models spec Scenario F: a
// rejected order is removed from the open index with no PnL change and no
// closed-position bookkeeping — that is StateJournal's job via DropPosition,
// which the router must call before handing off to the strategy handler.
func TestRejectionDropsPositionWithNoClosedEntry(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	index.positions["ord-1"] = types.Position{PositionID: "p1"}
	broker := &fakeBroker{orders: []types.NormalisedOrder{
		{OrderID: "ord-1", Status: types.StatusRejected, StatusMessage: "margin exceeded"},
	}}
	handler := &fakeHandler{}
	r := New(broker, index, handler)

	_, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, index.dropped)
	require.Len(t, handler.rejections, 1)
}

func TestCancellationIsInformationalOnly(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	index.positions["ord-1"] = types.Position{PositionID: "p1"}
	broker := &fakeBroker{orders: []types.NormalisedOrder{
		{OrderID: "ord-1", Status: types.StatusCancelled},
	}}
	handler := &fakeHandler{}
	r := New(broker, index, handler)

	_, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Empty(t, index.dropped, "cancellation must not drop the position")
	require.Len(t, handler.cancellations, 1)
}

type fakeRecorder struct {
	recorded []string // "positionID/orderID/role/side/qty/price"
}

func (f *fakeRecorder) RecordFill(ctx context.Context, positionID, orderID, role string, side types.Side, qty, price string) error {
	f.recorded = append(f.recorded, positionID+"/"+orderID+"/"+role+"/"+string(side)+"/"+qty+"/"+price)
	return nil
}

func TestRecorderReceivesFillIncrementNotCumulativeQty(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	index.positions["ord-1"] = types.Position{PositionID: "p1", Side: types.BUY}
	handler := &fakeHandler{}
	rec := &fakeRecorder{}
	broker := &fakeBroker{orders: []types.NormalisedOrder{
		{OrderID: "ord-1", Status: types.StatusPartial, Side: types.BUY, FilledQty: decimal.NewFromInt(5), AveragePrice: decimal.NewFromInt(100)},
	}}
	r := New(broker, index, handler)
	r.SetRecorder(rec)

	_, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.recorded, 1)
	require.Equal(t, "p1/ord-1/entry/BUY/5/100", rec.recorded[0])

	broker.orders[0].FilledQty = decimal.NewFromInt(8)
	_, err = r.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.recorded, 2)
	require.Equal(t, "p1/ord-1/entry/BUY/3/100", rec.recorded[1], "second observation must record only the 3-unit increment")
}

func TestFailedFillDoesNotCountTowardFillsProcessed(t *testing.T) {
	t.Parallel()
	index := newFakeIndex()
	index.positions["ord-1"] = types.Position{PositionID: "p1"}
	broker := &fakeBroker{orders: []types.NormalisedOrder{
		{OrderID: "ord-1", Status: types.StatusPartial, FilledQty: decimal.NewFromInt(5)},
	}}
	handler := &fakeHandler{failFill: true}
	r := New(broker, index, handler)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
