package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPositionIDLength(t *testing.T) {
	t.Parallel()

	id := NewPositionID()
	require.Len(t, id, 8)

	other := NewPositionID()
	assert.NotEqual(t, id, other, "two generated ids should not collide in practice")
}

func TestClientTagFormat(t *testing.T) {
	t.Parallel()

	tag := ClientTag(RoleTarget, SELL, 2, 3, "abcd1234")
	assert.Equal(t, "T-SL2C3-abcd1234", tag)
	assert.LessOrEqual(t, len(tag), 20)

	tag = ClientTag(RoleEntry, BUY, 0, 1, "deadbeef")
	assert.Equal(t, "EN-BL0C1-deadbeef", tag)
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SELL, BUY.Opposite())
	assert.Equal(t, BUY, SELL.Opposite())
}

func TestNormalisedOrderCacheKey(t *testing.T) {
	t.Parallel()

	o := NormalisedOrder{Status: StatusPartial, FilledQty: decimal.NewFromInt(6)}
	assert.Equal(t, "PARTIAL:6", o.CacheKey())

	o.FilledQty = decimal.NewFromInt(10)
	o.Status = StatusComplete
	assert.Equal(t, "COMPLETE:10", o.CacheKey())
}

func TestQuoteMid(t *testing.T) {
	t.Parallel()

	q := Quote{BestBid: decimal.NewFromFloat(99.9), BestAsk: decimal.NewFromFloat(100.1)}
	mid, ok := q.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromFloat(100.0)))

	q = Quote{BestBid: decimal.Zero, BestAsk: decimal.NewFromFloat(100.1)}
	_, ok = q.Mid()
	assert.False(t, ok)

	q = Quote{BestBid: decimal.NewFromFloat(100.2), BestAsk: decimal.NewFromFloat(100.1)}
	_, ok = q.Mid()
	assert.False(t, ok, "crossed book should not produce a mid")
}

func TestPositionTotalTargetFilledQty(t *testing.T) {
	t.Parallel()

	p := Position{TargetOrders: []TargetOrder{
		{Qty: decimal.NewFromInt(10), FilledQty: decimal.NewFromInt(10)},
		{Qty: decimal.NewFromInt(5), FilledQty: decimal.NewFromInt(2)},
	}}
	assert.True(t, p.TotalTargetFilledQty().Equal(decimal.NewFromInt(12)))
}

func TestPositionAllTargetsFilled(t *testing.T) {
	t.Parallel()

	p := Position{}
	assert.False(t, p.AllTargetsFilled(), "no targets placed yet is not the same as fully filled")

	p.TargetOrders = []TargetOrder{
		{Qty: decimal.NewFromInt(10), FilledQty: decimal.NewFromInt(10)},
	}
	assert.True(t, p.AllTargetsFilled())

	p.TargetOrders = append(p.TargetOrders, TargetOrder{Qty: decimal.NewFromInt(5), FilledQty: decimal.NewFromInt(2)})
	assert.False(t, p.AllTargetsFilled())
}
