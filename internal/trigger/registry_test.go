package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidar/internal/fixed"
	"vidar/internal/order"
)

var nextID uint64

func pending(side order.Side, typ order.Type, stop string) *order.Order {
	nextID++
	o := order.Get()
	o.ID = nextID
	o.Side = side
	o.Type = typ
	o.StopPrice = fixed.MustParse(stop)
	o.Qty = fixed.MustParse("1")
	o.State = order.PendingTrigger
	o.AcceptedTS = int64(nextID)
	return o
}

func TestDirectionFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FireAbove, DirectionFor(pending(order.Buy, order.Stop, "100")))
	assert.Equal(t, FireBelow, DirectionFor(pending(order.Sell, order.Stop, "100")))
	assert.Equal(t, FireBelow, DirectionFor(pending(order.Buy, order.TakeProfit, "100")))
	assert.Equal(t, FireAbove, DirectionFor(pending(order.Sell, order.TakeProfit, "100")))
}

func TestFireAboveOrdering(t *testing.T) {
	t.Parallel()
	r := New()

	early := pending(order.Buy, order.Stop, "101")
	late := pending(order.Buy, order.Stop, "101")
	// Registration follows accepted_ts order; lower is registered last
	// to prove the index orders by price first and keeps FIFO per price.
	lower := pending(order.Buy, order.Stop, "100.5")
	r.Add(early, 0)
	r.Add(late, 0)
	r.Add(lower, 0)

	// Price still below every trigger: nothing fires.
	assert.Empty(t, r.OnLastTrade(fixed.MustParse("100")))

	fired := r.OnLastTrade(fixed.MustParse("101"))
	require.Len(t, fired, 3)
	assert.Equal(t, lower.ID, fired[0].ID, "lowest trigger price first")
	assert.Equal(t, early.ID, fired[1].ID, "accepted_ts breaks price ties")
	assert.Equal(t, late.ID, fired[2].ID)
	assert.Equal(t, 0, r.Len())
}

func TestFireBelowOrdering(t *testing.T) {
	t.Parallel()
	r := New()

	high := pending(order.Sell, order.Stop, "99")
	low := pending(order.Sell, order.Stop, "95")
	r.Add(high, fixed.MustParse("100"))
	r.Add(low, fixed.MustParse("100"))

	fired := r.OnLastTrade(fixed.MustParse("97"))
	require.Len(t, fired, 1)
	assert.Equal(t, high.ID, fired[0].ID)

	fired = r.OnLastTrade(fixed.MustParse("95"))
	require.Len(t, fired, 1)
	assert.Equal(t, low.ID, fired[0].ID)
}

func TestRemove(t *testing.T) {
	t.Parallel()
	r := New()

	o := pending(order.Buy, order.Stop, "105")
	r.Add(o, 0)
	got, ok := r.Remove(o.ID)
	require.True(t, ok)
	assert.Same(t, o, got)

	assert.Empty(t, r.OnLastTrade(fixed.MustParse("200")))
	_, ok = r.Remove(o.ID)
	assert.False(t, ok)
}

func TestTrailingStopFollowsHighWaterMark(t *testing.T) {
	t.Parallel()
	r := New()

	o := pending(order.Sell, order.TrailingStop, "0")
	o.StopPrice = 0
	o.TrailAmount = fixed.MustParse("5")
	r.Add(o, fixed.MustParse("100")) // water-mark 100, trigger 95

	// Rising trades drag the trigger up without firing.
	assert.Empty(t, r.OnLastTrade(fixed.MustParse("110"))) // trigger now 105
	assert.Empty(t, r.OnLastTrade(fixed.MustParse("108"))) // above 105, no fire

	fired := r.OnLastTrade(fixed.MustParse("105"))
	require.Len(t, fired, 1)
	assert.Equal(t, o.ID, fired[0].ID)
}

func TestTrailingStopPercent(t *testing.T) {
	t.Parallel()
	r := New()

	o := pending(order.Sell, order.TrailingStop, "0")
	o.StopPrice = 0
	o.TrailPercent = 1000 // 10%
	r.Add(o, fixed.MustParse("100")) // trigger 90

	assert.Empty(t, r.OnLastTrade(fixed.MustParse("95")))
	fired := r.OnLastTrade(fixed.MustParse("90"))
	require.Len(t, fired, 1)
}

func TestBuyTrailingStopFollowsLowWaterMark(t *testing.T) {
	t.Parallel()
	r := New()

	o := pending(order.Buy, order.TrailingStop, "0")
	o.StopPrice = 0
	o.TrailAmount = fixed.MustParse("2")
	r.Add(o, fixed.MustParse("100")) // trigger 102

	assert.Empty(t, r.OnLastTrade(fixed.MustParse("90"))) // trigger now 92
	fired := r.OnLastTrade(fixed.MustParse("92"))
	require.Len(t, fired, 1)
}

func TestOCOPair(t *testing.T) {
	t.Parallel()
	r := New()

	r.Pair(1, 2)
	sib, ok := r.Sibling(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), sib)

	// The pair unlinks on first lookup.
	_, ok = r.Sibling(2)
	assert.False(t, ok)
}
