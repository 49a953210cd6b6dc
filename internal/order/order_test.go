package order

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vidar/internal/fixed"
)

func TestFillAdvancesState(t *testing.T) {
	t.Parallel()

	o := Get()
	o.Qty = fixed.MustParse("2")
	o.State = Active

	o.Fill(fixed.MustParse("1"))
	assert.Equal(t, PartiallyFilled, o.State)
	assert.Equal(t, fixed.MustParse("1"), o.Remaining())

	o.Fill(fixed.MustParse("1"))
	assert.Equal(t, Filled, o.State)
	assert.Equal(t, fixed.Amount(0), o.Remaining())
	assert.True(t, o.State.Terminal())
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	for _, s := range []State{Filled, Cancelled, Rejected, Expired} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{New, PendingTrigger, Active, PartiallyFilled} {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestConditional(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{Stop, StopLimit, TrailingStop, TakeProfit} {
		o := Order{Type: typ}
		assert.True(t, o.Conditional(), typ.String())
	}
	for _, typ := range []Type{Limit, Market, Iceberg, OCOLeg} {
		o := Order{Type: typ}
		assert.False(t, o.Conditional(), typ.String())
	}
}

func TestPoolRecyclesZeroed(t *testing.T) {
	t.Parallel()

	o := Get()
	o.ID = 42
	o.Qty = fixed.MustParse("1")
	Put(o)

	// Whatever comes back from the pool is fully zeroed.
	next := Get()
	assert.Equal(t, Order{}, *next)
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()

	h := NewHistory(2)
	for id := uint64(1); id <= 3; id++ {
		o := Get()
		o.ID = id
		o.State = Filled
		h.Push(o)
	}

	// Capacity 2: the oldest entry has been recycled.
	assert.Equal(t, 2, h.Len())
	assert.Nil(t, h.Lookup(1))
	assert.NotNil(t, h.Lookup(2))
	assert.NotNil(t, h.Lookup(3))
}
