// Package trigger holds conditional orders until the last-trade price
// crosses their trigger, and tracks OCO sibling pairs.
//
// Two ordered indexes per symbol, one per firing direction, keyed by
// trigger price. A single last-trade update promotes the in-the-money
// prefix of each index, so a price move wakes O(log n) levels and fires
// entries in strict (trigger_price, accepted_ts) order.
//
// The registry is owned by a single engine goroutine and does not lock.
package trigger

import (
	"github.com/emirpasic/gods/v2/trees/redblacktree"

	"vidar/internal/fixed"
	"vidar/internal/order"
)

// Direction tells which side of the trigger price fires the order.
type Direction int8

const (
	// FireAbove fires once last trade >= trigger (buy stop, sell take-profit).
	FireAbove Direction = iota
	// FireBelow fires once last trade <= trigger (sell stop, buy take-profit).
	FireBelow
)

// DirectionFor derives the firing direction from order type and side.
func DirectionFor(o *order.Order) Direction {
	switch o.Type {
	case order.TakeProfit:
		if o.Side == order.Buy {
			return FireBelow
		}
		return FireAbove
	default:
		// Stop, stop-limit and trailing-stop protect against adverse
		// movement: buys fire on the way up, sells on the way down.
		if o.Side == order.Buy {
			return FireAbove
		}
		return FireBelow
	}
}

// level is the FIFO of entries sharing one trigger price. Registration
// order equals accepted_ts order because the engine's clock is monotonic.
type level struct {
	orders []*order.Order
}

type trailingState struct {
	o         *order.Order
	watermark fixed.Amount // high-water for sells, low-water for buys
	trigger   fixed.Amount // current effective trigger price
}

// Registry indexes one symbol's pending conditional orders.
type Registry struct {
	above    *redblacktree.Tree[int64, *level] // ascending: Left() is smallest key
	below    *redblacktree.Tree[int64, *level] // descending: Left() is largest key
	byID     map[uint64]*order.Order
	trailing map[uint64]*trailingState
	siblings map[uint64]uint64
}

// New creates an empty registry.
func New() *Registry {
	desc := func(a, b int64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		default:
			return 0
		}
	}
	return &Registry{
		above:    redblacktree.New[int64, *level](),
		below:    redblacktree.NewWith[int64, *level](desc),
		byID:     make(map[uint64]*order.Order),
		trailing: make(map[uint64]*trailingState),
		siblings: make(map[uint64]uint64),
	}
}

// Add registers a pending conditional order. Trailing stops seed their
// water-mark from the given last-trade price.
func (r *Registry) Add(o *order.Order, lastTrade fixed.Amount) {
	r.byID[o.ID] = o
	if o.Type == order.TrailingStop {
		ts := &trailingState{o: o, watermark: lastTrade}
		ts.trigger = trailingTrigger(o, ts.watermark)
		r.trailing[o.ID] = ts
		r.insert(o, ts.trigger)
		return
	}
	r.insert(o, o.StopPrice)
}

func (r *Registry) tree(o *order.Order) *redblacktree.Tree[int64, *level] {
	if DirectionFor(o) == FireAbove {
		return r.above
	}
	return r.below
}

func (r *Registry) insert(o *order.Order, trigger fixed.Amount) {
	o.StopPrice = trigger
	tree := r.tree(o)
	lv, ok := tree.Get(int64(trigger))
	if !ok {
		lv = &level{}
		tree.Put(int64(trigger), lv)
	}
	lv.orders = append(lv.orders, o)
}

// Remove unregisters a pending order, e.g. on cancel or OCO sibling
// cancellation. Returns false if the order is not held here.
func (r *Registry) Remove(id uint64) (*order.Order, bool) {
	o, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.trailing, id)
	r.removeFromIndex(o)
	return o, true
}

func (r *Registry) removeFromIndex(o *order.Order) {
	tree := r.tree(o)
	lv, ok := tree.Get(int64(o.StopPrice))
	if !ok {
		return
	}
	for i, held := range lv.orders {
		if held.ID == o.ID {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			break
		}
	}
	if len(lv.orders) == 0 {
		tree.Remove(int64(o.StopPrice))
	}
}

// Contains reports whether the order is pending here.
func (r *Registry) Contains(id uint64) bool {
	_, ok := r.byID[id]
	return ok
}

// Len returns the number of pending conditional orders.
func (r *Registry) Len() int {
	return len(r.byID)
}

// OnLastTrade promotes every order whose trigger the new price crosses
// and returns them in (trigger_price, accepted_ts) firing order, then
// advances trailing-stop water-marks. The caller re-submits each
// promotion before processing any further command.
func (r *Registry) OnLastTrade(p fixed.Amount) []*order.Order {
	var fired []*order.Order

	// Above index: smallest keys first while key <= p.
	for {
		node := r.above.Left()
		if node == nil || node.Key > int64(p) {
			break
		}
		fired = append(fired, r.popLevel(r.above, node.Key, node.Value)...)
	}

	// Below index: largest keys first while key >= p.
	for {
		node := r.below.Left()
		if node == nil || node.Key < int64(p) {
			break
		}
		fired = append(fired, r.popLevel(r.below, node.Key, node.Value)...)
	}

	// Advance water-marks and re-key trailing stops that moved.
	for _, ts := range r.trailing {
		moved := false
		if ts.o.Side == order.Sell && p > ts.watermark {
			ts.watermark = p
			moved = true
		}
		if ts.o.Side == order.Buy && p < ts.watermark {
			ts.watermark = p
			moved = true
		}
		if !moved {
			continue
		}
		next := trailingTrigger(ts.o, ts.watermark)
		if next != ts.trigger {
			r.removeFromIndex(ts.o)
			ts.trigger = next
			r.insert(ts.o, next)
		}
	}

	return fired
}

func (r *Registry) popLevel(tree *redblacktree.Tree[int64, *level], key int64, lv *level) []*order.Order {
	tree.Remove(key)
	for _, o := range lv.orders {
		delete(r.byID, o.ID)
		delete(r.trailing, o.ID)
	}
	return lv.orders
}

// trailingTrigger computes the effective trigger for a trailing stop from
// its water-mark: a fixed offset, or a basis-point fraction of the mark.
func trailingTrigger(o *order.Order, watermark fixed.Amount) fixed.Amount {
	offset := o.TrailAmount
	if o.TrailPercent > 0 {
		frac, err := fixed.MulBps(watermark, o.TrailPercent)
		if err == nil {
			offset = frac
		}
	}
	if o.Side == order.Sell {
		trigger := watermark - offset
		if trigger < 0 {
			trigger = 0
		}
		return trigger
	}
	return watermark + offset
}

// Pair links two OCO legs so that promoting or filling one cancels the
// other.
func (r *Registry) Pair(a, b uint64) {
	r.siblings[a] = b
	r.siblings[b] = a
}

// Sibling returns the OCO counterpart of id, unlinking the pair.
func (r *Registry) Sibling(id uint64) (uint64, bool) {
	other, ok := r.siblings[id]
	if !ok {
		return 0, false
	}
	delete(r.siblings, id)
	delete(r.siblings, other)
	return other, true
}
