// Package book maintains one symbol's central limit order book: two
// price-indexed sides with a FIFO queue of resting orders per price level,
// and the price-time-priority matching walk.
//
// The book is owned by a single engine goroutine, so nothing here locks.
package book

import (
	"container/list"
	"errors"

	"github.com/tidwall/btree"

	"vidar/internal/asset"
	"vidar/internal/fixed"
	"vidar/internal/ledger"
	"vidar/internal/order"
)

var (
	ErrNotFound        = errors.New("book: order not found")
	ErrAlreadyTerminal = errors.New("book: order already terminal")
	ErrBadReduce       = errors.New("book: reduction must leave a positive remainder")
)

// PriceLevel groups the resting orders at one price. Orders queue in
// arrival order; TotalQty tracks the sum of their remaining quantities.
// A level exists only while it holds at least one order.
type PriceLevel struct {
	Price    fixed.Amount
	TotalQty fixed.Amount
	Orders   *list.List
}

// PriceLevels is a btree of levels sorted best-first for its side.
type PriceLevels = btree.BTreeG[*PriceLevel]

// Level is one row of a depth snapshot.
type Level struct {
	Price fixed.Amount
	Qty   fixed.Amount
}

// Fill is one maker/taker pairing produced by the matching walk. The
// price is always the maker's resting price.
type Fill struct {
	Maker *order.Order
	Price fixed.Amount
	Qty   fixed.Amount
}

// MatchResult is everything one aggression produced: the fills in
// execution order and any same-user makers removed by self-trade
// prevention.
type MatchResult struct {
	Fills         []Fill
	SelfCancelled []*order.Order
}

// Book is the order book for one symbol.
type Book struct {
	sym  *asset.Symbol
	bids *PriceLevels
	asks *PriceLevels
	byID map[uint64]*order.Order
}

// New creates an empty book for the symbol.
func New(sym *asset.Symbol) *Book {
	// Bids sorted greatest first, asks least first, so Min() is always
	// the best price of the side.
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price > b.Price
	})
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price < b.Price
	})
	return &Book{
		sym:  sym,
		bids: bids,
		asks: asks,
		byID: make(map[uint64]*order.Order),
	}
}

func (b *Book) sideLevels(s order.Side) *PriceLevels {
	if s == order.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests an order at its limit price. The price and quantity must
// already be tick- and lot-aligned; violations are rejected here as a
// last line of defence.
func (b *Book) Insert(o *order.Order) error {
	if err := b.sym.CheckPrice(o.Price); err != nil {
		return err
	}
	if err := b.sym.CheckQty(o.Remaining()); err != nil {
		return err
	}

	levels := b.sideLevels(o.Side)
	level, ok := levels.GetMut(&PriceLevel{Price: o.Price})
	if !ok {
		level = &PriceLevel{Price: o.Price, Orders: list.New()}
		levels.Set(level)
	}
	o.Elem = level.Orders.PushBack(o)
	level.TotalQty += o.Remaining()
	b.byID[o.ID] = o
	return nil
}

// Cancel removes a resting order by id. O(1) through the id map and the
// order's stored list element.
func (b *Book) Cancel(id uint64) (*order.Order, error) {
	o, ok := b.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.State.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	b.unlink(o, o.Remaining())
	return o, nil
}

// Reduce shrinks a resting order's quantity in place without touching
// its queue position. Quantity-only reductions keep time priority.
func (b *Book) Reduce(id uint64, delta fixed.Amount) error {
	o, ok := b.byID[id]
	if !ok {
		return ErrNotFound
	}
	if delta <= 0 || delta >= o.Remaining() {
		return ErrBadReduce
	}
	o.Qty -= delta
	levels := b.sideLevels(o.Side)
	if level, ok := levels.GetMut(&PriceLevel{Price: o.Price}); ok {
		level.TotalQty -= delta
	}
	return nil
}

// Contains reports whether the order currently rests on the book.
func (b *Book) Contains(id uint64) bool {
	_, ok := b.byID[id]
	return ok
}

// unlink removes an order from its level, decrementing the level by
// qtyDelta and deleting the level once empty.
func (b *Book) unlink(o *order.Order, qtyDelta fixed.Amount) {
	levels := b.sideLevels(o.Side)
	level, ok := levels.GetMut(&PriceLevel{Price: o.Price})
	if !ok {
		return
	}
	if elem, ok := o.Elem.(*list.Element); ok && elem != nil {
		level.Orders.Remove(elem)
		o.Elem = nil
	}
	level.TotalQty -= qtyDelta
	if level.Orders.Len() == 0 {
		levels.Delete(level)
	}
	delete(b.byID, o.ID)
}

// BestBid returns the highest resting bid level, if any.
func (b *Book) BestBid() (*PriceLevel, bool) {
	return b.bids.Min()
}

// BestAsk returns the lowest resting ask level, if any.
func (b *Book) BestAsk() (*PriceLevel, bool) {
	return b.asks.Min()
}

// marketable reports whether a taker of the given side may trade against
// a resting level at price, given the taker's price bound. For limit
// takers the bound is the limit price; for market orders the engine
// passes the protection-band bound.
func marketable(side order.Side, levelPrice, bound fixed.Amount) bool {
	if side == order.Buy {
		return levelPrice <= bound
	}
	return levelPrice >= bound
}

// Match walks the taker against the opposing side in best-price-first,
// FIFO-within-level order. Execution is always at the maker's resting
// price. Same-user pairings never trade: the maker is cancelled and the
// walk continues. The walk halts at the first level that is not
// marketable against bound, or when the taker is exhausted.
//
// Maker orders are mutated in place and fully-filled makers are unlinked;
// the caller settles each fill and emits events.
func (b *Book) Match(taker *order.Order, bound fixed.Amount) MatchResult {
	var res MatchResult
	opposite := b.sideLevels(taker.Side.Opposite())

	for taker.Remaining() > 0 {
		level, ok := opposite.Min()
		if !ok || !marketable(taker.Side, level.Price, bound) {
			break
		}

		for taker.Remaining() > 0 && level.Orders.Len() > 0 {
			maker := level.Orders.Front().Value.(*order.Order)

			if maker.User == taker.User {
				// Self-trade prevention, cancel-maker policy: the resting
				// order is removed without producing a trade.
				b.unlink(maker, maker.Remaining())
				maker.State = order.Cancelled
				res.SelfCancelled = append(res.SelfCancelled, maker)
				continue
			}

			qty := min(taker.Remaining(), maker.Remaining())
			maker.Fill(qty)
			taker.Fill(qty)
			level.TotalQty -= qty
			res.Fills = append(res.Fills, Fill{Maker: maker, Price: level.Price, Qty: qty})

			if maker.Remaining() == 0 {
				b.unlink(maker, 0)
			}
		}

		if level.Orders.Len() == 0 {
			// The level may already have been deleted by the last unlink;
			// Delete on a missing level is a no-op.
			opposite.Delete(level)
		}
	}
	return res
}

// Fillable dry-runs an aggression and reports whether qty can be filled
// completely within bound. Resting orders owned by user are skipped, as
// self-trade prevention would cancel rather than fill them. Used for the
// FOK pre-check; the book is not mutated.
func (b *Book) Fillable(user ledger.AccountID, side order.Side, qty, bound fixed.Amount) bool {
	var avail fixed.Amount
	opposite := b.sideLevels(side.Opposite())
	opposite.Scan(func(level *PriceLevel) bool {
		if !marketable(side, level.Price, bound) {
			return false
		}
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			maker := e.Value.(*order.Order)
			if maker.User == user {
				continue
			}
			avail += maker.Remaining()
			if avail >= qty {
				return false
			}
		}
		return true
	})
	return avail >= qty
}

// Snapshot copies the top-n levels of both sides with aggregated
// quantities.
func (b *Book) Snapshot(depth int) (bids, asks []Level) {
	collect := func(levels *PriceLevels) []Level {
		out := make([]Level, 0, depth)
		levels.Scan(func(level *PriceLevel) bool {
			out = append(out, Level{Price: level.Price, Qty: level.TotalQty})
			return len(out) < depth
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// SideQty returns the total resting quantity on one side. Bookkeeping
// surface for tests and market data.
func (b *Book) SideQty(s order.Side) fixed.Amount {
	var total fixed.Amount
	b.sideLevels(s).Scan(func(level *PriceLevel) bool {
		total += level.TotalQty
		return true
	})
	return total
}
