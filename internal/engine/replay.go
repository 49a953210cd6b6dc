package engine

import (
	"errors"
	"fmt"

	"vidar/internal/asset"
	"vidar/internal/fixed"
	"vidar/internal/ledger"
	"vidar/internal/order"
)

// ReplayState is the book and balance state reconstructed from an event
// stream. Replay starts from an empty book and the balances as they stood
// before sequence zero; a stream that does not begin at sequence zero is
// rejected as a gap.
type ReplayState struct {
	Bids      map[fixed.Amount]fixed.Amount // price -> displayed qty
	Asks      map[fixed.Amount]fixed.Amount
	Balances  map[ledger.AccountID]map[asset.ID]ledger.Balance
	LastTrade fixed.Amount
	NextSeq   uint64
}

type replayOrder struct {
	user     ledger.AccountID
	side     order.Side
	price    fixed.Amount // per-unit reserve price
	qty      fixed.Amount
	bookQty  fixed.Amount // quantity visible on the book right now
	resvBase fixed.Amount
	resvQot  fixed.Amount
	resting  bool
}

// Replay folds an event stream over a starting balance snapshot and
// returns the reconstructed state. The stream must be gap-free: a
// sequence discontinuity is an error, mirroring the engine's own
// contiguity guarantee.
func Replay(sym *asset.Symbol, start map[ledger.AccountID]map[asset.ID]ledger.Balance, events []Event) (*ReplayState, error) {
	st := &ReplayState{
		Bids:     make(map[fixed.Amount]fixed.Amount),
		Asks:     make(map[fixed.Amount]fixed.Amount),
		Balances: make(map[ledger.AccountID]map[asset.ID]ledger.Balance),
	}
	for acct, assets := range start {
		st.Balances[acct] = make(map[asset.ID]ledger.Balance, len(assets))
		for a, b := range assets {
			st.Balances[acct][a] = b
		}
	}

	orders := make(map[uint64]*replayOrder)

	for _, ev := range events {
		if ev.Seq != st.NextSeq {
			return nil, fmt.Errorf("engine: replay sequence gap: want %d got %d", st.NextSeq, ev.Seq)
		}
		st.NextSeq++

		switch ev.Type {
		case EvAccepted:
			orders[ev.OrderID] = &replayOrder{
				user:     ev.User,
				side:     ev.Side,
				price:    ev.Price,
				qty:      ev.Qty,
				resvBase: ev.ReservedBase,
				resvQot:  ev.ReservedQuote,
			}
			if ev.ReservedQuote > 0 {
				st.lockBalance(ev.User, sym.Quote, ev.ReservedQuote)
			}
			if ev.ReservedBase > 0 {
				st.lockBalance(ev.User, sym.Base, ev.ReservedBase)
			}

		case EvResting:
			ro, ok := orders[ev.OrderID]
			if !ok {
				continue
			}
			visible := ev.Remain
			if ev.Display > 0 {
				visible = ev.Display
			}
			if ro.resting && ev.Qty < ro.qty {
				// In-place reduction: the engine released the delta.
				delta := ro.qty - ev.Qty
				if ro.side == order.Buy {
					rel, err := fixed.MulPrice(ro.price, delta)
					if err != nil {
						return nil, err
					}
					st.unlockBalance(ro.user, sym.Quote, rel)
					ro.resvQot -= rel
				} else {
					st.unlockBalance(ro.user, sym.Base, delta)
					ro.resvBase -= delta
				}
			}
			if ro.resting {
				st.levelAdd(ro.side, ro.price, -ro.bookQty)
			}
			ro.qty = ev.Qty
			ro.bookQty = visible
			ro.resting = true
			st.levelAdd(ro.side, ro.price, visible)

		case EvTrade:
			maker, mok := orders[ev.MakerID]
			taker, tok := orders[ev.TakerID]
			if !mok || !tok {
				return nil, errors.New("engine: replay trade references unknown order")
			}
			var buyer, seller *replayOrder
			if ev.MakerSide == order.Buy {
				buyer, seller = maker, taker
			} else {
				buyer, seller = taker, maker
			}
			notional, err := fixed.MulPrice(ev.Price, ev.Qty)
			if err != nil {
				return nil, err
			}
			reservedPart, err := fixed.MulPrice(buyer.price, ev.Qty)
			if err != nil {
				return nil, err
			}

			st.addLocked(buyer.user, sym.Quote, -notional)
			st.addAvailable(buyer.user, sym.Base, ev.Qty)
			st.addLocked(seller.user, sym.Base, -ev.Qty)
			st.addAvailable(seller.user, sym.Quote, notional)
			if surplus := reservedPart - notional; surplus > 0 {
				st.unlockBalance(buyer.user, sym.Quote, surplus)
			}
			buyer.resvQot -= reservedPart
			if buyer.resvQot < 0 {
				buyer.resvQot = 0
			}
			seller.resvBase -= ev.Qty
			if seller.resvBase < 0 {
				seller.resvBase = 0
			}

			if maker.resting {
				st.levelAdd(maker.side, maker.price, -ev.Qty)
				if st.levelQty(maker.side, maker.price) <= 0 {
					st.levelClear(maker.side, maker.price)
				}
				maker.bookQty -= ev.Qty
			}
			st.LastTrade = ev.Price

		case EvFilled, EvCancelled, EvExpired:
			ro, ok := orders[ev.OrderID]
			if !ok {
				continue
			}
			if ro.resting && ro.bookQty > 0 {
				st.levelAdd(ro.side, ro.price, -ro.bookQty)
				if st.levelQty(ro.side, ro.price) <= 0 {
					st.levelClear(ro.side, ro.price)
				}
			}
			if ro.resvQot > 0 {
				st.unlockBalance(ro.user, sym.Quote, ro.resvQot)
			}
			if ro.resvBase > 0 {
				st.unlockBalance(ro.user, sym.Base, ro.resvBase)
			}
			delete(orders, ev.OrderID)

		case EvRejected, EvPartiallyFilled, EvTriggered, EvHaltedSymbol:
			// No balance or book footprint beyond what other events carry.
		}
	}
	return st, nil
}

func (st *ReplayState) side(s order.Side) map[fixed.Amount]fixed.Amount {
	if s == order.Buy {
		return st.Bids
	}
	return st.Asks
}

func (st *ReplayState) levelAdd(s order.Side, price, qty fixed.Amount) {
	m := st.side(s)
	m[price] += qty
	if m[price] <= 0 {
		delete(m, price)
	}
}

func (st *ReplayState) levelQty(s order.Side, price fixed.Amount) fixed.Amount {
	return st.side(s)[price]
}

func (st *ReplayState) levelClear(s order.Side, price fixed.Amount) {
	delete(st.side(s), price)
}

func (st *ReplayState) balance(acct ledger.AccountID, a asset.ID) ledger.Balance {
	assets, ok := st.Balances[acct]
	if !ok {
		assets = make(map[asset.ID]ledger.Balance)
		st.Balances[acct] = assets
	}
	return assets[a]
}

func (st *ReplayState) store(acct ledger.AccountID, a asset.ID, b ledger.Balance) {
	st.Balances[acct][a] = b
}

func (st *ReplayState) lockBalance(acct ledger.AccountID, a asset.ID, amount fixed.Amount) {
	b := st.balance(acct, a)
	b.Available -= amount
	b.Locked += amount
	st.store(acct, a, b)
}

func (st *ReplayState) unlockBalance(acct ledger.AccountID, a asset.ID, amount fixed.Amount) {
	b := st.balance(acct, a)
	b.Locked -= amount
	b.Available += amount
	st.store(acct, a, b)
}

func (st *ReplayState) addAvailable(acct ledger.AccountID, a asset.ID, amount fixed.Amount) {
	b := st.balance(acct, a)
	b.Available += amount
	st.store(acct, a, b)
}

func (st *ReplayState) addLocked(acct ledger.AccountID, a asset.ID, amount fixed.Amount) {
	b := st.balance(acct, a)
	b.Locked += amount
	st.store(acct, a, b)
}
