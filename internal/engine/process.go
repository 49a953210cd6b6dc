package engine

import (
	"errors"
	"time"

	"vidar/internal/asset"
	"vidar/internal/book"
	"vidar/internal/fixed"
	"vidar/internal/ledger"
	"vidar/internal/order"
	"vidar/internal/risk"
)

const dayNS = int64(24 * time.Hour)

// process dispatches one command. Every early return releases whatever
// it reserved, in inverse order; errors flow out as events, never as
// panics.
func (e *Engine) process(cmd *Command) {
	switch cmd.Kind {
	case CmdSubmit:
		e.processSubmit(cmd)
	case CmdCancel:
		e.processCancel(cmd)
	case CmdModify:
		e.processModify(cmd)
	case CmdTick:
		e.processTick(cmd)
	case cmdSnapshot:
		cmd.snapResp <- e.snapshot(cmd.depth, time.Now().UnixNano())
	}
}

// rejectCmd refuses a submission before an order existed.
func (e *Engine) rejectCmd(cmd *Command, reason Reason) {
	e.nRejects.Add(1)
	e.emit(Event{
		Type:     EvRejected,
		ClientID: cmd.ClientID,
		User:     cmd.User,
		OrdType:  cmd.Type,
		Side:     cmd.Side,
		Qty:      cmd.Qty,
		Reason:   reason,
	})
}

// rejectOrder refuses a built order before id assignment and before it
// gained any footprint in book, registry or ledger.
func (e *Engine) rejectOrder(o *order.Order, reason Reason) {
	e.nRejects.Add(1)
	o.State = order.Rejected
	e.emit(Event{
		Type:     EvRejected,
		OrderID:  o.ID,
		ClientID: o.ClientID,
		User:     o.User,
		OrdType:  o.Type,
		Side:     o.Side,
		Qty:      o.Qty,
		Reason:   reason,
	})
	e.history.Push(o)
}

func (e *Engine) processSubmit(cmd *Command) {
	if e.halted {
		e.rejectCmd(cmd, ReasonSymbolHalted)
		return
	}
	if cmd.DeadlineNS > 0 && time.Now().UnixNano() > cmd.DeadlineNS {
		e.rejectCmd(cmd, ReasonDeadlineExceeded)
		return
	}

	if cmd.Type == order.OCOLeg {
		e.submitOCO(cmd)
		return
	}

	o, reason := e.buildOrder(cmd)
	if reason != ReasonNone {
		e.rejectCmd(cmd, reason)
		return
	}
	e.admit(o)
}

// buildOrder validates a submission and materializes the order record.
// No id is assigned and nothing is reserved yet.
func (e *Engine) buildOrder(cmd *Command) (*order.Order, Reason) {
	if err := e.sym.CheckQty(cmd.Qty); err != nil {
		return nil, validationReason(err)
	}

	switch cmd.Type {
	case order.Limit, order.Iceberg:
		if err := e.sym.CheckPrice(cmd.LimitPrice); err != nil {
			return nil, validationReason(err)
		}
		if err := e.sym.CheckNotional(cmd.LimitPrice, cmd.Qty); err != nil {
			return nil, validationReason(err)
		}
		if cmd.Type == order.Iceberg {
			if cmd.DisplayQty <= 0 || cmd.DisplayQty >= cmd.Qty || !cmd.DisplayQty.AlignedTo(e.sym.LotSize) {
				return nil, ReasonInvalidOrder
			}
		}
	case order.Market:
		if cmd.Flags&order.FlagPostOnly != 0 {
			return nil, ReasonInvalidOrder
		}
	case order.Stop, order.TakeProfit:
		if err := e.sym.CheckPrice(cmd.StopPrice); err != nil {
			return nil, validationReason(err)
		}
		if cmd.LimitPrice != 0 {
			if err := e.sym.CheckPrice(cmd.LimitPrice); err != nil {
				return nil, validationReason(err)
			}
		}
	case order.StopLimit:
		if err := e.sym.CheckPrice(cmd.StopPrice); err != nil {
			return nil, validationReason(err)
		}
		if err := e.sym.CheckPrice(cmd.LimitPrice); err != nil {
			return nil, validationReason(err)
		}
		if err := e.sym.CheckNotional(cmd.LimitPrice, cmd.Qty); err != nil {
			return nil, validationReason(err)
		}
	case order.TrailingStop:
		if (cmd.TrailAmount <= 0) == (cmd.TrailPercent <= 0) {
			return nil, ReasonInvalidOrder
		}
	default:
		return nil, ReasonInvalidOrder
	}

	o := order.Get()
	o.ClientID = cmd.ClientID
	o.User = cmd.User
	o.Side = cmd.Side
	o.Type = cmd.Type
	o.Qty = cmd.Qty
	o.Price = cmd.LimitPrice
	o.StopPrice = cmd.StopPrice
	o.TrailAmount = cmd.TrailAmount
	o.TrailPercent = cmd.TrailPercent
	o.DisplayQty = cmd.DisplayQty
	o.TIF = cmd.TIF
	o.Flags = cmd.Flags
	o.DeadlineNS = cmd.DeadlineNS
	o.State = order.New
	return o, ReasonNone
}

// admit runs the common acceptance pipeline: price bound, risk check,
// post-only and FOK pre-checks, reservation, then routes the order to
// the book or the trigger registry. Cascade promotions run before admit
// returns, so a caller observing the fill also observes its consequences.
func (e *Engine) admit(o *order.Order) {
	// Unpriced orders get a per-unit price cap. Immediate market orders
	// band around the current top of book; unpriced conditional buys
	// band around their trigger price, since the top of book at
	// registration says nothing about the market at fire time. The cap
	// doubles as the per-unit reservation price for buys. Unpriced
	// conditional sells reserve base quantity only, so their cap waits
	// until fire time.
	if o.Price == 0 {
		switch {
		case !o.Conditional():
			bound, ok := e.protectionBound(o.Side)
			if !ok {
				e.rejectOrder(o, ReasonNoLiquidity)
				return
			}
			o.Price = bound
		case o.Side == order.Buy:
			ref := o.StopPrice
			if o.Type == order.TrailingStop {
				ref = e.trailingRef(o)
			}
			if ref <= 0 {
				e.rejectOrder(o, ReasonInvalidOrder)
				return
			}
			band, err := fixed.MulBps(ref, e.sym.ProtectionBandBps)
			if err != nil {
				e.rejectOrder(o, ReasonInvalidOrder)
				return
			}
			o.Price = ref + band
		}
	}

	riskPx := o.Price
	if riskPx == 0 {
		riskPx = o.StopPrice
	}
	notional, err := fixed.MulPrice(riskPx, o.Qty)
	if err != nil {
		e.rejectOrder(o, ReasonInvalidOrder)
		return
	}

	if err := e.gate.Check(o.User, e.sym, o.Side, o.Qty, notional, time.Now()); err != nil {
		e.rejectOrder(o, riskReason(err))
		return
	}

	// Pre-checks that must not leave side effects run before funds move.
	if o.Flags&order.FlagPostOnly != 0 && !o.Conditional() && e.wouldCross(o) {
		e.rejectOrder(o, ReasonPostOnlyCrossed)
		return
	}
	if o.TIF == order.FOK && !o.Conditional() {
		if !e.bk.Fillable(o.User, o.Side, o.Qty, o.Price) {
			e.rejectOrder(o, ReasonFokUnfillable)
			return
		}
	}

	if reason := e.reserve(o, notional); reason != ReasonNone {
		e.rejectOrder(o, reason)
		return
	}

	o.ID = e.nextOrderID
	e.nextOrderID++
	o.AcceptedTS = e.clock()
	o.RiskNotional = notional
	e.gate.OnAccept(o.User, notional)
	e.open[o.ID] = o

	e.emit(Event{
		Type:          EvAccepted,
		OrderID:       o.ID,
		ClientID:      o.ClientID,
		User:          o.User,
		OrdType:       o.Type,
		Side:          o.Side,
		Price:         o.Price,
		Qty:           o.Qty,
		Remain:        o.Remaining(),
		ReservedBase:  o.ReservedBase,
		ReservedQuote: o.ReservedQuote,
	})

	if o.Conditional() {
		o.State = order.PendingTrigger
		e.trg.Add(o, e.lastTrade)
		return
	}

	o.State = order.Active
	e.aggress(o)
	e.fireTriggers()
}

// trailingRef estimates a buy trailing-stop's initial trigger from the
// last trade. The water-mark only falls for buys, so this is an upper
// bound on any future trigger and safe to size the reservation with.
func (e *Engine) trailingRef(o *order.Order) fixed.Amount {
	if e.lastTrade <= 0 {
		return 0
	}
	offset := o.TrailAmount
	if o.TrailPercent > 0 {
		frac, err := fixed.MulBps(e.lastTrade, o.TrailPercent)
		if err != nil {
			return 0
		}
		offset = frac
	}
	return e.lastTrade + offset
}

// protectionBound derives the worst acceptable price for an unpriced
// taker from the opposite top of book and the symbol's band.
func (e *Engine) protectionBound(side order.Side) (fixed.Amount, bool) {
	if side == order.Buy {
		level, ok := e.bk.BestAsk()
		if !ok {
			return 0, false
		}
		band, err := fixed.MulBps(level.Price, e.sym.ProtectionBandBps)
		if err != nil {
			return 0, false
		}
		return level.Price + band, true
	}
	level, ok := e.bk.BestBid()
	if !ok {
		return 0, false
	}
	band, err := fixed.MulBps(level.Price, e.sym.ProtectionBandBps)
	if err != nil {
		return 0, false
	}
	bound := level.Price - band
	if bound < 0 {
		bound = 0
	}
	return bound, true
}

// wouldCross reports whether the order would trade immediately on entry.
func (e *Engine) wouldCross(o *order.Order) bool {
	if o.Side == order.Buy {
		level, ok := e.bk.BestAsk()
		return ok && level.Price <= o.Price
	}
	level, ok := e.bk.BestBid()
	return ok && level.Price >= o.Price
}

// reserve locks the funds backing the order: the full quote notional at
// the per-unit reserve price for buys, the full base quantity for sells.
// Icebergs reserve for the hidden quantity, and conditional orders
// reserve at registration.
func (e *Engine) reserve(o *order.Order, notional fixed.Amount) Reason {
	if o.Side == order.Buy {
		if err := e.led.Reserve(o.User, e.sym.Quote, notional); err != nil {
			return reserveReason(err)
		}
		o.ReservedQuote = notional
		return ReasonNone
	}
	if err := e.led.Reserve(o.User, e.sym.Base, o.Qty); err != nil {
		return reserveReason(err)
	}
	o.ReservedBase = o.Qty
	return ReasonNone
}

// submitOCO admits the pair: a resting limit leg and a stop leg that
// fires as a market order. The first leg to fill or trigger cancels its
// sibling.
func (e *Engine) submitOCO(cmd *Command) {
	if err := e.sym.CheckQty(cmd.Qty); err != nil {
		e.rejectCmd(cmd, validationReason(err))
		return
	}
	if err := e.sym.CheckPrice(cmd.LimitPrice); err != nil {
		e.rejectCmd(cmd, validationReason(err))
		return
	}
	if err := e.sym.CheckPrice(cmd.StopPrice); err != nil {
		e.rejectCmd(cmd, validationReason(err))
		return
	}

	limitCmd := *cmd
	limitCmd.Type = order.Limit
	limitCmd.StopPrice = 0
	limitLeg, reason := e.buildOrder(&limitCmd)
	if reason != ReasonNone {
		e.rejectCmd(cmd, reason)
		return
	}

	stopCmd := *cmd
	stopCmd.Type = order.Stop
	stopCmd.LimitPrice = 0
	stopLeg, reason := e.buildOrder(&stopCmd)
	if reason != ReasonNone {
		e.rejectCmd(cmd, reason)
		return
	}

	e.admit(limitLeg)
	if limitLeg.State.Terminal() || limitLeg.FilledQty > 0 {
		// Rejected, or filled on entry: the stop leg never activates.
		e.rejectOrder(stopLeg, ReasonOcoSibling)
		return
	}

	e.admit(stopLeg)
	if stopLeg.State.Terminal() {
		// The pair places atomically: a stop leg that cannot be admitted
		// voids the limit leg's residual too.
		e.removeFromVenue(limitLeg)
		e.finishCancelled(limitLeg, ReasonOcoSibling, EvCancelled)
		return
	}

	limitLeg.OCOSiblingID = stopLeg.ID
	stopLeg.OCOSiblingID = limitLeg.ID
	e.trg.Pair(limitLeg.ID, stopLeg.ID)
}

// aggress matches the taker, settles each fill, and disposes of the
// residual per time-in-force.
func (e *Engine) aggress(taker *order.Order) {
	res := e.bk.Match(taker, taker.Price)

	for _, maker := range res.SelfCancelled {
		e.finishCancelled(e.record(maker), ReasonSelfTrade, EvCancelled)
	}

	for _, f := range res.Fills {
		if !e.settleFill(taker, f) {
			return // symbol halted mid-command
		}
	}

	if taker.Remaining() == 0 {
		e.retire(taker)
		return
	}

	switch {
	case taker.Type == order.Market, taker.Type == order.Stop, taker.Type == order.TrailingStop:
		// Market-form orders never rest; an unfilled remainder after
		// depth or band exhaustion is cancelled.
		e.finishCancelled(taker, ReasonNoLiquidity, EvCancelled)
	case taker.TIF == order.IOC:
		e.finishCancelled(taker, ReasonNone, EvCancelled)
	default:
		e.rest(taker)
	}
}

// rest places the residual on the book: the order itself, or the first
// display slice for icebergs.
func (e *Engine) rest(o *order.Order) {
	if o.Type == order.Iceberg {
		e.icebergs[o.ID] = o
		if o.State == order.New {
			o.State = order.Active
		}
		e.issueSlice(o)
		return
	}
	if err := e.bk.Insert(o); err != nil {
		e.finishCancelled(o, ReasonInvalidOrder, EvCancelled)
		return
	}
	if o.State == order.New {
		o.State = order.Active
	}
	e.emit(Event{
		Type:     EvResting,
		OrderID:  o.ID,
		ClientID: o.ClientID,
		User:     o.User,
		OrdType:  o.Type,
		Side:     o.Side,
		Price:    o.Price,
		Qty:      o.Qty,
		Filled:   o.FilledQty,
		Remain:   o.Remaining(),
	})
}

// issueSlice carves the next display slice of an iceberg with a fresh
// accepted_ts. The fresh timestamp is what keeps hidden quantity from
// jumping the queue: anything that arrived at this price in the meantime
// is now ahead of the new slice.
func (e *Engine) issueSlice(parent *order.Order) {
	qty := min(parent.DisplayQty, parent.Remaining())
	if qty <= 0 {
		return
	}
	slice := order.Get()
	slice.ID = parent.ID
	slice.ClientID = parent.ClientID
	slice.User = parent.User
	slice.Side = parent.Side
	slice.Type = order.Iceberg
	slice.Price = parent.Price
	slice.Qty = qty
	slice.TIF = parent.TIF
	slice.State = order.Active
	slice.AcceptedTS = e.clock()
	if err := e.bk.Insert(slice); err != nil {
		order.Put(slice)
		e.finishCancelled(parent, ReasonInvalidOrder, EvCancelled)
		return
	}
	// Every slice issue is visible on the stream so a replayer can track
	// the displayed quantity.
	e.emit(Event{
		Type:     EvResting,
		OrderID:  parent.ID,
		ClientID: parent.ClientID,
		User:     parent.User,
		OrdType:  parent.Type,
		Side:     parent.Side,
		Price:    parent.Price,
		Qty:      parent.Qty,
		Filled:   parent.FilledQty,
		Remain:   parent.Remaining(),
		Display:  qty,
	})
}

// record resolves a book occupant to its order of record: iceberg slices
// resolve to their parent, everything else to itself.
func (e *Engine) record(o *order.Order) *order.Order {
	if parent, ok := e.icebergs[o.ID]; ok {
		return parent
	}
	return o
}

// settleFill performs the ledger swap for one fill and emits the trade
// and fill-state events. Returns false when the ledger reports an
// invariant breach, which halts the symbol.
func (e *Engine) settleFill(taker *order.Order, f book.Fill) bool {
	makerRec := e.record(f.Maker)

	var buyer, seller *order.Order
	if taker.Side == order.Buy {
		buyer, seller = taker, makerRec
	} else {
		buyer, seller = makerRec, taker
	}

	if err := e.led.SettleTrade(buyer.User, seller.User, e.sym.Base, e.sym.Quote, f.Price, f.Qty); err != nil {
		var fatal *ledger.FatalError
		if errors.As(err, &fatal) {
			e.log.Error().Err(err).Msg("settlement invariant breach")
		}
		e.halt(ReasonLedgerFault)
		return false
	}

	// Reservation bookkeeping. The buyer reserved at its per-unit
	// reserve price; the gap between that and the maker's execution
	// price is released back immediately (price improvement goes to the
	// taker).
	notional, _ := fixed.MulPrice(f.Price, f.Qty)
	reservedPart, _ := fixed.MulPrice(buyer.Price, f.Qty)
	if surplus := reservedPart - notional; surplus > 0 {
		if err := e.led.Release(buyer.User, e.sym.Quote, surplus); err != nil {
			e.halt(ReasonLedgerFault)
			return false
		}
	}
	buyer.ReservedQuote -= reservedPart
	if buyer.ReservedQuote < 0 {
		buyer.ReservedQuote = 0
	}
	seller.ReservedBase -= f.Qty
	if seller.ReservedBase < 0 {
		seller.ReservedBase = 0
	}

	// Mirror slice fills into the iceberg parent.
	if makerRec != f.Maker {
		makerRec.Fill(f.Qty)
	}

	now := time.Now()
	e.gate.ApplyFill(buyer.User, e.sym, order.Buy, f.Price, f.Qty, now)
	e.gate.ApplyFill(seller.User, e.sym, order.Sell, f.Price, f.Qty, now)

	e.lastTrade = f.Price
	e.md.record(f.Price, f.Qty, now.UnixNano())
	e.nTrades.Add(1)

	tradeID := e.nextTradeID
	e.nextTradeID++
	e.emit(Event{
		Type:      EvTrade,
		TradeID:   tradeID,
		MakerID:   makerRec.ID,
		TakerID:   taker.ID,
		Price:     f.Price,
		Qty:       f.Qty,
		MakerSide: f.Maker.Side,
	})

	e.emitFillState(makerRec)
	// A fully consumed display slice re-issues before anything else can
	// act at this price, and the spent slice goes back to the pool.
	if makerRec != f.Maker && f.Maker.Remaining() == 0 {
		if makerRec.Remaining() > 0 {
			e.issueSlice(makerRec)
		}
		order.Put(f.Maker)
	}
	if makerRec.Remaining() == 0 {
		e.retire(makerRec)
	} else if sib := makerRec.OCOSiblingID; sib != 0 && makerRec.FilledQty > 0 {
		e.cancelOCOSibling(makerRec)
	}

	e.emitFillState(taker)
	if taker.Remaining() > 0 && taker.OCOSiblingID != 0 && taker.FilledQty > 0 {
		e.cancelOCOSibling(taker)
	}
	return !e.halted
}

// emitFillState reports an order's post-fill state.
func (e *Engine) emitFillState(o *order.Order) {
	typ := EvPartiallyFilled
	if o.Remaining() == 0 {
		typ = EvFilled
	}
	e.emit(Event{
		Type:     typ,
		OrderID:  o.ID,
		ClientID: o.ClientID,
		User:     o.User,
		OrdType:  o.Type,
		Side:     o.Side,
		Price:    o.Price,
		Qty:      o.Qty,
		Filled:   o.FilledQty,
		Remain:   o.Remaining(),
	})
}

// retire finalizes a fully filled order: leftover reservation dust from
// truncated per-fill arithmetic goes back to the owner, and the order
// moves to the history ring.
func (e *Engine) retire(o *order.Order) {
	if _, live := e.open[o.ID]; !live {
		return
	}
	o.State = order.Filled
	e.releaseRemaining(o)
	if o.OCOSiblingID != 0 {
		e.cancelOCOSibling(o)
	}
	e.close(o)
}

// finishCancelled terminates an order with a Cancelled or Expired event,
// releasing whatever it still has locked.
func (e *Engine) finishCancelled(o *order.Order, reason Reason, typ EventType) {
	// Every cancellable order is in the live table; anything already
	// closed (e.g. an OCO sibling expired moments earlier in the same
	// sweep) must not release twice.
	if _, live := e.open[o.ID]; !live {
		return
	}
	if typ == EvExpired {
		o.State = order.Expired
	} else {
		o.State = order.Cancelled
	}
	e.releaseRemaining(o)
	e.emit(Event{
		Type:     typ,
		OrderID:  o.ID,
		ClientID: o.ClientID,
		User:     o.User,
		OrdType:  o.Type,
		Side:     o.Side,
		Price:    o.Price,
		Qty:      o.Qty,
		Filled:   o.FilledQty,
		Remain:   o.Remaining(),
		Reason:   reason,
	})
	if o.OCOSiblingID != 0 {
		e.cancelOCOSibling(o)
	}
	e.close(o)
}

// releaseRemaining returns an order's outstanding reservations to
// available balance. A release the ledger cannot honour means the
// engine's accounting diverged, which is fatal.
func (e *Engine) releaseRemaining(o *order.Order) {
	if o.ReservedQuote > 0 {
		if err := e.led.Release(o.User, e.sym.Quote, o.ReservedQuote); err != nil {
			e.halt(ReasonLedgerFault)
			return
		}
		o.ReservedQuote = 0
	}
	if o.ReservedBase > 0 {
		if err := e.led.Release(o.User, e.sym.Base, o.ReservedBase); err != nil {
			e.halt(ReasonLedgerFault)
			return
		}
		o.ReservedBase = 0
	}
}

// close removes a terminal order from the live table and retains it in
// the bounded history ring.
func (e *Engine) close(o *order.Order) {
	delete(e.open, o.ID)
	delete(e.icebergs, o.ID)
	e.gate.OnClose(o.User, o.RiskNotional)
	e.history.Push(o)
}

// cancelOCOSibling cancels the other leg of an OCO pair, wherever it
// currently lives.
func (e *Engine) cancelOCOSibling(o *order.Order) {
	sibID, ok := e.trg.Sibling(o.ID)
	if !ok {
		o.OCOSiblingID = 0
		return
	}
	o.OCOSiblingID = 0
	sib, ok := e.open[sibID]
	if !ok {
		return
	}
	sib.OCOSiblingID = 0
	e.removeFromVenue(sib)
	e.finishCancelled(sib, ReasonOcoSibling, EvCancelled)
}

// removeFromVenue unlinks an open order from whichever structure holds
// it: the book (directly or via its display slice) or the registry.
func (e *Engine) removeFromVenue(o *order.Order) {
	if e.bk.Contains(o.ID) {
		if slice, err := e.bk.Cancel(o.ID); err == nil && slice != o {
			order.Put(slice)
		}
		return
	}
	e.trg.Remove(o.ID)
}

func (e *Engine) processCancel(cmd *Command) {
	if e.halted {
		e.emit(Event{Type: EvRejected, OrderID: cmd.OrderID, User: cmd.User, Reason: ReasonSymbolHalted})
		return
	}
	o, ok := e.open[cmd.OrderID]
	if !ok {
		reason := ReasonUnknownOrder
		if e.history.Lookup(cmd.OrderID) != nil {
			reason = ReasonAlreadyTerminal
		}
		e.emit(Event{Type: EvRejected, OrderID: cmd.OrderID, User: cmd.User, Reason: reason})
		return
	}
	if o.User != cmd.User {
		e.emit(Event{Type: EvRejected, OrderID: cmd.OrderID, User: cmd.User, Reason: ReasonNotOwner})
		return
	}
	e.removeFromVenue(o)
	e.finishCancelled(o, ReasonNone, EvCancelled)
}

// processModify cancels-and-replaces, except for the one shape that
// keeps time priority: a pure quantity reduction at an unchanged price.
func (e *Engine) processModify(cmd *Command) {
	if e.halted {
		e.emit(Event{Type: EvRejected, OrderID: cmd.OrderID, User: cmd.User, Reason: ReasonSymbolHalted})
		return
	}
	o, ok := e.open[cmd.OrderID]
	if !ok {
		reason := ReasonUnknownOrder
		if e.history.Lookup(cmd.OrderID) != nil {
			reason = ReasonAlreadyTerminal
		}
		e.emit(Event{Type: EvRejected, OrderID: cmd.OrderID, User: cmd.User, Reason: reason})
		return
	}
	if o.User != cmd.User {
		e.emit(Event{Type: EvRejected, OrderID: cmd.OrderID, User: cmd.User, Reason: ReasonNotOwner})
		return
	}

	// Icebergs re-carve their resting slice on any modification, so they
	// always go through cancel-and-replace.
	_, isIceberg := e.icebergs[o.ID]
	samePrice := cmd.NewPrice == 0 || cmd.NewPrice == o.Price
	if samePrice && !isIceberg && cmd.NewQty > 0 && cmd.NewQty < o.Qty && cmd.NewQty > o.FilledQty {
		e.reduceInPlace(o, cmd.NewQty)
		return
	}

	// Everything else loses priority: cancel and resubmit.
	newQty := cmd.NewQty
	if newQty == 0 {
		newQty = o.Remaining()
	}
	newPrice := cmd.NewPrice
	if newPrice == 0 {
		newPrice = o.Price
	}
	resubmit := &Command{
		Kind:         CmdSubmit,
		ClientID:     o.ClientID,
		User:         o.User,
		Side:         o.Side,
		Type:         o.Type,
		Qty:          newQty,
		LimitPrice:   newPrice,
		StopPrice:    o.StopPrice,
		TrailAmount:  o.TrailAmount,
		TrailPercent: o.TrailPercent,
		DisplayQty:   o.DisplayQty,
		TIF:          o.TIF,
		Flags:        o.Flags,
	}
	e.removeFromVenue(o)
	e.finishCancelled(o, ReasonNone, EvCancelled)
	e.processSubmit(resubmit)
}

// reduceInPlace shrinks the order where it sits and releases the
// reservation delta; accepted_ts is untouched.
func (e *Engine) reduceInPlace(o *order.Order, newQty fixed.Amount) {
	delta := o.Qty - newQty
	if e.bk.Contains(o.ID) {
		if err := e.bk.Reduce(o.ID, delta); err != nil {
			e.emit(Event{Type: EvRejected, OrderID: o.ID, User: o.User, Reason: ReasonInvalidOrder})
			return
		}
	} else {
		// Pending in the trigger registry; only the record changes.
		o.Qty = newQty
	}

	if o.Side == order.Buy {
		rel, err := fixed.MulPrice(o.Price, delta)
		if err == nil && rel > 0 && rel <= o.ReservedQuote {
			if lerr := e.led.Release(o.User, e.sym.Quote, rel); lerr != nil {
				e.halt(ReasonLedgerFault)
				return
			}
			o.ReservedQuote -= rel
		}
	} else if delta <= o.ReservedBase {
		if lerr := e.led.Release(o.User, e.sym.Base, delta); lerr != nil {
			e.halt(ReasonLedgerFault)
			return
		}
		o.ReservedBase -= delta
	}

	e.emit(Event{
		Type:     EvResting,
		OrderID:  o.ID,
		ClientID: o.ClientID,
		User:     o.User,
		OrdType:  o.Type,
		Side:     o.Side,
		Price:    o.Price,
		Qty:      o.Qty,
		Filled:   o.FilledQty,
		Remain:   o.Remaining(),
	})
}

// processTick performs session maintenance: DAY expiry and market-data
// window rollover.
func (e *Engine) processTick(cmd *Command) {
	e.md.roll(cmd.NowNS)
	if e.halted || e.sessionEndNS == 0 || cmd.NowNS < e.sessionEndNS {
		return
	}
	for e.sessionEndNS <= cmd.NowNS {
		e.sessionEndNS += dayNS
	}

	var expiring []*order.Order
	for _, o := range e.open {
		if o.TIF == order.Day {
			expiring = append(expiring, o)
		}
	}
	for _, o := range expiring {
		e.removeFromVenue(o)
		e.finishCancelled(o, ReasonDayExpired, EvExpired)
	}
}

// fireTriggers promotes in-the-money conditionals until the cascade is
// quiescent, all before the engine returns to its queue.
func (e *Engine) fireTriggers() {
	if e.lastTrade <= 0 {
		return
	}
	for !e.halted {
		promos := e.trg.OnLastTrade(e.lastTrade)
		if len(promos) == 0 {
			return
		}
		for _, p := range promos {
			e.promote(p)
			if e.halted {
				return
			}
		}
	}
}

// promote activates one fired conditional: the sibling (if OCO) is
// cancelled first, the risk gate re-checks at fire time, and the order
// aggresses in its configured form.
func (e *Engine) promote(p *order.Order) {
	e.emit(Event{
		Type:     EvTriggered,
		OrderID:  p.ID,
		ClientID: p.ClientID,
		User:     p.User,
		OrdType:  p.Type,
		Side:     p.Side,
		Price:    p.StopPrice,
		Qty:      p.Qty,
		Remain:   p.Remaining(),
	})

	if p.OCOSiblingID != 0 {
		e.cancelOCOSibling(p)
	}

	// Resolve the firing form: stop-limit and priced take-profits become
	// limit orders at their limit price; everything else goes out as a
	// market order capped by both the protection band and the price the
	// reservation was sized at.
	switch p.Type {
	case order.StopLimit:
		// p.Price already holds the limit.
	case order.TakeProfit:
		if p.Price == 0 {
			if !e.marketBound(p) {
				return
			}
			p.Type = order.Market
		}
	default:
		if !e.marketBound(p) {
			return
		}
	}

	notional, err := fixed.MulPrice(p.Price, p.Remaining())
	if err != nil {
		e.removeStale(p)
		return
	}
	if err := e.gate.Check(p.User, e.sym, p.Side, p.Remaining(), notional, time.Now()); err != nil {
		e.removeStale(p)
		return
	}

	p.State = order.Active
	e.aggress(p)
}

// marketBound re-derives a promoted market order's price cap. Buys never
// exceed the per-unit price their reservation was sized at.
func (e *Engine) marketBound(p *order.Order) bool {
	bound, ok := e.protectionBound(p.Side)
	if !ok {
		e.finishCancelled(p, ReasonNoLiquidity, EvCancelled)
		return false
	}
	if p.Side == order.Buy && p.Price > 0 && bound > p.Price {
		bound = p.Price
	}
	p.Price = bound
	return true
}

// removeStale cancels a promotion that no longer passes risk.
func (e *Engine) removeStale(p *order.Order) {
	e.finishCancelled(p, ReasonStaleTrigger, EvCancelled)
}

// validationReason maps symbol-validation errors onto wire reasons.
func validationReason(err error) Reason {
	switch {
	case errors.Is(err, asset.ErrTickSize):
		return ReasonTickSize
	case errors.Is(err, asset.ErrLotSize):
		return ReasonLotSize
	case errors.Is(err, asset.ErrMinNotional):
		return ReasonMinNotional
	case errors.Is(err, asset.ErrMaxOrderQty):
		return ReasonMaxOrderQty
	case errors.Is(err, asset.ErrUnknownSymbol):
		return ReasonInvalidSymbol
	default:
		return ReasonInvalidOrder
	}
}

// riskReason maps risk-gate errors onto wire reasons.
func riskReason(err error) Reason {
	if errors.Is(err, risk.ErrRateLimited) {
		return ReasonRateLimited
	}
	return ReasonRiskLimit
}

// reserveReason maps ledger reservation errors onto wire reasons.
func reserveReason(err error) Reason {
	if errors.Is(err, ledger.ErrInsufficientAvailable) {
		return ReasonInsufficientFunds
	}
	return ReasonLedgerFault
}
