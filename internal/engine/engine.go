// Package engine runs one matching engine per symbol: a single goroutine
// that drains the symbol's command queue, applies validation and risk
// checks, matches against the book, settles every resulting trade in the
// shared ledger, and fires newly in-the-money conditional orders before
// taking the next command.
//
// All mutation of a symbol's book, triggers and order table happens on
// its own goroutine, so that state needs no locks. Settlement and risk
// checks go through the shared ledger and risk gate, which lock per
// balance and per user, and the matching path allocates fill lists and
// events outside the order pool.
package engine

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"

	"vidar/internal/asset"
	"vidar/internal/book"
	"vidar/internal/fixed"
	"vidar/internal/ledger"
	"vidar/internal/order"
	"vidar/internal/risk"
	"vidar/internal/trigger"
)

// Options sizes one symbol engine's queues and history.
type Options struct {
	QueueDepth     int   // command ring depth (power of two)
	EventRingDepth int   // per-subscriber event ring depth (power of two)
	HistoryDepth   int   // terminal-order ring size
	SessionEndNS   int64 // next session close, drives DAY expiry
}

// DefaultOptions returns the sizes used when the configuration does not
// override them.
func DefaultOptions() Options {
	return Options{
		QueueDepth:     1 << 16,
		EventRingDepth: 1 << 16,
		HistoryDepth:   1 << 14,
	}
}

// Stats are cheap observability counters, readable from any goroutine.
type Stats struct {
	Commands uint64
	Trades   uint64
	Rejects  uint64
}

// Engine is the per-symbol actor. Everything below the command ring is
// owned exclusively by the run goroutine.
type Engine struct {
	sym  *asset.Symbol
	name string
	log  zerolog.Logger

	led  *ledger.Ledger
	gate *risk.Gate
	bk   *book.Book
	trg  *trigger.Registry

	commands *commandRing
	subs     []*Subscription
	opts     Options

	t *tomb.Tomb

	// Engine-goroutine state.
	halted       bool
	halting      bool
	seq          uint64
	lastTS       int64
	nextOrderID  uint64
	nextTradeID  uint64
	lastTrade    fixed.Amount
	sessionEndNS int64
	history      *order.History
	open         map[uint64]*order.Order // every non-terminal order, resting or pending
	icebergs     map[uint64]*order.Order // iceberg parents keyed by order id
	md           marketData

	nCommands atomic.Uint64
	nTrades   atomic.Uint64
	nRejects  atomic.Uint64
}

// New builds an engine for one symbol against the shared ledger and risk
// gate. Subscribers attach before Start.
func New(sym *asset.Symbol, led *ledger.Ledger, gate *risk.Gate, opts Options, log zerolog.Logger) *Engine {
	def := DefaultOptions()
	if opts.QueueDepth == 0 {
		opts.QueueDepth = def.QueueDepth
	}
	if opts.EventRingDepth == 0 {
		opts.EventRingDepth = def.EventRingDepth
	}
	if opts.HistoryDepth == 0 {
		opts.HistoryDepth = def.HistoryDepth
	}
	return &Engine{
		sym:          sym,
		name:         sym.Name(),
		nextOrderID:  1,
		log:          log.With().Str("symbol", sym.Name()).Logger(),
		led:          led,
		gate:         gate,
		bk:           book.New(sym),
		trg:          trigger.New(),
		commands:     newCommandRing(opts.QueueDepth),
		opts:         opts,
		sessionEndNS: opts.SessionEndNS,
		history:      order.NewHistory(opts.HistoryDepth),
		open:         make(map[uint64]*order.Order),
		icebergs:     make(map[uint64]*order.Order),
	}
}

// Subscribe attaches an event consumer. The audit feed is mandatory: if
// it falls a full ring behind, the symbol halts rather than lose an
// event. Best-effort feeds are dropped instead. Must be called before
// Start.
func (e *Engine) Subscribe(name string, mandatory bool) *Subscription {
	sub := &Subscription{
		Name:      name,
		mandatory: mandatory,
		ring:      newEventRing(e.opts.EventRingDepth),
	}
	e.subs = append(e.subs, sub)
	return sub
}

// Start launches the engine goroutine under a tomb.
func (e *Engine) Start() {
	e.t = &tomb.Tomb{}
	e.t.Go(e.run)
}

// Stop kills the engine and waits for the loop to exit. Commands still
// queued behind the stop marker are not processed.
func (e *Engine) Stop() error {
	if e.t == nil {
		return nil
	}
	e.t.Kill(nil)
	// Wake the loop if it is parked on an empty ring.
	e.commands.publish(&Command{Kind: cmdStop})
	return e.t.Wait()
}

// Submit delivers a command to the engine. Blocks only while the ring is
// full, which is the backpressure signal to the gateway.
func (e *Engine) Submit(cmd *Command) {
	e.commands.publish(cmd)
}

// Snapshot returns top-depth levels of both sides plus last-trade and
// 24h accumulators, taken at a command boundary so it is internally
// consistent.
func (e *Engine) Snapshot(depth int) MarketSnapshot {
	resp := make(chan MarketSnapshot, 1)
	e.commands.publish(&Command{Kind: cmdSnapshot, depth: depth, snapResp: resp})
	return <-resp
}

// Symbol returns the engine's symbol definition.
func (e *Engine) Symbol() *asset.Symbol {
	return e.sym
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Commands: e.nCommands.Load(),
		Trades:   e.nTrades.Load(),
		Rejects:  e.nRejects.Load(),
	}
}

// run is the matching loop. Pinned to an OS thread to keep cache
// residency and avoid scheduler migrations between commands.
func (e *Engine) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e.log.Info().Msg("engine started")
	for {
		cmd := e.commands.consume()
		if cmd.Kind == cmdStop {
			// The stop marker queues behind in-flight commands, so
			// everything submitted before Stop is still processed.
			e.log.Info().Msg("engine stopped")
			return nil
		}
		if cmd.Kind != cmdSnapshot {
			e.nCommands.Add(1)
		}
		e.process(cmd)
	}
}

// clock returns strictly monotonic nanoseconds; identical accepted_ts
// values are impossible within a symbol.
func (e *Engine) clock() int64 {
	ts := time.Now().UnixNano()
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	return ts
}

// emit stamps and fans an event out to every subscriber, applying each
// ring's overflow policy.
func (e *Engine) emit(ev Event) {
	ev.Seq = e.seq
	e.seq++
	ev.Symbol = e.name
	if ev.TS == 0 {
		ev.TS = time.Now().UnixNano()
	}

	for i := 0; i < len(e.subs); i++ {
		sub := e.subs[i]
		if sub.ring.tryPublish(ev) {
			continue
		}
		if sub.mandatory {
			// The audit journal cannot lose events; falling behind on it
			// halts the symbol.
			e.halt(ReasonAuditBackpressure)
			return
		}
		sub.dropped.Store(true)
		e.subs = append(e.subs[:i], e.subs[i+1:]...)
		i--
		e.log.Warn().Str("subscriber", sub.Name).Msg("dropped slow subscriber")
	}
}

// halt stops the symbol permanently: the final event is HaltedSymbol and
// every later command is refused. Other symbols are unaffected.
func (e *Engine) halt(reason Reason) {
	if e.halted || e.halting {
		return
	}
	e.halting = true
	e.log.Error().Str("reason", string(reason)).Msg("symbol halted")
	e.emit(Event{Type: EvHaltedSymbol, Reason: reason})
	e.halted = true
	e.halting = false
}

// Halted reports whether the symbol has been halted. Test surface; the
// authoritative signal is the HaltedSymbol event.
func (e *Engine) Halted() bool {
	return e.halted
}
