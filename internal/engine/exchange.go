package engine

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vidar/internal/asset"
	"vidar/internal/ledger"
	"vidar/internal/risk"
)

var ErrUnknownSymbol = errors.New("engine: no engine for symbol")

// Exchange routes commands to per-symbol engines. The read path is a
// single atomic load of an immutable map; registration copies the map
// under a mutex, which is rare and cheap relative to the read volume.
type Exchange struct {
	engines atomic.Value // map[string]*Engine, copy-on-write
	mu      sync.Mutex   // guards writes only

	led  *ledger.Ledger
	gate *risk.Gate
	opts Options
	log  zerolog.Logger
}

// NewExchange creates an exchange over the shared ledger and risk gate.
func NewExchange(led *ledger.Ledger, gate *risk.Gate, opts Options, log zerolog.Logger) *Exchange {
	x := &Exchange{led: led, gate: gate, opts: opts, log: log}
	x.engines.Store(make(map[string]*Engine))
	return x
}

// Register creates and starts an engine for a symbol. The audit
// subscription is created here because no engine may run without one.
// Returns the engine and its audit subscription.
func (x *Exchange) Register(sym *asset.Symbol) (*Engine, *Subscription) {
	x.mu.Lock()
	defer x.mu.Unlock()

	engines := x.engines.Load().(map[string]*Engine)
	if eng, ok := engines[sym.Name()]; ok {
		return eng, nil
	}

	eng := New(sym, x.led, x.gate, x.opts, x.log)
	audit := eng.Subscribe("audit", true)
	eng.Start()

	next := make(map[string]*Engine, len(engines)+1)
	for k, v := range engines {
		next[k] = v
	}
	next[sym.Name()] = eng
	x.engines.Store(next)
	return eng, audit
}

// Engine resolves the engine owning a symbol. Lock-free.
func (x *Exchange) Engine(symbol string) (*Engine, error) {
	engines := x.engines.Load().(map[string]*Engine)
	eng, ok := engines[symbol]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return eng, nil
}

// Submit routes a command to its symbol's engine. Submissions without a
// client id get one here, at the gateway boundary, so every event can be
// correlated even for callers that did not supply their own.
func (x *Exchange) Submit(symbol string, cmd *Command) error {
	eng, err := x.Engine(symbol)
	if err != nil {
		return err
	}
	if cmd.Kind == CmdSubmit && cmd.ClientID == "" {
		cmd.ClientID = uuid.New().String()
	}
	eng.Submit(cmd)
	return nil
}

// Tick delivers session maintenance to every engine.
func (x *Exchange) Tick(nowNS int64) {
	engines := x.engines.Load().(map[string]*Engine)
	for _, eng := range engines {
		eng.Submit(&Command{Kind: CmdTick, NowNS: nowNS})
	}
}

// Stop shuts every engine down and waits for their loops to exit.
func (x *Exchange) Stop() error {
	engines := x.engines.Load().(map[string]*Engine)
	var first error
	for _, eng := range engines {
		if err := eng.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
