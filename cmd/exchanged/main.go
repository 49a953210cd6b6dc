// Command exchanged runs the matching-and-settlement engine: one
// matching goroutine per configured symbol over a shared ledger, with
// the audit event stream logged to stdout. The gateway, persistence and
// custody integrations attach through the engine's command and event
// surfaces.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vidar/internal/config"
	"vidar/internal/engine"
	"vidar/internal/ledger"
	"vidar/internal/risk"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("validate config")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger
	if cfg.Logging.Format == "console" {
		logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	table, err := cfg.SymbolTable()
	if err != nil {
		logger.Fatal().Err(err).Msg("build symbol table")
	}
	tiers, err := cfg.Tiers()
	if err != nil {
		logger.Fatal().Err(err).Msg("build risk tiers")
	}
	sessionEnd, err := cfg.NextSessionEnd(time.Now())
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve session end")
	}

	led := ledger.New()
	gate, err := risk.NewGate(tiers, cfg.Engine.RateLimitBurst, cfg.Engine.RateLimitPerSec, led)
	if err != nil {
		logger.Fatal().Err(err).Msg("build risk gate")
	}

	opts := engine.Options{
		QueueDepth:     cfg.Engine.PerSymbolQueueDepth,
		EventRingDepth: cfg.Engine.EventRingDepth,
		SessionEndNS:   sessionEnd,
	}
	exchange := engine.NewExchange(led, gate, opts, logger)

	for _, name := range table.Names() {
		sym, err := table.Lookup(name)
		if err != nil {
			logger.Fatal().Err(err).Str("symbol", name).Msg("lookup symbol")
		}
		_, audit := exchange.Register(sym)
		go drainAudit(ctx, audit, logger.With().Str("symbol", name).Logger())
		logger.Info().Str("symbol", name).Msg("symbol registered")
	}

	// Session maintenance heartbeat drives DAY expiry and market-data
	// window rollover.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				exchange.Tick(now.UnixNano())
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	if err := exchange.Stop(); err != nil {
		logger.Error().Err(err).Msg("engine shutdown")
	}
}

// drainAudit consumes the mandatory audit feed and writes each event as
// a structured log line. A real deployment replaces this with the
// journaling consumer; the engine halts the symbol if this reader ever
// falls a full ring behind.
func drainAudit(ctx context.Context, sub *engine.Subscription, logger zerolog.Logger) {
	for {
		ev, ok := sub.Poll()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		logger.Info().
			Uint64("seq", ev.Seq).
			Str("event", ev.Type.String()).
			Uint64("order_id", ev.OrderID).
			Str("user", string(ev.User)).
			Str("price", ev.Price.String()).
			Str("qty", ev.Qty.String()).
			Str("reason", string(ev.Reason)).
			Msg("event")
	}
}
