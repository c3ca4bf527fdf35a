package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paper-trading-core/internal/api"
	"paper-trading-core/internal/engine"
	"paper-trading-core/internal/events"
	"paper-trading-core/internal/indicators"
	"paper-trading-core/internal/ledger"
	"paper-trading-core/internal/market"
	"paper-trading-core/internal/monitor"
	"paper-trading-core/internal/notify"
	"paper-trading-core/internal/persistence"
	"paper-trading-core/internal/risk"
	"paper-trading-core/internal/sentiment"
	"paper-trading-core/internal/signal"
	"paper-trading-core/pkg/config"
	"paper-trading-core/pkg/db"
	"paper-trading-core/pkg/market/binance"
)

// memoryDBPath keeps the ledger in process memory only.
const memoryDBPath = "memory"

// app holds the wired components of one process.
type app struct {
	cfg *config.Config

	database   *db.Database
	store      ledger.Store
	registry   *ledger.Registry
	riskMgr    *risk.Manager
	feed       market.Feed
	stream     market.TickerSource
	prices     market.PriceStore
	sentiment  sentiment.Source
	generator  *signal.Generator
	journal    *persistence.SignalJournal
	bus        *events.Bus
	dispatcher *notify.Dispatcher
	metrics    *monitor.LoopMetrics
	loop       *engine.Loop

	closers []func() error
}

// newMarket builds the feed used by every command.
func newMarket(cfg *config.Config) (market.Feed, market.TickerSource) {
	if cfg.UseMockFeed {
		log.Info().Msg("Using mock price feed")
		return market.NewMockFeed(time.Now().UnixNano()), nil
	}
	client := binance.NewClient(cfg.BinanceTestnet, cfg.BinanceRatePerSec)
	feed := market.WithTimeout(market.NewBinanceFeed(client), cfg.FeedTimeout)
	return feed, binance.NewStreamClient(cfg.BinanceTestnet)
}

func newGenerator(cfg *config.Config) *signal.Generator {
	return signal.NewGenerator(indicators.NewEngine(indicators.DefaultParams()), signal.Options{
		Thresholds:    signal.DefaultThresholds(),
		StopLossPct:   cfg.Trading.StopLossPct,
		TakeProfitPct: cfg.Trading.TakeProfitPct,
	})
}

// openDatabase opens and migrates the SQLite file.
func openDatabase(path string) (*db.Database, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, bus: events.NewBus(), metrics: monitor.NewLoopMetrics()}

	// Storage
	var accounts engine.AccountLister
	if cfg.DBPath == memoryDBPath {
		mem := ledger.NewMemoryStore()
		a.store, accounts = mem, mem
		log.Warn().Msg("Ledger kept in memory; state is lost on exit")
	} else {
		database, err := openDatabase(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.database = database
		a.closers = append(a.closers, database.Close)
		sqlStore := persistence.NewSQLiteStore(database)
		a.store, accounts = sqlStore, sqlStore
		a.journal = persistence.NewSignalJournal(database, 100, 5*time.Second)
		log.Info().Str("path", cfg.DBPath).Msg("💾 SQLite ledger ready")
	}

	// Risk and ledger
	a.riskMgr = risk.NewManager(risk.FromSettings(cfg.Trading))
	a.registry = ledger.NewRegistry(ledger.StoreFactory(
		a.store,
		decimal.NewFromFloat(cfg.InitialBalance),
		ledger.WithProtection(a.riskMgr.Open),
	))

	// Market data
	a.feed, a.stream = newMarket(cfg)
	a.prices = market.NewMemoryPriceStore(nil)
	if cfg.RedisAddr != "" {
		rs := market.NewRedisPriceStore(cfg.RedisAddr, time.Hour)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, using in-process price store")
			_ = rs.Close()
		} else {
			a.prices = rs
			a.closers = append(a.closers, rs.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis price store")
		}
	}
	a.sentiment = sentiment.NewFearGreedClient(cfg.SentimentURL, cfg.SentimentTimeout, cfg.SentimentCacheTTL)
	a.generator = newGenerator(cfg)

	// Notifications
	sinks := notify.Multi{notify.BusSink{Bus: a.bus}}
	if len(cfg.KafkaBrokers) > 0 {
		k := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, k)
		a.closers = append(a.closers, k.Close)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Kafka notifications enabled")
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSink(notify.TelegramOptions{Token: cfg.TelegramToken, ChatID: cfg.TelegramChatID})
		if err != nil {
			log.Warn().Err(err).Msg("Telegram notifications disabled")
		} else {
			sinks = append(sinks, tg)
			log.Info().Msg("Telegram notifications enabled")
		}
	}
	a.dispatcher = notify.NewDispatcher(sinks, 256, 5*time.Second)

	deps := engine.Deps{
		Registry:  a.registry,
		Accounts:  accounts,
		Feed:      a.feed,
		Prices:    a.prices,
		Sentiment: a.sentiment,
		Signals:   a.generator,
		Risk:      a.riskMgr,
		Notifier:  a.dispatcher,
		Metrics:   a.metrics,
	}
	// A nil *SignalJournal must not become a non-nil interface.
	if a.journal != nil {
		deps.Journal = a.journal
	}
	a.loop = engine.NewLoop(deps, engine.Options{
		AccountID:       cfg.AccountID,
		Symbols:         cfg.Symbols,
		Timeframe:       cfg.Timeframe,
		CandleLimit:     cfg.CandleLimit,
		Interval:        cfg.LoopInterval,
		Workers:         cfg.SignalWorkers,
		PriceFreshness:  cfg.PriceFreshness,
		ActivityLogSize: cfg.ActivityLogSize,
		Settings:        cfg.Trading,
	})
	return a, nil
}

func (a *app) storageName() string {
	if a.database == nil {
		return memoryDBPath
	}
	return "sqlite"
}

// extras reports component statistics on /api/metrics.
func (a *app) extras() map[string]any {
	out := map[string]any{
		"notifications": a.dispatcher.Stats(),
		"accounts":      a.registry.GetAllBalances(),
		"event_bus":     a.bus.Stats(),
	}
	if a.journal != nil {
		out["signal_journal"] = a.journal.GetMetrics()
	}
	if mem, ok := a.prices.(*market.MemoryPriceStore); ok {
		out["price_cache"] = mem.Stats()
	}
	return out
}

// runBackground starts the price stream and idle-ledger cleanup.
func (a *app) runBackground(ctx context.Context) {
	if a.stream != nil {
		streamer := &market.PriceStreamer{Source: a.stream, Store: a.prices, Bus: a.bus, Symbols: a.cfg.Symbols}
		go streamer.Run(ctx)
	}
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.registry.CleanupIdle(time.Hour, a.cfg.AccountID)
			}
		}
	}()
}

func (a *app) newServer(version string) *api.Server {
	server := api.NewServer(a.loop, a.bus, api.SystemMeta{
		Version:     version,
		Symbols:     a.cfg.Symbols,
		Timeframe:   a.cfg.Timeframe,
		UseMockFeed: a.cfg.UseMockFeed,
		Storage:     a.storageName(),
	}, api.DefaultOptions())
	server.Extras = a.extras
	return server
}

// Close stops the loop, drains notifications and the journal, then closes
// connections in reverse order.
func (a *app) Close() error {
	a.loop.Stop()
	var errs []error
	if err := a.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
