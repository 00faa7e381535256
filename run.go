package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/moznion/go-optional"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/coordinator"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/management"
	"execution-core/internal/monitor"
	"execution-core/internal/persistence"
	"execution-core/internal/position"
	"execution-core/internal/reconciliation"
	"execution-core/internal/retry"
	"execution-core/internal/strategy"
	"execution-core/internal/trading"
	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/credentials"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// applyFlags lets command line flags override environment settings.
func applyFlags(cfg *config.Config, cmd *cli.Command) {
	if cmd.IsSet("accounts") {
		cfg.AccountsFile = cmd.String("accounts")
	}
	if cmd.IsSet("data-dir") {
		cfg.DataDir = cmd.String("data-dir")
	}
	if cmd.IsSet("db") {
		cfg.DBPath = cmd.String("db")
	}
	if cmd.IsSet("dry-run") {
		cfg.DryRun = cmd.Bool("dry-run")
	}
	if cmd.IsSet("port") {
		cfg.Port = cmd.String("port")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync(log)

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}
	log.Info("execution core starting",
		zap.String("version", version), zap.Int("accounts", len(accounts)),
		zap.Bool("dry_run", cfg.DryRun), zap.String("accounts_file", cfg.AccountsFile))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	defer database.Close()
	orders := persistence.NewBatchWriter(database, 50, 500*time.Millisecond, log)
	defer orders.Close()

	keys, err := credentials.NewKeyManager(os.Getenv)
	if err != nil {
		if !errors.Is(err, credentials.ErrKeyNotFound) {
			return err
		}
		log.Info("no master key configured, credentials must be plaintext")
		keys = nil
	}

	bus := events.NewBus()
	w := &wiring{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		database: database,
		orders:   orders,
		breakers: breaker.NewRegistry(breakerConfig(cfg.Trading)),
		caches:   make(map[string]*cache.CandleCache),
	}
	w.gateways = gateway.NewManager(credentials.NewEnvProvider(os.Getenv, keys), nil, gateway.Options{
		DryRun:  cfg.DryRun,
		Testnet: cfg.BinanceTestnet,
		Paper:   cfg.Paper,
		Candles: w.candles,
		Log:     log,
	})

	coord := coordinator.New(coordinator.Config{
		RestartDelay: cfg.Trading.RestartDelay,
		MaxRestarts:  cfg.Trading.MaxRestarts,
	}, coordinator.WithLogger(log), coordinator.WithBus(bus))

	built := 0
	for _, acc := range accounts {
		loop, err := w.loop(acc)
		if err != nil {
			// one bad entry must not keep the other accounts from trading
			log.Error("account not started", zap.String("account", acc.ID), zap.String("exchange", acc.Exchange), zap.Error(err))
			continue
		}
		if err := coord.Add(loop); err != nil {
			return err
		}
		built++
	}
	if built == 0 {
		return errors.New("no account could be started")
	}

	mon := &monitor.Monitor{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{Log: log}}, Log: log}
	mon.Start(ctx)
	go w.sweepCaches(ctx)

	server := api.NewServer(coord, database, bus,
		api.SystemMeta{DryRun: cfg.DryRun, Version: version, StartedAt: time.Now()}, cfg.JWTSecret, log)
	go func() {
		log.Info("http api listening", zap.String("port", cfg.Port))
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Error("http api stopped", zap.Error(err))
		}
	}()

	coord.Start(ctx)
	<-ctx.Done()
	log.Info("shutdown requested, waiting for loops to finish their current step")
	coord.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http api shutdown", zap.Error(err))
	}
	log.Info("execution core stopped")
	return nil
}

// wiring holds the shared services every account loop is built from.
type wiring struct {
	cfg      *config.Config
	log      *zap.Logger
	bus      *events.Bus
	database *db.Database
	orders   *persistence.BatchWriter
	gateways *gateway.Manager
	breakers *breaker.Registry
	caches   map[string]*cache.CandleCache
}

func breakerConfig(t config.Trading) breaker.Config {
	return breaker.Config{
		RequestsPerMinute: t.RequestsPerMinute,
		MaxJitter:         t.MaxJitter,
		Threshold:         t.BreakerThreshold,
		Cooldown:          t.BreakerCooldown,
		MaxCooldown:       t.BreakerMaxCooldown,
		ResetAfter:        t.BreakerResetAfter,
		WarmupCycles:      t.WarmupCycles,
	}
}

// candles returns the candle cache shared by every account on exchange.
func (w *wiring) candles(exchange string) *cache.CandleCache {
	c, ok := w.caches[exchange]
	if !ok {
		c = cache.NewCandleCache(w.cfg.Trading.CandleCacheTTL)
		w.caches[exchange] = c
	}
	return c
}

func (w *wiring) sweepCaches(ctx context.Context) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for exchange, c := range w.caches {
				if n := c.Cleanup(time.Hour); n > 0 {
					w.log.Debug("candle cache swept", zap.String("exchange", exchange), zap.Int("removed", n))
				}
			}
		}
	}
}

func lastClose(c *cache.CandleCache) position.PriceFunc {
	return func(symbol string) optional.Option[float64] {
		if px, _, ok := c.LastClose(symbol); ok {
			return optional.Some(px)
		}
		return optional.None[float64]()
	}
}

func (w *wiring) loop(acc config.AccountConfig) (*trading.Loop, error) {
	t := w.cfg.Trading
	log := w.log.With(zap.String("account", acc.ID), zap.String("exchange", acc.Exchange))

	conn, err := w.gateways.Connector(acc)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.Build(acc.Strategy)
	if err != nil {
		return nil, err
	}
	store, err := position.Open(filepath.Join(w.cfg.DataDir, "positions", acc.Exchange), acc.ID, log)
	if err != nil {
		return nil, err
	}

	br := w.breakers.Get(breaker.Key{Account: acc.ID, Exchange: acc.Exchange}, acc.RequestsPerMinute)
	exec := retry.NewExecutor(br, &retry.AccountGuard{}, retry.Config{
		MaxRetries:           t.MaxRetries,
		BaseDelay:            t.BaseDelay,
		MaxDelay:             t.MaxDelay,
		CallTimeout:          t.CallTimeout,
		PartialFillTolerance: t.PartialFillTolerance,
		VerifyAttempts:       t.VerifyAttempts,
		VerifyInterval:       t.VerifyInterval,
	}, retry.WithBus(w.bus), retry.WithLogger(log))

	machine := management.New(acc.ID, acc.Exchange, acc.MaxPositions,
		management.WithLogger(log), management.WithBus(w.bus), management.WithRecorder(w.database))
	machine.SetForcedUnwind(acc.ForcedUnwind)

	candles := w.candles(acc.Exchange)
	recon := reconciliation.NewService(acc.ID, acc.Exchange, store, exec, conn,
		reconciliation.WithPrices(lastClose(candles)),
		reconciliation.WithRecorder(w.database),
		reconciliation.WithBus(w.bus),
		reconciliation.WithLogger(log),
		reconciliation.WithInterval(t.ReconcileInterval))

	interval := acc.Strategy.Interval
	if interval == "" {
		interval = t.CandleInterval
	}
	opts := []trading.Option{
		trading.WithLogger(w.log),
		trading.WithBus(w.bus),
		trading.WithBalance(balance.NewTracker(log)),
		trading.WithReconciler(recon),
		trading.WithOrderRecorder(w.orders),
	}
	// paper venues read through the cache themselves and must see every
	// fetch to learn their prices
	if !w.gateways.Simulated(acc) {
		opts = append(opts, trading.WithCandleCache(candles))
	}
	return trading.NewLoop(trading.LoopConfig{
		AccountID:              acc.ID,
		Role:                   string(acc.Role),
		Exchange:               acc.Exchange,
		Symbols:                acc.Symbols,
		BatchSize:              acc.BatchSize,
		EntrySizeUSD:           acc.EntrySizeUSD,
		CandleInterval:         interval,
		CandleCount:            t.CandleCount,
		CycleInterval:          t.CycleInterval,
		GlobalFailureThreshold: t.GlobalFailureThreshold,
		GlobalCooldown:         t.GlobalCooldown,
		DustThresholdUSD:       acc.DustThresholdUSD,
		DustAction:             trading.DustAction(acc.DustAction),
	}, conn, exec, store, machine, strat, opts...), nil
}
