package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tradegate/internal/accounts"
	"tradegate/internal/api"
	"tradegate/internal/config"
	"tradegate/internal/gateway"
	"tradegate/internal/history"
	"tradegate/internal/orders"
	"tradegate/internal/pipeline"
	"tradegate/internal/platform"
	"tradegate/internal/subscription"
)

// Version is reported at startup.
const Version = "0.3.0"

const archiveDrainTimeout = 5 * time.Second

// App is the application lifecycle manager.
type App struct {
	cfg *config.Config
	log *zap.Logger
}

// New creates a new App instance.
func New(cfg *config.Config, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{cfg: cfg, log: log}
}

// Run binds the gateway port and serves until SIGINT/SIGTERM or a fatal error.
// Failing to bind is fatal.
func (a *App) Run() error {
	a.log.Info("starting tradegate",
		zap.String("version", Version),
		zap.String("env", a.cfg.App.Env),
		zap.String("log_level", a.cfg.App.LogLevel),
	)

	ln, err := net.Listen("tcp", a.cfg.Gateway.ListenAddress)
	if err != nil {
		return fmt.Errorf("binding %s: %w", a.cfg.Gateway.ListenAddress, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.log.Info("shutdown_signal", zap.String("signal", sig.String()))
		cancel()
		err = <-errCh
	case err = <-errCh:
		if err != nil {
			a.log.Error("fatal_error", zap.Error(err))
		}
	}
	a.log.Info("tradegate stopped")
	return err
}

// Serve wires every component around ln and blocks until ctx is done.
func (a *App) Serve(ctx context.Context, ln net.Listener) (err error) {
	cfg := a.cfg
	log := a.log

	host, err := platform.Open(cfg.Platform.Kind, simConfig(cfg.Platform), log.Named("platform"))
	if err != nil {
		ln.Close()
		return err
	}
	defer func() { err = multierr.Append(err, host.Close()) }()

	// archive stays a nil interface when disabled.
	var archive orders.Archiver
	if cfg.Orders.Archive.Driver != "" {
		sqlArchive, openErr := orders.OpenArchive(ctx, cfg.Orders.Archive.Driver, cfg.Orders.Archive.DSN, log.Named("archive"))
		if openErr != nil {
			ln.Close()
			return openErr
		}
		archiveCtx, stopArchive := context.WithCancel(context.Background())
		go sqlArchive.Run(archiveCtx)
		defer func() {
			stopArchive()
			err = multierr.Append(err, sqlArchive.Close(archiveDrainTimeout))
		}()
		archive = sqlArchive
	}

	registry := subscription.New()
	sessions := gateway.NewTable(log.Named("sessions"))
	pipe := pipeline.New(pipeline.Config{
		Capacity:        cfg.Pipeline.Capacity,
		StaleThreshold:  config.Millis(cfg.Pipeline.StaleThresholdMs),
		IdleSleep:       time.Duration(cfg.Pipeline.IdleSleepUs) * time.Microsecond,
		ProducerMaxWait: config.Millis(cfg.Pipeline.ProducerMaxWaitMs),
	}, log.Named("pipeline"))
	cache := history.New(history.Config{
		MaxBytes:      cfg.History.MaxBytes,
		TTL:           time.Duration(cfg.History.TTLMinutes) * time.Minute,
		IdleTTL:       time.Duration(cfg.History.IdleMinutes) * time.Minute,
		Granularities: cfg.History.HistoryGranularities(),
	}, host, log.Named("history"))
	tracker := orders.New(orders.Config{
		TerminalRetention: time.Duration(cfg.Orders.TerminalRetentionSec) * time.Second,
	}, host, sessions, archive, log.Named("orders"))
	accts := accounts.NewStore(host, registry, sessions, config.Millis(cfg.Accounts.ThrottleMs), log.Named("accounts"))
	defer accts.Close()

	gw := gateway.New(gateway.Config{
		HeartbeatInterval:  config.Millis(cfg.Gateway.HeartbeatIntervalMs),
		IdleTimeout:        config.Millis(cfg.Gateway.IdleTimeoutMs),
		WriteTimeout:       config.Millis(cfg.Gateway.WriteTimeoutMs),
		SendQueueSize:      cfg.Gateway.SendQueueSize,
		MaxMessageBytes:    cfg.Gateway.MaxMessageBytes,
		HistoryChunkSize:   cfg.Gateway.HistoryChunkSize,
		IndicatorInterval:  config.Millis(cfg.Indicators.IntervalMs),
		AccountRefresh:     config.Millis(cfg.Accounts.RefreshIntervalMs),
		CacheJanitor:       time.Duration(cfg.History.JanitorIntervalSec) * time.Second,
		OrderSweepInterval: time.Duration(cfg.Orders.TerminalRetentionSec) * time.Second / 2,
	}, gateway.Deps{
		Host:     host,
		Pipeline: pipe,
		Registry: registry,
		Cache:    cache,
		Orders:   tracker,
		Accounts: accts,
		Sessions: sessions,
	}, log.Named("gateway"))

	httpSrv := api.NewServer(gw, gw, cfg.App.Env == "prod", log.Named("api"))
	if err := gw.Serve(ctx, ln, httpSrv.Handler()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func simConfig(p config.PlatformConfig) platform.SimConfig {
	sim := platform.SimConfig{
		TickInterval: config.Millis(p.TickIntervalMs),
		FillLatency:  config.Millis(p.FillLatencyMs),
		BarLatency:   config.Millis(p.BarLatencyMs),
		Seed:         p.Seed,
	}
	for _, s := range p.Symbols {
		sim.Symbols = append(sim.Symbols, platform.SymbolSpec{
			Symbol:     s.Symbol,
			Price:      s.Price,
			Spread:     s.Spread,
			TickSize:   s.TickSize,
			PointValue: s.PointValue,
		})
	}
	for _, acct := range p.Accounts {
		sim.Accounts = append(sim.Accounts, platform.AccountSpec{Name: acct.Name, Cash: acct.Cash})
	}
	return sim
}
