// Command intentd launches the intent execution core: submission, risk,
// planning, orchestration, coordination, and the gateway in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/helixtrade/intentd/config"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/bus/natsbus"
	"github.com/helixtrade/intentd/internal/coordinator"
	"github.com/helixtrade/intentd/internal/gateway"
	"github.com/helixtrade/intentd/internal/intent"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/orchestrator"
	"github.com/helixtrade/intentd/internal/planner"
	"github.com/helixtrade/intentd/internal/risk"
	"github.com/helixtrade/intentd/internal/route"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/store/eventlog"
	"github.com/helixtrade/intentd/internal/store/migrations"
	"github.com/helixtrade/intentd/internal/store/readmodel"
	"github.com/helixtrade/intentd/internal/venue"
	"github.com/helixtrade/intentd/internal/venue/uniswapv3"
	"github.com/helixtrade/intentd/lib/telemetry"
)

const (
	defaultConfigPath        = "config/intentd.yaml"
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := observability.NewStdLogger(log.New(os.Stdout, "intentd ", log.LstdFlags|log.Lmicroseconds))
	observability.SetLogger(logger)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Verbose = cfg.Environment != config.EnvProd
	observability.Log().Info("configuration initialised",
		observability.String("env", string(cfg.Environment)),
		observability.String("bus", cfg.Bus.Kind))

	providers, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	observability.SetMetrics(telemetry.NewCollector(providers.MeterProvider))

	if cfg.Storage.PostgresDSN != "" {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrateTimeout)
		err := migrations.Apply(migrateCtx, cfg.Storage.PostgresDSN)
		migrateCancel()
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	eventLog, err := buildEventLog(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	views, err := buildReadModel(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer views.Close()

	b, err := buildBus(ctx, cfg.Bus)
	if err != nil {
		return err
	}

	breaker := risk.NewBreaker(risk.BreakerConfig{
		FailureThreshold: cfg.Risk.BreakerThreshold,
		FailureWindow:    cfg.Risk.BreakerWindow,
		Cooldown:         cfg.Risk.BreakerCooldown,
	})
	gate, err := buildGate(cfg.Risk, breaker)
	if err != nil {
		return err
	}
	prices, err := buildPrices(cfg.Risk.ReferencePrices)
	if err != nil {
		return err
	}
	riskSvc := risk.NewService(breaker, b)

	venues, routeSource, err := buildVenues(ctx, cfg)
	if err != nil {
		return err
	}
	engine := route.NewEngine(route.Config{
		MaxHops: cfg.Planner.MaxHops,
		Timeout: cfg.Planner.RouteTimeout,
	}, routeSource)
	plannerSvc := planner.New(engine, eventLog, b, cfg.Planner.Recipient)

	orch := orchestrator.New(orchestrator.Config{
		MaxAttempts: cfg.Orchestrator.MaxAttempts,
		BackoffBase: cfg.Orchestrator.BackoffBase,
		AwaitCap:    cfg.Orchestrator.AwaitCap,
	}, venues, breaker, b)

	runtime := observability.NewRuntimeMetrics()
	coord := coordinator.New(coordinator.Config{
		GapLimit: cfg.Coordinator.GapWindow,
		GapWait:  cfg.Coordinator.GapWait,
	}, eventLog, views, b, runtime)

	manager := intent.NewManager(intent.Config{
		SubmitRate:  cfg.Intent.SubmitRate,
		SubmitBurst: cfg.Intent.SubmitBurst,
	}, b, gate, prices)

	gw := gateway.New(gateway.Config{
		Addr:       cfg.Gateway.Addr,
		SendBuffer: cfg.Gateway.SendBuffer,
	}, coord, manager, eventLog, b)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { logIfErr("coordinator", coord.Run(ctx)) })
	lifecycle.Go(func() { logIfErr("risk", riskSvc.Run(ctx)) })
	lifecycle.Go(func() { logIfErr("planner", plannerSvc.Run(ctx)) })
	lifecycle.Go(func() { logIfErr("orchestrator", orch.Run(ctx)) })
	lifecycle.Go(func() { logIfErr("gateway", gw.ListenAndServe(ctx)) })

	observability.Log().Info("intentd started; awaiting shutdown signal")
	<-ctx.Done()
	observability.Log().Info("shutdown signal received")

	shutdownStart := time.Now()
	shutdownStep("waiting for services", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})
	shutdownStep("closing bus", busShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			b.Close()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})
	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, telemetryShutdown)

	observability.Log().Info("shutdown completed",
		observability.String("elapsed", time.Since(shutdownStart).String()))
	return nil
}

func loadConfig() (config.Settings, error) {
	path := os.Getenv("INTENTD_CONFIG")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Settings{}, err
	}
	return config.FromEnv(cfg), nil
}

func buildEventLog(ctx context.Context, cfg config.StorageConfig) (eventlog.Log, error) {
	if cfg.PostgresDSN == "" {
		observability.Log().Info("event log: in-memory")
		return eventlog.NewMemoryLog(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	observability.Log().Info("event log: postgres")
	return eventlog.NewPostgresLog(pool), nil
}

func buildReadModel(ctx context.Context, cfg config.StorageConfig) (readmodel.Store, error) {
	if cfg.RedisAddr == "" {
		observability.Log().Info("read models: in-memory")
		return readmodel.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	observability.Log().Info("read models: redis")
	return readmodel.NewRedisStore(client), nil
}

func buildBus(ctx context.Context, cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Kind {
	case config.BusNATS:
		return natsbus.Connect(ctx, natsbus.Config{
			URL:         cfg.NATSURL,
			StreamName:  cfg.StreamName,
			DedupWindow: cfg.DedupWindow,
		})
	case config.BusMemory, "":
		return bus.NewMemoryBus(bus.MemoryConfig{DedupWindow: cfg.DedupWindow}), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}

func buildGate(cfg config.RiskConfig, breaker *risk.Breaker) (*risk.Gate, error) {
	notional, err := decimal.NewFromString(cfg.MaxNotionalUSD)
	if err != nil {
		return nil, fmt.Errorf("parse max_notional_usd: %w", err)
	}
	slippage, err := decimal.NewFromString(cfg.MaxSlippage)
	if err != nil {
		return nil, fmt.Errorf("parse max_slippage: %w", err)
	}
	limits := risk.Limits{
		MaxNotionalUSD: notional,
		MaxSlippage:    slippage,
		MinWindow:      cfg.MinWindow,
		MaxWindow:      cfg.MaxWindow,
	}
	return risk.NewGate(limits, cfg.SupportedVenues, breaker), nil
}

func buildPrices(raw map[string]string) (*risk.StaticPrices, error) {
	bySymbol := make(map[string]decimal.Decimal, len(raw))
	for symbol, price := range raw {
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse reference price for %s: %w", symbol, err)
		}
		bySymbol[symbol] = d
	}
	return risk.NewStaticPrices(bySymbol), nil
}

// buildVenues dials the configured execution venues and picks the route
// source: live pool reads when the chain is reachable, static pools
// otherwise.
func buildVenues(ctx context.Context, cfg config.Settings) (*venue.Registry, route.Source, error) {
	if cfg.Venue.EthRPCURL == "" {
		observability.Log().Info("venues: none configured, routing over static pools")
		return venue.NewRegistry(), staticPools(cfg.Planner.StaticPools), nil
	}

	adapter, err := uniswapv3.Dial(ctx, uniswapv3.Config{
		RPCURL:         cfg.Venue.EthRPCURL,
		RouterAddress:  cfg.Venue.RouterAddress,
		PrivateKeyHex:  cfg.Venue.PrivateKeyHex,
		ChainID:        cfg.Venue.ChainID,
		DefaultFeeTier: cfg.Venue.DefaultFeeTier,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial uniswap v3: %w", err)
	}

	refs := make([]uniswapv3.PoolRef, 0, len(cfg.Venue.Pools))
	for _, p := range cfg.Venue.Pools {
		refs = append(refs, uniswapv3.PoolRef{
			Address: p.Address,
			Token0:  asset(p.Token0),
			Token1:  asset(p.Token1),
		})
	}
	var source route.Source
	if len(refs) > 0 {
		source = uniswapv3.NewPoolSource(adapter.Client(), refs)
	} else {
		source = staticPools(cfg.Planner.StaticPools)
	}
	observability.Log().Info("venues: uniswap_v3",
		observability.Int64("pools", int64(len(refs))))
	return venue.NewRegistry(adapter), source, nil
}

func staticPools(cfgPools []config.StaticPoolConfig) route.Static {
	pools := make(route.Static, 0, len(cfgPools))
	for _, p := range cfgPools {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			observability.Log().Error("skipping static pool with bad price",
				observability.String("venue", p.Venue),
				observability.String("price", p.Price))
			continue
		}
		pools = append(pools, route.Pool{
			Venue:  p.Venue,
			Base:   asset(p.Base),
			Quote:  asset(p.Quote),
			Price:  price,
			FeeBPS: p.FeeBPS,
		})
	}
	return pools
}

func asset(a config.AssetConfig) schema.Asset {
	return schema.Asset{
		Symbol:   a.Symbol,
		ChainID:  a.ChainID,
		Address:  a.Address,
		Decimals: a.Decimals,
	}
}

func logIfErr(name string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.Log().Error(name+" stopped", observability.Err(err))
	}
}

func shutdownStep(name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		observability.Log().Error("shutdown: "+name+" failed", observability.Err(err))
		return
	}
	observability.Log().Info("shutdown: " + name + " completed")
}
