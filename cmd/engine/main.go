package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/qiedex/params"
	"github.com/uhyunpark/qiedex/pkg/api"
	"github.com/uhyunpark/qiedex/pkg/book"
	"github.com/uhyunpark/qiedex/pkg/chain"
	"github.com/uhyunpark/qiedex/pkg/hub"
	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/matching"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/settlement"
	"github.com/uhyunpark/qiedex/pkg/storage"
	"github.com/uhyunpark/qiedex/pkg/stream"
	"github.com/uhyunpark/qiedex/pkg/util"
)

const tapeReplay = 50 // fills per pair replayed onto the trade tape at start

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.LogFile, cfg.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile, "verbose", cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("engine_failed", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	sugar.Info("engine_stopped")
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	clock := util.RealClock{}

	// ---- Markets ----
	pairs, err := params.LoadPairs(cfg.PairsFile, cfg.Book)
	if err != nil {
		return err
	}
	markets := market.NewRegistry()
	for _, p := range pairs {
		if err := markets.Register(p); err != nil {
			return err
		}
	}
	log.Infow("markets_loaded", "count", markets.Count(), "file", cfg.PairsFile)

	// ---- Chain ----
	var router *chain.Router
	if cfg.Chain.Mode == "router" || cfg.Feed.Source == "router" {
		client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
		}
		defer client.Close()

		var key *ecdsa.PrivateKey
		if cfg.Chain.ExecutorKey != "" {
			if key, err = chain.LoadExecutorKey(cfg.Chain.ExecutorKey); err != nil {
				return err
			}
		}
		if router, err = chain.NewRouter(client, common.HexToAddress(cfg.Chain.RouterAddress), key); err != nil {
			return err
		}
		log.Infow("chain_connected", "rpc", cfg.Chain.RPCURL, "router", cfg.Chain.RouterAddress, "executor", router.Executor().Hex())
	}

	// ---- Price feed ----
	var src pricefeed.Source
	switch cfg.Feed.Source {
	case "router":
		src = pricefeed.NewRouterSource(router, markets)
	case "static", "":
		src = pricefeed.NewStaticSourceFromMarkets(pairs)
	default:
		return fmt.Errorf("unknown price source %q", cfg.Feed.Source)
	}
	feed := pricefeed.NewCached(src, cfg.Feed.CacheTTL, cfg.Feed.FetchTimeout, clock, log)

	// ---- Storage ----
	store, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.Storage.Backend,
		PebblePath:  cfg.Storage.PebblePath,
		PostgresURL: cfg.Storage.PostgresURL,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	sinks := storage.Multi{store}
	if cfg.Storage.JournalPath != "" {
		j, err := storage.NewFileJournal(cfg.Storage.JournalPath, clock)
		if err != nil {
			return err
		}
		defer j.Close()
		sinks = append(sinks, j)
	}
	if len(cfg.Storage.KafkaBrokers) > 0 {
		k := storage.NewKafkaSink(cfg.Storage.KafkaBrokers, cfg.Storage.KafkaTopic)
		defer k.Close()
		sinks = append(sinks, k)
	}
	queue := storage.NewQueue(sinks, cfg.Storage.QueueSize, 5*time.Second, log)
	defer queue.Close()

	// ---- Orders ----
	registry := orders.NewRegistry(markets)
	registry.Logger = log
	registry.Clock = clock
	registry.Persistence = queue

	saved, err := store.LoadOrders(ctx)
	if err != nil {
		return err
	}
	restored := registry.Restore(saved)
	log.Infow("orders_restored", "count", restored, "backend", cfg.Storage.Backend, "stats", registry.Stats())

	// ---- Settlement ----
	var settle settlement.Settlement
	switch cfg.Chain.Mode {
	case "router":
		settle = settlement.NewRouter(router, markets, cfg.Engine.SlippageBps, clock, log)
	case "paper", "":
		settle = settlement.NewPaper(0, log)
	default:
		return fmt.Errorf("unknown settlement mode %q", cfg.Chain.Mode)
	}

	// ---- Matching ----
	h := hub.New(log)
	engine := matching.New(matching.Config{
		TickInterval:      cfg.Engine.TickInterval,
		ExpiryInterval:    cfg.Engine.ExpiryInterval,
		SettlementTimeout: cfg.Engine.SettlementTimeout,
		SlippageBps:       cfg.Engine.SlippageBps,
		MaxConcurrency:    cfg.Engine.MaxConcurrency,
	}, registry, feed, settle)
	engine.Markets = markets
	engine.Notifier = stream.NewNotifier(h, clock, log)
	engine.Clock = clock
	engine.Logger = log

	for _, p := range markets.Pairs() {
		fills, err := store.LoadRecentFills(ctx, p, tapeReplay)
		if err != nil {
			log.Warnw("tape_replay_failed", "pair", p, "err", err)
			continue
		}
		for _, f := range fills {
			engine.Tape.RecordFill(f)
		}
	}

	// ---- API + streaming ----
	books := book.NewStore(markets, feed, registry, clock, log)
	publisher := stream.NewPublisher(h, books, feed, markets, clock, log)
	server := api.NewServer(api.Deps{
		Markets:        markets,
		Orders:         registry,
		Engine:         engine,
		Books:          books,
		Feed:           feed,
		Hub:            h,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Clock:          clock,
		Logger:         log,
	})

	log.Infow("engine_starting",
		"api_addr", cfg.API.Addr,
		"settlement", cfg.Chain.Mode,
		"price_source", cfg.Feed.Source,
		"storage", cfg.Storage.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		publisher.Run(gctx, cfg.Book.RefreshInterval, cfg.Feed.BroadcastEvery)
		return nil
	})
	g.Go(func() error { return server.Run(gctx, cfg.API.Addr) })

	err = g.Wait()
	engine.Wait()
	log.Infow("shutdown", "orders", registry.Stats(), "engine", engine.Stats(), "persist_dropped", queue.Dropped())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
