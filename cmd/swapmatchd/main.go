package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/api"
	"github.com/swapmatch/swapmatch/internal/cache"
	"github.com/swapmatch/swapmatch/internal/config"
	"github.com/swapmatch/swapmatch/internal/database"
	"github.com/swapmatch/swapmatch/internal/events"
	"github.com/swapmatch/swapmatch/internal/matching"
	"github.com/swapmatch/swapmatch/internal/oracle"
	"github.com/swapmatch/swapmatch/internal/orders"
	"github.com/swapmatch/swapmatch/internal/repository"
	"github.com/swapmatch/swapmatch/internal/settlement"
	"github.com/swapmatch/swapmatch/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger := logger.NewLogger(cfg.Log.Level)
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate database schema", zap.Error(err))
	}
	store := repository.NewGormStore(db, zapLogger)

	priceCache := buildPriceCache(cfg, zapLogger)
	feeds := buildFeeds(cfg, zapLogger)

	aggregator := oracle.NewAggregator(feeds, store, priceCache, oracle.Config{
		Staleness:    cfg.Oracle.Staleness,
		MinLiquidity: decimal.NewFromFloat(cfg.Oracle.MinLiquidity),
		MaxDeviation: decimal.NewFromFloat(cfg.Oracle.MaxDeviation),
		SpreadWarn:   decimal.NewFromFloat(cfg.Oracle.SpreadWarn),
		MaxRetries:   cfg.Oracle.MaxRetries,
		RetryDelay:   cfg.Oracle.RetryDelay,
		FetchTimeout: cfg.Oracle.FetchTimeout,
		CacheTTL:     cfg.Oracle.CacheTTL,
	}, zapLogger)

	settlementClient, err := ethclient.Dial(cfg.Settlement.RPCURL)
	if err != nil {
		zapLogger.Fatal("Failed to connect to settlement RPC", zap.Error(err))
	}
	submitter, err := settlement.NewEthereumSubmitter(settlementClient, settlement.Config{
		ContractAddress: cfg.Settlement.ContractAddress,
		PrivateKey:      cfg.Settlement.PrivateKey,
		ChainID:         cfg.Settlement.ChainID,
		GasLimit:        cfg.Settlement.GasLimit,
		MaxRetries:      cfg.Settlement.MaxRetries,
		RetryDelay:      cfg.Settlement.RetryDelay,
		CallTimeout:     cfg.Settlement.CallTimeout,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create settlement submitter", zap.Error(err))
	}

	publisher := events.NewPublisher(zapLogger)
	publisher.Subscribe(events.NewLoggingSubscriber(zapLogger))

	engine := matching.NewEngine(store, submitter, publisher, matching.Config{
		MaxRetries:    cfg.Matching.MaxRetries,
		RetryDelay:    cfg.Matching.RetryDelay,
		Workers:       cfg.Matching.Workers,
		SweepInterval: cfg.Matching.SweepInterval,
	}, zapLogger)

	orderSvc := orders.NewService(
		store,
		orders.NewValidator(aggregator, zapLogger),
		submitter,
		publisher,
		engine,
		zapLogger,
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go engine.Run(sweepCtx)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(zapLogger, orderSvc, aggregator).Router(),
	}
	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down")

	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Shutdown complete")
}

// buildPriceCache prefers Redis so replicas share validated prices; without a
// Redis address it falls back to the in-process cache.
func buildPriceCache(cfg *config.Config, zapLogger *zap.Logger) cache.Cache {
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryCache(cfg.Oracle.CacheMaxItems)
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("Redis unavailable, using in-process price cache", zap.Error(err))
		return cache.NewMemoryCache(cfg.Oracle.CacheMaxItems)
	}
	return cache.NewRedisCache(client, zapLogger, "swapmatch:")
}

// buildFeeds constructs every configured price source. A source with no
// configuration is simply left out; the aggregator degrades gracefully.
func buildFeeds(cfg *config.Config, zapLogger *zap.Logger) []oracle.PriceFeed {
	var feeds []oracle.PriceFeed

	if cfg.Oracle.RPCURL != "" && len(cfg.Oracle.Feeds) > 0 {
		client, err := ethclient.Dial(cfg.Oracle.RPCURL)
		if err != nil {
			zapLogger.Warn("Failed to connect to oracle RPC, skipping chainlink feed", zap.Error(err))
		} else {
			registry := make(map[oracle.Pair]oracle.FeedInfo, len(cfg.Oracle.Feeds))
			for pairKey, feed := range cfg.Oracle.Feeds {
				parts := strings.Split(pairKey, "/")
				if len(parts) != 2 || !common.IsHexAddress(feed.Address) {
					zapLogger.Warn("Skipping malformed chainlink feed entry", zap.String("pair", pairKey))
					continue
				}
				registry[oracle.NewPair(parts[0], parts[1])] = oracle.FeedInfo{
					Address:  common.HexToAddress(feed.Address),
					Inverse:  feed.Inverse,
					Decimals: int32(feed.Decimals),
				}
			}
			chainlink, err := oracle.NewChainlinkFeed(client, registry, zapLogger)
			if err != nil {
				zapLogger.Warn("Failed to create chainlink feed", zap.Error(err))
			} else {
				feeds = append(feeds, chainlink)
			}
		}
	}

	if len(cfg.Oracle.Symbols) > 0 {
		feeds = append(feeds, oracle.NewBinanceFeed(cfg.Oracle.Symbols, cfg.Oracle.FetchTimeout, zapLogger))
	}
	if len(cfg.Oracle.CoinGeckoIDs) > 0 {
		feeds = append(feeds, oracle.NewCoinGeckoFeed(cfg.Oracle.CoinGeckoIDs, cfg.Oracle.FetchTimeout, zapLogger))
	}

	if len(feeds) == 0 {
		zapLogger.Warn("No price feeds configured; every order will fail price validation")
	}
	return feeds
}
