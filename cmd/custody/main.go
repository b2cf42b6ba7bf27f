package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/client"
	"github.com/exchange/custody/internal/config"
	"github.com/exchange/custody/internal/exchange"
	"github.com/exchange/custody/internal/handler"
	"github.com/exchange/custody/internal/metrics"
	"github.com/exchange/custody/internal/repository"
	"github.com/exchange/custody/internal/repository/memory"
	"github.com/exchange/custody/internal/service"
	"github.com/exchange/custody/internal/ws"
	"github.com/exchange/custody/pkg/health"
	"github.com/exchange/custody/pkg/logger"
	redisutil "github.com/exchange/custody/pkg/redis"
	"github.com/exchange/custody/pkg/snowflake"
	"github.com/exchange/custody/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout).Level(cfg.LogLevel)
	log.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	if err := cfg.Validate(); err != nil {
		fatal(log, "invalid config", err)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		fatal(log, "failed to init tracing", err)
	}
	defer shutdownTracing(context.Background())

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		fatal(log, "failed to init snowflake", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyChecks []health.Check

	// 存储
	var store service.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; balances are lost on restart")
		store = memory.New()
	default:
		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			fatal(log, "failed to open database", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			fatal(log, "failed to ping database", err)
		}
		log.Info("Connected to PostgreSQL")
		store = repository.New(db, repository.Options{MaxAttempts: cfg.DBTxMaxAttempts})
		readyChecks = append(readyChecks, health.Postgres(db))
	}

	// Redis（可选）
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = redisutil.NewClient(ctx, &redisutil.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			PoolSize:     redisutil.DefaultConfig.PoolSize,
			DialTimeout:  redisutil.DefaultConfig.DialTimeout,
			ReadTimeout:  redisutil.DefaultConfig.ReadTimeout,
			WriteTimeout: redisutil.DefaultConfig.WriteTimeout,
		})
		if err != nil {
			fatal(log, "failed to connect to redis", err)
		}
		defer redisClient.Close()
		log.Info("Connected to Redis")
		readyChecks = append(readyChecks, health.Redis(redisClient))
	}

	metricsCollector := metrics.NewDefault()
	locker := account.NewLocker(store, cfg.AccountLockTTL)
	locker.SetMetrics(metricsCollector)

	deps := service.Deps{
		Store:   store,
		Locker:  locker,
		IDs:     ids,
		Metrics: metricsCollector,
		Logger:  log,
	}
	if redisClient != nil {
		deps.Observer = ws.NewPublisher(redisClient, cfg.BalanceEventChannel, log)
	}

	var signer *client.SignerClient
	if cfg.SignerURL != "" {
		signer = client.NewSignerClient(cfg.SignerURL, cfg.SignerToken, cfg.SignerTimeout)
	}
	if cfg.ChainEnabled() {
		deps.Signer = signer
		deps.Chain = client.NewEthereumClient(cfg.EthRPCURL, cfg.EthRPCTimeout)
	}

	if cfg.ExchangeEnabled() {
		var nonces exchange.NonceCache
		if cfg.ExchangeNonceCache == "redis" {
			nonces = exchange.NewRedisNonceCache(redisClient, "", 10*time.Minute)
		}
		venue := exchange.NewClient(
			client.NewExchangeClient(cfg.ExchangeURL, cfg.ExchangeTimeout),
			signer,
			nonces,
			exchange.Config{
				Wallet:    cfg.ExchangeWallet,
				KeyRef:    cfg.ExchangeKeyRef,
				FeeRatio:  cfg.ExchangeFeeRatio,
				BookDepth: cfg.ExchangeBookDepth,
			},
			log,
		)
		venue.SetMetrics(metricsCollector)
		deps.Exchange = venue
		deps.Venue = venue
	}

	svc := service.NewCustodyService(deps, service.DefaultConfig())

	// 确认器
	confirmer := service.NewConfirmer(svc, service.ConfirmerConfig{
		Interval:              cfg.ConfirmerInterval,
		RequiredConfirmations: cfg.RequiredConfirmations,
		RebroadcastAfter:      cfg.RebroadcastAfter,
		MaxRebroadcasts:       cfg.MaxRebroadcasts,
	})
	if cfg.ChainEnabled() {
		if redisClient != nil {
			host, _ := os.Hostname()
			confirmer.SetLeaderLock(redisutil.NewLock(redisClient, "custody:confirmer:leader",
				fmt.Sprintf("%s-%d", host, cfg.WorkerID), 2*cfg.ConfirmerInterval))
		}
		readyChecks = append(readyChecks, health.Loop("confirmer", confirmer.Monitor(), 3*confirmer.Interval()))
		go confirmer.Start(ctx)
	}

	// HTTP
	opts := handler.Options{
		InternalToken: cfg.InternalToken,
		Logger:        log,
		Metrics:       metricsCollector.Handler(),
		ReadyChecks:   readyChecks,
	}
	if redisClient != nil {
		opts.Balances = ws.NewRelay(redisClient, cfg.BalanceEventChannel, log)
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler.NewRouter(svc, opts),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(log, "HTTP server error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP shutdown error")
	}
	log.Info("Shutdown complete")
}

func fatal(log *logger.Logger, msg string, err error) {
	log.WithError(err).Error(msg)
	os.Exit(1)
}
