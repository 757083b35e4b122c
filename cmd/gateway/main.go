// The gateway accepts payout requests, admits them under the per-user lock,
// enqueues settlement work, and streams status events to connected clients.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
	"github.com/swiftpay/payout/balance"
	"github.com/swiftpay/payout/config"
	"github.com/swiftpay/payout/events"
	"github.com/swiftpay/payout/httpapi"
	"github.com/swiftpay/payout/mongostore"
	"github.com/swiftpay/payout/rabbitmq"
	"github.com/swiftpay/payout/redislock"
	"github.com/swiftpay/payout/ws"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		DB:          cfg.RedisDB,
		DialTimeout: 10 * time.Second,
	})
	if err := rdb.Ping(bootCtx).Err(); err != nil {
		return err
	}
	defer rdb.Close()

	mc, err := mongo.Connect(bootCtx, options.Client().
		ApplyURI(cfg.MongoURI).
		SetRegistry(mongostore.Registry()).
		SetServerSelectionTimeout(5*time.Second).
		SetSocketTimeout(45*time.Second))
	if err != nil {
		return err
	}
	defer mc.Disconnect(context.Background())
	db := mc.Database(cfg.MongoDB)

	conn, err := rabbitmq.DialWithRetry(cfg.BrokerURL, 5, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := rabbitmq.NewPublisher(conn, cfg.PublisherConfirms, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	txStore := mongostore.NewTransactionStore(db, log)
	userStore := mongostore.NewUserStore(db, log)
	auditLog := mongostore.NewAuditLog(db, log)
	if err := txStore.EnsureIndexes(bootCtx); err != nil {
		return err
	}
	if err := userStore.EnsureIndexes(bootCtx); err != nil {
		return err
	}

	bridge := events.NewBridge(rdb, log)
	intake := payout.NewIntakeService(
		redislock.New(rdb, log),
		userStore,
		balance.New(rdb, log),
		txStore,
		publisher,
		bridge,
		auditLog,
		payout.IntakeConfig{
			LockTTL:        cfg.LockTTL,
			LockRetries:    cfg.LockRetryCount,
			LockRetryDelay: cfg.LockRetryDelay,
			MinAmount:      cfg.MinPayoutAmount,
			MaxAmount:      cfg.MaxPayoutAmount,
		},
		log,
	)

	registry := ws.NewRegistry(log)
	subCtx, stopSub := context.WithCancel(context.Background())
	defer stopSub()
	if err := bridge.Subscribe(subCtx, registry); err != nil {
		return err
	}

	limiter := httpapi.NewRateLimiter(rdb, httpapi.RateLimitConfig{
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitMaxRequests,
		UserWindow:  cfg.UserRateLimitWindow,
		UserMax:     cfg.UserRateLimitMax,
	}, log)

	health := httpapi.NewHealthChecker(rdb, mc, conn)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewServer(intake, registry, health, log).Router(limiter),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	stopSub()
	registry.CloseAll()
	return nil
}
