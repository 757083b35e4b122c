// The worker settles payouts: it consumes settlement work items, deducts the
// cached balance atomically, persists the outcome, and notifies the gateway
// fleet through the event bridge.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
	"github.com/swiftpay/payout/balance"
	"github.com/swiftpay/payout/config"
	"github.com/swiftpay/payout/events"
	"github.com/swiftpay/payout/mongostore"
	"github.com/swiftpay/payout/rabbitmq"
	"github.com/swiftpay/payout/redislock"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
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
	if err := txStore.EnsureIndexes(bootCtx); err != nil {
		return err
	}

	settlement := payout.NewSettlementService(
		redislock.New(rdb, log),
		userStore,
		balance.New(rdb, log),
		txStore,
		events.NewBridge(rdb, log),
		mongostore.NewAuditLog(db, log),
		payout.SettlementConfig{LockTTL: cfg.LockTTL},
		log,
	)

	consumer, err := rabbitmq.NewConsumer(conn, publisher, settlement.ProcessPayout, rabbitmq.ConsumerConfig{
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  cfg.MaxRetryAttempts,
		RetryDelay:  cfg.RetryDelay,
	}, log)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := consumer.Start(runCtx); err != nil {
		return err
	}

	// A broker-initiated close means we can no longer make progress; exit and
	// let the orchestrator restart the process.
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-connClosed:
		if err != nil {
			return err
		}
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	if err := consumer.Stop(cfg.ShutdownGrace); err != nil {
		log.Warn("consumer stop incomplete", zap.Error(err))
	}
	stop()
	return nil
}
