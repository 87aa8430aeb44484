package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"stock_reserve/internal/config"
	"stock_reserve/internal/model"
	"stock_reserve/internal/notify"
	"stock_reserve/internal/orderstate"
	"stock_reserve/internal/reservation"
	"stock_reserve/internal/router"
	"stock_reserve/internal/stock"
	"stock_reserve/internal/sweep"
	"stock_reserve/internal/webhook"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// _busy_timeout keeps concurrent request handlers from failing fast
	// on sqlite's single-writer lock; _txlock=immediate takes the write
	// lock at BEGIN so multi-statement transactions cannot deadlock on
	// a lock upgrade.
	db, err := gorm.Open(sqlite.Open(cfg.DBPath+"?_busy_timeout=5000&_txlock=immediate"), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := db.AutoMigrate(
		&model.Product{},
		&model.Variant{},
		&model.Reservation{},
		&model.Order{},
		&model.OrderItem{},
		&model.OrderEvent{},
		&model.WebhookEvent{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// Notification pipeline: services -> redis stream -> relay -> kafka
	// -> consumer (dispatcher).
	publisher := notify.NewStreamPublisher(rdb, cfg.NotifyStream)
	producer := notify.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic)
	defer producer.Close()
	relay := notify.NewRelay(rdb, producer, cfg.NotifyStream, cfg.NotifyStreamGroup, cfg.NotifyStreamConsumer)
	go relay.Run(ctx)
	consumer := notify.NewConsumer(cfg.KafkaBrokers, cfg.NotifyTopic, cfg.NotifyGroup, notify.LogDispatcher)
	defer consumer.Close()
	go consumer.Run(ctx)

	ledger := stock.NewLedger()
	reservations := reservation.NewManager(db, ledger, cfg.ReservationTTL, publisher)
	machine := orderstate.NewMachine(db, reservations, publisher)
	webhooks := webhook.NewService(db, machine, cfg.WebhookSecrets, cfg.WebhookMaxRetries, cfg.WebhookBackoffBase, rdb, publisher)

	sweeper := sweep.New(reservations, webhooks, rdb, cfg.ExpireSweepInterval, cfg.RetrySweepInterval, cfg.WebhookRetryBatch)
	go sweeper.RunReservationExpiry(ctx)
	go sweeper.RunWebhookRetry(ctx)

	r := gin.Default()
	router.Setup(r, db, rdb, ledger, reservations, machine, webhooks, cfg)

	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
