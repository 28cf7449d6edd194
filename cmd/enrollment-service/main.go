package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/application"
	enrollhttp "github.com/coursehive/enrollment-service/internal/enrollment/infrastructure/http"
	enrollkafka "github.com/coursehive/enrollment-service/internal/enrollment/infrastructure/kafka"
	enrollmongo "github.com/coursehive/enrollment-service/internal/enrollment/infrastructure/mongo"
	"github.com/coursehive/enrollment-service/internal/enrollment/infrastructure/notify"
	enrollstripe "github.com/coursehive/enrollment-service/internal/enrollment/infrastructure/stripe"
	"github.com/coursehive/enrollment-service/pkg/cache"
	"github.com/coursehive/enrollment-service/pkg/config"
	"github.com/coursehive/enrollment-service/pkg/idempotency"
	"github.com/coursehive/enrollment-service/pkg/logging"
	"github.com/coursehive/enrollment-service/pkg/metrics"
	"github.com/coursehive/enrollment-service/pkg/outbox"
	"github.com/coursehive/enrollment-service/pkg/shutdown"
	"github.com/coursehive/enrollment-service/pkg/tracing"
	"github.com/coursehive/enrollment-service/pkg/txn"
)

const eventLogTTL = 7 * 24 * time.Hour

func main() {
	cfg, err := config.Load(os.Getenv("ENROLLMENT_CONFIG"))
	if err != nil {
		logging.New("enrollment-service", "info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Service, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.Service, cfg.Tracing.Endpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}

	// Mongo
	mc, err := enrollmongo.Connect(ctx, cfg.Mongo.URI)
	if err != nil {
		log.Error("mongo connect failed", "err", err)
		os.Exit(1)
	}
	db := mc.Database(cfg.Mongo.Database)
	if err := enrollmongo.EnsureIndexes(ctx, db); err != nil {
		log.Error("mongo indexes failed", "err", err)
		os.Exit(1)
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Redis.Addr,
		Password:              cfg.Redis.Password,
		DB:                    cfg.Redis.DB,
		ContextTimeoutEnabled: true,
	})

	m := metrics.New(cfg.Service)
	store := cache.NewStore(log, rdb, cache.Options{
		Namespace:         cfg.Env,
		DefaultTTL:        cfg.Cache.DefaultTTL,
		LongTTL:           cfg.Cache.LongTTL,
		InvalidateTimeout: cfg.Cache.InvalidateTimeout,
		OpTimeout:         cfg.Cache.OpTimeout,
		OnInvalidate:      m.ObserveInvalidation,
	})
	idem := idempotency.NewStore(rdb, cfg.Env+":", eventLogTTL)

	exec := txn.NewExecutor(log, txn.NewMongoSessions(mc),
		txn.WithDefaults(txn.Options{
			MaxDuration: cfg.Tx.MaxDuration,
			Retries:     cfg.Tx.Retries,
			RetryDelay:  cfg.Tx.RetryDelay,
		}),
		txn.WithObserver(m.ObserveTxAttempt),
	)

	// Repositories & services
	clk := clock.NewSystem()
	enrollRepo := enrollmongo.NewEnrollmentRepository(log, db)
	couponRepo := enrollmongo.NewCouponRepository(log, db)
	outboxStore := enrollmongo.NewOutboxStore(log, db)
	courses := application.NewCachedCourses(enrollmongo.NewCourseCatalog(db), store, 0)
	coupons := application.NewCoupons(log, couponRepo, store, clk)

	gateway := enrollstripe.NewGateway(log, enrollstripe.NewClient(cfg.Stripe.SecretKey), enrollstripe.Config{
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
		SessionTTL:    cfg.Stripe.SessionTTL,
	})

	checkout := application.NewCheckout(application.CheckoutDeps{
		Log:           log,
		Enrollments:   enrollRepo,
		Courses:       courses,
		Coupons:       coupons,
		Gateway:       gateway,
		Tx:            exec,
		Outbox:        outboxStore,
		Cache:         store,
		Clock:         clk,
		PendingMinTTL: cfg.Checkout.PendingMinTTL,
	})
	webhooks := application.NewWebhooks(application.WebhookDeps{
		Log:         log,
		Gateway:     gateway,
		Enrollments: enrollRepo,
		Courses:     courses,
		Coupons:     coupons,
		Tx:          exec,
		Outbox:      outboxStore,
		Cache:       store,
		Events:      idem,
		Clock:       clk,
	})
	queries := application.NewEnrollments(log, enrollRepo, store)

	// Kafka: outbox relay out, notifications in
	writer := enrollkafka.NewWriter(cfg.Kafka.Brokers)
	dispatch := outbox.NewDispatcher(log, writer, cfg.Kafka.Topic)
	relay := outbox.NewRelay(log, outboxStore, dispatch, cfg.Service+"-relay")

	notifications := application.NewNotifications(log, notify.NewLogNotifier(log))
	consumer := enrollkafka.NewConsumer(log,
		enrollkafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID),
		notifications, idem)

	// HTTP server
	handler := enrollhttp.NewHandler(log, checkout, webhooks, queries, m,
		enrollhttp.Check{Name: "mongo", Fn: func(ctx context.Context) error { return mc.Ping(ctx, nil) }},
		enrollhttp.Check{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	var workers shutdown.Workers
	workers.Go(func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	})
	workers.Go(func() {
		if err := consumer.Run(ctx); err != nil {
			log.Error("consumer stopped with error", "err", err)
		}
	})
	workers.Go(func() {
		if err := coupons.RunSweeper(ctx, cfg.Sweeper.Interval); err != nil {
			log.Error("coupon sweeper stopped with error", "err", err)
		}
	})
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	err = shutdown.Run(log, 15*time.Second,
		shutdown.Hook{Name: "http", Fn: srv.Shutdown},
		shutdown.Hook{Name: "workers", Fn: workers.Wait},
		shutdown.Hook{Name: "cache-invalidations", Fn: func(context.Context) error { store.Wait(); return nil }},
		shutdown.Hook{Name: "kafka-writer", Fn: func(context.Context) error { return writer.Close() }},
		shutdown.Hook{Name: "redis", Fn: func(context.Context) error { return rdb.Close() }},
		shutdown.Hook{Name: "mongo", Fn: disconnect(mc)},
		shutdown.Hook{Name: "tracing", Fn: tp.Shutdown},
	)
	if err != nil {
		os.Exit(1)
	}
	log.Info("enrollment-service shutdown complete")
}

func disconnect(c *mongo.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error { return c.Disconnect(ctx) }
}
