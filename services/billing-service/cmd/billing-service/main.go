package main

import (
	"context"
	"embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/config"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/db"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/httpx"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/kafkax"
	otelx "github.com/Salveishonn/wash-on-demand-eco-sub002/libs/otel"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/runtime"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/cycles"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/handlers"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/renewal"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/storage"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/subscriptions"
)

//go:embed migrations/*.sql
var migrations embed.FS

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	port, err := config.Port("PORT", "8082")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	if err := db.Migrate(dbURL, migrations); err != nil {
		logger.Error("migrations failed", "err", err)
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	repo := storage.NewRepository(pool)
	outbox := events.NewOutbox(pool)
	generator := cycles.NewGenerator(repo, outbox, logger)
	subSvc := subscriptions.New(repo, outbox, generator)

	handler := handlers.New(repo, outbox, subSvc, generator, logger, handlers.Config{
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),
		StripeSecretKey:               config.String("STRIPE_SECRET_KEY", ""),
		StripePriceLite:               config.String("STRIPE_PRICE_LITE", ""),
		StripePricePlus:               config.String("STRIPE_PRICE_PLUS", ""),
		StripePricePro:                config.String("STRIPE_PRICE_PRO", ""),
		CheckoutSuccessURL:            config.String("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:             config.String("CHECKOUT_CANCEL_URL", ""),
	})

	publisher := events.NewPublisher(pool, outbox, logger, events.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	renewalWorker := renewal.NewWorker(repo, generator, logger, renewal.Config{
		Interval:  config.Duration("RENEWAL_INTERVAL", time.Hour),
		BatchSize: config.Int("RENEWAL_BATCH_SIZE", 200),
	})
	go renewalWorker.Run(ctx)

	// Booking reports consumed washes; billing keeps the ledger.
	inbox := events.NewInbox(pool)
	redeemedConsumer := events.NewConsumer(logger, inbox, events.ConsumerConfig{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "billing-service"),
		Topic:   "booking.wash.redeemed.v1",
	}, func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			SubscriptionID string `json:"subscription_id"`
			ReservationID  string `json:"reservation_id"`
			Date           string `json:"date"`
			Time           string `json:"time"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.SubscriptionID == "" || payload.ReservationID == "" {
			logger.Error("missing required event fields", "topic", msg.Topic)
			return nil
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if _, err := repo.RecordRedemption(ctx, tx, payload.SubscriptionID, payload.ReservationID, time.Now().UTC()); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	go redeemedConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/checkout", handler.Checkout)
	mux.HandleFunc("/api/v1/checkout/session", handler.CheckoutSessionStatus)
	mux.HandleFunc("/api/v1/subscriptions", handler.GetSubscriptions)
	mux.HandleFunc("/api/v1/subscriptions/cancel", handler.CancelSubscription)
	mux.HandleFunc("/api/v1/cycles/generate", handler.GenerateCycles)
	mux.HandleFunc("/webhooks/stripe", handler.StripeWebhook)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "billing")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
