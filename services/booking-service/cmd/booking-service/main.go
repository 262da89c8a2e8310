package main

import (
	"context"
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/config"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/db"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/httpx"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/kafkax"
	otelx "github.com/Salveishonn/wash-on-demand-eco-sub002/libs/otel"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/runtime"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/handlers"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/model"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/schedule"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

func loadTemplate(logger *slog.Logger) schedule.WeekTemplate {
	weekday := config.List("SLOT_TEMPLATE_WEEKDAY", nil)
	saturday := config.List("SLOT_TEMPLATE_SATURDAY", nil)
	sunday := config.List("SLOT_TEMPLATE_SUNDAY", nil)
	if weekday == nil && saturday == nil && sunday == nil {
		return schedule.Default()
	}
	tmpl, err := schedule.New(weekday, saturday, sunday)
	if err != nil {
		logger.Error("invalid slot template config; using default", "err", err)
		return schedule.Default()
	}
	return tmpl
}

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8081")
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

	reservations := storage.NewReservationRepository(pool)
	subscriptions := storage.NewSubscriptionRepository(pool)
	outbox := events.NewOutbox(pool)
	template := loadTemplate(logger)

	publisher := events.NewPublisher(pool, outbox, logger, events.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	inbox := events.NewInbox(pool)
	startConsumer := func(topic string, handler events.Handler) {
		if strings.TrimSpace(topic) == "" {
			return
		}
		c := events.NewConsumer(logger, inbox, events.ConsumerConfig{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "booking-service"),
			Topic:   topic,
		}, handler)
		go c.Run(ctx)
	}

	// Billing owns subscription state; these consumers keep the local
	// projection that the wash debit runs against.
	applySubscription := func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			SubscriptionID     string `json:"subscription_id"`
			Tier               string `json:"tier"`
			Status             string `json:"status"`
			WashesPerCycle     int    `json:"washes_per_cycle"`
			CurrentPeriodStart string `json:"current_period_start"`
			CurrentPeriodEnd   string `json:"current_period_end"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.SubscriptionID == "" {
			logger.Error("missing subscription_id", "topic", msg.Topic)
			return nil
		}
		sub := model.Subscription{
			ID:              payload.SubscriptionID,
			Tier:            payload.Tier,
			Status:          payload.Status,
			WashesRemaining: payload.WashesPerCycle,
		}
		if sub.Status == "" {
			sub.Status = model.SubscriptionActive
		}
		if t, err := time.Parse(time.RFC3339, payload.CurrentPeriodStart); err == nil {
			sub.CurrentPeriodStart = &t
		}
		if t, err := time.Parse(time.RFC3339, payload.CurrentPeriodEnd); err == nil {
			sub.CurrentPeriodEnd = &t
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := subscriptions.Upsert(ctx, tx, sub); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	applyStatus := func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			SubscriptionID string `json:"subscription_id"`
			Status         string `json:"status"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.SubscriptionID == "" {
			return nil
		}
		status := payload.Status
		if status == "" {
			status = model.SubscriptionCanceled
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := subscriptions.SetStatus(ctx, tx, payload.SubscriptionID, status); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	startConsumer("billing.subscription.activated.v1", applySubscription)
	startConsumer("billing.cycle.generated.v1", applySubscription)
	startConsumer("billing.subscription.canceled.v1", applyStatus)
	startConsumer("billing.subscription.status_changed.v1", applyStatus)

	availabilityHandler := handlers.NewAvailabilityHandler(reservations, template, logger)
	bookingHandler := handlers.NewBookingHandler(reservations, subscriptions, outbox, template, logger)
	reservationsHandler := handlers.NewReservationsHandler(reservations, outbox, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	// Public endpoints are rate limited; Redis when available so the limit
	// holds across replicas, otherwise per-process.
	limit := config.Int("RATE_LIMIT_REQUESTS", 60)
	window := config.Duration("RATE_LIMIT_WINDOW", time.Minute)
	var limiter httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: config.String("REDIS_PASSWORD", "")})
		limiter = httpx.NewRedisRateLimiter(rdb, limit, window, "booking:rl").Middleware(logger, true)
	} else {
		limiter = httpx.NewRateLimiter(limit, window).Middleware()
	}
	public := func(h http.HandlerFunc) http.Handler {
		return httpx.Chain(h, limiter, httpx.WithBodyLimit(64<<10))
	}

	mux.Handle("/api/v1/public/availability", public(availabilityHandler.Get))
	mux.Handle("/api/v1/public/bookings", public(bookingHandler.Create))
	mux.HandleFunc("/api/v1/reservations", reservationsHandler.List)
	mux.HandleFunc("/api/v1/reservations/cancel", reservationsHandler.Cancel)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		}),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
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
