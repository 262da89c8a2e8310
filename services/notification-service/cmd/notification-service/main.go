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
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/email"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/handlers"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/notify"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/sms"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8083")
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
	inbox := events.NewInbox(pool)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "localhost"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", ""),
	)

	var smsSender sms.Sender
	switch config.String("SMS_PROVIDER", "noop") {
	case "webhook":
		smsSender = sms.NewWebhookSender(
			config.String("SMS_WEBHOOK_URL", ""),
			config.String("SMS_WEBHOOK_TOKEN", ""),
		)
	default:
		smsSender = sms.NewNoopSender()
	}

	notifier := notify.New(pool, repo, outbox, emailSender, smsSender, logger,
		config.String("ADMIN_EMAIL", ""),
		config.String("ADMIN_PHONE", ""),
	)

	publisher := events.NewPublisher(pool, outbox, logger, events.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "notification-service")
	startConsumer := func(topic string, handle func(context.Context, notify.ReservationEvent) error) {
		consumer := events.NewConsumer(logger, inbox, events.ConsumerConfig{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, func(ctx context.Context, msg kafka.Message) error {
			var evt notify.ReservationEvent
			if err := json.Unmarshal(msg.Value, &evt); err != nil {
				logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
				return nil
			}
			return handle(ctx, evt)
		})
		go consumer.Run(ctx)
	}
	startConsumer("booking.reservation.created.v1", notifier.HandleReservationCreated)
	startConsumer("booking.reservation.cancelled.v1", notifier.HandleReservationCancelled)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	deliveriesHandler := handlers.NewDeliveriesHandler(repo, logger)
	mux.HandleFunc("/api/v1/notifications", deliveriesHandler.List)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "notification")
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
