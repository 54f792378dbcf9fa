package main

import (
	"context"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mindfulpath/scheduling/internal/app"
	"github.com/mindfulpath/scheduling/internal/availability"
	"github.com/mindfulpath/scheduling/internal/booking"
	"github.com/mindfulpath/scheduling/internal/catalog"
	"github.com/mindfulpath/scheduling/internal/config"
	"github.com/mindfulpath/scheduling/internal/conflict"
	"github.com/mindfulpath/scheduling/internal/handlers"
	"github.com/mindfulpath/scheduling/internal/httpx"
	"github.com/mindfulpath/scheduling/internal/kafkax"
	"github.com/mindfulpath/scheduling/internal/metrics"
	"github.com/mindfulpath/scheduling/internal/otelx"
	"github.com/mindfulpath/scheduling/internal/outbox"
	"github.com/mindfulpath/scheduling/internal/payments"
	"github.com/mindfulpath/scheduling/internal/postgres"
	"github.com/mindfulpath/scheduling/internal/profile"
	"github.com/mindfulpath/scheduling/internal/projection"
	"github.com/mindfulpath/scheduling/internal/schedule"
	"github.com/mindfulpath/scheduling/internal/storage"
)

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := app.NewLogger(service)

	ctx, stop := app.SignalContext()
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
	pool, err := postgres.Open(ctx, dbURL, postgres.DefaultOptions())
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.String("REDIS_ADDR", "localhost:6379"),
		Password: config.String("REDIS_PASSWORD", ""),
	})
	defer func() { _ = rdb.Close() }()

	registry := prometheus.NewRegistry()
	schedulingMetrics := metrics.NewSchedulingMetrics(registry)

	slotCatalog := catalog.NewCache(
		catalog.NewRepository(pool),
		rdb,
		config.Duration("TIMESLOT_CACHE_TTL", 5*time.Minute),
		logger,
	)
	profiles := profile.NewRepository(pool)
	scheduleRepo := schedule.NewRepository(pool)
	apptRepo := storage.NewAppointmentRepository(pool)
	outboxRepo := outbox.NewRepository(pool)

	resolver := availability.NewResolver(scheduleRepo, slotCatalog, logger)
	window := config.BookingWindowFromEnv()
	detector := conflict.NewDetector(resolver, profile.NewLocationSource(profiles), conflict.Window{
		MaxAdvanceDays:  window.MaxAdvanceDays,
		MinAdvanceHours: window.MinAdvanceHours,
	}, logger)
	bookingManager := booking.NewManager(
		booking.NewStore(apptRepo),
		detector,
		outboxRepo,
		profiles,
		slotCatalog,
		schedulingMetrics,
		logger,
	)
	slotProjection := projection.NewService(resolver, apptRepo, profiles, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	schedulingHandler := handlers.NewSchedulingHandler(bookingManager, slotProjection, scheduleRepo, logger)
	webhookHandler := payments.NewWebhookHandler(
		payments.NewEventsRepository(pool),
		apptRepo,
		logger,
		config.String("STRIPE_WEBHOOK_SECRET", ""),
		config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
	)

	mux := app.NewBaseMuxWithReady(
		app.ReadyCheck{Name: "db", Check: postgres.ReadyCheck(pool)},
		app.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		app.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/public/slots", schedulingHandler.Slots)
	mux.HandleFunc("/api/v1/public/calendar", schedulingHandler.Calendar)
	mux.HandleFunc("/api/v1/public/slots/search", schedulingHandler.Search)
	mux.HandleFunc("/api/v1/bookings", schedulingHandler.CreateBooking)
	mux.HandleFunc("/api/v1/bookings/check", schedulingHandler.CheckBooking)
	mux.HandleFunc("/api/v1/bookings/reschedule", schedulingHandler.Reschedule)
	mux.HandleFunc("/api/v1/bookings/cancel", schedulingHandler.Cancel)
	mux.HandleFunc("/api/v1/bookings/status", schedulingHandler.Transition)
	mux.HandleFunc("/api/v1/therapists/schedule", schedulingHandler.ReplaceSchedule)
	mux.HandleFunc("/api/v1/therapists/overrides", schedulingHandler.Overrides)
	mux.Handle("/api/v1/payments/webhook", webhookHandler)

	rateLimiter := httpx.NewRedisRateLimiter(
		rdb,
		config.Int("RATE_LIMIT_PER_MINUTE", 120),
		time.Minute,
		"scheduling:rl",
	)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
		rateLimiter.Middleware(logger, true),
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
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
