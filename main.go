package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"

	"table-reservations/internal/config"
	"table-reservations/internal/handlers"
	"table-reservations/internal/kafka"
	"table-reservations/internal/logger"
	"table-reservations/internal/middleware"
	"table-reservations/internal/models"
	"table-reservations/internal/obs"
	"table-reservations/internal/ratelimit"
	rediswrap "table-reservations/internal/redis"
	"table-reservations/internal/services"
	"table-reservations/internal/storage"
	"table-reservations/internal/sweeper"
)

const serviceName = "table-reservations"

// backend bundles the storage chosen by DB_DRIVER.
type backend struct {
	ledger  storage.Ledger
	catalog interface {
		storage.Catalog
		storage.CatalogWriter
	}
	health handlers.HealthCheck
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.LogProcess("STARTUP", "Table reservations service starting up...")

	cfg, err := config.LoadWithFile(".env")
	if err != nil {
		log.Fatal("CONFIG", "Failed to load configuration: "+err.Error())
	}
	if cfg.Auth.Secret == "" {
		log.Fatal("CONFIG", "JWT_SECRET is required to authenticate API requests")
	}
	policy, err := services.NewPolicy(cfg.Policy)
	if err != nil {
		log.Fatal("CONFIG", "Invalid booking policy: "+err.Error())
	}
	log.Info("CONFIG", "Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracer(ctx, cfg.Tracing, log)
	if err != nil {
		log.Fatal("TRACING", "Failed to initialize tracing: "+err.Error())
	}

	log.LogProcess("DATABASE", "Initializing "+cfg.Database.Driver+" storage...")
	store, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("DATABASE", "Failed to initialize storage: "+err.Error())
	}
	defer store.ledger.Close()

	if cfg.Database.SeedFile != "" {
		seed, err := storage.LoadSeedFile(cfg.Database.SeedFile)
		if err != nil {
			log.Fatal("CATALOG", err.Error())
		}
		if err := seed.Apply(ctx, store.catalog, log); err != nil {
			log.Fatal("CATALOG", "Failed to seed catalog: "+err.Error())
		}
	}

	log.LogProcess("KAFKA", "Initializing Kafka producer...")
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, !cfg.Kafka.Enabled, log)
	if err != nil {
		log.Fatal("KAFKA", "Failed to create Kafka producer: "+err.Error())
	}
	defer producer.Close()

	opts := []services.Option{}
	var webhooks handlers.WebhookParser
	if cfg.Stripe.SecretKey != "" {
		stripeService, err := services.NewStripeService(cfg.Stripe, log)
		if err != nil {
			log.Fatal("STRIPE", "Failed to initialize Stripe service: "+err.Error())
		}
		opts = append(opts, services.WithPaymentVerifier(stripeService))
		webhooks = stripeService
	} else {
		log.Warn("STRIPE", "STRIPE_SECRET_KEY not set, payment intent confirmation disabled")
	}

	bookings := services.NewBookingService(store.ledger, store.catalog, producer, log, policy, opts...)
	log.LogProcess("SERVICE", "Booking service initialized")

	var (
		limiter ratelimit.Limiter = ratelimit.NewLocal(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.TTL)
		locks   handlers.RequestLocker
		checks  = map[string]handlers.HealthCheck{"ledger": store.health}
	)
	if cfg.Redis.Addr != "" {
		client, err := rediswrap.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("REDIS", err.Error())
		}
		defer client.Close()
		r := rediswrap.NewRedis(client)
		limiter = rediswrap.NewWindowLimiter(r, "ratelimit", cfg.RateLimit.Limit, cfg.RateLimit.Window)
		locks = r
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		log.LogProcess("REDIS", "Redis connection successful, using shared rate limits")
	}

	if cfg.Kafka.Enabled {
		log.LogProcess("KAFKA", "Initializing Kafka consumer...")
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.PaymentTopic}, log)
		if err != nil {
			log.Fatal("KAFKA", "Failed to create Kafka consumer: "+err.Error())
		}
		defer consumer.Close()

		confirm := kafka.ConfirmerFunc(func(ctx context.Context, id string, receipt *models.PaymentReceipt) error {
			_, err := bookings.ConfirmPayment(ctx, id, receipt)
			return err
		})
		go func() {
			log.LogKafka("START", cfg.Kafka.PaymentTopic, "Starting payment consumer")
			if err := consumer.ConsumePayments(ctx, confirm); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("KAFKA", "Consumer error: "+err.Error())
			}
		}()
	}

	sweep := sweeper.New(bookings, policy.Location, log)
	if cfg.Sweep.Interval > 0 {
		if err := sweep.Start(ctx, cfg.Sweep.Interval); err != nil {
			log.Fatal("SWEEPER", err.Error())
		}
		defer sweep.Stop()
	}

	auth := middleware.NewAuthenticator(cfg.Auth, log)
	router := setupRouter(log, cfg, limiter, auth, checks,
		handlers.NewBookingHandler(bookings, locks, log),
		handlers.NewPaymentHandler(bookings, log),
		stripeHandler(webhooks, bookings, log),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.LogProcess("SERVER", "Starting HTTP server on "+srv.Addr)
		log.Info("STARTUP", fmt.Sprintf("Health check available at: http://localhost%s/health", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("SERVER", "Server failed to start: "+err.Error())
		}
	}()

	<-ctx.Done()
	log.Warn("SHUTDOWN", "Received shutdown signal, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("SHUTDOWN", "Server forced to shutdown: "+err.Error())
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("SHUTDOWN", "Tracer shutdown: "+err.Error())
	}
	log.Info("SHUTDOWN", "Table reservations service shutdown completed")
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverMySQL:
		ledger, err := storage.NewMySQLLedger(cfg.Database, log)
		if err != nil {
			return nil, err
		}
		return &backend{ledger: ledger, catalog: storage.NewMySQLCatalog(ledger), health: ledger.HealthCheck}, nil
	case config.DriverPostgres:
		ledger, err := storage.NewPostgresLedger(cfg.Postgres, log)
		if err != nil {
			return nil, err
		}
		return &backend{ledger: ledger, catalog: storage.NewPostgresCatalog(ledger), health: ledger.HealthCheck}, nil
	default:
		log.Warn("DATABASE", "Using in-memory storage, bookings are lost on restart")
		return &backend{
			ledger:  storage.NewMemoryLedger(),
			catalog: storage.NewMemoryCatalog(),
			health:  func(context.Context) error { return nil },
		}, nil
	}
}

func stripeHandler(webhooks handlers.WebhookParser, bookings *services.BookingService, log *logger.Logger) *handlers.StripeHandler {
	if webhooks == nil {
		return nil
	}
	return handlers.NewStripeHandler(webhooks, bookings, log)
}

func setupRouter(
	log *logger.Logger,
	cfg *config.Config,
	limiter ratelimit.Limiter,
	auth *middleware.Authenticator,
	checks map[string]handlers.HealthCheck,
	bookingHandler *handlers.BookingHandler,
	paymentHandler *handlers.PaymentHandler,
	stripe *handlers.StripeHandler,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.EnhancedLogger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	router.Use(middleware.SecurityHeaders(log))

	handlers.NewHealthHandler(serviceName, checks).Register(router)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit(limiter, log))
	if stripe != nil {
		stripe.Register(v1)
	}

	authed := v1.Group("", auth.Middleware())
	bookingHandler.Register(authed)
	paymentHandler.Register(authed)

	log.LogProcess("ROUTER", fmt.Sprintf("All routes registered, read timeout %s", cfg.Server.ReadTimeout.Round(time.Second)))
	return router
}
