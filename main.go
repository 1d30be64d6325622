package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ms-mpesa/internal/analytics"
	analytics_api "ms-mpesa/internal/analytics/api"
	"ms-mpesa/internal/auth"
	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/checkout/checkout_api"
	"ms-mpesa/internal/config"
	"ms-mpesa/internal/database/migrations"
	"ms-mpesa/internal/kafka"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/mpesa"
	"ms-mpesa/internal/order"
	"ms-mpesa/internal/order/db"
	rediswrap "ms-mpesa/internal/order/redis"
	"ms-mpesa/internal/receipt"
	"ms-mpesa/internal/sse"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

const pushLockPrefix = "mpesa_push_lock:"

// subscribePushLockExpiry reports push locks that expired instead of being
// released, which means a terminal died while waiting for a confirmation.
func subscribePushLockExpiry(ctx context.Context, rdb *redis.Client, logger *logger.Logger) {
	val, err := rdb.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		logger.Error("REDIS", fmt.Sprintf("Failed to get keyspace config: %v", err))
	} else if len(val) < 2 || !strings.Contains(fmt.Sprint(val[1]), "x") || !strings.Contains(fmt.Sprint(val[1]), "E") {
		logger.Warn("REDIS", "Keyspace notifications not properly configured for expiry events!")
	}

	pubsub := rdb.PSubscribe(ctx, fmt.Sprintf("__keyevent@%d__:expired", rdb.Options().DB))
	logger.Info("REDIS", fmt.Sprintf("Subscribed to Redis keyevent expired notifications (DB %d)", rdb.Options().DB))

	go func() {
		defer pubsub.Close()
		for msg := range pubsub.Channel() {
			if !strings.HasPrefix(msg.Payload, pushLockPrefix) {
				continue
			}
			sessionID := strings.TrimPrefix(msg.Payload, pushLockPrefix)
			logger.Warn("PUSH_LOCK", fmt.Sprintf("Push lock for session %s expired without release; check the terminal for an unfinished payment", sessionID))
		}
	}()
}

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	if cfg.Database.DSN == "" {
		logger.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	logger.Info("DATABASE", "✅ PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	if cfg.Redis.Addr == "" {
		logger.Fatal("CONFIG", "REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}

	_, err = redisClient.ConfigSet(ctx, "notify-keyspace-events", "Ex").Result()
	if err != nil {
		logger.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
	} else {
		logger.Info("REDIS", "Keyspace notifications enabled for expired events")
	}

	logger.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, redisClient.Options().DB))
	return bunDB, redisClient
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprintf("%d", ww.Status()), time.Since(start).String())
		})
	}
}

func healthHandler(bunDB *bun.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := bunDB.PingContext(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "mpesa-gateway"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	logger.Info("APP", "Starting M-Pesa Gateway initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	defer redisClient.Close()

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
			MigrationsDir: cfg.Database.MigrationsDir,
			AutoMigrate:   true,
		}, logger)
		if err := runner.RunMigrations(); err != nil {
			logger.Fatal("MIGRATE", fmt.Sprintf("Schema migration failed: %v", err))
		}
	}

	store := &db.DB{Bun: bunDB}
	daraja := mpesa.NewClient(cfg.Mpesa, mpesa.NewRedisTokenCache(redisClient, cfg.Mpesa.Shortcode), logger)
	events := sse.NewPaymentEventEmitter()

	var publisher checkout.EventPublisher = events
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.CallbackReceived, cfg.Kafka.Topics.PaymentReconciled}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, logger); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			logger.Info("KAFKA", "Required topics ensured successfully")
		}

		producer := kafka.NewProducer(cfg.Kafka, logger)
		defer producer.Close()
		publisher = producer
		logger.Info("KAFKA", "Kafka producer initialized successfully")

		// Every instance relays the topics to its own stream subscribers.
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, topics, fmt.Sprintf("%s-%s", cfg.Kafka.GroupID, lockOwner()), logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx, events.Emit); err != nil {
				logger.Error("KAFKA", fmt.Sprintf("Payment event consumer stopped: %v", err))
			}
		}()
	}

	gateway := checkout.NewGateway(daraja, store, publisher, logger)
	gateway.Operator = auth.UserID

	orderService := order.NewOrderService(store, logger)
	orchestrator := checkout.NewOrchestrator(gateway, checkout_api.LogPrompter{Logger: logger}, cfg.Poll, logger)

	handler := checkout_api.NewHandler(gateway, orderService, orchestrator, events, logger)
	handler.Registrar = daraja
	handler.Receipts = store
	handler.QR = receipt.NewQRGenerator(cfg.Auth.ReceiptSecret)
	handler.Lock = rediswrap.NewPushLock(redisClient, lockOwner(), cfg.Redis.InFlightTTL, logger)
	handler.WaitBudget = cfg.WaitBudget()
	logger.Info("CONFIG", fmt.Sprintf("Poll window %s, checkout wait budget %s, push lock TTL %s",
		cfg.Poll.Window(), cfg.WaitBudget(), cfg.Redis.InFlightTTL))

	reports := analytics_api.NewHandler(analytics.NewService(analytics.NewDB(bunDB)), logger)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	// --- Public Routes ---
	guard, err := checkout_api.NewCallbackGuard(cfg.Mpesa.CallbackToken, cfg.Mpesa.CallbackAllowedIPs, cfg.Mpesa.CallbackTrustProxy, logger)
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Invalid callback guard settings: %v", err))
	}
	if cfg.Mpesa.CallbackToken == "" && len(cfg.Mpesa.CallbackAllowedIPs) == 0 {
		logger.Warn("SECURITY", "M-Pesa callback accepts any sender; set MPESA_CALLBACK_TOKEN or MPESA_CALLBACK_ALLOWED_IPS")
	}
	handler.MountCallback(r, guard)
	r.Get("/healthz", healthHandler(bunDB, redisClient))
	r.Handle("/metrics", promhttp.Handler())
	logger.Info("ROUTER", "Public callback, health and metrics endpoints registered")

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			mw, err := auth.Middleware(ctx, cfg.Auth.OIDCIssuer)
			if err != nil {
				logger.Fatal("AUTH", fmt.Sprintf("Failed to initialize OIDC middleware: %v", err))
			}
			r.Use(mw)
			logger.Info("AUTH", "JWT middleware applied to operator routes")
		} else {
			r.Use(auth.Identify)
			logger.Warn("AUTH", "Authentication disabled; operator identity is taken from unverified tokens")
		}
		handler.RegisterRoutes(r)
		reports.RegisterRoutes(r)
		logger.Info("ROUTER", "Operator routes registered under /mpesa, /api/orders and /api/analytics")
	})

	if cfg.Mpesa.RegisterC2B {
		if _, err := daraja.RegisterC2BURLs(ctx); err != nil {
			logger.Error("MPESA", fmt.Sprintf("C2B URL registration failed: %v", err))
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("REDIS", "Starting push lock expiry subscription")
	subscribePushLockExpiry(ctx, redisClient, logger)

	go func() {
		logger.Info("HTTP", fmt.Sprintf("🚀 M-Pesa Gateway running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	cancelAll()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "✅ M-Pesa Gateway shutdown complete")
	}
}
