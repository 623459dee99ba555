package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diewo77/school-billing/internal/aging"
	"github.com/diewo77/school-billing/internal/config"
	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/logging"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/posting"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/ratelimit"
	"github.com/diewo77/school-billing/internal/reconcile"
	"github.com/diewo77/school-billing/internal/reminder"
	"github.com/diewo77/school-billing/internal/revenue"
	"github.com/diewo77/school-billing/internal/scheduler"
	"github.com/diewo77/school-billing/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	migrateOnlyFlag = flag.Bool("migrate-only", false, "Run DB migrations and exit")
	seedOnlyFlag    = flag.Bool("seed-only", false, "Run DB seed and exit")
)

func main() {
	flag.Parse()

	// Load environment variables from .env file
	_ = godotenv.Load()

	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}
	logger := logging.Setup(cfg.App.LogLevel, cfg.App.LogFormat)

	dbConn, err := db.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	migrateURL := db.ToURLDSN(db.NormalizeDSN(cfg.Database.DSN()))

	if *migrateOnlyFlag {
		if err := db.Migrate(dbConn, cfg.App.Migrations, migrateURL); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		logger.Info("migrations completed")
		return
	}
	if *seedOnlyFlag {
		if err := seed(dbConn, cfg.App.SeedFile); err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
		logger.Info("seeding completed")
		return
	}

	// SQL migrations when MIGRATIONS=1, AutoMigrate in dev
	if cfg.App.Migrations || cfg.App.Dev {
		if err := db.Migrate(dbConn, cfg.App.Migrations, migrateURL); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}
	if cfg.App.Seed {
		if err := seed(dbConn, cfg.App.SeedFile); err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shared, err := openShared(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer shared.close()

	q := queue.New(dbConn,
		queue.WithLogger(logger),
		queue.WithBackoffBase(cfg.Queue.BackoffBase),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts))

	postingSvc := posting.NewService(dbConn, q, shared.bus)
	paymentSvc, err := reconcile.NewService(dbConn, shared.bus, cfg.App.NodeID)
	if err != nil {
		log.Fatalf("Failed to create payment service: %v", err)
	}
	revenueSvc := revenue.NewService(dbConn, shared.bus)
	engine := reminder.NewEngine(dbConn, q, reminder.SendersFromConfig(cfg.Reminder)...)
	gateways, err := webhook.NewRegistry(cfg.Webhook.Gateways)
	if err != nil {
		log.Fatalf("Invalid webhook gateway config: %v", err)
	}
	processor := webhook.NewProcessor(gateways, shared.replay, paymentSvc, cfg.Webhook.Tolerance)

	worker := queue.NewWorker(q, cfg.Queue.PollInterval)
	worker.Register(models.JobFeePosting, postingSvc.Handler())
	worker.Register(models.JobReminderRun, engine.RunHandler())
	worker.Register(models.JobReminderDelivery, engine.DeliveryHandler())
	worker.Register(models.JobWebhookCallback, processor.Handler())
	// posting runs are heavy and per-tenant unique; one at a time is enough
	worker.Listen(queue.FeePosting, 1)
	worker.Listen(queue.Reminders, cfg.Queue.Workers)
	worker.Listen(queue.Webhooks, cfg.Queue.Workers)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	hub := events.NewHub(shared.bus)
	go hub.Run(ctx)

	var sched *scheduler.Scheduler
	if cfg.App.Scheduler {
		hour := cfg.App.SchedulerHour
		tasks := []scheduler.Task{
			scheduler.RevenueCycles(revenueSvc, hour),
			scheduler.Reminders(dbConn, q, (hour+3)%24, 0),
			scheduler.StaleJobs(q, 5*time.Minute, cfg.Queue.VisibilityTimeout),
			scheduler.StalledPostings(postingSvc, 5*time.Minute, cfg.Queue.VisibilityTimeout),
		}
		if cfg.App.AutoPosting {
			tasks = append(tasks, scheduler.MonthlyPosting(dbConn, postingSvc, hour))
		}
		sched = scheduler.New(tasks...)
		sched.Start(ctx)
	}

	app := NewApp(cfg, Services{
		DB:        dbConn,
		Queue:     q,
		Posting:   postingSvc,
		Payments:  paymentSvc,
		Revenue:   revenueSvc,
		Aging:     aging.NewService(dbConn),
		Reminders: engine,
		Gateways:  gateways,
		Hub:       hub,
		Limits:    shared.limits,
	})

	// Create server with config timeouts
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      withLogging(app),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "dev", cfg.App.Dev, "redis", cfg.Redis.Addr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	<-workerDone
	if sched != nil {
		sched.Wait()
	}
	logger.Info("server stopped gracefully")
}

func seed(d *gorm.DB, path string) error {
	f, err := db.LoadFixture(path)
	if err != nil {
		return err
	}
	return db.Seed(d, f)
}

// sharedStores holds the stores that must be common to every replica when Redis is
// configured, and process-local otherwise.
type sharedStores struct {
	bus    events.Bus
	replay webhook.ReplayCache
	limits ratelimit.Store
	close  func()
}

func openShared(ctx context.Context, cfg *config.Config) (*sharedStores, error) {
	if cfg.Redis.Addr == "" {
		slog.Warn("REDIS_ADDR not set; events, replay cache and rate limits are process-local")
		return &sharedStores{
			bus:    events.NewMemoryBus(64),
			replay: webhook.NewMemoryReplay(cfg.Webhook.ReplayTTL),
			limits: ratelimit.NewMemory(),
			close:  func() {},
		}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Redis.Addr, err)
	}
	bus, err := events.NewRedisBus(ctx, rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &sharedStores{
		bus:    bus,
		replay: webhook.NewRedisReplay(rdb, cfg.Webhook.ReplayTTL),
		limits: ratelimit.NewRedis(rdb),
		close: func() {
			_ = bus.Close()
			_ = rdb.Close()
		},
	}, nil
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required by the websocket upgrade on /finance/events.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// withLogging adds request logging middleware.
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.InfoContext(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
