package main

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/diewo77/school-billing/internal/aging"
	"github.com/diewo77/school-billing/internal/auth"
	"github.com/diewo77/school-billing/internal/config"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/handlers"
	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/diewo77/school-billing/internal/posting"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/ratelimit"
	"github.com/diewo77/school-billing/internal/reconcile"
	"github.com/diewo77/school-billing/internal/reminder"
	"github.com/diewo77/school-billing/internal/revenue"
	"github.com/diewo77/school-billing/internal/webhook"
	"gorm.io/gorm"
)

// Services bundles what the HTTP layer needs.
type Services struct {
	DB        *gorm.DB
	Queue     *queue.Queue
	Posting   *posting.Service
	Payments  *reconcile.Service
	Revenue   *revenue.Service
	Aging     *aging.Service
	Reminders *reminder.Engine
	Gateways  webhook.Registry
	Hub       *events.Hub
	Limits    ratelimit.Store
}

// App is the main application handler that sets up all routes.
type App struct {
	mux      *http.ServeMux
	svc      Services
	secret   string
	api      *ratelimit.Limiter
	webhooks *ratelimit.Limiter
	waSecret string
}

// NewApp creates a new application with all routes configured.
func NewApp(cfg *config.Config, svc Services) *App {
	app := &App{
		mux:      http.NewServeMux(),
		svc:      svc,
		secret:   cfg.App.SessionSecret,
		api:      ratelimit.New(svc.Limits, "api", limitOr(cfg.RateLimit.APILimit, cfg.RateLimit.APIWindow, ratelimit.API)),
		webhooks: ratelimit.New(svc.Limits, "webhook", limitOr(cfg.RateLimit.WebhookLimit, cfg.RateLimit.WebhookWindow, ratelimit.Webhook)),
		waSecret: cfg.Reminder.WhatsAppWebhookSecret,
	}
	app.setupRoutes()
	return app
}

// limitOr overrides the preset with configured values when they are set.
func limitOr(n int, window time.Duration, def ratelimit.Limit) ratelimit.Limit {
	if n > 0 {
		def.Max = n
	}
	if window > 0 {
		def.Window = window
	}
	return def
}

// ServeHTTP implements http.Handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// scope is attached globally; individual routes decide whether it is required
	handler := withRecover(auth.Middleware(a.secret)(a.mux))
	handler.ServeHTTP(w, r)
}

// setupRoutes configures all application routes.
func (a *App) setupRoutes() {
	// ─────────────────────────────────────────────────────────────────────────
	// Public routes
	// ─────────────────────────────────────────────────────────────────────────
	a.mux.HandleFunc("GET /health", a.health)
	a.mux.HandleFunc("GET /healthz", a.healthz)

	wh := handlers.NewWebhookHandler(a.svc.Gateways, a.svc.Queue)
	ds := handlers.NewDeliveryStatusHandler(a.svc.Reminders, a.waSecret)
	a.mux.Handle("POST /payments/webhook/{gateway}", a.webhooks.Middleware(http.HandlerFunc(wh.Receive)))
	a.mux.Handle("POST /webhooks/whatsapp/status", a.webhooks.Middleware(http.HandlerFunc(ds.Update)))

	// ─────────────────────────────────────────────────────────────────────────
	// Finance routes (require a tenant scope)
	// ─────────────────────────────────────────────────────────────────────────
	ph := handlers.NewPostingHandler(a.svc.Posting)
	a.mux.Handle("POST /finance/posting", a.protect(ph.Create))
	a.mux.Handle("GET /finance/posting", a.protect(ph.List))
	a.mux.Handle("POST /finance/posting/{id}/resume", a.protect(ph.Resume))

	pay := handlers.NewPaymentHandler(a.svc.Payments)
	a.mux.Handle("POST /finance/payments", a.protect(pay.Create))
	a.mux.Handle("GET /finance/challans/{id}/payments", a.protect(pay.ChallanPayments))
	a.mux.Handle("GET /finance/students/{id}/statement", a.protect(pay.StudentStatement))

	rh := handlers.NewReminderHandler(a.svc.Reminders, a.svc.Queue)
	a.mux.Handle("POST /finance/reminders", a.protect(rh.Trigger))
	a.mux.Handle("GET /finance/reminders", a.protect(rh.Stats))
	a.mux.Handle("GET /finance/reminder-rules", a.protect(rh.ListRules))
	a.mux.Handle("POST /finance/reminder-rules", a.protect(rh.CreateRule))
	a.mux.Handle("DELETE /finance/reminder-rules/{id}", a.protect(rh.DeactivateRule))
	a.mux.Handle("GET /finance/students/{id}/reminders", a.protect(rh.StudentLogs))

	ag := handlers.NewAgingHandler(a.svc.Aging)
	a.mux.Handle("GET /finance/aging", a.protect(ag.Get))

	a.mux.Handle("GET /finance/events", a.protect(a.eventStream))

	// ─────────────────────────────────────────────────────────────────────────
	// Billing and operations
	// ─────────────────────────────────────────────────────────────────────────
	rv := handlers.NewRevenueHandler(a.svc.Revenue)
	a.mux.Handle("POST /billing/revenue-cycles", a.protect(rv.Action))
	a.mux.Handle("GET /billing/revenue-cycles", a.protect(rv.Get))

	jh := handlers.NewJobsHandler(a.svc.Queue)
	a.mux.Handle("GET /jobs/metrics", a.protect(jh.Metrics))
	a.mux.Handle("GET /jobs", a.protect(jh.List))
	a.mux.Handle("GET /jobs/{id}", a.protect(jh.Get))
	a.mux.Handle("POST /jobs/{id}/retry", a.protect(jh.Retry))
}

// ─────────────────────────────────────────────────────────────────────────────
// Middleware
// ─────────────────────────────────────────────────────────────────────────────

// protect requires a scope and applies the API rate limit, keyed by tenant.
func (a *App) protect(h http.HandlerFunc) http.Handler {
	return auth.RequireScope(a.api.Middleware(h))
}

// withRecover turns a handler panic into a 500 instead of a dropped connection.
func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(r.Context(), "panic serving request",
					"method", r.Method, "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthz also checks the database.
func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.svc.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "health check failed", "error", err)
		httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "down"})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "up"})
}

// eventStream upgrades to a websocket carrying the caller's tenant events.
func (a *App) eventStream(w http.ResponseWriter, r *http.Request) {
	scope, _ := auth.ScopeFromContext(r.Context())
	a.svc.Hub.Serve(w, r, scope.TenantID)
}
