package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/config"
	"github.com/taskbridge/taskbridge/internal/handlers"
	"github.com/taskbridge/taskbridge/internal/handlers/admin"
	"github.com/taskbridge/taskbridge/internal/middleware"
	"github.com/taskbridge/taskbridge/internal/services/billing"
	"github.com/taskbridge/taskbridge/internal/services/key"
	"github.com/taskbridge/taskbridge/internal/services/ratelimit"
)

// Deps carries everything the router composes.
type Deps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Keys    *key.Service
	Billing *billing.Service
	Limiter ratelimit.RateLimiter

	Execute    *handlers.ExecuteHandler
	Files      *handlers.FilesHandler
	Sessions   *handlers.SessionsHandler
	Workspaces *handlers.WorkspacesHandler
	BillingAPI *handlers.BillingHandler
	Health     *handlers.HealthHandler
	AdminKeys  *admin.KeysHandler
}

// New assembles the full route table.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Config.CORS.AllowedOrigins,
		AllowedMethods: d.Config.CORS.AllowedMethods,
		AllowedHeaders: d.Config.CORS.AllowedHeaders,
		MaxAge:         d.Config.CORS.MaxAge,
	}))
	r.Use(middleware.RequestLogger(d.Logger))

	// Unauthenticated surfaces.
	r.Get("/health", d.Health.Health)
	r.Get("/metrics", d.Health.Metrics)
	r.Get("/metrics/history", d.Health.MetricsHistory)
	r.Handle("/metrics/prometheus", promhttp.Handler())

	auth := middleware.APIKeyAuth(middleware.AuthConfig{
		Keys:       d.Keys,
		LegacyKeys: d.Config.LegacyKeyList(),
		OpenMode:   d.Config.Auth.OpenMode,
		Logger:     d.Logger,
	})

	rl := d.Config.RateLimit
	globalLimit := func(next http.Handler) http.Handler { return next }
	executeLimit := globalLimit
	if rl.Enabled && d.Limiter != nil {
		globalLimit = middleware.RateLimit(d.Limiter, "rl:global", rl.GlobalMax, rl.Window, d.Logger)
		executeLimit = middleware.RateLimit(d.Limiter, "rl:execute", rl.ExecuteMax, rl.Window, d.Logger)
	}

	// Key-authenticated surfaces. Rate limits and body caps are IP-keyed
	// and run before authentication; a flooding client is turned away
	// without a key lookup.
	r.Group(func(r chi.Router) {
		r.Use(globalLimit)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.RequestSize(10 << 20))
			r.Use(executeLimit)
			r.Use(auth)
			r.Use(middleware.BudgetCheck(d.Billing, d.Logger))
			r.Post("/execute", d.Execute.Execute)
		})

		// File surfaces carry their own multipart cap in the handler.
		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Route("/workspace/{id}", func(r chi.Router) {
				r.Get("/files", d.Files.List)
				r.Post("/upload", d.Files.Upload)
				r.Get("/download/*", d.Files.Download)
				r.Delete("/files/*", d.Files.Delete)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.RequestSize(10 << 20))
			r.Use(auth)

			r.Post("/cache/clear", d.Sessions.ClearCache)

			r.Get("/sessions", d.Sessions.List)
			r.Get("/sessions/active/list", d.Sessions.ListActive)
			r.Get("/sessions/{id}", d.Sessions.Get)
			r.Delete("/sessions/{id}", d.Sessions.Delete)

			r.Get("/workspaces", d.Workspaces.List)
			r.Delete("/workspaces/{id}", d.Workspaces.Delete)

			r.Post("/cleanup/sessions", d.Sessions.Cleanup)
			r.Post("/cleanup/workspaces", d.Workspaces.Cleanup)

			r.Route("/billing", func(r chi.Router) {
				r.Get("/account", d.BillingAPI.Account)
				r.Get("/stats", d.BillingAPI.Stats)
				r.Get("/usage", d.BillingAPI.Usage)
				r.Get("/transactions", d.BillingAPI.Transactions)
				r.Get("/workspaces", d.BillingAPI.Workspaces)
			})
		})
	})

	// Admin surfaces, guarded by the configured credential.
	adminAuth := middleware.AdminAuth(d.Config.Admin.APIKey, d.Logger)
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.RequestSize(10 << 20))
		r.Use(adminAuth)

		r.Route("/admin/keys", func(r chi.Router) {
			r.Post("/", d.AdminKeys.Create)
			r.Get("/", d.AdminKeys.List)
			r.Get("/{id}", d.AdminKeys.Get)
			r.Patch("/{id}", d.AdminKeys.Update)
			r.Post("/{id}/revoke", d.AdminKeys.Revoke)
			r.Delete("/{id}", d.AdminKeys.Delete)
			r.Get("/{id}/usage", d.AdminKeys.Usage)
		})

		r.Route("/billing/admin/{keyID}", func(r chi.Router) {
			r.Post("/credits", d.BillingAPI.AdminAddCredits)
			r.Post("/limits", d.BillingAPI.AdminSetLimits)
			r.Get("/stats", d.BillingAPI.AdminStats)
		})
	})

	return r
}
